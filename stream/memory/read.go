// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"

	"github.com/absmach/fluxstream/stream"
)

// ListShards returns one page of shards. When nextToken is set the stream
// name is taken from the token.
func (s *Service) ListShards(ctx context.Context, streamName, nextToken string) (stream.ShardPage, error) {
	if err := ctx.Err(); err != nil {
		return stream.ShardPage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpListShards); err != nil {
		return stream.ShardPage{}, err
	}

	offset := 0
	if nextToken != "" {
		name, off, err := decodePageToken(nextToken)
		if err != nil {
			return stream.ShardPage{}, err
		}
		streamName, offset = name, off
	}

	st, ok := s.streams[streamName]
	if !ok {
		return stream.ShardPage{}, stream.ErrStreamNotFound
	}
	if offset > len(st.shards) {
		return stream.ShardPage{}, fmt.Errorf("%w: next token out of range", stream.ErrInvalidArgument)
	}

	end := min(offset+s.pageSize, len(st.shards))
	page := stream.ShardPage{Shards: make([]stream.Shard, 0, end-offset)}
	for _, sh := range st.shards[offset:end] {
		page.Shards = append(page.Shards, sh.shard)
	}
	if end < len(st.shards) {
		page.NextToken = encodePageToken(streamName, end)
	}

	return page, nil
}

// GetShardIterator returns a fresh iterator positioned at pos.
func (s *Service) GetShardIterator(ctx context.Context, streamName, shardID string, pos stream.StartingPosition) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := pos.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpGetShardIterator); err != nil {
		return "", err
	}

	st, sh, err := s.lookupShard(streamName, shardID)
	if err != nil {
		return "", err
	}

	return s.newIterator(st, sh, sh.indexOf(pos)), nil
}

// GetRecords consumes an iterator and returns up to limit records together
// with the iterator for the next read. Each iterator can be used once.
func (s *Service) GetRecords(ctx context.Context, iterator string, limit int) (stream.RecordBatch, error) {
	if err := ctx.Err(); err != nil {
		return stream.RecordBatch{}, err
	}
	if limit < 1 || limit > maxGetRecordsLimit {
		return stream.RecordBatch{}, fmt.Errorf("%w: limit must be between 1 and %d", stream.ErrInvalidArgument, maxGetRecordsLimit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.iterators[iterator]
	if ok {
		s.reads[it.shard.shard.ID]++
	}

	if err := s.begin(OpGetRecords); err != nil {
		return stream.RecordBatch{}, err
	}

	switch {
	case !ok:
		return stream.RecordBatch{}, stream.ErrInvalidIterator
	case it.used, it.expired:
		return stream.RecordBatch{}, stream.ErrExpiredIterator
	}
	it.used = true

	sh := it.shard
	end := min(it.pos+limit, len(sh.records))
	records := make([]stream.Record, end-it.pos)
	copy(records, sh.records[it.pos:end])

	batch := stream.RecordBatch{Records: records}
	if !sh.closed || end < len(sh.records) {
		batch.NextIterator = s.newIterator(it.stream, sh, end)
	}
	if last := len(sh.records); last > 0 && end < last {
		batch.MillisBehindLatest = sh.records[last-1].ArrivalTime.Sub(sh.records[end].ArrivalTime).Milliseconds()
	}

	return batch, nil
}
