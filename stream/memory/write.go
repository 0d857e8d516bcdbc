// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"

	"github.com/absmach/fluxstream/stream"
)

// PutRecord appends a single record. When SequenceNumberForOrdering is set,
// the write is rejected with ErrSequenceMismatch unless it names the last
// sequence number written for the same partition key.
func (s *Service) PutRecord(ctx context.Context, entry stream.PutEntry) (stream.PutResult, error) {
	if err := ctx.Err(); err != nil {
		return stream.PutResult{}, err
	}
	if entry.PartitionKey == "" {
		return stream.PutResult{}, fmt.Errorf("%w: partition key is required", stream.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpPutRecord); err != nil {
		return stream.PutResult{}, err
	}

	st, ok := s.streams[entry.StreamName]
	if !ok {
		return stream.PutResult{}, stream.ErrStreamNotFound
	}

	if want := entry.SequenceNumberForOrdering; want != "" {
		if last := st.lastByKey[entry.PartitionKey]; last != want {
			return stream.PutResult{}, fmt.Errorf("%w: partition key %q is at %q, got %q",
				stream.ErrSequenceMismatch, entry.PartitionKey, last, want)
		}
	}

	sh := st.route(entry.PartitionKey)
	if sh == nil {
		return stream.PutResult{}, fmt.Errorf("%w: stream %q has no open shards", stream.ErrUnavailable, st.name)
	}

	rec := st.append(sh, entry.PartitionKey, entry.Data)
	return stream.PutResult{SequenceNumber: rec.SequenceNumber, ShardID: rec.ShardID}, nil
}

// PutRecords appends a batch of records. Each entry succeeds or fails on its
// own; SequenceNumberForOrdering is ignored for batched writes.
func (s *Service) PutRecords(ctx context.Context, streamName string, entries []stream.PutEntry) ([]stream.PutRecordsEntryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 || len(entries) > maxPutRecordsEntries {
		return nil, fmt.Errorf("%w: a batch holds between 1 and %d records", stream.ErrInvalidArgument, maxPutRecordsEntries)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpPutRecords); err != nil {
		return nil, err
	}

	st, ok := s.streams[streamName]
	if !ok {
		return nil, stream.ErrStreamNotFound
	}

	results := make([]stream.PutRecordsEntryResult, len(entries))
	for i, e := range entries {
		if len(s.rejects) > 0 {
			r := s.rejects[0]
			s.rejects = s.rejects[1:]
			results[i] = stream.PutRecordsEntryResult{ErrorCode: r.code, ErrorMessage: r.message}
			continue
		}
		if e.PartitionKey == "" {
			results[i] = stream.PutRecordsEntryResult{
				ErrorCode:    "InvalidArgumentException",
				ErrorMessage: "partition key is required",
			}
			continue
		}
		sh := st.route(e.PartitionKey)
		if sh == nil {
			results[i] = stream.PutRecordsEntryResult{
				ErrorCode:    "InternalFailure",
				ErrorMessage: "no open shards",
			}
			continue
		}
		rec := st.append(sh, e.PartitionKey, e.Data)
		results[i] = stream.PutRecordsEntryResult{SequenceNumber: rec.SequenceNumber, ShardID: rec.ShardID}
	}

	return results, nil
}
