// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process stream service with the semantics of
// a managed shard-partitioned log: paginated shard listings, single-use
// iterators, ordered writes chained by sequence number and push
// subscriptions.
package memory

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxstream/stream"
)

var _ stream.Service = (*Service)(nil)

// Op names a service operation for fault injection and call accounting.
type Op string

const (
	OpListShards       Op = "ListShards"
	OpGetShardIterator Op = "GetShardIterator"
	OpGetRecords       Op = "GetRecords"
	OpPutRecord        Op = "PutRecord"
	OpPutRecords       Op = "PutRecords"
	OpRegisterConsumer Op = "RegisterConsumer"
	OpSubscribeToShard Op = "SubscribeToShard"
)

const (
	defaultPageSize             = 100
	defaultSubscriptionLifetime = 5 * time.Minute
	maxGetRecordsLimit          = 10000
	maxPutRecordsEntries        = 500
)

// Service is an in-memory stream service. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	streams   map[string]*streamState
	consumers map[string]*streamState // consumer ARN -> stream
	iterators map[string]*iteratorState
	iterSeq   uint64

	pageSize    int
	subLifetime time.Duration

	faults  map[Op][]error
	rejects []rejection
	calls   map[Op]int
	reads   map[string]int // shard ID -> GetRecords calls
}

type streamState struct {
	name      string
	arn       string
	shards    []*shardState
	seq       uint64
	lastByKey map[string]string
	consumers map[string]stream.Consumer
}

type shardState struct {
	shard   stream.Shard
	records []stream.Record
	closed  bool
	notify  chan struct{}
}

type iteratorState struct {
	stream  *streamState
	shard   *shardState
	pos     int
	used    bool
	expired bool
}

type rejection struct {
	code    string
	message string
}

// Option configures a Service.
type Option func(*Service)

// WithPageSize sets the maximum number of shards per ListShards page.
func WithPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithSubscriptionLifetime sets how long a shard subscription stays open
// before the service ends it and the consumer has to re-subscribe.
func WithSubscriptionLifetime(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.subLifetime = d
		}
	}
}

// New creates an empty service.
func New(opts ...Option) *Service {
	s := &Service{
		streams:     make(map[string]*streamState),
		consumers:   make(map[string]*streamState),
		iterators:   make(map[string]*iteratorState),
		pageSize:    defaultPageSize,
		subLifetime: defaultSubscriptionLifetime,
		faults:      make(map[Op][]error),
		calls:       make(map[Op]int),
		reads:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateStream creates a stream with shardCount open shards.
func (s *Service) CreateStream(name string, shardCount int) error {
	if name == "" || shardCount < 1 {
		return fmt.Errorf("%w: stream name and a positive shard count are required", stream.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[name]; ok {
		return fmt.Errorf("%w: stream %q already exists", stream.ErrInvalidArgument, name)
	}

	st := &streamState{
		name:      name,
		arn:       "arn:memory:kinesis:stream/" + name,
		lastByKey: make(map[string]string),
		consumers: make(map[string]stream.Consumer),
	}
	for i := 0; i < shardCount; i++ {
		st.addShard(stream.Shard{})
	}
	s.streams[name] = st

	return nil
}

// StreamARN returns the resource name of a stream.
func (s *Service) StreamARN(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[name]
	if !ok {
		return "", stream.ErrStreamNotFound
	}
	return st.arn, nil
}

// AppendToShard appends a record directly to a shard, bypassing routing.
func (s *Service) AppendToShard(streamName, shardID, partitionKey string, data []byte) (stream.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, sh, err := s.lookupShard(streamName, shardID)
	if err != nil {
		return stream.Record{}, err
	}
	if sh.closed {
		return stream.Record{}, fmt.Errorf("%w: shard %s is closed", stream.ErrInvalidArgument, shardID)
	}

	return st.append(sh, partitionKey, data), nil
}

// CloseShard closes a shard. Readers drain the remaining records and then
// receive no next iterator.
func (s *Service) CloseShard(streamName, shardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, sh, err := s.lookupShard(streamName, shardID)
	if err != nil {
		return err
	}
	sh.close()
	return nil
}

// SplitShard closes a shard and creates two open children that list it as
// their parent.
func (s *Service) SplitShard(streamName, shardID string) ([]stream.Shard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, sh, err := s.lookupShard(streamName, shardID)
	if err != nil {
		return nil, err
	}
	if sh.closed {
		return nil, fmt.Errorf("%w: shard %s is closed", stream.ErrInvalidArgument, shardID)
	}

	sh.close()
	children := []stream.Shard{
		st.addShard(stream.Shard{ParentID: shardID}),
		st.addShard(stream.Shard{ParentID: shardID}),
	}
	return children, nil
}

// ExpireIterators invalidates every outstanding iterator, as the service
// does once an iterator outlives its validity window.
func (s *Service) ExpireIterators() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range s.iterators {
		it.expired = true
	}
}

// InjectError makes the next call of op fail with err.
// Multiple injected errors are returned in order.
func (s *Service) InjectError(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

// RejectNext makes the next n entries of PutRecords fail individually.
func (s *Service) RejectNext(n int, code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.rejects = append(s.rejects, rejection{code: code, message: message})
	}
}

// Calls returns how many times op has been invoked.
func (s *Service) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Reads returns how many GetRecords calls targeted the given shard.
func (s *Service) Reads(shardID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[shardID]
}

// Records returns a copy of the records stored in a shard.
func (s *Service) Records(streamName, shardID string) ([]stream.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, sh, err := s.lookupShard(streamName, shardID)
	if err != nil {
		return nil, err
	}
	out := make([]stream.Record, len(sh.records))
	copy(out, sh.records)
	return out, nil
}

// begin records a call and returns an injected fault, if any.
// Callers must hold s.mu.
func (s *Service) begin(op Op) error {
	s.calls[op]++
	queue := s.faults[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	s.faults[op] = queue[1:]
	return err
}

func (s *Service) lookupShard(streamName, shardID string) (*streamState, *shardState, error) {
	st, ok := s.streams[streamName]
	if !ok {
		return nil, nil, stream.ErrStreamNotFound
	}
	sh := st.shard(shardID)
	if sh == nil {
		return nil, nil, fmt.Errorf("%w: %s", stream.ErrShardNotFound, shardID)
	}
	return st, sh, nil
}

func (s *Service) newIterator(st *streamState, sh *shardState, pos int) string {
	s.iterSeq++
	token := fmt.Sprintf("%s/%s/%d", st.name, sh.shard.ID, s.iterSeq)
	s.iterators[token] = &iteratorState{stream: st, shard: sh, pos: pos}
	return token
}

func (st *streamState) addShard(lineage stream.Shard) stream.Shard {
	lineage.ID = fmt.Sprintf("shardId-%012d", len(st.shards))
	st.shards = append(st.shards, &shardState{
		shard:  lineage,
		notify: make(chan struct{}),
	})
	return lineage
}

func (st *streamState) shard(id string) *shardState {
	for _, sh := range st.shards {
		if sh.shard.ID == id {
			return sh
		}
	}
	return nil
}

// route maps a partition key onto an open shard by hashing it, the way the
// service assigns hash key ranges.
func (st *streamState) route(partitionKey string) *shardState {
	open := make([]*shardState, 0, len(st.shards))
	for _, sh := range st.shards {
		if !sh.closed {
			open = append(open, sh)
		}
	}
	if len(open) == 0 {
		return nil
	}
	sum := md5.Sum([]byte(partitionKey))
	h := binary.BigEndian.Uint64(sum[:8])
	return open[h%uint64(len(open))]
}

func (st *streamState) append(sh *shardState, partitionKey string, data []byte) stream.Record {
	st.seq++
	rec := stream.Record{
		PartitionKey:   partitionKey,
		Data:           append([]byte(nil), data...),
		SequenceNumber: formatSequence(st.seq),
		ShardID:        sh.shard.ID,
		ArrivalTime:    time.Now(),
	}
	sh.records = append(sh.records, rec)
	st.lastByKey[partitionKey] = rec.SequenceNumber

	close(sh.notify)
	sh.notify = make(chan struct{})

	return rec
}

func (sh *shardState) close() {
	if sh.closed {
		return
	}
	sh.closed = true
	close(sh.notify)
	sh.notify = make(chan struct{})
}

// indexOf returns the index of the first record a reader positioned at pos
// should receive.
func (sh *shardState) indexOf(pos stream.StartingPosition) int {
	switch pos.Type {
	case stream.PositionNewest:
		return len(sh.records)
	case stream.PositionAfterSequence:
		for i, r := range sh.records {
			if stream.CompareSequence(r.SequenceNumber, pos.SequenceNumber) > 0 {
				return i
			}
		}
		return len(sh.records)
	case stream.PositionAtSequence:
		for i, r := range sh.records {
			if stream.CompareSequence(r.SequenceNumber, pos.SequenceNumber) >= 0 {
				return i
			}
		}
		return len(sh.records)
	default:
		return 0
	}
}

func formatSequence(n uint64) string {
	return fmt.Sprintf("4960%020d", n)
}

func encodePageToken(streamName string, offset int) string {
	return streamName + ":" + strconv.Itoa(offset)
}

func decodePageToken(token string) (string, int, error) {
	i := strings.LastIndexByte(token, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("%w: malformed next token", stream.ErrInvalidArgument)
	}
	offset, err := strconv.Atoi(token[i+1:])
	if err != nil || offset < 0 {
		return "", 0, fmt.Errorf("%w: malformed next token", stream.ErrInvalidArgument)
	}
	return token[:i], offset, nil
}
