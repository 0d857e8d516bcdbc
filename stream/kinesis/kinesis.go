// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package kinesis implements stream.Service on Amazon Kinesis Data Streams.
package kinesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxstream/stream"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/aws/smithy-go"
)

var _ stream.Service = (*Service)(nil)

const (
	defaultConsumerPollInterval = 2 * time.Second
	defaultConsumerWait         = 2 * time.Minute
)

// API is the subset of the Kinesis client used by the adapter.
type API interface {
	ListShards(ctx context.Context, params *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
	GetShardIterator(ctx context.Context, params *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error)
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
	PutRecords(ctx context.Context, params *kinesis.PutRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error)
	DescribeStreamSummary(ctx context.Context, params *kinesis.DescribeStreamSummaryInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamSummaryOutput, error)
	RegisterStreamConsumer(ctx context.Context, params *kinesis.RegisterStreamConsumerInput, optFns ...func(*kinesis.Options)) (*kinesis.RegisterStreamConsumerOutput, error)
	DescribeStreamConsumer(ctx context.Context, params *kinesis.DescribeStreamConsumerInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamConsumerOutput, error)
	SubscribeToShard(ctx context.Context, params *kinesis.SubscribeToShardInput, optFns ...func(*kinesis.Options)) (*kinesis.SubscribeToShardOutput, error)
}

// EventReader is the event stream of a shard subscription.
type EventReader interface {
	Events() <-chan types.SubscribeToShardEventStream
	Close() error
	Err() error
}

// Option configures a Service.
type Option func(*Service)

// WithConsumerWait sets how often and for how long RegisterConsumer polls
// until a new consumer becomes active.
func WithConsumerWait(interval, timeout time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.consumerPoll = interval
		}
		if timeout > 0 {
			s.consumerWait = timeout
		}
	}
}

// Service adapts the Kinesis API to stream.Service.
type Service struct {
	api    API
	logger *slog.Logger

	consumerPoll time.Duration
	consumerWait time.Duration

	openEvents func(ctx context.Context, in *kinesis.SubscribeToShardInput) (EventReader, error)
}

// New creates an adapter over a Kinesis client.
func New(api API, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		api:          api,
		logger:       logger,
		consumerPoll: defaultConsumerPollInterval,
		consumerWait: defaultConsumerWait,
	}
	s.openEvents = func(ctx context.Context, in *kinesis.SubscribeToShardInput) (EventReader, error) {
		out, err := s.api.SubscribeToShard(ctx, in)
		if err != nil {
			return nil, err
		}
		return out.GetStream(), nil
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListShards returns one page of shards. The stream name must not be sent
// together with a continuation token.
func (s *Service) ListShards(ctx context.Context, streamName, nextToken string) (stream.ShardPage, error) {
	in := &kinesis.ListShardsInput{}
	if nextToken != "" {
		in.NextToken = aws.String(nextToken)
	} else {
		in.StreamName = aws.String(streamName)
	}

	out, err := s.api.ListShards(ctx, in)
	if err != nil {
		return stream.ShardPage{}, mapError(err)
	}

	page := stream.ShardPage{
		Shards:    make([]stream.Shard, 0, len(out.Shards)),
		NextToken: aws.ToString(out.NextToken),
	}
	for _, sh := range out.Shards {
		page.Shards = append(page.Shards, stream.Shard{
			ID:               aws.ToString(sh.ShardId),
			ParentID:         aws.ToString(sh.ParentShardId),
			AdjacentParentID: aws.ToString(sh.AdjacentParentShardId),
		})
	}
	return page, nil
}

// GetShardIterator obtains an iterator positioned at pos.
func (s *Service) GetShardIterator(ctx context.Context, streamName, shardID string, pos stream.StartingPosition) (string, error) {
	if err := pos.Validate(); err != nil {
		return "", err
	}

	in := &kinesis.GetShardIteratorInput{
		StreamName:        aws.String(streamName),
		ShardId:           aws.String(shardID),
		ShardIteratorType: types.ShardIteratorType(pos.Type),
	}
	if pos.SequenceNumber != "" {
		in.StartingSequenceNumber = aws.String(pos.SequenceNumber)
	}

	out, err := s.api.GetShardIterator(ctx, in)
	if err != nil {
		return "", mapError(err)
	}
	return aws.ToString(out.ShardIterator), nil
}

// GetRecords reads from an iterator. Records carry no shard ID; the caller
// knows which shard the iterator belongs to.
func (s *Service) GetRecords(ctx context.Context, iterator string, limit int) (stream.RecordBatch, error) {
	out, err := s.api.GetRecords(ctx, &kinesis.GetRecordsInput{
		ShardIterator: aws.String(iterator),
		Limit:         aws.Int32(int32(limit)),
	})
	if err != nil {
		return stream.RecordBatch{}, mapError(err)
	}

	return stream.RecordBatch{
		Records:            convertRecords(out.Records, ""),
		NextIterator:       aws.ToString(out.NextShardIterator),
		MillisBehindLatest: aws.ToInt64(out.MillisBehindLatest),
	}, nil
}

// PutRecord writes one record.
func (s *Service) PutRecord(ctx context.Context, entry stream.PutEntry) (stream.PutResult, error) {
	in := &kinesis.PutRecordInput{
		StreamName:   aws.String(entry.StreamName),
		PartitionKey: aws.String(entry.PartitionKey),
		Data:         entry.Data,
	}
	if entry.SequenceNumberForOrdering != "" {
		in.SequenceNumberForOrdering = aws.String(entry.SequenceNumberForOrdering)
	}

	out, err := s.api.PutRecord(ctx, in)
	if err != nil {
		err = mapError(err)
		if entry.SequenceNumberForOrdering != "" && errors.Is(err, stream.ErrInvalidArgument) {
			err = fmt.Errorf("%w: %w", stream.ErrSequenceMismatch, err)
		}
		return stream.PutResult{}, err
	}

	return stream.PutResult{
		SequenceNumber: aws.ToString(out.SequenceNumber),
		ShardID:        aws.ToString(out.ShardId),
	}, nil
}

// PutRecords writes a batch. Per-record failures are reported in the
// results, not as an error.
func (s *Service) PutRecords(ctx context.Context, streamName string, entries []stream.PutEntry) ([]stream.PutRecordsEntryResult, error) {
	records := make([]types.PutRecordsRequestEntry, len(entries))
	for i, e := range entries {
		records[i] = types.PutRecordsRequestEntry{
			Data:         e.Data,
			PartitionKey: aws.String(e.PartitionKey),
		}
	}

	out, err := s.api.PutRecords(ctx, &kinesis.PutRecordsInput{
		StreamName: aws.String(streamName),
		Records:    records,
	})
	if err != nil {
		return nil, mapError(err)
	}

	results := make([]stream.PutRecordsEntryResult, len(out.Records))
	for i, r := range out.Records {
		results[i] = stream.PutRecordsEntryResult{
			SequenceNumber: aws.ToString(r.SequenceNumber),
			ShardID:        aws.ToString(r.ShardId),
			ErrorCode:      aws.ToString(r.ErrorCode),
			ErrorMessage:   aws.ToString(r.ErrorMessage),
		}
	}

	if failed := aws.ToInt32(out.FailedRecordCount); failed > 0 {
		s.logger.Debug("batch partially rejected",
			slog.String("stream", streamName),
			slog.Int("failed", int(failed)),
			slog.Int("records", len(entries)))
	}
	return results, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var (
		notFound   *types.ResourceNotFoundException
		inUse      *types.ResourceInUseException
		throughput *types.ProvisionedThroughputExceededException
		limit      *types.LimitExceededException
		kmsThrottl *types.KMSThrottlingException
		expired    *types.ExpiredIteratorException
		invalidArg *types.InvalidArgumentException
		denied     *types.AccessDeniedException
		kmsDenied  *types.KMSAccessDeniedException
		internal   *types.InternalFailureException
		apiErr     smithy.APIError
	)

	switch {
	case errors.As(err, &notFound):
		return fmt.Errorf("%w: %w", stream.ErrStreamNotFound, err)
	case errors.As(err, &expired):
		return fmt.Errorf("%w: %w", stream.ErrExpiredIterator, err)
	case errors.As(err, &throughput), errors.As(err, &limit), errors.As(err, &kmsThrottl):
		return fmt.Errorf("%w: %w", stream.ErrThrottled, err)
	case errors.As(err, &inUse):
		// The resource is being created or a previous subscription is still
		// open; the same call succeeds later.
		return fmt.Errorf("%w: %w", stream.ErrThrottled, err)
	case errors.As(err, &invalidArg):
		return fmt.Errorf("%w: %w", stream.ErrInvalidArgument, err)
	case errors.As(err, &denied), errors.As(err, &kmsDenied):
		return fmt.Errorf("%w: %w", stream.ErrAccessDenied, err)
	case errors.As(err, &internal):
		return fmt.Errorf("%w: %w", stream.ErrUnavailable, err)
	case errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultServer:
		return fmt.Errorf("%w: %w", stream.ErrUnavailable, err)
	default:
		return err
	}
}

func convertRecords(in []types.Record, shardID string) []stream.Record {
	out := make([]stream.Record, len(in))
	for i, r := range in {
		out[i] = stream.Record{
			PartitionKey:   aws.ToString(r.PartitionKey),
			Data:           r.Data,
			SequenceNumber: aws.ToString(r.SequenceNumber),
			ShardID:        shardID,
			ArrivalTime:    aws.ToTime(r.ApproximateArrivalTimestamp),
		}
	}
	return out
}
