// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package kinesis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/absmach/fluxstream/stream"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	API

	listCalls   []*kinesis.ListShardsInput
	iterCalls   []*kinesis.GetShardIteratorInput
	putCalls    []*kinesis.PutRecordInput
	describes   int
	registerErr error
	statuses    []types.ConsumerStatus

	getRecords func(*kinesis.GetRecordsInput) (*kinesis.GetRecordsOutput, error)
	putRecord  func(*kinesis.PutRecordInput) (*kinesis.PutRecordOutput, error)
	putRecords func(*kinesis.PutRecordsInput) (*kinesis.PutRecordsOutput, error)
}

func (f *fakeAPI) ListShards(_ context.Context, in *kinesis.ListShardsInput, _ ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error) {
	f.listCalls = append(f.listCalls, in)
	if in.NextToken == nil {
		return &kinesis.ListShardsOutput{
			Shards:    []types.Shard{{ShardId: aws.String("shardId-000000000000")}},
			NextToken: aws.String("page-2"),
		}, nil
	}
	return &kinesis.ListShardsOutput{
		Shards: []types.Shard{{
			ShardId:       aws.String("shardId-000000000001"),
			ParentShardId: aws.String("shardId-000000000000"),
		}},
	}, nil
}

func (f *fakeAPI) GetShardIterator(_ context.Context, in *kinesis.GetShardIteratorInput, _ ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error) {
	f.iterCalls = append(f.iterCalls, in)
	return &kinesis.GetShardIteratorOutput{ShardIterator: aws.String("it-1")}, nil
}

func (f *fakeAPI) GetRecords(_ context.Context, in *kinesis.GetRecordsInput, _ ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error) {
	return f.getRecords(in)
}

func (f *fakeAPI) PutRecord(_ context.Context, in *kinesis.PutRecordInput, _ ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error) {
	f.putCalls = append(f.putCalls, in)
	return f.putRecord(in)
}

func (f *fakeAPI) PutRecords(_ context.Context, in *kinesis.PutRecordsInput, _ ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error) {
	return f.putRecords(in)
}

func (f *fakeAPI) DescribeStreamSummary(_ context.Context, in *kinesis.DescribeStreamSummaryInput, _ ...func(*kinesis.Options)) (*kinesis.DescribeStreamSummaryOutput, error) {
	return &kinesis.DescribeStreamSummaryOutput{
		StreamDescriptionSummary: &types.StreamDescriptionSummary{
			StreamARN: aws.String("arn:aws:kinesis:us-east-1:000000000000:stream/" + aws.ToString(in.StreamName)),
		},
	}, nil
}

func (f *fakeAPI) RegisterStreamConsumer(_ context.Context, in *kinesis.RegisterStreamConsumerInput, _ ...func(*kinesis.Options)) (*kinesis.RegisterStreamConsumerOutput, error) {
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return &kinesis.RegisterStreamConsumerOutput{
		Consumer: &types.Consumer{
			ConsumerARN:    aws.String(aws.ToString(in.StreamARN) + "/consumer/" + aws.ToString(in.ConsumerName)),
			ConsumerName:   in.ConsumerName,
			ConsumerStatus: types.ConsumerStatusCreating,
		},
	}, nil
}

func (f *fakeAPI) DescribeStreamConsumer(_ context.Context, in *kinesis.DescribeStreamConsumerInput, _ ...func(*kinesis.Options)) (*kinesis.DescribeStreamConsumerOutput, error) {
	status := types.ConsumerStatusActive
	if f.describes < len(f.statuses) {
		status = f.statuses[f.describes]
	}
	f.describes++

	arn := aws.ToString(in.ConsumerARN)
	if arn == "" {
		arn = aws.ToString(in.StreamARN) + "/consumer/" + aws.ToString(in.ConsumerName)
	}
	return &kinesis.DescribeStreamConsumerOutput{
		ConsumerDescription: &types.ConsumerDescription{
			ConsumerARN:    aws.String(arn),
			ConsumerName:   aws.String("orders-fanout"),
			ConsumerStatus: status,
		},
	}, nil
}

type fakeReader struct {
	ch  chan types.SubscribeToShardEventStream
	err error
}

func (r *fakeReader) Events() <-chan types.SubscribeToShardEventStream { return r.ch }
func (r *fakeReader) Close() error                                    { return nil }
func (r *fakeReader) Err() error                                      { return r.err }

func record(seq, key string) types.Record {
	return types.Record{
		SequenceNumber:              aws.String(seq),
		PartitionKey:                aws.String(key),
		Data:                        []byte(`{}`),
		ApproximateArrivalTimestamp: aws.Time(time.Unix(1700000000, 0)),
	}
}

func TestListShardsOmitsStreamNameWithToken(t *testing.T) {
	api := &fakeAPI{}
	svc := New(api, nil)

	shards, err := stream.NewCatalog(svc, nil).ListShards(context.Background(), "orders")
	require.NoError(t, err)
	require.Len(t, shards, 2)
	assert.Equal(t, "shardId-000000000000", shards[1].ParentID)

	require.Len(t, api.listCalls, 2)
	assert.Equal(t, "orders", aws.ToString(api.listCalls[0].StreamName))
	assert.Nil(t, api.listCalls[0].NextToken)
	assert.Nil(t, api.listCalls[1].StreamName)
	assert.Equal(t, "page-2", aws.ToString(api.listCalls[1].NextToken))
}

func TestGetShardIteratorPosition(t *testing.T) {
	api := &fakeAPI{}
	svc := New(api, nil)

	_, err := svc.GetShardIterator(context.Background(), "orders", "shardId-000000000000", stream.AfterSequence("42"))
	require.NoError(t, err)
	_, err = svc.GetShardIterator(context.Background(), "orders", "shardId-000000000000", stream.Oldest())
	require.NoError(t, err)

	require.Len(t, api.iterCalls, 2)
	assert.Equal(t, types.ShardIteratorTypeAfterSequenceNumber, api.iterCalls[0].ShardIteratorType)
	assert.Equal(t, "42", aws.ToString(api.iterCalls[0].StartingSequenceNumber))
	assert.Equal(t, types.ShardIteratorTypeTrimHorizon, api.iterCalls[1].ShardIteratorType)
	assert.Nil(t, api.iterCalls[1].StartingSequenceNumber)

	_, err = svc.GetShardIterator(context.Background(), "orders", "shardId-000000000000", stream.StartingPosition{Type: stream.PositionAtSequence})
	assert.ErrorIs(t, err, stream.ErrInvalidArgument)
}

func TestCursorOverClosedShard(t *testing.T) {
	api := &fakeAPI{
		getRecords: func(in *kinesis.GetRecordsInput) (*kinesis.GetRecordsOutput, error) {
			assert.Equal(t, int32(10), aws.ToInt32(in.Limit))
			return &kinesis.GetRecordsOutput{
				Records:            []types.Record{record("1", "a"), record("2", "b")},
				MillisBehindLatest: aws.Int64(0),
			}, nil
		},
	}
	svc := New(api, nil)
	ctx := context.Background()

	c, err := stream.OpenCursor(ctx, svc, "orders", stream.Shard{ID: "shardId-000000000000"}, stream.Oldest())
	require.NoError(t, err)

	out := c.Poll(ctx, 10)
	assert.Equal(t, stream.OutcomeExhausted, out.Kind)
	require.Len(t, out.Records, 2)
	assert.Equal(t, "shardId-000000000000", out.Records[0].ShardID)
	assert.Equal(t, "2", c.LastSequence())
}

func TestMapError(t *testing.T) {
	cases := []struct {
		desc      string
		err       error
		want      error
		retryable bool
	}{
		{"not found", &types.ResourceNotFoundException{}, stream.ErrStreamNotFound, false},
		{"throughput", &types.ProvisionedThroughputExceededException{}, stream.ErrThrottled, true},
		{"limit", &types.LimitExceededException{}, stream.ErrThrottled, true},
		{"kms throttling", &types.KMSThrottlingException{}, stream.ErrThrottled, true},
		{"in use", &types.ResourceInUseException{}, stream.ErrThrottled, true},
		{"expired", &types.ExpiredIteratorException{}, stream.ErrExpiredIterator, false},
		{"invalid argument", &types.InvalidArgumentException{}, stream.ErrInvalidArgument, false},
		{"access denied", &types.AccessDeniedException{}, stream.ErrAccessDenied, false},
		{"kms denied", &types.KMSAccessDeniedException{}, stream.ErrAccessDenied, false},
		{"internal", &types.InternalFailureException{}, stream.ErrUnavailable, true},
		{"server fault", &smithy.GenericAPIError{Code: "ServiceUnavailable", Fault: smithy.FaultServer}, stream.ErrUnavailable, true},
		{"wrapped", fmt.Errorf("operation error: %w", &types.ExpiredIteratorException{}), stream.ErrExpiredIterator, false},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := mapError(tc.err)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, tc.retryable, stream.IsRetryable(err))
		})
	}

	assert.NoError(t, mapError(nil))
	assert.Equal(t, context.Canceled, mapError(context.Canceled))
	other := errors.New("boom")
	assert.Equal(t, other, mapError(other))
}

func TestPutRecordOrderingMismatch(t *testing.T) {
	api := &fakeAPI{
		putRecord: func(in *kinesis.PutRecordInput) (*kinesis.PutRecordOutput, error) {
			if in.SequenceNumberForOrdering != nil {
				return nil, &types.InvalidArgumentException{Message: aws.String("bad ordering")}
			}
			return &kinesis.PutRecordOutput{SequenceNumber: aws.String("7"), ShardId: aws.String("shardId-000000000000")}, nil
		},
	}
	svc := New(api, nil)
	ctx := context.Background()

	res, err := svc.PutRecord(ctx, stream.PutEntry{StreamName: "orders", PartitionKey: "abc", Data: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, "7", res.SequenceNumber)
	assert.Nil(t, api.putCalls[0].SequenceNumberForOrdering)

	_, err = svc.PutRecord(ctx, stream.PutEntry{StreamName: "orders", PartitionKey: "abc", Data: []byte("x"), SequenceNumberForOrdering: "7"})
	assert.ErrorIs(t, err, stream.ErrSequenceMismatch)
	assert.ErrorIs(t, err, stream.ErrInvalidArgument)
}

func TestPutRecordsPartialFailure(t *testing.T) {
	api := &fakeAPI{
		putRecords: func(in *kinesis.PutRecordsInput) (*kinesis.PutRecordsOutput, error) {
			require.Len(t, in.Records, 2)
			return &kinesis.PutRecordsOutput{
				FailedRecordCount: aws.Int32(1),
				Records: []types.PutRecordsResultEntry{
					{SequenceNumber: aws.String("1"), ShardId: aws.String("shardId-000000000000")},
					{ErrorCode: aws.String("ProvisionedThroughputExceededException"), ErrorMessage: aws.String("slow down")},
				},
			}, nil
		},
	}
	svc := New(api, nil)

	res, err := svc.PutRecords(context.Background(), "orders", []stream.PutEntry{
		{PartitionKey: "a", Data: []byte("1")},
		{PartitionKey: "b", Data: []byte("2")},
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.False(t, res[0].Failed())
	assert.True(t, res[1].Failed())
	assert.Equal(t, "slow down", res[1].ErrorMessage)
}

func TestRegisterConsumerWaitsForActive(t *testing.T) {
	api := &fakeAPI{statuses: []types.ConsumerStatus{types.ConsumerStatusCreating, types.ConsumerStatusCreating}}
	svc := New(api, nil, WithConsumerWait(time.Millisecond, time.Second))

	c, err := svc.RegisterConsumer(context.Background(), "orders", "orders-fanout")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", c.Status)
	assert.Equal(t, "arn:aws:kinesis:us-east-1:000000000000:stream/orders/consumer/orders-fanout", c.ARN)
	assert.Equal(t, 3, api.describes)
}

func TestRegisterConsumerExisting(t *testing.T) {
	api := &fakeAPI{registerErr: &types.ResourceInUseException{}}
	svc := New(api, nil, WithConsumerWait(time.Millisecond, time.Second))

	c, err := svc.RegisterConsumer(context.Background(), "orders", "orders-fanout")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", c.Status)
	assert.Equal(t, 1, api.describes)
}

func TestSubscribeToShardEvents(t *testing.T) {
	reader := &fakeReader{ch: make(chan types.SubscribeToShardEventStream, 2)}
	reader.ch <- &types.SubscribeToShardEventStreamMemberSubscribeToShardEvent{Value: types.SubscribeToShardEvent{
		Records:                    []types.Record{record("1", "a")},
		ContinuationSequenceNumber: aws.String("1"),
		MillisBehindLatest:         aws.Int64(5),
	}}
	reader.ch <- &types.SubscribeToShardEventStreamMemberSubscribeToShardEvent{Value: types.SubscribeToShardEvent{
		MillisBehindLatest: aws.Int64(0),
	}}

	svc := New(&fakeAPI{}, nil)
	var got *kinesis.SubscribeToShardInput
	svc.openEvents = func(_ context.Context, in *kinesis.SubscribeToShardInput) (EventReader, error) {
		got = in
		return reader, nil
	}

	sub, err := svc.SubscribeToShard(context.Background(), stream.Consumer{ARN: "arn:c"}, "shardId-000000000000", stream.AfterSequence("0"))
	require.NoError(t, err)
	defer sub.Close()

	require.NotNil(t, got)
	assert.Equal(t, types.ShardIteratorTypeAfterSequenceNumber, got.StartingPosition.Type)
	assert.Equal(t, "0", aws.ToString(got.StartingPosition.SequenceNumber))

	var events []stream.SubscriptionEvent
	for ev := range sub.Events() {
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "1", events[0].ContinuationSequenceNumber)
	assert.Equal(t, "shardId-000000000000", events[0].Records[0].ShardID)
	assert.False(t, events[0].ShardClosed)
	assert.True(t, events[1].ShardClosed)
	assert.NoError(t, sub.Err())
}

func TestSubscribeToShardStreamError(t *testing.T) {
	reader := &fakeReader{ch: make(chan types.SubscribeToShardEventStream), err: &types.InternalFailureException{}}
	close(reader.ch)

	svc := New(&fakeAPI{}, nil)
	svc.openEvents = func(context.Context, *kinesis.SubscribeToShardInput) (EventReader, error) {
		return reader, nil
	}

	sub, err := svc.SubscribeToShard(context.Background(), stream.Consumer{ARN: "arn:c"}, "shardId-000000000000", stream.Oldest())
	require.NoError(t, err)

	for range sub.Events() {
	}
	assert.ErrorIs(t, sub.Err(), stream.ErrUnavailable)
}
