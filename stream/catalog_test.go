// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream_test

import (
	"context"
	"testing"

	"github.com/absmach/fluxstream/stream"
	"github.com/absmach/fluxstream/stream/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogFollowsPages(t *testing.T) {
	svc := newService(t, 5, memory.WithPageSize(2))

	shards, err := stream.NewCatalog(svc, nil).ListShards(context.Background(), testStream)
	require.NoError(t, err)
	require.Len(t, shards, 5)
	for i, sh := range shards {
		assert.Equal(t, shardID(i), sh.ID)
	}
	assert.Equal(t, 3, svc.Calls(memory.OpListShards))
}

func TestCatalogIncludesChildren(t *testing.T) {
	svc := newService(t, 1)
	children, err := svc.SplitShard(testStream, shardID(0))
	require.NoError(t, err)

	shards, err := stream.NewCatalog(svc, nil).ListShards(context.Background(), testStream)
	require.NoError(t, err)
	require.Len(t, shards, 3)
	assert.Equal(t, shardID(0), shards[1].ParentID)
	assert.Equal(t, children[1].ID, shards[2].ID)
}

func TestCatalogErrors(t *testing.T) {
	cases := []struct {
		desc   string
		stream string
		inject error
		want   error
	}{
		{desc: "unknown stream", stream: "missing", want: stream.ErrStreamNotFound},
		{desc: "access denied", stream: testStream, inject: stream.ErrAccessDenied, want: stream.ErrAccessDenied},
		{desc: "throttled", stream: testStream, inject: stream.ErrThrottled, want: stream.ErrThrottled},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			svc := newService(t, 2)
			if tc.inject != nil {
				svc.InjectError(memory.OpListShards, tc.inject)
			}

			_, err := stream.NewCatalog(svc, nil).ListShards(context.Background(), tc.stream)
			var derr *stream.DiscoveryError
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, tc.stream, derr.Stream)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCatalogCanceled(t *testing.T) {
	svc := newService(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := stream.NewCatalog(svc, nil).ListShards(ctx, testStream)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, svc.Calls(memory.OpListShards))
}
