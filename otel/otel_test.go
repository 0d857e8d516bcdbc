// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"

	"github.com/absmach/fluxstream/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordPolled("shardId-000000000000", 3, 120)
		m.RecordDelivered("shardId-000000000000", 3)
		m.RecordPollError("shardId-000000000000", true)
		m.RecordDecodeError("shardId-000000000000")
		m.RecordShardActivated()
		m.RecordShardDeactivated()
		m.RecordPublished("batch", 5, 0, 12.5)
	})
}

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.NotPanics(t, func() {
		m.RecordPolled("shardId-000000000000", 0, 0)
		m.RecordPublished("ordered", 1, 1, 3)
	})
}

func TestInitProviderDisabled(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.MetricsEnabled = false
	cfg.TracesEnabled = false

	shutdown, err := InitProvider(cfg, "test-instance")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
