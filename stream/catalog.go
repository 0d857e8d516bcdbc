// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"log/slog"
)

// Catalog discovers the shards of a stream.
type Catalog struct {
	lister ShardLister
	logger *slog.Logger
}

// NewCatalog creates a catalog backed by the given lister.
func NewCatalog(lister ShardLister, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{lister: lister, logger: logger}
}

// ListShards returns every shard of the stream, following continuation
// tokens until the service reports no further pages.
func (c *Catalog) ListShards(ctx context.Context, streamName string) ([]Shard, error) {
	var (
		shards []Shard
		token  string
		pages  int
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, &DiscoveryError{Stream: streamName, Err: err}
		}

		page, err := c.lister.ListShards(ctx, streamName, token)
		if err != nil {
			return nil, &DiscoveryError{Stream: streamName, Err: err}
		}
		pages++

		if len(page.Shards) == 0 {
			break
		}
		shards = append(shards, page.Shards...)

		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	c.logger.Debug("shards discovered",
		slog.String("stream", streamName),
		slog.Int("shards", len(shards)),
		slog.Int("pages", pages))

	return shards, nil
}
