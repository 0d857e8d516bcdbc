// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package snapshot defines the store of materialized order snapshots built
// from consumed records.
package snapshot

import (
	"context"
	"errors"

	"github.com/absmach/fluxstream/order"
)

// ErrNotFound is returned when no snapshot matches the lookup.
var ErrNotFound = errors.New("snapshot not found")

// Store keeps the latest snapshot of every order, keyed by order and seller,
// with a secondary lookup by order and customer.
type Store interface {
	// Put stores or replaces the snapshot of an order.
	Put(ctx context.Context, o order.Order) error
	// Get returns the snapshot of an order for a seller.
	Get(ctx context.Context, orderID, sellerID string) (order.Order, error)
	// ByCustomer returns the snapshots of an order placed by a customer.
	ByCustomer(ctx context.Context, orderID, customerID string) ([]order.Order, error)
	Close() error
}
