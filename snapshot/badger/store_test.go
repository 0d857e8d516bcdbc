// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"os"
	"testing"

	"github.com/absmach/fluxstream/order"
	"github.com/absmach/fluxstream/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "badger-snapshot-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := New(Config{Dir: tmpDir})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func testOrder(orderID, sellerID, customerID string) order.Order {
	return order.Order{
		OrderID:    orderID,
		SellerID:   sellerID,
		CustomerID: customerID,
		Items: []order.Item{
			{ProductName: "Toothbrush", ProductCode: "A0002", ProductQuantity: 3, ProductPrice: 5.99},
		},
	}
}

func TestStore_PutGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	o := testOrder("o-1", "abc", "C1000")
	require.NoError(t, store.Put(ctx, o))

	got, err := store.Get(ctx, "o-1", "abc")
	require.NoError(t, err)
	assert.Equal(t, o, got)
}

func TestStore_GetNotFound(t *testing.T) {
	store := setupStore(t)

	_, err := store.Get(context.Background(), "missing", "abc")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestStore_PutReplaces(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testOrder("o-1", "abc", "C1000")))

	updated := testOrder("o-1", "abc", "C1001")
	updated.Items[0].ProductQuantity = 7
	require.NoError(t, store.Put(ctx, updated))

	got, err := store.Get(ctx, "o-1", "abc")
	require.NoError(t, err)
	assert.Equal(t, 7, got.Items[0].ProductQuantity)

	// The old customer index entry is gone.
	_, err = store.ByCustomer(ctx, "o-1", "C1000")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)

	orders, err := store.ByCustomer(ctx, "o-1", "C1001")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestStore_ByCustomer(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testOrder("o-1", "abc", "C1000")))
	require.NoError(t, store.Put(ctx, testOrder("o-1", "xyz", "C1000")))
	require.NoError(t, store.Put(ctx, testOrder("o-2", "abc", "C1000")))

	orders, err := store.ByCustomer(ctx, "o-1", "C1000")
	require.NoError(t, err)
	require.Len(t, orders, 2)

	sellers := []string{orders[0].SellerID, orders[1].SellerID}
	assert.ElementsMatch(t, []string{"abc", "xyz"}, sellers)
}

func TestStore_PutRequiresOrderID(t *testing.T) {
	store := setupStore(t)

	err := store.Put(context.Background(), testOrder("", "abc", "C1000"))
	assert.ErrorIs(t, err, order.ErrMissingOrderID)
}

func TestStore_Reopen(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "badger-snapshot-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	ctx := context.Background()

	store, err := New(Config{Dir: tmpDir})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, testOrder("o-1", "abc", "C1000")))
	require.NoError(t, store.Close())

	store, err = New(Config{Dir: tmpDir})
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get(ctx, "o-1", "abc")
	require.NoError(t, err)
	assert.Equal(t, "C1000", got.CustomerID)
}

func TestStore_CloseIdempotent(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "badger-snapshot-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	store, err := New(Config{Dir: tmpDir})
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}
