// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package order

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWireFormat(t *testing.T) {
	o := Order{
		CustomerID: "C1001",
		SellerID:   "abc",
		OrderID:    "2b9a0a43-8f0f-4a4e-9a8e-6d2b5f3c1e77",
		Items: []Item{
			{ProductName: "Hair Comb", ProductCode: "A0001", ProductQuantity: 2, ProductPrice: 2.99},
		},
	}

	data, err := Encode(o)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "C1001", raw["customer_id"])
	assert.Equal(t, "abc", raw["seller_id"])
	items, ok := raw["order_items"].([]any)
	require.True(t, ok)
	item := items[0].(map[string]any)
	assert.Equal(t, "A0001", item["product_code"])
	assert.Equal(t, 2.99, item["product_price"])

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, o, got)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cat := DefaultCatalog()

	orders := []Order{
		{OrderID: "no-items", SellerID: "abc", CustomerID: "C1000", Items: nil},
		{OrderID: "empty-items", SellerID: "abc", CustomerID: "C1000", Items: []Item{}},
	}
	for range 500 {
		orders = append(orders, Generate(rng, cat))
	}

	for _, o := range orders {
		data, err := Encode(o)
		require.NoError(t, err, o.OrderID)
		got, err := Decode(data)
		require.NoError(t, err, o.OrderID)
		assert.Equal(t, o, got, o.OrderID)
	}
}

func TestEncodeRequiresOrderID(t *testing.T) {
	_, err := Encode(Order{SellerID: "abc"})
	assert.ErrorIs(t, err, ErrMissingOrderID)
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		desc string
		data string
		want error
	}{
		{desc: "not json", data: "not json"},
		{desc: "wrong type", data: `{"order_id": 42}`},
		{desc: "missing order id", data: `{"seller_id": "abc"}`, want: ErrMissingOrderID},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			require.Error(t, err)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}

func TestPartitionKey(t *testing.T) {
	o := Order{OrderID: "o1", SellerID: "xyz"}

	k, err := o.PartitionKey(KeyOrderID)
	require.NoError(t, err)
	assert.Equal(t, "o1", k)

	k, err = o.PartitionKey(KeySellerID)
	require.NoError(t, err)
	assert.Equal(t, "xyz", k)

	_, err = o.PartitionKey("customer_id")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestGenerateIsReproducible(t *testing.T) {
	cat := DefaultCatalog()
	a := rand.New(rand.NewSource(7))
	b := rand.New(rand.NewSource(7))

	for i := 0; i < 20; i++ {
		assert.Equal(t, Generate(a, cat), Generate(b, cat))
	}
}

func TestGenerateDrawsFromCatalog(t *testing.T) {
	cat := DefaultCatalog()
	rng := rand.New(rand.NewSource(1))
	seen := make(map[string]bool)

	for i := 0; i < 200; i++ {
		o := Generate(rng, cat)

		_, err := uuid.Parse(o.OrderID)
		require.NoError(t, err)
		assert.False(t, seen[o.OrderID], "order IDs are unique")
		seen[o.OrderID] = true

		assert.Contains(t, cat.SellerIDs, o.SellerID)
		assert.Contains(t, cat.CustomerIDs, o.CustomerID)
		require.NotEmpty(t, o.Items)
		assert.LessOrEqual(t, len(o.Items), len(cat.Products))

		codes := make(map[string]bool)
		for _, it := range o.Items {
			assert.False(t, codes[it.ProductCode], "products are distinct within an order")
			codes[it.ProductCode] = true
			assert.GreaterOrEqual(t, it.ProductQuantity, 1)
			assert.LessOrEqual(t, it.ProductQuantity, 10)
		}
	}
}

func TestGenerateEmptyCatalog(t *testing.T) {
	o := Generate(rand.New(rand.NewSource(1)), Catalog{})
	assert.NotEmpty(t, o.OrderID)
	assert.Empty(t, o.SellerID)
	assert.Empty(t, o.Items)
}
