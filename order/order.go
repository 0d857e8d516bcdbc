// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package order defines the customer order payload carried by stream records.
package order

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMissingOrderID = errors.New("order_id is required")
	ErrUnknownKey     = errors.New("unknown partition key field")
)

// Item is a single order line.
type Item struct {
	ProductName     string  `json:"product_name"`
	ProductCode     string  `json:"product_code"`
	ProductQuantity int     `json:"product_quantity"`
	ProductPrice    float64 `json:"product_price"`
}

// Order is the record payload. OrderID uniquely identifies the record.
type Order struct {
	CustomerID string `json:"customer_id"`
	SellerID   string `json:"seller_id"`
	OrderID    string `json:"order_id"`
	Items      []Item `json:"order_items"`
}

// KeyField selects which order field is used as the partition key.
type KeyField string

const (
	KeyOrderID  KeyField = "order_id"
	KeySellerID KeyField = "seller_id"
)

// PartitionKey returns the value of the given field.
func (o Order) PartitionKey(field KeyField) (string, error) {
	switch field {
	case KeyOrderID:
		return o.OrderID, nil
	case KeySellerID:
		return o.SellerID, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, field)
	}
}

// Encode serializes an order into a record payload.
func Encode(o Order) ([]byte, error) {
	if o.OrderID == "" {
		return nil, ErrMissingOrderID
	}
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order: %w", err)
	}
	return data, nil
}

// Decode parses a record payload.
func Decode(data []byte) (Order, error) {
	var o Order
	if err := json.Unmarshal(data, &o); err != nil {
		return Order{}, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	if o.OrderID == "" {
		return Order{}, ErrMissingOrderID
	}
	return o, nil
}
