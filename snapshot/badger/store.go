// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxstream/order"
	"github.com/absmach/fluxstream/snapshot"
	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
)

var _ snapshot.Store = (*Store)(nil)

const (
	orderPrefix    = "order:"
	customerPrefix = "customer:"
)

// Store implements snapshot.Store using BadgerDB.
//
// Key format:
//
//	order:{order_id}:{seller_id}                  -> zstd(JSON order)
//	customer:{order_id}:{customer_id}:{seller_id} -> empty
type Store struct {
	db *badger.DB

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	gcInterval time.Duration
	gcStopCh   chan struct{}
	gcDone     chan struct{}
	closed     bool
	mu         sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string        // Directory for BadgerDB data
	GCInterval time.Duration // Value log GC period, 5m when zero
}

// New opens a BadgerDB-backed snapshot store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	// Snapshots are rebuilt from the stream, so an fsync per write buys nothing.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Store{
		db:         db,
		encoder:    encoder,
		decoder:    decoder,
		gcInterval: cfg.GCInterval,
		gcStopCh:   make(chan struct{}),
		gcDone:     make(chan struct{}),
	}
	if s.gcInterval <= 0 {
		s.gcInterval = 5 * time.Minute
	}

	go s.runGC()

	return s, nil
}

// Put stores the order and its customer index entry in one transaction.
func (s *Store) Put(ctx context.Context, o order.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.OrderID == "" {
		return order.ErrMissingOrderID
	}

	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	value := s.encoder.EncodeAll(data, make([]byte, 0, len(data)))

	return s.db.Update(func(txn *badger.Txn) error {
		// Drop a stale index entry if the customer changed.
		if prev, err := s.get(txn, o.OrderID, o.SellerID); err == nil && prev.CustomerID != o.CustomerID {
			if err := txn.Delete(customerKey(prev.OrderID, prev.CustomerID, prev.SellerID)); err != nil {
				return err
			}
		}
		if err := txn.Set(orderKey(o.OrderID, o.SellerID), value); err != nil {
			return err
		}
		return txn.Set(customerKey(o.OrderID, o.CustomerID, o.SellerID), []byte{})
	})
}

// Get returns the order snapshot for a seller.
func (s *Store) Get(ctx context.Context, orderID, sellerID string) (order.Order, error) {
	if err := ctx.Err(); err != nil {
		return order.Order{}, err
	}

	var o order.Order
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		o, err = s.get(txn, orderID, sellerID)
		return err
	})
	return o, err
}

// ByCustomer returns every seller's snapshot of an order placed by customerID.
func (s *Store) ByCustomer(ctx context.Context, orderID, customerID string) ([]order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(customerPrefix + orderID + ":" + customerID + ":")
	var orders []order.Order

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			sellerID := string(it.Item().Key()[len(prefix):])
			o, err := s.get(txn, orderID, sellerID)
			if err != nil {
				return err
			}
			orders = append(orders, o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, snapshot.ErrNotFound
	}

	return orders, nil
}

// Close stops the GC loop and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	s.encoder.Close()
	s.decoder.Close()

	return s.db.Close()
}

func (s *Store) get(txn *badger.Txn, orderID, sellerID string) (order.Order, error) {
	item, err := txn.Get(orderKey(orderID, sellerID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return order.Order{}, snapshot.ErrNotFound
		}
		return order.Order{}, err
	}

	var o order.Order
	err = item.Value(func(val []byte) error {
		data, err := s.decoder.DecodeAll(val, nil)
		if err != nil {
			return fmt.Errorf("failed to decompress order: %w", err)
		}
		return json.Unmarshal(data, &o)
	})
	return o, err
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when there was nothing to collect.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

func orderKey(orderID, sellerID string) []byte {
	return []byte(orderPrefix + orderID + ":" + sellerID)
}

func customerKey(orderID, customerID, sellerID string) []byte {
	return []byte(customerPrefix + orderID + ":" + customerID + ":" + sellerID)
}
