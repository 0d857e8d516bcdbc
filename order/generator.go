// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package order

import (
	"math/rand"
	"strconv"

	"github.com/google/uuid"
)

// Product is a catalog entry.
type Product struct {
	Code  string
	Name  string
	Price float64
}

// Catalog holds the candidate values orders are generated from.
// Generate never modifies it.
type Catalog struct {
	Products    []Product
	SellerIDs   []string
	CustomerIDs []string
}

// DefaultCatalog returns the demo catalog.
func DefaultCatalog() Catalog {
	customers := make([]string, 0, 20)
	for i := 1000; i < 1020; i++ {
		customers = append(customers, "C"+strconv.Itoa(i))
	}

	return Catalog{
		Products: []Product{
			{Code: "A0001", Name: "Hair Comb", Price: 2.99},
			{Code: "A0002", Name: "Toothbrush", Price: 5.99},
			{Code: "A0003", Name: "Dental Floss", Price: 0.99},
			{Code: "A0004", Name: "Hand Soap", Price: 1.99},
		},
		SellerIDs:   []string{"abc", "xyz", "jkq", "wrp"},
		CustomerIDs: customers,
	}
}

// Generate builds a random order from the catalog: one seller, one customer
// and between one and len(Products) distinct products with quantities 1-10.
// All randomness comes from rng, so a seeded source yields a reproducible
// sequence. rng must not be shared between goroutines.
func Generate(rng *rand.Rand, cat Catalog) Order {
	id, err := uuid.NewRandomFromReader(rng)
	if err != nil {
		id = uuid.New()
	}

	o := Order{OrderID: id.String()}
	if len(cat.SellerIDs) > 0 {
		o.SellerID = cat.SellerIDs[rng.Intn(len(cat.SellerIDs))]
	}
	if len(cat.CustomerIDs) > 0 {
		o.CustomerID = cat.CustomerIDs[rng.Intn(len(cat.CustomerIDs))]
	}
	if len(cat.Products) == 0 {
		return o
	}

	n := 1 + rng.Intn(len(cat.Products))
	picks := rng.Perm(len(cat.Products))[:n]
	o.Items = make([]Item, 0, n)
	for _, i := range picks {
		p := cat.Products[i]
		o.Items = append(o.Items, Item{
			ProductName:     p.Name,
			ProductCode:     p.Code,
			ProductQuantity: 1 + rng.Intn(10),
			ProductPrice:    p.Price,
		})
	}

	return o
}
