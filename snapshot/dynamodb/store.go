// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dynamodb stores order snapshots in a DynamoDB table keyed by
// order_id (hash) and seller_id (range), with a local secondary index on
// order_id and customer_id.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxstream/order"
	"github.com/absmach/fluxstream/snapshot"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var _ snapshot.Store = (*Store)(nil)

const (
	orderIDColumn    = "order_id"
	sellerIDColumn   = "seller_id"
	customerIDColumn = "customer_id"

	// OrderIndex is the local secondary index over order_id and customer_id.
	OrderIndex = "OrderIndex"

	tableWaitTimeout = 5 * time.Minute
)

// API is the subset of the DynamoDB client used by the store.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Store implements snapshot.Store on DynamoDB.
type Store struct {
	db        API
	tableName string
	logger    *slog.Logger
}

type item struct {
	OrderID    string     `dynamodbav:"order_id"`
	SellerID   string     `dynamodbav:"seller_id"`
	CustomerID string     `dynamodbav:"customer_id"`
	Items      []lineItem `dynamodbav:"order_items"`
}

type lineItem struct {
	ProductName     string  `dynamodbav:"product_name"`
	ProductCode     string  `dynamodbav:"product_code"`
	ProductQuantity int     `dynamodbav:"product_quantity"`
	ProductPrice    float64 `dynamodbav:"product_price"`
}

// New creates a store on an existing table.
func New(db API, tableName string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, tableName: tableName, logger: logger}
}

// EnsureTable creates the table and its index unless it already exists, and
// waits for it to become active.
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)})
	if err == nil {
		s.logger.Info("snapshot table already exists", slog.String("table", s.tableName))
		return nil
	}

	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe table %s: %w", s.tableName, err)
	}

	s.logger.Info("creating snapshot table", slog.String("table", s.tableName))
	_, err = s.db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(orderIDColumn), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(sellerIDColumn), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(customerIDColumn), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(sellerIDColumn), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(orderIDColumn), AttributeType: types.ScalarAttributeTypeS},
		},
		LocalSecondaryIndexes: []types.LocalSecondaryIndex{
			{
				IndexName: aws.String(OrderIndex),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String(orderIDColumn), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String(customerIDColumn), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
		ProvisionedThroughput: &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(5),
			WriteCapacityUnits: aws.Int64(5),
		},
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			// Created concurrently by another process.
			return s.waitActive(ctx)
		}
		return fmt.Errorf("failed to create table %s: %w", s.tableName, err)
	}

	if err := s.waitActive(ctx); err != nil {
		return err
	}
	s.logger.Info("snapshot table created", slog.String("table", s.tableName))
	return nil
}

func (s *Store) waitActive(ctx context.Context) error {
	waiter := dynamodb.NewTableExistsWaiter(s.db, func(o *dynamodb.TableExistsWaiterOptions) {
		o.MinDelay = time.Second
		o.MaxDelay = 10 * time.Second
	})
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)}, tableWaitTimeout); err != nil {
		return fmt.Errorf("failed waiting for table %s: %w", s.tableName, err)
	}
	return nil
}

// Put stores or replaces the snapshot of an order.
func (s *Store) Put(ctx context.Context, o order.Order) error {
	if o.OrderID == "" {
		return order.ErrMissingOrderID
	}

	av, err := attributevalue.MarshalMap(toItem(o))
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	if _, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("failed to put order %s: %w", o.OrderID, err)
	}
	return nil
}

// Get returns the snapshot of an order for a seller.
func (s *Store) Get(ctx context.Context, orderID, sellerID string) (order.Order, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			orderIDColumn:  &types.AttributeValueMemberS{Value: orderID},
			sellerIDColumn: &types.AttributeValueMemberS{Value: sellerID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return order.Order{}, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	if len(out.Item) == 0 {
		return order.Order{}, snapshot.ErrNotFound
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return order.Order{}, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return it.toOrder(), nil
}

// ByCustomer queries OrderIndex for the snapshots of an order placed by a
// customer.
func (s *Store) ByCustomer(ctx context.Context, orderID, customerID string) ([]order.Order, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(OrderIndex),
		KeyConditionExpression: aws.String("#o = :o AND #c = :c"),
		ExpressionAttributeNames: map[string]string{
			"#o": orderIDColumn,
			"#c": customerIDColumn,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":o": &types.AttributeValueMemberS{Value: orderID},
			":c": &types.AttributeValueMemberS{Value: customerID},
		},
	}

	var orders []order.Order
	pages := dynamodb.NewQueryPaginator(s.db, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query orders of customer %s: %w", customerID, err)
		}
		var items []item
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal orders: %w", err)
		}
		for _, it := range items {
			orders = append(orders, it.toOrder())
		}
	}

	if len(orders) == 0 {
		return nil, snapshot.ErrNotFound
	}
	return orders, nil
}

// Close is a no-op; the client is owned by the caller.
func (s *Store) Close() error {
	return nil
}

func toItem(o order.Order) item {
	it := item{
		OrderID:    o.OrderID,
		SellerID:   o.SellerID,
		CustomerID: o.CustomerID,
		Items:      make([]lineItem, len(o.Items)),
	}
	for i, li := range o.Items {
		it.Items[i] = lineItem(li)
	}
	return it
}

func (it item) toOrder() order.Order {
	o := order.Order{
		OrderID:    it.OrderID,
		SellerID:   it.SellerID,
		CustomerID: it.CustomerID,
		Items:      make([]order.Item, len(it.Items)),
	}
	for i, li := range it.Items {
		o.Items[i] = order.Item(li)
	}
	return o
}
