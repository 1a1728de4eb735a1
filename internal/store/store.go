package store

import (
	"context"
	"time"

	"tableside/internal/models"
)

type OrderFilter struct {
	ActiveOnly bool
	Status     models.OrderStatus
	TableID    string
	Limit      int
}

type ItemsUpdate struct {
	OrderID string
	Added   []models.OrderItem
	Bills   models.Bills
	At      time.Time
}

type StatusUpdate struct {
	OrderID string
	From    models.OrderStatus
	To      models.OrderStatus
	At      time.Time
}

// Tx is the set of reads and writes available inside one unit of work.
// Writes that carry an expected state fail with ErrStaleWrite when the
// stored record no longer matches it.
type Tx interface {
	GetOrder(ctx context.Context, orderID string) (models.Order, error)
	FindActiveOrderForTable(ctx context.Context, tableID string) (models.Order, bool, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error)
	InsertOrder(ctx context.Context, order models.Order) error
	AppendOrderItems(ctx context.Context, update ItemsUpdate) (models.Order, error)
	UpdateOrderStatus(ctx context.Context, update StatusUpdate) (models.Order, error)

	GetTable(ctx context.Context, tableID string) (models.Table, error)
	// LockTable reads the table and holds it against concurrent writers until
	// the surrounding transaction ends.
	LockTable(ctx context.Context, tableID string) (models.Table, error)
	ListTables(ctx context.Context) ([]models.Table, error)
	InsertTable(ctx context.Context, table models.Table) error
	UpdateTable(ctx context.Context, table models.Table, expected models.TableStatus) (models.Table, error)
	DeleteTable(ctx context.Context, tableID string, expected models.TableStatus) error
}

type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close(ctx context.Context) error
}
