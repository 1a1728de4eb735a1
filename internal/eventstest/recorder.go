// Package eventstest provides a Publisher that remembers what it was asked
// to publish.
package eventstest

import (
	"context"
	"sync"

	"tableside/internal/models"
)

type NewOrder struct {
	Order      models.Order
	IsNewOrder bool
	Added      []models.OrderItem
}

type Recorder struct {
	mu           sync.Mutex
	NewOrders    []NewOrder
	OrderUpdates []models.Order
	TableUpdates []models.Table
}

func (r *Recorder) PublishNewOrder(_ context.Context, order models.Order, isNewOrder bool, added []models.OrderItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.NewOrders = append(r.NewOrders, NewOrder{Order: order, IsNewOrder: isNewOrder, Added: added})
}

func (r *Recorder) PublishOrderUpdated(_ context.Context, order models.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.OrderUpdates = append(r.OrderUpdates, order)
}

func (r *Recorder) PublishTableUpdated(_ context.Context, table models.Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.TableUpdates = append(r.TableUpdates, table)
}

// Counts returns how many new-order, order-updated and table-updated events
// were recorded.
func (r *Recorder) Counts() (newOrders, orderUpdates, tableUpdates int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.NewOrders), len(r.OrderUpdates), len(r.TableUpdates)
}
