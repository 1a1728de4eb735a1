// Package memory is a process-local store used for development and tests.
// Transactions run one at a time against a copy of the data and are swapped
// in on success, so a failed transaction leaves nothing behind.
package memory

import (
	"context"
	"sort"
	"sync"

	"tableside/internal/models"
	"tableside/internal/store"
)

type dataset struct {
	orders map[string]models.Order
	tables map[string]models.Table
}

func newDataset() *dataset {
	return &dataset{
		orders: make(map[string]models.Order),
		tables: make(map[string]models.Table),
	}
}

func (d *dataset) clone() *dataset {
	out := &dataset{
		orders: make(map[string]models.Order, len(d.orders)),
		tables: make(map[string]models.Table, len(d.tables)),
	}
	for id, order := range d.orders {
		out.orders[id] = copyOrder(order)
	}
	for id, table := range d.tables {
		out.tables[id] = copyTable(table)
	}
	return out
}

type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data *dataset
}

func New() *Store {
	return &Store{data: newDataset()}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	work := s.data.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &view{data: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = work
	s.mu.Unlock()
	return nil
}

func (s *Store) Close(context.Context) error {
	return nil
}

func (s *Store) read() *view {
	return &view{data: s.data}
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetOrder(ctx, orderID)
}

func (s *Store) FindActiveOrderForTable(ctx context.Context, tableID string) (models.Order, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().FindActiveOrderForTable(ctx, tableID)
}

func (s *Store) ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListOrders(ctx, filter)
}

func (s *Store) GetTable(ctx context.Context, tableID string) (models.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetTable(ctx, tableID)
}

func (s *Store) LockTable(ctx context.Context, tableID string) (models.Table, error) {
	return s.GetTable(ctx, tableID)
}

func (s *Store) ListTables(ctx context.Context) ([]models.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListTables(ctx)
}

func (s *Store) InsertOrder(ctx context.Context, order models.Order) error {
	return s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertOrder(ctx, order)
	})
}

func (s *Store) AppendOrderItems(ctx context.Context, update store.ItemsUpdate) (models.Order, error) {
	var out models.Order
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.AppendOrderItems(ctx, update)
		return err
	})
	return out, err
}

func (s *Store) UpdateOrderStatus(ctx context.Context, update store.StatusUpdate) (models.Order, error) {
	var out models.Order
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.UpdateOrderStatus(ctx, update)
		return err
	})
	return out, err
}

func (s *Store) InsertTable(ctx context.Context, table models.Table) error {
	return s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertTable(ctx, table)
	})
}

func (s *Store) UpdateTable(ctx context.Context, table models.Table, expected models.TableStatus) (models.Table, error) {
	var out models.Table
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.UpdateTable(ctx, table, expected)
		return err
	})
	return out, err
}

func (s *Store) DeleteTable(ctx context.Context, tableID string, expected models.TableStatus) error {
	return s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.DeleteTable(ctx, tableID, expected)
	})
}

type view struct {
	data *dataset
}

func (v *view) GetOrder(_ context.Context, orderID string) (models.Order, error) {
	order, ok := v.data.orders[orderID]
	if !ok {
		return models.Order{}, store.ErrOrderNotFound
	}
	return copyOrder(order), nil
}

func (v *view) FindActiveOrderForTable(_ context.Context, tableID string) (models.Order, bool, error) {
	var found models.Order
	ok := false
	for _, order := range v.data.orders {
		if order.TableID != tableID || !order.Active() {
			continue
		}
		if !ok || order.CreatedAt.After(found.CreatedAt) {
			found = order
			ok = true
		}
	}
	if !ok {
		return models.Order{}, false, nil
	}
	return copyOrder(found), true, nil
}

func (v *view) ListOrders(_ context.Context, filter store.OrderFilter) ([]models.Order, error) {
	orders := make([]models.Order, 0, len(v.data.orders))
	for _, order := range v.data.orders {
		if filter.ActiveOnly && !order.Active() {
			continue
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if filter.TableID != "" && order.TableID != filter.TableID {
			continue
		}
		orders = append(orders, copyOrder(order))
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].OrderID < orders[j].OrderID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	if filter.Limit > 0 && len(orders) > filter.Limit {
		orders = orders[:filter.Limit]
	}
	return orders, nil
}

func (v *view) InsertOrder(_ context.Context, order models.Order) error {
	if _, exists := v.data.orders[order.OrderID]; exists {
		return store.ErrStaleWrite
	}
	v.data.orders[order.OrderID] = copyOrder(order)
	return nil
}

func (v *view) AppendOrderItems(_ context.Context, update store.ItemsUpdate) (models.Order, error) {
	order, ok := v.data.orders[update.OrderID]
	if !ok {
		return models.Order{}, store.ErrOrderNotFound
	}
	if !order.Active() {
		return models.Order{}, store.ErrStaleWrite
	}
	order.Items = append(order.Items, update.Added...)
	order.Bills = update.Bills
	order.UpdatedAt = update.At
	order.Version++
	v.data.orders[order.OrderID] = order
	return copyOrder(order), nil
}

func (v *view) UpdateOrderStatus(_ context.Context, update store.StatusUpdate) (models.Order, error) {
	order, ok := v.data.orders[update.OrderID]
	if !ok {
		return models.Order{}, store.ErrOrderNotFound
	}
	if order.Status != update.From {
		return models.Order{}, store.ErrStaleWrite
	}
	order.Status = update.To
	order.UpdatedAt = update.At
	order.Version++
	v.data.orders[order.OrderID] = order
	return copyOrder(order), nil
}

func (v *view) GetTable(_ context.Context, tableID string) (models.Table, error) {
	table, ok := v.data.tables[tableID]
	if !ok {
		return models.Table{}, store.ErrTableNotFound
	}
	return copyTable(table), nil
}

func (v *view) LockTable(ctx context.Context, tableID string) (models.Table, error) {
	return v.GetTable(ctx, tableID)
}

func (v *view) ListTables(_ context.Context) ([]models.Table, error) {
	tables := make([]models.Table, 0, len(v.data.tables))
	for _, table := range v.data.tables {
		tables = append(tables, copyTable(table))
	}
	sort.Slice(tables, func(i, j int) bool {
		return tables[i].TableNo < tables[j].TableNo
	})
	return tables, nil
}

func (v *view) InsertTable(_ context.Context, table models.Table) error {
	for _, existing := range v.data.tables {
		if existing.TableNo == table.TableNo || existing.TableID == table.TableID {
			return store.ErrTableNoTaken
		}
	}
	v.data.tables[table.TableID] = copyTable(table)
	return nil
}

func (v *view) UpdateTable(_ context.Context, table models.Table, expected models.TableStatus) (models.Table, error) {
	current, ok := v.data.tables[table.TableID]
	if !ok {
		return models.Table{}, store.ErrTableNotFound
	}
	if current.Status != expected {
		return models.Table{}, store.ErrStaleWrite
	}
	current.Status = table.Status
	current.CurrentOrderRef = table.CurrentOrderRef
	current.Booking = copyBooking(table.Booking)
	current.UpdatedAt = table.UpdatedAt
	current.Version++
	v.data.tables[current.TableID] = current
	return copyTable(current), nil
}

func (v *view) DeleteTable(_ context.Context, tableID string, expected models.TableStatus) error {
	current, ok := v.data.tables[tableID]
	if !ok {
		return store.ErrTableNotFound
	}
	if current.Status != expected {
		return store.ErrStaleWrite
	}
	delete(v.data.tables, tableID)
	return nil
}

func copyOrder(order models.Order) models.Order {
	order.Items = append([]models.OrderItem(nil), order.Items...)
	return order
}

func copyTable(table models.Table) models.Table {
	table.Booking = copyBooking(table.Booking)
	return table
}

func copyBooking(booking *models.Booking) *models.Booking {
	if booking == nil {
		return nil
	}
	out := *booking
	return &out
}
