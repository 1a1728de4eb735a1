// Package ordering runs the order lifecycle: placement with the per-table
// item-append merge, and status transitions.
package ordering

import (
	"context"
	"errors"
	"strings"
	"time"

	"tableside/internal/apperr"
	"tableside/internal/events"
	"tableside/internal/keylock"
	"tableside/internal/logging"
	"tableside/internal/menu"
	"tableside/internal/models"
	"tableside/internal/occupancy"
	"tableside/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ItemInput names either a menu item or, for legacy callers, an inline
// name and price.
type ItemInput struct {
	MenuItemID string
	Name       string
	ItemCode   string
	UnitPrice  decimal.Decimal
	Quantity   int
}

type PlaceInput struct {
	TableID      string
	GuestSession string
	Customer     models.Customer
	Items        []ItemInput
}

type PlaceResult struct {
	Order      models.Order       `json:"order"`
	IsNewOrder bool               `json:"isNewOrder"`
	AddedItems []models.OrderItem `json:"addedItems"`
}

type Config struct {
	TaxRate decimal.Decimal
}

type Manager struct {
	store     store.Store
	catalog   menu.Catalog
	tables    *occupancy.Manager
	locks     *keylock.Locker
	publisher events.Publisher
	taxRate   decimal.Decimal
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewManager wires the lifecycle manager. locks must be the same Locker the
// occupancy manager uses.
func NewManager(cfg Config, st store.Store, catalog menu.Catalog, tables *occupancy.Manager, locks *keylock.Locker, publisher events.Publisher, logger *zap.Logger) *Manager {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if catalog == nil {
		catalog = menu.NewStaticCatalog()
	}
	return &Manager{
		store:     st,
		catalog:   catalog,
		tables:    tables,
		locks:     locks,
		publisher: publisher,
		taxRate:   cfg.TaxRate,
		logger:    logging.OrNop(logger),
		tracer:    otel.Tracer("tableside/ordering"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// PlaceOrder creates an order, or appends the items to the table's active
// order when there is one. Placements for one table are serialized.
func (m *Manager) PlaceOrder(ctx context.Context, input PlaceInput) (PlaceResult, error) {
	ctx, span := m.tracer.Start(ctx, "ordering.PlaceOrder")
	defer span.End()

	result, err := m.placeOrder(ctx, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return PlaceResult{}, err
	}
	span.SetAttributes(
		attribute.String("order.id", result.Order.OrderID),
		attribute.Bool("order.is_new", result.IsNewOrder),
		attribute.Int("order.added_items", len(result.AddedItems)),
	)
	return result, nil
}

func (m *Manager) placeOrder(ctx context.Context, input PlaceInput) (PlaceResult, error) {
	now := m.now()
	items, err := m.resolveItems(ctx, input.Items, now)
	if err != nil {
		return PlaceResult{}, err
	}
	customer := input.Customer.WithDefaults()
	tableID := strings.TrimSpace(input.TableID)
	guestSession := strings.TrimSpace(input.GuestSession)

	if tableID == "" {
		order := m.newOrder(items, customer, guestSession, now)
		if err := m.store.InsertOrder(ctx, order); err != nil {
			return PlaceResult{}, mapStoreError(err)
		}
		m.logger.Info("order placed", zap.String("order_id", order.OrderID), zap.Int("items", len(items)))
		m.publisher.PublishNewOrder(ctx, order, true, items)
		return PlaceResult{Order: order, IsNewOrder: true, AddedItems: items}, nil
	}

	unlock := m.locks.Lock(occupancy.TableKey(tableID))
	defer unlock()

	var (
		result       PlaceResult
		table        models.Table
		tableChanged bool
	)
	err = store.RetryStale(ctx, "place_order", func(ctx context.Context) error {
		tableChanged = false
		return m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			locked, err := tx.LockTable(ctx, tableID)
			if err != nil {
				return err
			}
			table = locked

			active, ok, err := tx.FindActiveOrderForTable(ctx, tableID)
			if err != nil {
				return err
			}
			if ok {
				merged := append(append([]models.OrderItem(nil), active.Items...), items...)
				updated, err := tx.AppendOrderItems(ctx, store.ItemsUpdate{
					OrderID: active.OrderID,
					Added:   items,
					Bills:   models.ComputeBills(merged, m.taxRate),
					At:      now,
				})
				if err != nil {
					return err
				}
				result = PlaceResult{Order: updated, IsNewOrder: false, AddedItems: items}
				if locked.Status != models.TableOccupied || locked.CurrentOrderRef != active.OrderID {
					if table, err = m.tables.OccupyInTx(ctx, tx, locked, active.OrderID); err != nil {
						return err
					}
					tableChanged = true
				}
				return nil
			}

			order := m.newOrder(items, customer, guestSession, now)
			order.TableID = locked.TableID
			order.TableNo = locked.TableNo
			if err := tx.InsertOrder(ctx, order); err != nil {
				return err
			}
			if table, err = m.tables.OccupyInTx(ctx, tx, locked, order.OrderID); err != nil {
				return err
			}
			tableChanged = true
			result = PlaceResult{Order: order, IsNewOrder: true, AddedItems: items}
			return nil
		})
	})
	if err != nil {
		return PlaceResult{}, mapStoreError(err)
	}

	m.logger.Info("order placed",
		zap.String("order_id", result.Order.OrderID),
		zap.String("table_id", tableID),
		zap.Bool("is_new_order", result.IsNewOrder),
		zap.Int("added_items", len(items)),
	)
	m.publisher.PublishNewOrder(ctx, result.Order, result.IsNewOrder, items)
	if tableChanged {
		m.publisher.PublishTableUpdated(ctx, table)
	}
	return result, nil
}

func (m *Manager) newOrder(items []models.OrderItem, customer models.Customer, guestSession string, now time.Time) models.Order {
	return models.Order{
		OrderID:      uuid.NewString(),
		GuestSession: guestSession,
		Customer:     customer,
		Items:        items,
		Status:       models.OrderPending,
		Bills:        models.ComputeBills(items, m.taxRate),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (m *Manager) resolveItems(ctx context.Context, inputs []ItemInput, now time.Time) ([]models.OrderItem, error) {
	if len(inputs) == 0 {
		return nil, apperr.Validation("at least one item is required")
	}
	items := make([]models.OrderItem, 0, len(inputs))
	for i, input := range inputs {
		if input.Quantity < 1 {
			return nil, apperr.Validation("item %d: quantity must be at least 1", i+1)
		}
		snapshot, err := m.snapshot(ctx, i, input)
		if err != nil {
			return nil, err
		}
		items = append(items, models.NewOrderItem(snapshot, input.Quantity, now))
	}
	return items, nil
}

func (m *Manager) snapshot(ctx context.Context, index int, input ItemInput) (models.ItemSnapshot, error) {
	id := strings.TrimSpace(input.MenuItemID)
	if id == "" {
		name := strings.TrimSpace(input.Name)
		if name == "" {
			return models.ItemSnapshot{}, apperr.Validation("item %d: menuItemId or name is required", index+1)
		}
		if !input.UnitPrice.IsPositive() {
			return models.ItemSnapshot{}, apperr.Validation("item %d: price must be positive", index+1)
		}
		return models.ItemSnapshot{Name: name, ItemCode: strings.TrimSpace(input.ItemCode), UnitPrice: input.UnitPrice, Available: true}, nil
	}

	snapshot, err := m.catalog.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, menu.ErrMenuItemNotFound) {
			return models.ItemSnapshot{}, apperr.Validation("item %d: unknown menu item %s", index+1, id)
		}
		return models.ItemSnapshot{}, err
	}
	if !snapshot.Available {
		return models.ItemSnapshot{}, apperr.Validation("item %d: %s is not available", index+1, snapshot.Name)
	}
	if !snapshot.UnitPrice.IsPositive() {
		return models.ItemSnapshot{}, apperr.Validation("item %d: %s has no price", index+1, snapshot.Name)
	}
	return snapshot, nil
}

// UpdateStatus moves an order along the lifecycle. Completing or cancelling
// an order frees the table that was holding it.
func (m *Manager) UpdateStatus(ctx context.Context, orderID string, status models.OrderStatus) (models.Order, error) {
	ctx, span := m.tracer.Start(ctx, "ordering.UpdateStatus", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.target_status", string(status)),
	))
	defer span.End()

	order, err := m.updateStatus(ctx, orderID, status)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Order{}, err
	}
	return order, nil
}

func (m *Manager) updateStatus(ctx context.Context, orderID string, status models.OrderStatus) (models.Order, error) {
	target, ok := models.ParseOrderStatus(string(status))
	if !ok {
		return models.Order{}, apperr.Validation("unknown order status %q", status)
	}

	current, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, mapStoreError(err)
	}
	keys := []string{}
	if current.TableID != "" {
		keys = append(keys, occupancy.TableKey(current.TableID))
	}
	keys = append(keys, occupancy.OrderKey(orderID))
	unlock := m.locks.LockAll(keys...)
	defer unlock()

	var (
		updated  models.Order
		table    models.Table
		released bool
	)
	err = store.RetryStale(ctx, "update_order_status", func(ctx context.Context) error {
		released = false
		return m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if current.TableID != "" && target.Terminal() {
				if _, err := tx.LockTable(ctx, current.TableID); err != nil && !errors.Is(err, store.ErrTableNotFound) {
					return err
				}
			}
			order, err := tx.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			if !store.ValidOrderTransition(order.Status, target) {
				return apperr.InvalidTransition(string(order.Status), string(target))
			}
			updated, err = tx.UpdateOrderStatus(ctx, store.StatusUpdate{
				OrderID: orderID,
				From:    order.Status,
				To:      target,
				At:      m.now(),
			})
			if err != nil {
				return err
			}
			if target.Terminal() && order.TableID != "" {
				table, released, err = m.tables.ReleaseInTx(ctx, tx, order.TableID, orderID)
				return err
			}
			return nil
		})
	})
	if err != nil {
		return models.Order{}, mapStoreError(err)
	}

	m.logger.Info("order status updated",
		zap.String("order_id", orderID),
		zap.String("from", string(current.Status)),
		zap.String("to", string(updated.Status)),
	)
	m.publisher.PublishOrderUpdated(ctx, updated)
	if released {
		m.publisher.PublishTableUpdated(ctx, table)
	}
	return updated, nil
}

func (m *Manager) GetOrder(ctx context.Context, orderID string) (models.Order, error) {
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, mapStoreError(err)
	}
	return order, nil
}

func (m *Manager) ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error) {
	orders, err := m.store.ListOrders(ctx, filter)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case apperr.KindOf(err) != "":
		return err
	case errors.Is(err, store.ErrOrderNotFound):
		return apperr.NotFound("order", err)
	case errors.Is(err, store.ErrTableNotFound):
		return apperr.NotFound("table", err)
	case errors.Is(err, store.ErrStaleWrite):
		return apperr.Conflict("order changed concurrently, try again", err)
	default:
		return err
	}
}
