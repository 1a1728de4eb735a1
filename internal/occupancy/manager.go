// Package occupancy owns the table state machine: creation, bookings,
// manual status changes, deletion, and the occupy/release steps the order
// lifecycle runs inside its own transactions.
package occupancy

import (
	"context"
	"errors"
	"strings"
	"time"

	"tableside/internal/apperr"
	"tableside/internal/events"
	"tableside/internal/keylock"
	"tableside/internal/logging"
	"tableside/internal/models"
	"tableside/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TableKey(tableID string) string {
	return "table:" + tableID
}

func OrderKey(orderID string) string {
	return "order:" + orderID
}

type CreateTableInput struct {
	TableNo int
	Seats   int
}

type BookingInput struct {
	Customer      models.Customer
	ReservationAt time.Time
	Notes         string
}

type Manager struct {
	store     store.Store
	locks     *keylock.Locker
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewManager(st store.Store, locks *keylock.Locker, publisher events.Publisher, logger *zap.Logger) *Manager {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &Manager{
		store:     st,
		locks:     locks,
		publisher: publisher,
		logger:    logging.OrNop(logger),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Manager) CreateTable(ctx context.Context, input CreateTableInput) (models.Table, error) {
	if input.TableNo <= 0 {
		return models.Table{}, apperr.Validation("tableNo must be positive")
	}
	if input.Seats <= 0 {
		return models.Table{}, apperr.Validation("seats must be positive")
	}
	now := m.now()
	table := models.Table{
		TableID:   uuid.NewString(),
		TableNo:   input.TableNo,
		Seats:     input.Seats,
		Status:    models.TableAvailable,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.InsertTable(ctx, table); err != nil {
		if errors.Is(err, store.ErrTableNoTaken) {
			return models.Table{}, apperr.Conflict("table number already in use", err)
		}
		return models.Table{}, err
	}
	m.logger.Info("table created", zap.String("table_id", table.TableID), zap.Int("table_no", table.TableNo))
	m.publisher.PublishTableUpdated(ctx, table)
	return table, nil
}

func (m *Manager) GetTable(ctx context.Context, tableID string) (models.Table, error) {
	table, err := m.store.GetTable(ctx, tableID)
	if err != nil {
		return models.Table{}, mapStoreError(err)
	}
	return table, nil
}

func (m *Manager) ListTables(ctx context.Context) ([]models.Table, error) {
	return m.store.ListTables(ctx)
}

// BookTable reserves the table for a future time. Booking a table that is
// already booked, or that is seating an active order, is refused.
func (m *Manager) BookTable(ctx context.Context, tableID string, input BookingInput) (models.Table, error) {
	name := strings.TrimSpace(input.Customer.Name)
	phone := strings.TrimSpace(input.Customer.Phone)
	if name == "" {
		return models.Table{}, apperr.Validation("customer name is required")
	}
	if phone == "" {
		return models.Table{}, apperr.Validation("customer phone is required")
	}
	if input.ReservationAt.IsZero() {
		return models.Table{}, apperr.Validation("reservationDateTime is required")
	}
	now := m.now()
	if input.ReservationAt.Before(now) {
		return models.Table{}, apperr.Validation("reservationDateTime must not be in the past")
	}
	guests := input.Customer.Guests
	if guests < 1 {
		guests = 1
	}
	booking := &models.Booking{
		Customer:      models.Customer{Name: name, Phone: phone, Guests: guests},
		ReservationAt: input.ReservationAt.UTC(),
		Notes:         strings.TrimSpace(input.Notes),
	}

	unlock := m.locks.Lock(TableKey(tableID))
	defer unlock()

	var updated models.Table
	err := store.RetryStale(ctx, "book_table", func(ctx context.Context) error {
		return m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			table, err := tx.LockTable(ctx, tableID)
			if err != nil {
				return err
			}
			switch table.Status {
			case models.TableBooked:
				return apperr.InvalidState("table %d is already booked", table.TableNo)
			case models.TableOccupied:
				if busy, err := hasActiveOrder(ctx, tx, table); err != nil {
					return err
				} else if busy {
					return apperr.InvalidState("table %d is seating an active order", table.TableNo)
				}
			}
			if !store.ValidTableTransition(table.Status, models.TableBooked) {
				return apperr.InvalidTransition(string(table.Status), string(models.TableBooked))
			}
			next := table
			next.Status = models.TableBooked
			next.CurrentOrderRef = ""
			next.Booking = booking
			next.UpdatedAt = now
			updated, err = tx.UpdateTable(ctx, next, table.Status)
			return err
		})
	})
	if err != nil {
		return models.Table{}, mapStoreError(err)
	}
	m.logger.Info("table booked", zap.String("table_id", tableID), zap.Time("reservation_at", booking.ReservationAt))
	m.publisher.PublishTableUpdated(ctx, updated)
	return updated, nil
}

// SetStatus is the staff override. Moving to Available clears the order
// reference and any reservation; the order itself is left alone.
func (m *Manager) SetStatus(ctx context.Context, tableID string, status models.TableStatus, orderRef string) (models.Table, error) {
	target, ok := models.ParseTableStatus(string(status))
	if !ok {
		return models.Table{}, apperr.Validation("unknown table status %q", status)
	}
	orderRef = strings.TrimSpace(orderRef)
	if orderRef != "" && target != models.TableOccupied {
		return models.Table{}, apperr.Validation("orderRef is only allowed when status is occupied")
	}

	keys := []string{TableKey(tableID)}
	if orderRef != "" {
		keys = append(keys, OrderKey(orderRef))
	}
	unlock := m.locks.LockAll(keys...)
	defer unlock()

	var updated models.Table
	err := store.RetryStale(ctx, "set_table_status", func(ctx context.Context) error {
		return m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			table, err := tx.LockTable(ctx, tableID)
			if err != nil {
				return err
			}
			if !store.ValidTableTransition(table.Status, target) {
				return apperr.InvalidTransition(string(table.Status), string(target))
			}
			next := table
			switch target {
			case models.TableAvailable:
				next = table.Reset()
			case models.TableBooked:
				next.Status = models.TableBooked
				next.CurrentOrderRef = ""
			case models.TableOccupied:
				ref := orderRef
				if ref == "" && table.Status == models.TableOccupied {
					ref = table.CurrentOrderRef
				}
				if orderRef != "" {
					if err := checkAttachable(ctx, tx, table, orderRef); err != nil {
						return err
					}
				}
				next = table.Occupy(ref)
			}
			next.UpdatedAt = m.now()
			updated, err = tx.UpdateTable(ctx, next, table.Status)
			return err
		})
	})
	if err != nil {
		return models.Table{}, mapStoreError(err)
	}
	m.logger.Info("table status set",
		zap.String("table_id", tableID),
		zap.String("status", string(updated.Status)),
		zap.String("order_ref", updated.CurrentOrderRef),
	)
	m.publisher.PublishTableUpdated(ctx, updated)
	return updated, nil
}

func (m *Manager) DeleteTable(ctx context.Context, tableID string) error {
	unlock := m.locks.Lock(TableKey(tableID))
	defer unlock()

	err := m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		table, err := tx.LockTable(ctx, tableID)
		if err != nil {
			return err
		}
		if table.Status != models.TableAvailable {
			return apperr.InvalidState("cannot delete a %s table", table.Status)
		}
		if busy, err := hasActiveOrder(ctx, tx, table); err != nil {
			return err
		} else if busy {
			return apperr.InvalidState("table %d still has an active order", table.TableNo)
		}
		return tx.DeleteTable(ctx, tableID, models.TableAvailable)
	})
	if errors.Is(err, store.ErrStaleWrite) {
		return apperr.InvalidState("table changed while deleting; it is no longer available")
	}
	if err != nil {
		return mapStoreError(err)
	}
	m.logger.Info("table deleted", zap.String("table_id", tableID))
	return nil
}

// OccupyInTx seats orderID at a table already locked by tx.
func (m *Manager) OccupyInTx(ctx context.Context, tx store.Tx, table models.Table, orderID string) (models.Table, error) {
	if !store.ValidTableTransition(table.Status, models.TableOccupied) {
		return models.Table{}, apperr.InvalidTransition(string(table.Status), string(models.TableOccupied))
	}
	next := table.Occupy(orderID)
	next.UpdatedAt = m.now()
	return tx.UpdateTable(ctx, next, table.Status)
}

// ReleaseInTx frees the table when it is still holding orderID. It reports
// whether the table changed.
func (m *Manager) ReleaseInTx(ctx context.Context, tx store.Tx, tableID, orderID string) (models.Table, bool, error) {
	table, err := tx.LockTable(ctx, tableID)
	if err != nil {
		if errors.Is(err, store.ErrTableNotFound) {
			return models.Table{}, false, nil
		}
		return models.Table{}, false, err
	}
	if table.CurrentOrderRef != orderID {
		return table, false, nil
	}
	next := table.Reset()
	next.UpdatedAt = m.now()
	updated, err := tx.UpdateTable(ctx, next, table.Status)
	if err != nil {
		return models.Table{}, false, err
	}
	return updated, true, nil
}

func hasActiveOrder(ctx context.Context, tx store.Tx, table models.Table) (bool, error) {
	_, ok, err := tx.FindActiveOrderForTable(ctx, table.TableID)
	return ok, err
}

func checkAttachable(ctx context.Context, tx store.Tx, table models.Table, orderID string) error {
	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.Active() {
		return apperr.InvalidState("order %s is %s", orderID, order.Status)
	}
	if order.TableID != table.TableID {
		return apperr.InvalidState("order %s does not belong to table %d", orderID, table.TableNo)
	}
	return nil
}

func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case apperr.KindOf(err) != "":
		return err
	case errors.Is(err, store.ErrTableNotFound):
		return apperr.NotFound("table", err)
	case errors.Is(err, store.ErrOrderNotFound):
		return apperr.NotFound("order", err)
	case errors.Is(err, store.ErrStaleWrite):
		return apperr.Conflict("table changed concurrently, try again", err)
	default:
		return err
	}
}
