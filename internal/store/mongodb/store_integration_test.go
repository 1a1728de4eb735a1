package mongodb

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"tableside/internal/models"
	"tableside/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func setupTestStore(t *testing.T, ctx context.Context) *Store {
	t.Helper()
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI is required for integration tests")
	}
	database := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	st, err := Connect(ctx, uri, database)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := st.EnsureIndexes(ctx); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}
	t.Cleanup(func() {
		_ = st.client.Database(database).Drop(context.Background())
		_ = st.Close(context.Background())
	})
	return st
}

func TestOrderLifecycleRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, ctx)

	now := time.Now().UTC().Truncate(time.Millisecond)
	table := models.Table{TableID: uuid.NewString(), TableNo: 3, Seats: 2, Status: models.TableAvailable, CreatedAt: now, UpdatedAt: now}
	if err := st.InsertTable(ctx, table); err != nil {
		t.Fatalf("insert table: %v", err)
	}

	item := models.OrderItem{Name: "Soup", Quantity: 2, UnitPrice: decimal.RequireFromString("4.25"), LineTotal: decimal.RequireFromString("8.50"), AddedAt: now}
	order := models.Order{
		OrderID:   uuid.NewString(),
		TableID:   table.TableID,
		TableNo:   table.TableNo,
		Customer:  models.Customer{Name: "Walk-in", Guests: 1},
		Items:     []models.OrderItem{item},
		Status:    models.OrderPending,
		Bills:     models.ComputeBills([]models.OrderItem{item}, decimal.Zero),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockTable(ctx, table.TableID)
		if err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		_, err = tx.UpdateTable(ctx, locked.Occupy(order.OrderID), models.TableAvailable)
		return err
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	second := order
	second.OrderID = uuid.NewString()
	if err := st.InsertOrder(ctx, second); !errors.Is(err, store.ErrStaleWrite) {
		t.Fatalf("expected second active order to be refused, got %v", err)
	}

	got, ok, err := st.FindActiveOrderForTable(ctx, table.TableID)
	if err != nil || !ok {
		t.Fatalf("find active: %v %v", ok, err)
	}
	if !got.Bills.Subtotal.Equal(decimal.RequireFromString("8.50")) {
		t.Fatalf("unexpected subtotal %s", got.Bills.Subtotal)
	}

	if _, err := st.UpdateOrderStatus(ctx, store.StatusUpdate{OrderID: order.OrderID, From: models.OrderPending, To: models.OrderCancelled, At: now}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok, _ := st.FindActiveOrderForTable(ctx, table.TableID); ok {
		t.Fatalf("expected no active order after cancel")
	}
	if _, err := st.UpdateOrderStatus(ctx, store.StatusUpdate{OrderID: order.OrderID, From: models.OrderPending, To: models.OrderInProgress, At: now}); !errors.Is(err, store.ErrStaleWrite) {
		t.Fatalf("expected stale write, got %v", err)
	}

	tbl, err := st.GetTable(ctx, table.TableID)
	if err != nil {
		t.Fatalf("get table: %v", err)
	}
	if tbl.Status != models.TableOccupied || tbl.CurrentOrderRef != order.OrderID {
		t.Fatalf("unexpected table state %s %q", tbl.Status, tbl.CurrentOrderRef)
	}
}
