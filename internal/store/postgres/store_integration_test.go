package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"tableside/internal/models"
	"tableside/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func TestOneActiveOrderPerTable(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	table := seedTable(t, ctx, st, 4)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- st.InsertOrder(ctx, newOrder(table))
		}()
	}
	wg.Wait()
	close(errs)

	var inserted, stale int
	for err := range errs {
		switch {
		case err == nil:
			inserted++
		case errors.Is(err, store.ErrStaleWrite):
			stale++
		default:
			t.Fatalf("insert order: %v", err)
		}
	}
	if inserted != 1 || stale != 1 {
		t.Fatalf("expected one insert and one stale write, got %d and %d", inserted, stale)
	}

	active, ok, err := st.FindActiveOrderForTable(ctx, table.TableID)
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if !ok {
		t.Fatalf("expected an active order")
	}
	if len(active.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(active.Items))
	}
}

func TestAppendItemsAndStatusRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	table := seedTable(t, ctx, st, 9)
	order := newOrder(table)
	if err := st.InsertOrder(ctx, order); err != nil {
		t.Fatalf("insert order: %v", err)
	}

	now := time.Now().UTC()
	extra := models.OrderItem{Name: "Lemonade", Quantity: 2, UnitPrice: decimal.RequireFromString("3.50"), LineTotal: decimal.RequireFromString("7.00"), AddedAt: now}
	items := append(append([]models.OrderItem(nil), order.Items...), extra)
	updated, err := st.AppendOrderItems(ctx, store.ItemsUpdate{
		OrderID: order.OrderID,
		Added:   []models.OrderItem{extra},
		Bills:   models.ComputeBills(items, decimal.RequireFromString("0.10")),
		At:      now,
	})
	if err != nil {
		t.Fatalf("append items: %v", err)
	}
	if len(updated.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(updated.Items))
	}
	if updated.Items[1].Name != "Lemonade" {
		t.Fatalf("expected appended item last, got %s", updated.Items[1].Name)
	}
	if !updated.Bills.Subtotal.Equal(decimal.RequireFromString("17.00")) {
		t.Fatalf("unexpected subtotal %s", updated.Bills.Subtotal)
	}

	if _, err := st.UpdateOrderStatus(ctx, store.StatusUpdate{OrderID: order.OrderID, From: models.OrderReady, To: models.OrderCompleted, At: now}); !errors.Is(err, store.ErrStaleWrite) {
		t.Fatalf("expected stale write, got %v", err)
	}
	done, err := st.UpdateOrderStatus(ctx, store.StatusUpdate{OrderID: order.OrderID, From: models.OrderPending, To: models.OrderCancelled, At: now})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if done.Status != models.OrderCancelled {
		t.Fatalf("expected cancelled, got %s", done.Status)
	}
	if _, err := st.AppendOrderItems(ctx, store.ItemsUpdate{OrderID: order.OrderID, Added: []models.OrderItem{extra}, At: now}); !errors.Is(err, store.ErrStaleWrite) {
		t.Fatalf("expected stale write on terminal order, got %v", err)
	}
	if _, err := st.GetOrder(ctx, uuid.NewString()); !errors.Is(err, store.ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLockTableSerializesWriters(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	table := seedTable(t, ctx, st, 12)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(orderID string) {
			defer wg.Done()
			errs <- st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
				locked, err := tx.LockTable(ctx, table.TableID)
				if err != nil {
					return err
				}
				if locked.Status != models.TableAvailable {
					return store.ErrStaleWrite
				}
				_, err = tx.UpdateTable(ctx, locked.Occupy(orderID), models.TableAvailable)
				return err
			})
		}(uuid.NewString())
	}
	wg.Wait()
	close(errs)

	var ok, stale int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, store.ErrStaleWrite):
			stale++
		default:
			t.Fatalf("occupy: %v", err)
		}
	}
	if ok != 1 || stale != 1 {
		t.Fatalf("expected one winner, got %d ok and %d stale", ok, stale)
	}

	got, err := st.GetTable(ctx, table.TableID)
	if err != nil {
		t.Fatalf("get table: %v", err)
	}
	if got.Status != models.TableOccupied || got.CurrentOrderRef == "" {
		t.Fatalf("expected occupied with order ref, got %s %q", got.Status, got.CurrentOrderRef)
	}

	if err := st.InsertTable(ctx, models.Table{TableID: uuid.NewString(), TableNo: 12, Seats: 2, Status: models.TableAvailable, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}); !errors.Is(err, store.ErrTableNoTaken) {
		t.Fatalf("expected table number conflict, got %v", err)
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := execOnce(ctx, dsn, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	st := NewStore(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		t.Fatalf("ensure schema: %v", err)
	}
	cleanup := func() {
		pool.Close()
		_ = execOnce(context.Background(), dsn, "DROP SCHEMA "+schema+" CASCADE")
	}
	return st, cleanup
}

func execOnce(ctx context.Context, dsn, sql string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, sql)
	return err
}

func seedTable(t *testing.T, ctx context.Context, st *Store, no int) models.Table {
	t.Helper()
	now := time.Now().UTC()
	table := models.Table{TableID: uuid.NewString(), TableNo: no, Seats: 4, Status: models.TableAvailable, CreatedAt: now, UpdatedAt: now}
	if err := st.InsertTable(ctx, table); err != nil {
		t.Fatalf("insert table: %v", err)
	}
	return table
}

func newOrder(table models.Table) models.Order {
	now := time.Now().UTC()
	item := models.OrderItem{
		MenuItemID: "m-1",
		Name:       "Fried rice",
		Quantity:   1,
		UnitPrice:  decimal.RequireFromString("10.00"),
		LineTotal:  decimal.RequireFromString("10.00"),
		AddedAt:    now,
	}
	items := []models.OrderItem{item}
	return models.Order{
		OrderID:   uuid.NewString(),
		TableID:   table.TableID,
		TableNo:   table.TableNo,
		Customer:  models.Customer{Name: "Walk-in", Guests: 1},
		Items:     items,
		Status:    models.OrderPending,
		Bills:     models.ComputeBills(items, decimal.RequireFromString("0.10")),
		CreatedAt: now,
		UpdatedAt: now,
	}
}
