package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"tableside/internal/models"
	"tableside/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTable(t *testing.T, st *Store, id string, no int) models.Table {
	t.Helper()
	table := models.Table{TableID: id, TableNo: no, Seats: 4, Status: models.TableAvailable, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.InsertTable(context.Background(), table))
	return table
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	st := New()
	seedTable(t, st, "t1", 1)

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		table, err := tx.LockTable(ctx, "t1")
		if err != nil {
			return err
		}
		if _, err := tx.UpdateTable(ctx, table.Occupy("o1"), models.TableAvailable); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, models.Order{OrderID: "o1", TableID: "t1", Status: models.OrderPending}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	table, err := st.GetTable(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TableAvailable, table.Status)
	assert.Empty(t, table.CurrentOrderRef)

	_, err = st.GetOrder(ctx, "o1")
	assert.ErrorIs(t, err, store.ErrOrderNotFound)
}

func TestInsertTableRejectsDuplicateNumber(t *testing.T) {
	st := New()
	seedTable(t, st, "t1", 7)

	err := st.InsertTable(context.Background(), models.Table{TableID: "t2", TableNo: 7, Seats: 2, Status: models.TableAvailable})
	assert.ErrorIs(t, err, store.ErrTableNoTaken)
}

func TestUpdateOrderStatusChecksExpectedStatus(t *testing.T) {
	ctx := context.Background()
	st := New()
	require.NoError(t, st.InsertOrder(ctx, models.Order{OrderID: "o1", Status: models.OrderPending}))

	updated, err := st.UpdateOrderStatus(ctx, store.StatusUpdate{OrderID: "o1", From: models.OrderPending, To: models.OrderInProgress, At: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, models.OrderInProgress, updated.Status)
	assert.EqualValues(t, 1, updated.Version)

	_, err = st.UpdateOrderStatus(ctx, store.StatusUpdate{OrderID: "o1", From: models.OrderPending, To: models.OrderCancelled, At: time.Now()})
	assert.ErrorIs(t, err, store.ErrStaleWrite)

	_, err = st.UpdateOrderStatus(ctx, store.StatusUpdate{OrderID: "missing", From: models.OrderPending, To: models.OrderCancelled})
	assert.ErrorIs(t, err, store.ErrOrderNotFound)
}

func TestAppendOrderItemsRefusesTerminalOrder(t *testing.T) {
	ctx := context.Background()
	st := New()
	require.NoError(t, st.InsertOrder(ctx, models.Order{OrderID: "o1", Status: models.OrderCompleted}))

	_, err := st.AppendOrderItems(ctx, store.ItemsUpdate{OrderID: "o1", Added: []models.OrderItem{{Name: "Tea", Quantity: 1}}})
	assert.ErrorIs(t, err, store.ErrStaleWrite)
}

func TestReturnedOrdersAreCopies(t *testing.T) {
	ctx := context.Background()
	st := New()
	require.NoError(t, st.InsertOrder(ctx, models.Order{OrderID: "o1", Status: models.OrderPending, Items: []models.OrderItem{{Name: "Pho", Quantity: 2}}}))

	order, err := st.GetOrder(ctx, "o1")
	require.NoError(t, err)
	order.Items[0].Name = "changed"

	again, err := st.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "Pho", again.Items[0].Name)
}

func TestListOrdersFilters(t *testing.T) {
	ctx := context.Background()
	st := New()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.InsertOrder(ctx, models.Order{OrderID: "a", TableID: "t1", Status: models.OrderPending, CreatedAt: base}))
	require.NoError(t, st.InsertOrder(ctx, models.Order{OrderID: "b", TableID: "t2", Status: models.OrderReady, CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, st.InsertOrder(ctx, models.Order{OrderID: "c", TableID: "t1", Status: models.OrderCompleted, CreatedAt: base.Add(2 * time.Minute)}))

	active, err := st.ListOrders(ctx, store.OrderFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].OrderID)
	assert.Equal(t, "b", active[1].OrderID)

	byTable, err := st.ListOrders(ctx, store.OrderFilter{TableID: "t1"})
	require.NoError(t, err)
	assert.Len(t, byTable, 2)

	ready, err := st.ListOrders(ctx, store.OrderFilter{Status: models.OrderReady})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].OrderID)
}
