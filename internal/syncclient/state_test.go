package syncclient

import (
	"testing"
	"time"

	"tableside/internal/events"
	"tableside/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)

func item(name string, qty int) models.OrderItem {
	return models.OrderItem{MenuItemID: name, Name: name, Quantity: qty, UnitPrice: decimal.NewFromInt(5), LineTotal: decimal.NewFromInt(int64(5 * qty))}
}

func newOrderPush(orderID string, at time.Time) Event {
	return Event{Source: SourcePush, At: at, NewOrder: &events.NewOrderPayload{
		OrderID:         orderID,
		TableNo:         4,
		Customer:        events.CustomerSummary{Name: "Alice", Guests: 2},
		Items:           []models.OrderItem{item("pho", 2)},
		IsNewOrder:      true,
		AddedItemsCount: 1,
		Status:          models.OrderPending,
		CreatedAt:       t0,
	}}
}

func addedItemsPush(orderID string, at time.Time, added ...models.OrderItem) Event {
	return Event{Source: SourcePush, At: at, NewOrder: &events.NewOrderPayload{
		OrderID:         orderID,
		TableNo:         4,
		Customer:        events.CustomerSummary{Name: "Alice", Guests: 2},
		Items:           append([]models.OrderItem{item("pho", 2)}, added...),
		AddedItems:      added,
		AddedItemsCount: len(added),
		Status:          models.OrderPending,
		CreatedAt:       t0,
	}}
}

func snapshot(at time.Time, orders ...models.Order) Event {
	if orders == nil {
		orders = []models.Order{}
	}
	return Event{Source: SourcePoll, At: at, Snapshot: orders}
}

func pendingOrder(orderID string) models.Order {
	return models.Order{
		OrderID:   orderID,
		TableNo:   4,
		Customer:  models.Customer{Name: "Alice", Guests: 2},
		Items:     []models.OrderItem{item("pho", 2)},
		Status:    models.OrderPending,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func statusPush(orderID string, status models.OrderStatus, at time.Time) Event {
	return Event{Source: SourcePush, At: at, OrderUpdated: &events.OrderUpdatedPayload{OrderID: orderID, Status: status, UpdatedAt: at}}
}

func fold(evs ...Event) (State, []Effect) {
	s := State{}.clone()
	var all []Effect
	for _, ev := range evs {
		var effects []Effect
		s, effects = Reduce(s, ev, DefaultRules())
		all = append(all, effects...)
	}
	return s, all
}

func TestPushThenPollYieldsOneNotification(t *testing.T) {
	s, effects := fold(
		newOrderPush("o1", t0.Add(time.Second)),
		snapshot(t0.Add(5*time.Second), pendingOrder("o1")),
	)
	require.Len(t, s.Notifications, 1)
	assert.Equal(t, NotifyNewOrder, s.Notifications[0].Type)
	assert.Equal(t, 1, s.Unread)
	assert.Len(t, effects, 2)
}

func TestPollThenPushUpgradesInPlace(t *testing.T) {
	s, _ := fold(snapshot(t0.Add(time.Second), pendingOrder("o1")))
	require.Len(t, s.Notifications, 1)
	assert.Equal(t, NotifyPendingOrder, s.Notifications[0].Type)
	id := s.Notifications[0].ID

	s, _ = Reduce(s, Event{Source: SourceLocal, MarkAllRead: true}, DefaultRules())
	s, effects := Reduce(s, newOrderPush("o1", t0.Add(3*time.Second)), DefaultRules())

	require.Len(t, s.Notifications, 1)
	n := s.Notifications[0]
	assert.Equal(t, id, n.ID)
	assert.Equal(t, NotifyNewOrder, n.Type)
	assert.True(t, n.Read)
	assert.Equal(t, 0, s.Unread)
	require.Len(t, effects, 1)
	assert.Equal(t, EffectPrint, effects[0].Kind)
}

func TestOrderUpdatedIsIdempotent(t *testing.T) {
	base, _ := fold(newOrderPush("o1", t0.Add(time.Second)))
	ev := statusPush("o1", models.OrderInProgress, t0.Add(10*time.Second))

	once, _ := Reduce(base, ev, DefaultRules())
	twice, effects := Reduce(once, ev, DefaultRules())

	assert.Equal(t, once, twice)
	assert.Empty(t, effects)
	assert.Equal(t, models.OrderInProgress, twice.Notifications[0].Status)
}

func TestMergeIsOrderIndependent(t *testing.T) {
	inputs := []Event{
		newOrderPush("o1", t0.Add(time.Second)),
		snapshot(t0.Add(2*time.Second), pendingOrder("o1")),
		statusPush("o1", models.OrderInProgress, t0.Add(10*time.Second)),
	}
	perms := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, perm := range perms {
		evs := make([]Event, 0, len(perm))
		for _, i := range perm {
			evs = append(evs, inputs[i])
		}
		s, _ := fold(evs...)
		require.Len(t, s.Notifications, 1, "order %v", perm)
		assert.Equal(t, NotifyNewOrder, s.Notifications[0].Type, "order %v", perm)
		assert.Equal(t, models.OrderInProgress, s.Notifications[0].Status, "order %v", perm)
		assert.Equal(t, models.OrderInProgress, s.Statuses["o1"], "order %v", perm)
	}
}

func TestDuplicatePushInsideWindowIsSuppressed(t *testing.T) {
	s, effects := fold(
		newOrderPush("o1", t0.Add(time.Second)),
		newOrderPush("o1", t0.Add(2500*time.Millisecond)),
	)
	assert.Len(t, s.Notifications, 1)
	assert.Len(t, effects, 2)

	s, _ = Reduce(s, newOrderPush("o1", t0.Add(10*time.Second)), DefaultRules())
	assert.Len(t, s.Notifications, 2)
}

func TestEachAppendIsItsOwnNotification(t *testing.T) {
	s, effects := fold(
		newOrderPush("o1", t0.Add(time.Second)),
		addedItemsPush("o1", t0.Add(time.Minute), item("tea", 1)),
		addedItemsPush("o1", t0.Add(time.Minute+500*time.Millisecond), item("tea", 1)),
		addedItemsPush("o1", t0.Add(time.Minute+time.Second), item("cake", 1)),
	)
	require.Len(t, s.Notifications, 3)
	assert.Equal(t, NotifyAddedItems, s.Notifications[0].Type)
	assert.Equal(t, "cake", s.Notifications[0].Items[0].Name)
	assert.Equal(t, NotifyAddedItems, s.Notifications[1].Type)
	assert.Equal(t, NotifyNewOrder, s.Notifications[2].Type)
	assert.NotEqual(t, s.Notifications[0].ID, s.Notifications[1].ID)
	assert.Len(t, effects, 6)
	assert.Equal(t, 3, s.Unread)
}

func TestPollOnlyAddsMissingPendingOrders(t *testing.T) {
	s, _ := fold(newOrderPush("o1", t0.Add(time.Second)))
	s, _ = Reduce(s, Event{Source: SourceLocal, MarkAllRead: true}, DefaultRules())

	ready := pendingOrder("o2")
	ready.Status = models.OrderReady
	s, effects := Reduce(s, snapshot(t0.Add(5*time.Second), pendingOrder("o1"), ready, pendingOrder("o3")), DefaultRules())

	require.Len(t, s.Notifications, 2)
	assert.Equal(t, "o3", s.Notifications[0].OrderID)
	assert.Equal(t, NotifyPendingOrder, s.Notifications[0].Type)
	assert.False(t, s.Notifications[0].Read)
	assert.Equal(t, "o1", s.Notifications[1].OrderID)
	assert.Equal(t, NotifyNewOrder, s.Notifications[1].Type)
	assert.True(t, s.Notifications[1].Read)
	assert.Equal(t, 1, s.Unread)
	require.Len(t, effects, 2)
	assert.Equal(t, EffectAlert, effects[0].Kind)
	assert.Equal(t, EffectPrint, effects[1].Kind)
	assert.Equal(t, "o3", effects[1].Notification.OrderID)

	again, effects := Reduce(s, snapshot(t0.Add(40*time.Second), pendingOrder("o1"), ready, pendingOrder("o3")), DefaultRules())
	assert.Len(t, again.Notifications, 2)
	assert.Empty(t, effects)
}

func TestPollOnlyOrderStillPrintsTicket(t *testing.T) {
	s, effects := fold(snapshot(t0.Add(time.Second), pendingOrder("o1")))
	require.Len(t, s.Notifications, 1)

	var prints int
	for _, e := range effects {
		if e.Kind == EffectPrint {
			prints++
			assert.Equal(t, NotifyPendingOrder, e.Notification.Type)
		}
	}
	assert.Equal(t, 1, prints)

	// the push arriving later reprints rather than risk a missing ticket
	_, effects = Reduce(s, newOrderPush("o1", t0.Add(4*time.Second)), DefaultRules())
	require.Len(t, effects, 1)
	assert.Equal(t, EffectPrint, effects[0].Kind)
}

func TestTrimmedOrderIsNotAnnouncedAgain(t *testing.T) {
	s, _ := fold(snapshot(t0, pendingOrder("old")))
	for i := 0; i < MaxNotifications; i++ {
		s, _ = Reduce(s, addedItemsPush("o2", t0.Add(time.Duration(i+1)*time.Minute), item("tea", i+1)), DefaultRules())
	}
	for _, n := range s.Notifications {
		require.NotEqual(t, "old", n.OrderID)
	}

	next, effects := Reduce(s, snapshot(t0.Add(5*time.Hour), pendingOrder("old")), DefaultRules())
	assert.Empty(t, effects)
	assert.Len(t, next.Notifications, MaxNotifications)
	assert.True(t, next.Announced["old"])
}

func TestFinishedOrdersAreForgotten(t *testing.T) {
	s, _ := fold(snapshot(t0, pendingOrder("done")))
	for i := 0; i < MaxNotifications; i++ {
		s, _ = Reduce(s, addedItemsPush("o2", t0.Add(time.Duration(i+1)*time.Minute), item("tea", i+1)), DefaultRules())
	}
	s, _ = Reduce(s, statusPush("done", models.OrderCancelled, t0.Add(time.Hour)), DefaultRules())
	require.Contains(t, s.Statuses, "done")

	s, _ = Reduce(s, snapshot(t0.Add(5*time.Hour), pendingOrder("o2")), DefaultRules())
	assert.NotContains(t, s.Statuses, "done")
	assert.NotContains(t, s.LastSeen, "done")
	assert.NotContains(t, s.Announced, "done")
	assert.Contains(t, s.Statuses, "o2")
}

func TestVisibleFinishedOrderIsKept(t *testing.T) {
	s, _ := fold(
		newOrderPush("o1", t0.Add(time.Second)),
		statusPush("o1", models.OrderCompleted, t0.Add(time.Minute)),
		snapshot(t0.Add(2*time.Minute)),
	)
	require.Len(t, s.Notifications, 1)
	assert.Equal(t, models.OrderCompleted, s.Statuses["o1"])
	assert.True(t, s.Announced["o1"])
}

func TestStaleSnapshotDoesNotRewindStatus(t *testing.T) {
	s, _ := fold(
		statusPush("o1", models.OrderReady, t0.Add(20*time.Second)),
		snapshot(t0.Add(30*time.Second), pendingOrder("o1")),
	)
	assert.Equal(t, models.OrderReady, s.Statuses["o1"])
	assert.Empty(t, s.Notifications)
}

func TestReduceDoesNotModifyInput(t *testing.T) {
	s, _ := fold(newOrderPush("o1", t0.Add(time.Second)))
	before := s.clone()

	_, _ = Reduce(s, Event{Source: SourceLocal, MarkAllRead: true}, DefaultRules())
	_, _ = Reduce(s, statusPush("o1", models.OrderCancelled, t0.Add(time.Hour)), DefaultRules())
	_, _ = Reduce(s, snapshot(t0.Add(time.Hour), pendingOrder("o9")), DefaultRules())

	assert.Equal(t, before, s)
}

func TestNotificationListIsBounded(t *testing.T) {
	s := State{}.clone()
	for i := 0; i < MaxNotifications+10; i++ {
		s, _ = Reduce(s, addedItemsPush("o1", t0.Add(time.Duration(i)*time.Minute), item("tea", i+1)), DefaultRules())
	}
	assert.Len(t, s.Notifications, MaxNotifications)
	assert.Equal(t, MaxNotifications, s.Unread)
}

func TestFormatTicket(t *testing.T) {
	n := Notification{
		Type:       NotifyAddedItems,
		OrderID:    "4f1c2a9e-0000-0000-0000-000000000000",
		TableNo:    7,
		Customer:   "Alice",
		Items:      []models.OrderItem{{Name: "Tea", ItemCode: "D02", Quantity: 2}},
		ReceivedAt: t0,
	}
	ticket := FormatTicket(n)
	assert.Contains(t, ticket, "ADDED ITEMS")
	assert.Contains(t, ticket, "Table 7")
	assert.Contains(t, ticket, "Order 4f1c2a9e")
	assert.Contains(t, ticket, "  2x D02 Tea")
}
