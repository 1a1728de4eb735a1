package events

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"tableside/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func newRecordingSink() *recordingSink {
	return &recordingSink{sent: make(map[string][][]byte)}
}

func (s *recordingSink) Broadcast(room string, payload []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[room] = append(s.sent[room], payload)
	return 1
}

func (s *recordingSink) rooms() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.sent))
	for room, msgs := range s.sent {
		out[room] = len(msgs)
	}
	return out
}

type failingRelay struct{ calls int }

func (r *failingRelay) Publish(context.Context, []string, []byte) error {
	r.calls++
	return errors.New("relay down")
}

func sampleOrder() models.Order {
	item := models.OrderItem{Name: "Pho", Quantity: 2, UnitPrice: decimal.NewFromInt(8), LineTotal: decimal.NewFromInt(16)}
	return models.Order{
		OrderID:  "o1",
		TableID:  "t1",
		TableNo:  1,
		Customer: models.Customer{Name: "Alice", Guests: 2},
		Items:    []models.OrderItem{item},
		Status:   models.OrderPending,
	}
}

func TestNewOrderGoesToStaffRoom(t *testing.T) {
	sink := newRecordingSink()
	b := NewBroadcaster(sink, nil)

	b.PublishNewOrder(context.Background(), sampleOrder(), true, sampleOrder().Items)

	assert.Equal(t, map[string]int{StaffRoom: 1}, sink.rooms())
	env, err := Decode(sink.sent[StaffRoom][0])
	require.NoError(t, err)
	assert.Equal(t, EventNewOrder, env.Event)
	assert.False(t, env.SentAt.IsZero())

	var payload NewOrderPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "o1", payload.OrderID)
	assert.True(t, payload.IsNewOrder)
	assert.Equal(t, 1, payload.AddedItemsCount)
	assert.Empty(t, payload.AddedItems)
	assert.Equal(t, "Alice", payload.Customer.Name)
}

func TestAppendCarriesAddedItems(t *testing.T) {
	sink := newRecordingSink()
	b := NewBroadcaster(sink, nil)
	added := []models.OrderItem{{Name: "Tea", Quantity: 1, UnitPrice: decimal.NewFromInt(2), LineTotal: decimal.NewFromInt(2)}}

	b.PublishNewOrder(context.Background(), sampleOrder(), false, added)

	env, err := Decode(sink.sent[StaffRoom][0])
	require.NoError(t, err)
	var payload NewOrderPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.False(t, payload.IsNewOrder)
	require.Len(t, payload.AddedItems, 1)
	assert.Equal(t, "Tea", payload.AddedItems[0].Name)
}

func TestGuestOrderAlsoReachesGuestRoom(t *testing.T) {
	sink := newRecordingSink()
	b := NewBroadcaster(sink, nil)
	order := sampleOrder()
	order.GuestSession = "g-42"

	b.PublishOrderUpdated(context.Background(), order)

	assert.Equal(t, map[string]int{StaffRoom: 1, "guest:g-42": 1}, sink.rooms())
}

func TestTableUpdatedIsStaffOnly(t *testing.T) {
	sink := newRecordingSink()
	b := NewBroadcaster(sink, nil)

	b.PublishTableUpdated(context.Background(), models.Table{TableID: "t1", TableNo: 1, Status: models.TableOccupied, CurrentOrderRef: "o1"})

	env, err := Decode(sink.sent[StaffRoom][0])
	require.NoError(t, err)
	var payload TableUpdatedPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, models.TableOccupied, payload.Status)
	assert.Equal(t, "o1", payload.CurrentOrderRef)
}

func TestRelayFailureDoesNotBlockLocalDelivery(t *testing.T) {
	sink := newRecordingSink()
	relay := &failingRelay{}
	b := NewBroadcaster(sink, nil)
	b.SetRelay(relay)

	b.PublishOrderUpdated(context.Background(), sampleOrder())

	assert.Equal(t, 1, relay.calls)
	assert.Equal(t, map[string]int{StaffRoom: 1}, sink.rooms())
}

func offlineRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: "localhost:0",
		Dialer: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return nil, errors.New("redis disabled in tests")
		},
	})
}

func TestRelayDeliverSkipsOwnMessages(t *testing.T) {
	sink := newRecordingSink()
	relay := NewRedisRelay(offlineRedis(), "", sink, nil)

	payload, err := Encode(EventOrderUpdated, OrderUpdatedPayload{OrderID: "o1"}, time.Now())
	require.NoError(t, err)

	own, err := json.Marshal(relayMessage{Origin: relay.origin, Rooms: []string{StaffRoom}, Payload: payload})
	require.NoError(t, err)
	assert.Zero(t, relay.deliver(own))

	foreign, err := json.Marshal(relayMessage{Origin: "other", Rooms: []string{StaffRoom, "guest:g1"}, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, 2, relay.deliver(foreign))
	assert.JSONEq(t, string(payload), string(sink.sent[StaffRoom][0]))

	assert.Zero(t, relay.deliver([]byte("garbage")))
}

func TestRelayPublishReportsConnectionError(t *testing.T) {
	relay := NewRedisRelay(offlineRedis(), "chan", newRecordingSink(), nil)
	err := relay.Publish(context.Background(), []string{StaffRoom}, []byte(`{}`))
	assert.Error(t, err)
}
