// Package events turns committed order and table changes into push messages
// for the rooms that care about them. Delivery is at most once: nothing is
// stored or retried here, clients catch up by polling.
package events

import (
	"context"
	"encoding/json"
	"time"

	"tableside/internal/logging"
	"tableside/internal/metrics"
	"tableside/internal/models"

	"go.uber.org/zap"
)

const (
	EventNewOrder     = "new-order"
	EventOrderUpdated = "order-updated"
	EventTableUpdated = "table-updated"
)

const StaffRoom = "staff"

func GuestRoom(sessionID string) string {
	return "guest:" + sessionID
}

type Envelope struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	SentAt time.Time       `json:"sentAt"`
}

type CustomerSummary struct {
	Name   string `json:"name"`
	Phone  string `json:"phone,omitempty"`
	Guests int    `json:"guests"`
}

type NewOrderPayload struct {
	OrderID         string             `json:"orderId"`
	TableID         string             `json:"tableId,omitempty"`
	TableNo         int                `json:"tableNo,omitempty"`
	Customer        CustomerSummary    `json:"customer"`
	Items           []models.OrderItem `json:"items"`
	AddedItems      []models.OrderItem `json:"addedItems,omitempty"`
	IsNewOrder      bool               `json:"isNewOrder"`
	AddedItemsCount int                `json:"addedItemsCount"`
	Status          models.OrderStatus `json:"status"`
	CreatedAt       time.Time          `json:"createdAt"`
}

type OrderUpdatedPayload struct {
	OrderID   string             `json:"orderId"`
	TableID   string             `json:"tableId,omitempty"`
	Status    models.OrderStatus `json:"status"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

type TableUpdatedPayload struct {
	TableID         string             `json:"tableId"`
	TableNo         int                `json:"tableNo"`
	Status          models.TableStatus `json:"status"`
	CurrentOrderRef string             `json:"currentOrderRef,omitempty"`
}

// Publisher is what the managers call after a mutation has committed.
type Publisher interface {
	PublishNewOrder(ctx context.Context, order models.Order, isNewOrder bool, added []models.OrderItem)
	PublishOrderUpdated(ctx context.Context, order models.Order)
	PublishTableUpdated(ctx context.Context, table models.Table)
}

// Sink delivers an encoded envelope to the local members of a room.
type Sink interface {
	Broadcast(room string, payload []byte) int
}

// Relay forwards an encoded envelope to other server instances.
type Relay interface {
	Publish(ctx context.Context, rooms []string, payload []byte) error
}

type Broadcaster struct {
	sink   Sink
	relay  Relay
	logger *zap.Logger
	now    func() time.Time
}

func NewBroadcaster(sink Sink, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		sink:   sink,
		logger: logging.OrNop(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetRelay makes every publish also go to the other instances.
func (b *Broadcaster) SetRelay(relay Relay) {
	b.relay = relay
}

func orderRooms(order models.Order) []string {
	rooms := []string{StaffRoom}
	if order.GuestSession != "" {
		rooms = append(rooms, GuestRoom(order.GuestSession))
	}
	return rooms
}

func (b *Broadcaster) PublishNewOrder(ctx context.Context, order models.Order, isNewOrder bool, added []models.OrderItem) {
	payload := NewOrderPayload{
		OrderID:         order.OrderID,
		TableID:         order.TableID,
		TableNo:         order.TableNo,
		Customer:        CustomerSummary{Name: order.Customer.Name, Phone: order.Customer.Phone, Guests: order.Customer.Guests},
		Items:           order.Items,
		IsNewOrder:      isNewOrder,
		AddedItemsCount: len(added),
		Status:          order.Status,
		CreatedAt:       order.CreatedAt,
	}
	if !isNewOrder {
		payload.AddedItems = added
	}
	b.emit(ctx, EventNewOrder, payload, orderRooms(order))
}

func (b *Broadcaster) PublishOrderUpdated(ctx context.Context, order models.Order) {
	b.emit(ctx, EventOrderUpdated, OrderUpdatedPayload{
		OrderID:   order.OrderID,
		TableID:   order.TableID,
		Status:    order.Status,
		UpdatedAt: order.UpdatedAt,
	}, orderRooms(order))
}

func (b *Broadcaster) PublishTableUpdated(ctx context.Context, table models.Table) {
	b.emit(ctx, EventTableUpdated, TableUpdatedPayload{
		TableID:         table.TableID,
		TableNo:         table.TableNo,
		Status:          table.Status,
		CurrentOrderRef: table.CurrentOrderRef,
	}, []string{StaffRoom})
}

func (b *Broadcaster) emit(ctx context.Context, event string, data any, rooms []string) {
	encoded, err := Encode(event, data, b.now())
	if err != nil {
		b.logger.Warn("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	metrics.EventsPublished.WithLabelValues(event).Inc()

	for _, room := range rooms {
		delivered := b.sink.Broadcast(room, encoded)
		b.logger.Debug("event pushed",
			zap.String("event", event),
			zap.String("room", room),
			zap.Int("delivered", delivered),
		)
	}

	if b.relay == nil {
		return
	}
	relayCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := b.relay.Publish(relayCtx, rooms, encoded); err != nil {
		metrics.RelayErrors.Inc()
		b.logger.Warn("relay publish failed", zap.String("event", event), zap.Error(err))
	}
}

// Encode wraps data in the push envelope.
func Encode(event string, data any, sentAt time.Time) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw, SentAt: sentAt})
}

// Decode parses an envelope received from the push channel.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Discard drops every event. Useful where no push channel exists.
type Discard struct{}

func (Discard) PublishNewOrder(context.Context, models.Order, bool, []models.OrderItem) {}
func (Discard) PublishOrderUpdated(context.Context, models.Order) {}
func (Discard) PublishTableUpdated(context.Context, models.Table) {}
