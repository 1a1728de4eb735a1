// Package syncclient is the staff-side synchronisation layer: it merges the
// push channel and the active-order poll into one notification list.
package syncclient

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"tableside/internal/events"
	"tableside/internal/models"
)

type NotificationType string

const (
	NotifyNewOrder     NotificationType = "new_order"
	NotifyAddedItems   NotificationType = "added_items"
	NotifyPendingOrder NotificationType = "pending_order"
)

// MaxNotifications bounds the list; the oldest entries fall off first.
const MaxNotifications = 200

type Notification struct {
	ID         string             `json:"id"`
	Type       NotificationType   `json:"type"`
	OrderID    string             `json:"orderId"`
	TableNo    int                `json:"tableNo,omitempty"`
	Customer   string             `json:"customer"`
	Items      []models.OrderItem `json:"items"`
	Status     models.OrderStatus `json:"status"`
	Read       bool               `json:"read"`
	ReceivedAt time.Time          `json:"receivedAt"`

	fingerprint string
}

type Source int

const (
	SourcePush Source = iota
	SourcePoll
	SourceLocal
)

// Event is one input to Reduce. Exactly one payload field is set.
type Event struct {
	Source       Source
	At           time.Time
	NewOrder     *events.NewOrderPayload
	OrderUpdated *events.OrderUpdatedPayload
	Snapshot     []models.Order
	MarkAllRead  bool
}

// State is immutable from the caller's point of view: Reduce always returns
// a fresh value and never modifies its input.
type State struct {
	Notifications []Notification
	Statuses      map[string]models.OrderStatus
	LastSeen      map[string]time.Time
	// Announced holds orders that already produced a notification, including
	// ones trimmed off the list, so a poll never announces them twice.
	Announced map[string]bool
	Unread    int
}

type EffectKind int

const (
	// EffectAlert covers the sound and desktop notification.
	EffectAlert EffectKind = iota
	EffectPrint
)

type Effect struct {
	Kind         EffectKind
	Notification Notification
}

type Rules struct {
	DedupWindow time.Duration
}

func DefaultRules() Rules {
	return Rules{DedupWindow: 2 * time.Second}
}

// Reduce folds one event into the state and lists the side effects the
// caller should run. It is deterministic: the same state and event always
// produce the same result.
func Reduce(s State, ev Event, rules Rules) (State, []Effect) {
	next := s.clone()
	var effects []Effect
	switch {
	case ev.MarkAllRead:
		for i := range next.Notifications {
			next.Notifications[i].Read = true
		}
	case ev.NewOrder != nil:
		effects = next.applyNewOrder(*ev.NewOrder, ev.At, rules)
	case ev.OrderUpdated != nil:
		next.applyStatus(ev.OrderUpdated.OrderID, ev.OrderUpdated.Status, ev.OrderUpdated.UpdatedAt)
	case ev.Snapshot != nil:
		effects = next.applySnapshot(ev.Snapshot, ev.At)
	}
	next.trim()
	if ev.Snapshot != nil {
		next.forgetFinished(ev.Snapshot)
	}
	next.Unread = countUnread(next.Notifications)
	return next, effects
}

func (s *State) applyNewOrder(p events.NewOrderPayload, at time.Time, rules Rules) []Effect {
	kind := NotifyAddedItems
	items := p.AddedItems
	if p.IsNewOrder {
		kind = NotifyNewOrder
		items = p.Items
	}
	fp := fingerprint(p)

	for _, n := range s.Notifications {
		if n.OrderID != p.OrderID || n.fingerprint != fp {
			continue
		}
		if absDuration(at.Sub(n.ReceivedAt)) <= rules.DedupWindow {
			return nil
		}
	}

	s.applyStatus(p.OrderID, p.Status, p.CreatedAt)
	s.Announced[p.OrderID] = true

	if kind == NotifyNewOrder {
		for i, n := range s.Notifications {
			if n.OrderID == p.OrderID && n.Type == NotifyPendingOrder {
				upgraded := n
				upgraded.Type = NotifyNewOrder
				upgraded.TableNo = p.TableNo
				upgraded.Customer = p.Customer.Name
				upgraded.Items = cloneItems(items)
				upgraded.fingerprint = fp
				s.Notifications[i] = upgraded
				return []Effect{{Kind: EffectPrint, Notification: upgraded}}
			}
		}
	}

	n := Notification{
		ID:          notificationID(p.OrderID, at),
		Type:        kind,
		OrderID:     p.OrderID,
		TableNo:     p.TableNo,
		Customer:    p.Customer.Name,
		Items:       cloneItems(items),
		Status:      s.Statuses[p.OrderID],
		ReceivedAt:  at,
		fingerprint: fp,
	}
	s.prepend(n)
	return []Effect{
		{Kind: EffectAlert, Notification: n},
		{Kind: EffectPrint, Notification: n},
	}
}

// applySnapshot only adds pending_order entries for orders nothing has
// announced yet. Existing notifications keep their type and read state.
// A poll-only order still gets a ticket; a later push for it prints again.
func (s *State) applySnapshot(orders []models.Order, at time.Time) []Effect {
	known := make(map[string]bool, len(s.Announced)+len(s.Notifications))
	for id := range s.Announced {
		known[id] = true
	}
	for _, n := range s.Notifications {
		known[n.OrderID] = true
	}

	sorted := make([]models.Order, len(orders))
	copy(sorted, orders)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	var effects []Effect
	for _, order := range sorted {
		s.applyStatus(order.OrderID, order.Status, order.UpdatedAt)
		if s.Statuses[order.OrderID] != models.OrderPending || known[order.OrderID] {
			continue
		}
		n := Notification{
			ID:         notificationID(order.OrderID, at),
			Type:       NotifyPendingOrder,
			OrderID:    order.OrderID,
			TableNo:    order.TableNo,
			Customer:   order.Customer.Name,
			Items:      cloneItems(order.Items),
			Status:     s.Statuses[order.OrderID],
			ReceivedAt: at,
		}
		known[order.OrderID] = true
		s.Announced[order.OrderID] = true
		s.prepend(n)
		effects = append(effects,
			Effect{Kind: EffectAlert, Notification: n},
			Effect{Kind: EffectPrint, Notification: n},
		)
	}
	return effects
}

// forgetFinished drops tracking for orders that reached a terminal status,
// are absent from the active snapshot and no longer have a visible entry.
func (s *State) forgetFinished(active []models.Order) {
	keep := make(map[string]bool, len(active)+len(s.Notifications))
	for _, order := range active {
		keep[order.OrderID] = true
	}
	for _, n := range s.Notifications {
		keep[n.OrderID] = true
	}
	for id, status := range s.Statuses {
		if keep[id] || !status.Terminal() {
			continue
		}
		delete(s.Statuses, id)
		delete(s.LastSeen, id)
		delete(s.Announced, id)
	}
	for id := range s.Announced {
		if _, tracked := s.Statuses[id]; !tracked && !keep[id] {
			delete(s.Announced, id)
		}
	}
}

// applyStatus records status for orderID unless a newer observation is
// already held, which keeps pushes and polls order-independent.
func (s *State) applyStatus(orderID string, status models.OrderStatus, seen time.Time) {
	if orderID == "" || status == "" {
		return
	}
	if last, ok := s.LastSeen[orderID]; ok && seen.Before(last) {
		return
	}
	if last, ok := s.LastSeen[orderID]; ok && seen.Equal(last) && !laterStatus(status, s.Statuses[orderID]) {
		return
	}
	s.LastSeen[orderID] = seen
	s.Statuses[orderID] = status
	for i := range s.Notifications {
		if s.Notifications[i].OrderID == orderID {
			s.Notifications[i].Status = status
		}
	}
}

// laterStatus breaks timestamp ties by lifecycle position.
func laterStatus(a, b models.OrderStatus) bool {
	return statusRank(a) > statusRank(b)
}

func statusRank(status models.OrderStatus) int {
	for i, s := range models.OrderStatuses() {
		if s == status {
			return i
		}
	}
	return -1
}

func (s *State) prepend(n Notification) {
	s.Notifications = append([]Notification{n}, s.Notifications...)
}

func (s *State) trim() {
	if len(s.Notifications) > MaxNotifications {
		s.Notifications = s.Notifications[:MaxNotifications]
	}
}

func (s State) clone() State {
	out := State{
		Notifications: make([]Notification, len(s.Notifications)),
		Statuses:      make(map[string]models.OrderStatus, len(s.Statuses)),
		LastSeen:      make(map[string]time.Time, len(s.LastSeen)),
		Announced:     make(map[string]bool, len(s.Announced)),
		Unread:        s.Unread,
	}
	copy(out.Notifications, s.Notifications)
	for k, v := range s.Statuses {
		out.Statuses[k] = v
	}
	for k, v := range s.LastSeen {
		out.LastSeen[k] = v
	}
	for k, v := range s.Announced {
		out.Announced[k] = v
	}
	return out
}

func countUnread(list []Notification) int {
	unread := 0
	for _, n := range list {
		if !n.Read {
			unread++
		}
	}
	return unread
}

func notificationID(orderID string, at time.Time) string {
	return fmt.Sprintf("%s-%d", orderID, at.UnixMilli())
}

// fingerprint identifies a push payload for duplicate suppression.
func fingerprint(p events.NewOrderPayload) string {
	items := p.AddedItems
	if p.IsNewOrder {
		items = p.Items
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		key := item.MenuItemID
		if key == "" {
			key = item.Name
		}
		parts = append(parts, fmt.Sprintf("%s x%d", key, item.Quantity))
	}
	sort.Strings(parts)
	return fmt.Sprintf("%t|%d|%s", p.IsNewOrder, p.AddedItemsCount, strings.Join(parts, ","))
}

func cloneItems(items []models.OrderItem) []models.OrderItem {
	if items == nil {
		return []models.OrderItem{}
	}
	out := make([]models.OrderItem, len(items))
	copy(out, items)
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
