package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderInProgress OrderStatus = "in_progress"
	OrderReady      OrderStatus = "ready"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

var orderStatuses = []OrderStatus{OrderPending, OrderInProgress, OrderReady, OrderCompleted, OrderCancelled}

// OrderStatuses lists every order status in lifecycle order.
func OrderStatuses() []OrderStatus {
	out := make([]OrderStatus, len(orderStatuses))
	copy(out, orderStatuses)
	return out
}

// ParseOrderStatus accepts the canonical value as well as legacy spellings
// ("Pending", "In Progress", "IN-PROGRESS", "inprogress").
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	key := foldStatus(raw)
	if key == "" {
		return "", false
	}
	for _, status := range orderStatuses {
		if foldStatus(string(status)) == key {
			return status, true
		}
	}
	if key == "canceled" {
		return OrderCancelled, true
	}
	return "", false
}

func foldStatus(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		if r == ' ' || r == '_' || r == '-' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

type Customer struct {
	Name   string `json:"name"`
	Phone  string `json:"phone,omitempty"`
	Guests int    `json:"guests"`
}

const DefaultCustomerName = "Walk-in"

// WithDefaults fills the name and guest count for anonymous walk-ins.
func (c Customer) WithDefaults() Customer {
	c.Name = strings.TrimSpace(c.Name)
	c.Phone = strings.TrimSpace(c.Phone)
	if c.Name == "" {
		c.Name = DefaultCustomerName
	}
	if c.Guests < 1 {
		c.Guests = 1
	}
	return c
}

// OrderItem keeps the menu data as it was when the line was appended.
type OrderItem struct {
	MenuItemID string          `json:"menuItemId,omitempty"`
	Name       string          `json:"name"`
	ItemCode   string          `json:"itemCode,omitempty"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
	LineTotal  decimal.Decimal `json:"lineTotal"`
	AddedAt    time.Time       `json:"addedAt"`
}

type Bills struct {
	Subtotal     decimal.Decimal `json:"subtotal"`
	Tax          decimal.Decimal `json:"tax"`
	TotalWithTax decimal.Decimal `json:"totalWithTax"`
}

type Order struct {
	OrderID      string      `json:"orderId"`
	TableID      string      `json:"tableId,omitempty"`
	TableNo      int         `json:"tableNo,omitempty"`
	GuestSession string      `json:"guestSession,omitempty"`
	Customer     Customer    `json:"customer"`
	Items        []OrderItem `json:"items"`
	Status       OrderStatus `json:"status"`
	Bills        Bills       `json:"bills"`
	Version      int64       `json:"version"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

func (o Order) Active() bool {
	return !o.Status.Terminal()
}

// NewOrderItem builds a line from a menu snapshot.
func NewOrderItem(snapshot ItemSnapshot, quantity int, addedAt time.Time) OrderItem {
	return OrderItem{
		MenuItemID: snapshot.MenuItemID,
		Name:       snapshot.Name,
		ItemCode:   snapshot.ItemCode,
		Quantity:   quantity,
		UnitPrice:  snapshot.UnitPrice,
		LineTotal:  snapshot.UnitPrice.Mul(decimal.NewFromInt(int64(quantity))),
		AddedAt:    addedAt,
	}
}

// ComputeBills derives the bill from the item lines. Amounts are rounded to cents.
func ComputeBills(items []OrderItem, taxRate decimal.Decimal) Bills {
	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.LineTotal)
	}
	subtotal = subtotal.Round(2)
	tax := subtotal.Mul(taxRate).Round(2)
	return Bills{
		Subtotal:     subtotal,
		Tax:          tax,
		TotalWithTax: subtotal.Add(tax),
	}
}
