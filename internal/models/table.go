package models

import (
	"strings"
	"time"
)

type TableStatus string

const (
	TableAvailable TableStatus = "available"
	TableBooked    TableStatus = "booked"
	TableOccupied  TableStatus = "occupied"
)

func ParseTableStatus(raw string) (TableStatus, bool) {
	switch foldStatus(raw) {
	case "available":
		return TableAvailable, true
	case "booked", "reserved":
		return TableBooked, true
	case "occupied":
		return TableOccupied, true
	}
	return "", false
}

type Booking struct {
	Customer      Customer  `json:"customer"`
	ReservationAt time.Time `json:"reservationAt"`
	Notes         string    `json:"notes,omitempty"`
}

type Table struct {
	TableID         string      `json:"tableId"`
	TableNo         int         `json:"tableNo"`
	Seats           int         `json:"seats"`
	Status          TableStatus `json:"status"`
	CurrentOrderRef string      `json:"currentOrderRef,omitempty"`
	Booking         *Booking    `json:"booking,omitempty"`
	Version         int64       `json:"version"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// Reset returns the table to Available with no order or reservation attached.
func (t Table) Reset() Table {
	t.Status = TableAvailable
	t.CurrentOrderRef = ""
	t.Booking = nil
	return t
}

// Occupy seats an order at the table, dropping any reservation it was holding.
func (t Table) Occupy(orderID string) Table {
	t.Status = TableOccupied
	t.CurrentOrderRef = strings.TrimSpace(orderID)
	t.Booking = nil
	return t
}
