package store

import "errors"

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrTableNotFound = errors.New("table not found")
	ErrTableNoTaken  = errors.New("table number already in use")
	ErrStaleWrite    = errors.New("record changed since it was read")
)
