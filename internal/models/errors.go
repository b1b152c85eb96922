package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidState      = errors.New("invalid state")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrVoucherExhausted  = errors.New("voucher exhausted")
	ErrInvalidVoucher    = errors.New("invalid voucher")
	ErrInvalidRequest    = errors.New("invalid request")
)

type InsufficientStockError struct {
	TicketID  int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for ticket %d: requested %d, available %d", e.TicketID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// InvalidStateError reports the status the order actually had when a
// transition was refused.
type InvalidStateError struct {
	UUID    string
	Current OrderStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("order %s is %s", e.UUID, e.Current)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}
