package models

import (
	"time"

	"github.com/uptrace/bun"
)

type OrderStatus string

const (
	StatusPending        OrderStatus = "PENDING"
	StatusAwaitingReview OrderStatus = "AWAITING_REVIEW"
	StatusPaid           OrderStatus = "PAID"
	StatusRejected       OrderStatus = "REJECTED"
	StatusExpired        OrderStatus = "EXPIRED"
)

// Terminal reports whether no further transition may leave the status.
func (s OrderStatus) Terminal() bool {
	return s == StatusPaid || s == StatusRejected || s == StatusExpired
}

type Decision string

const (
	DecisionAccept Decision = "ACCEPT"
	DecisionReject Decision = "REJECT"
)

type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID            int64       `bun:"id,pk,autoincrement" json:"-"`
	UUID          string      `bun:"uuid,notnull,unique" json:"uuid"`
	UserID        string      `bun:"user_id,notnull" json:"userId"`
	EventID       int64       `bun:"event_id,notnull" json:"eventId"`
	VoucherID     int64       `bun:"voucher_id,nullzero" json:"voucherId,omitempty"`
	PaymentProof  string      `bun:"payment_proof,nullzero" json:"paymentProof,omitempty"`
	PaymentMethod string      `bun:"payment_method,nullzero" json:"paymentMethod,omitempty"`
	ETicketRef    string      `bun:"eticket_ref,nullzero" json:"eticketRef,omitempty"`
	Status        OrderStatus `bun:"status,notnull" json:"status"`
	CreatedAt     time.Time   `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt     time.Time   `bun:"updated_at,notnull" json:"updatedAt"`

	Lines []OrderLine `bun:"-" json:"lines"`
}

// OrderLine holds the ticket price as it was when the order was created.
type OrderLine struct {
	bun.BaseModel `bun:"table:order_lines"`

	ID        int64 `bun:"id,pk,autoincrement" json:"-"`
	OrderID   int64 `bun:"order_id,notnull" json:"-"`
	TicketID  int64 `bun:"ticket_id,notnull" json:"ticketId"`
	Qty       int   `bun:"qty,notnull" json:"qty"`
	UnitPrice int64 `bun:"unit_price,notnull" json:"unitPrice"`
}

type LineRequest struct {
	TicketID int64 `json:"ticketId"`
	Qty      int   `json:"qty"`
}

type CreateOrderInput struct {
	BuyerID string        `json:"-"`
	Lines   []LineRequest `json:"lines"`
}

// Transition is a compare-and-swap on orders.status. PaymentProof is
// written alongside the status when set.
type Transition struct {
	UUID         string
	From         OrderStatus
	To           OrderStatus
	PaymentProof string
}

type Pricing struct {
	Subtotal int64 `json:"subtotal"`
	Discount int64 `json:"discount"`
	Total    int64 `json:"total"`
}

// Price sums the snapshot prices of lines and applies a flat discount,
// never going below zero.
func Price(lines []OrderLine, discount int64) Pricing {
	var subtotal int64
	for _, l := range lines {
		subtotal += int64(l.Qty) * l.UnitPrice
	}
	total := subtotal - discount
	if total < 0 {
		total = 0
	}
	return Pricing{Subtotal: subtotal, Discount: discount, Total: total}
}

type OrderView struct {
	*Order
	Pricing   Pricing   `json:"pricing"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

type MediaObject struct {
	bun.BaseModel `bun:"table:media_objects"`

	ID          string    `bun:"id,pk"`
	Name        string    `bun:"name,notnull"`
	ContentType string    `bun:"content_type,notnull"`
	Data        []byte    `bun:"data,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
}

type StatusEvent struct {
	UUID   string      `json:"uuid"`
	Status OrderStatus `json:"status"`
	At     time.Time   `json:"at"`
}

const (
	EventAwaitingProof = "order.awaiting_proof"
	EventPaid          = "order.paid"
	EventRejected      = "order.rejected"
	EventExpired       = "order.expired"
)

type Notification struct {
	Event      string      `json:"event"`
	OrderUUID  string      `json:"uuid"`
	UserID     string      `json:"userId"`
	Status     OrderStatus `json:"status"`
	ExpiresAt  *time.Time  `json:"expiresAt,omitempty"`
	ETicketRef string      `json:"eticketRef,omitempty"`
	Total      int64       `json:"total"`
}

// ExpiryPayload is the body of the delayed expiry task for an order.
type ExpiryPayload struct {
	UUID string `json:"uuid"`
}
