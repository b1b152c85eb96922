package models

import (
	"github.com/uptrace/bun"
)

// Voucher is a flat discount scoped to one event.
type Voucher struct {
	bun.BaseModel `bun:"table:vouchers"`

	ID             int64  `bun:"id,pk,autoincrement" json:"id"`
	EventID        int64  `bun:"event_id,notnull,unique:vouchers_event_code" json:"eventId"`
	Code           string `bun:"code,notnull,unique:vouchers_event_code" json:"code"`
	DiscountValue  int64  `bun:"discount_value,notnull" json:"discountValue"`
	RemainingStock int    `bun:"remaining_stock,notnull" json:"remainingStock"`
}
