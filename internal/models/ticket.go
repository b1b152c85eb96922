package models

import (
	"github.com/uptrace/bun"
)

// Ticket is a sellable ticket type with a finite stock. Price is in minor units.
type Ticket struct {
	bun.BaseModel `bun:"table:tickets"`

	ID      int64  `bun:"id,pk,autoincrement" json:"id"`
	EventID int64  `bun:"event_id,notnull" json:"eventId"`
	Name    string `bun:"name,notnull" json:"name"`
	Price   int64  `bun:"price,notnull" json:"price"`
	Stock   int    `bun:"stock,notnull" json:"stock"`
}
