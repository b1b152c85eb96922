package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Event struct {
	bun.BaseModel `bun:"table:events"`

	ID        int64     `bun:"id,pk,autoincrement" json:"id"`
	Name      string    `bun:"name,notnull" json:"name"`
	StartsAt  time.Time `bun:"starts_at,notnull" json:"startsAt"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"createdAt"`
}
