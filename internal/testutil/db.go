package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"ms-reservations/internal/models"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

var dbCounter int64

// NewSQLiteDB returns an isolated in-memory database with every table
// created from the bun models. A single connection serializes
// transactions, so code under test must reach the database through
// database.Conn while a unit of work is open.
func NewSQLiteDB(t *testing.T) *bun.DB {
	t.Helper()

	name := fmt.Sprintf("file:reservations_%d_%d?mode=memory&cache=shared",
		time.Now().UnixNano(), atomic.AddInt64(&dbCounter, 1))
	sqldb, err := sql.Open(sqliteshim.ShimName, name)
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { db.Close() })

	CreateTables(t, db)
	return db
}

func CreateTables(t *testing.T, db *bun.DB) {
	t.Helper()
	ctx := context.Background()

	for _, model := range []interface{}{
		(*models.Event)(nil),
		(*models.Ticket)(nil),
		(*models.Voucher)(nil),
		(*models.Order)(nil),
		(*models.OrderLine)(nil),
		(*models.MediaObject)(nil),
	} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			t.Fatalf("Failed to create table for %T: %v", model, err)
		}
	}
}

func InsertEvent(t *testing.T, db bun.IDB, name string) int64 {
	t.Helper()
	event := &models.Event{Name: name, StartsAt: time.Now().UTC().Add(24 * time.Hour), CreatedAt: time.Now().UTC()}
	if _, err := db.NewInsert().Model(event).Exec(context.Background()); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	return event.ID
}

func InsertTicket(t *testing.T, db bun.IDB, eventID int64, price int64, stock int) int64 {
	t.Helper()
	ticket := &models.Ticket{EventID: eventID, Name: fmt.Sprintf("ticket-%d", price), Price: price, Stock: stock}
	if _, err := db.NewInsert().Model(ticket).Exec(context.Background()); err != nil {
		t.Fatalf("insert ticket: %v", err)
	}
	return ticket.ID
}

func InsertVoucher(t *testing.T, db bun.IDB, eventID int64, code string, discount int64, remaining int) int64 {
	t.Helper()
	voucher := &models.Voucher{EventID: eventID, Code: code, DiscountValue: discount, RemainingStock: remaining}
	if _, err := db.NewInsert().Model(voucher).Exec(context.Background()); err != nil {
		t.Fatalf("insert voucher: %v", err)
	}
	return voucher.ID
}

func TicketStock(t *testing.T, db bun.IDB, id int64) int {
	t.Helper()
	var ticket models.Ticket
	if err := db.NewSelect().Model(&ticket).Where("id = ?", id).Scan(context.Background()); err != nil {
		t.Fatalf("select ticket %d: %v", id, err)
	}
	return ticket.Stock
}

func VoucherRemaining(t *testing.T, db bun.IDB, id int64) int {
	t.Helper()
	var voucher models.Voucher
	if err := db.NewSelect().Model(&voucher).Where("id = ?", id).Scan(context.Background()); err != nil {
		t.Fatalf("select voucher %d: %v", id, err)
	}
	return voucher.RemainingStock
}

func OrderStatus(t *testing.T, db bun.IDB, uuid string) models.OrderStatus {
	t.Helper()
	var order models.Order
	if err := db.NewSelect().Model(&order).Where("uuid = ?", uuid).Scan(context.Background()); err != nil {
		t.Fatalf("select order %s: %v", uuid, err)
	}
	return order.Status
}
