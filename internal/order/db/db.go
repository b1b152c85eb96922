package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-reservations/internal/clock"
	"ms-reservations/internal/database"
	"ms-reservations/internal/models"

	"github.com/uptrace/bun"
)

// DB stamps updated_at from Clock, or from the system clock when it is nil.
type DB struct {
	Bun   *bun.DB
	Clock clock.Clock
}

func (d *DB) now() time.Time {
	if d.Clock == nil {
		return time.Now().UTC()
	}
	return d.Clock.Now()
}

// ---------------- ORDERS ----------------

// CreateOrder inserts the order and its lines. order.ID and every line's
// OrderID are filled in on return.
func (d *DB) CreateOrder(ctx context.Context, order *models.Order) error {
	conn := database.Conn(ctx, d.Bun)

	if _, err := conn.NewInsert().Model(order).Exec(ctx); err != nil {
		return fmt.Errorf("insert order %s: %w", order.UUID, err)
	}
	if len(order.Lines) == 0 {
		return nil
	}
	for i := range order.Lines {
		order.Lines[i].OrderID = order.ID
	}
	if _, err := conn.NewInsert().Model(&order.Lines).Exec(ctx); err != nil {
		return fmt.Errorf("insert lines for order %s: %w", order.UUID, err)
	}
	return nil
}

// GetByUUID loads an order with its lines.
func (d *DB) GetByUUID(ctx context.Context, uuid string) (*models.Order, error) {
	conn := database.Conn(ctx, d.Bun)

	var order models.Order
	err := conn.NewSelect().
		Model(&order).
		Where("uuid = ?", uuid).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", uuid, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	lines, err := d.GetLines(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Lines = lines
	return &order, nil
}

func (d *DB) GetLines(ctx context.Context, orderID int64) ([]models.OrderLine, error) {
	var lines []models.OrderLine
	err := database.Conn(ctx, d.Bun).NewSelect().
		Model(&lines).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// Transition moves an order from t.From to t.To only if it is still in
// t.From. It reports whether this call won the swap.
func (d *DB) Transition(ctx context.Context, t models.Transition) (bool, error) {
	q := database.Conn(ctx, d.Bun).NewUpdate().
		Table("orders").
		Set("status = ?", t.To).
		Set("updated_at = ?", d.now())
	if t.PaymentProof != "" {
		q = q.Set("payment_proof = ?", t.PaymentProof)
	}

	res, err := q.
		Where("uuid = ?", t.UUID).
		Where("status = ?", t.From).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("transition order %s %s->%s: %w", t.UUID, t.From, t.To, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (d *DB) AttachVoucher(ctx context.Context, uuid string, voucherID int64) error {
	return d.setColumn(ctx, uuid, "voucher_id", voucherID)
}

func (d *DB) SetPaymentMethod(ctx context.Context, uuid, method string) error {
	return d.setColumn(ctx, uuid, "payment_method", method)
}

func (d *DB) SetETicketRef(ctx context.Context, uuid, ref string) error {
	return d.setColumn(ctx, uuid, "eticket_ref", ref)
}

func (d *DB) setColumn(ctx context.Context, uuid, column string, value interface{}) error {
	res, err := database.Conn(ctx, d.Bun).NewUpdate().
		Table("orders").
		Set("? = ?", bun.Ident(column), value).
		Set("updated_at = ?", d.now()).
		Where("uuid = ?", uuid).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update order %s %s: %w", uuid, column, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("order %s: %w", uuid, models.ErrNotFound)
	}
	return nil
}

// ---------------- RECONCILIATION ----------------

// ListStalePending returns uuids of orders still PENDING that were created
// before cutoff, oldest first.
func (d *DB) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var uuids []string
	err := database.Conn(ctx, d.Bun).NewSelect().
		Model((*models.Order)(nil)).
		Column("uuid").
		Where("status = ?", models.StatusPending).
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Limit(limit).
		Scan(ctx, &uuids)
	if err != nil {
		return nil, err
	}
	return uuids, nil
}
