package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ms-reservations/internal/database"
	"ms-reservations/internal/models"

	"github.com/uptrace/bun"
)

type DB struct {
	Bun *bun.DB
}

// GetByCode finds a voucher by code within one event.
func (d *DB) GetByCode(ctx context.Context, eventID int64, code string) (*models.Voucher, error) {
	var voucher models.Voucher
	err := database.Conn(ctx, d.Bun).NewSelect().
		Model(&voucher).
		Where("event_id = ?", eventID).
		Where("code = ?", code).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("voucher %q for event %d: %w", code, eventID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &voucher, nil
}

func (d *DB) GetByID(ctx context.Context, id int64) (*models.Voucher, error) {
	var voucher models.Voucher
	err := database.Conn(ctx, d.Bun).NewSelect().
		Model(&voucher).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("voucher %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &voucher, nil
}

// Decrement takes one use of the voucher while any remain. It reports
// false when the voucher was already exhausted.
func (d *DB) Decrement(ctx context.Context, id int64) (bool, error) {
	res, err := database.Conn(ctx, d.Bun).NewUpdate().
		Table("vouchers").
		Set("remaining_stock = remaining_stock - 1").
		Where("id = ?", id).
		Where("remaining_stock > 0").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("decrement voucher %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
