package database

import (
	"context"

	"github.com/uptrace/bun"
)

type txKey struct{}

// UnitOfWork runs a function inside one database transaction. The
// transaction travels in the context; repositories pick it up through Conn.
type UnitOfWork struct {
	DB *bun.DB
}

func NewUnitOfWork(db *bun.DB) *UnitOfWork {
	return &UnitOfWork{DB: db}
}

// RunInTx joins an outer transaction when ctx already carries one.
func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(bun.Tx); ok {
		return fn(ctx)
	}
	return u.DB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// Conn returns the transaction bound to ctx, or db itself.
func Conn(ctx context.Context, db *bun.DB) bun.IDB {
	if tx, ok := ctx.Value(txKey{}).(bun.Tx); ok {
		return tx
	}
	return db
}

func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(bun.Tx)
	return ok
}
