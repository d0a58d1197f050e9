// Package dbtx lets components that share one *gorm.DB join a single
// transaction carried on the context.
package dbtx

import (
	"context"

	"gorm.io/gorm"
)

type ctxKey struct{}

type bound struct {
	root *gorm.DB
	tx   *gorm.DB
}

// Atomic runs fn inside a transaction on db. Run and Conn calls made with the
// context passed to fn, against the same db, join that transaction. Any error
// from fn rolls everything back. Nested calls reuse the outer transaction.
func Atomic(ctx context.Context, db *gorm.DB, fn func(ctx context.Context) error) error {
	if tx(ctx, db) != nil {
		return fn(ctx)
	}
	return db.WithContext(ctx).Transaction(func(t *gorm.DB) error {
		return fn(context.WithValue(ctx, ctxKey{}, bound{root: db, tx: t}))
	})
}

// Run executes fn in a transaction. Inside Atomic it runs in a savepoint of
// the outer transaction, so a failing fn leaves the outer work intact.
func Run(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	if t := tx(ctx, db); t != nil {
		return t.Transaction(fn)
	}
	return db.WithContext(ctx).Transaction(fn)
}

// Conn returns the transaction bound to ctx for db, or db scoped to ctx.
func Conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if t := tx(ctx, db); t != nil {
		return t
	}
	return db.WithContext(ctx)
}

func tx(ctx context.Context, db *gorm.DB) *gorm.DB {
	b, ok := ctx.Value(ctxKey{}).(bound)
	if !ok || b.root != db {
		return nil
	}
	return b.tx
}
