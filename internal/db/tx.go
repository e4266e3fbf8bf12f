package db

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// WithTx begins a transaction, runs fn with it, and commits when fn returns
// nil. On error or panic the transaction is rolled back; panics are rethrown.
// A failed rollback is logged and the original error is returned.
func WithTx(ctx context.Context, db *sqlx.DB, log *zap.Logger, fn func(ctx context.Context, tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	rollback := func(cause any) {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone && log != nil {
			log.Error("transaction rollback failed", zap.Error(rbErr), zap.Any("cause", cause))
		}
	}

	defer func() {
		if p := recover(); p != nil {
			rollback(p)
			panic(p)
		}
		if err != nil {
			rollback(err.Error())
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}
