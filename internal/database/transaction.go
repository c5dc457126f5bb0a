package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type TxContextKey string

const txKey = TxContextKey("tx-context-key")

// Tx is the transactional slice of sqlx the repositories use. Commit and
// Rollback only act through the wrapper that began the transaction; joined
// wrappers treat both as no-ops so the outermost caller decides the outcome.
type Tx interface {
	IsOpen() bool
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// txState is shared between every wrapper joined to one database transaction.
type txState struct {
	tx     *sqlx.Tx
	closed bool
}

// Transaction wraps a sqlx transaction with ownership tracking.
type Transaction struct {
	state  *txState
	logger ectologger.Logger
	owner  bool
}

// getTx joins the open transaction on the context, or begins a new one and
// places it there.
func getTx(ctx context.Context, logger ectologger.Logger, db *sqlx.DB, opts *sql.TxOptions) (context.Context, Tx, error) {
	if existing, ok := ctx.Value(txKey).(*Transaction); ok && existing != nil && existing.IsOpen() {
		return ctx, &Transaction{state: existing.state, logger: logger}, nil
	}

	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Errorf("error while beginning transaction")
		return ctx, nil, fmt.Errorf("error while beginning transaction")
	}

	owner := &Transaction{state: &txState{tx: tx}, logger: logger, owner: true}
	return context.WithValue(ctx, txKey, owner), owner, nil
}

func (t *Transaction) IsOpen() bool {
	return t.state != nil && t.state.tx != nil && !t.state.closed
}

func (t *Transaction) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.state.tx.ExecContext(ctx, query, args...)
}

func (t *Transaction) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	return t.state.tx.GetContext(ctx, dest, query, args...)
}

// Commit commits the transaction when called by its owner. A joined wrapper's
// Commit is a no-op, so a nested repository call cannot end the caller's
// transaction early.
func (t *Transaction) Commit(ctx context.Context) error {
	if !t.owner || !t.IsOpen() {
		return nil
	}

	t.state.closed = true
	if err := t.state.tx.Commit(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while committing transaction")
		return fmt.Errorf("error while committing transaction")
	}
	return nil
}

// Rollback rolls the transaction back when called by its owner and the
// transaction is still open, which makes it safe to defer alongside Commit.
func (t *Transaction) Rollback(ctx context.Context) error {
	if !t.owner || !t.IsOpen() {
		return nil
	}

	t.state.closed = true
	if err := t.state.tx.Rollback(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while rolling back transaction")
		return fmt.Errorf("error while rolling back transaction")
	}
	return nil
}
