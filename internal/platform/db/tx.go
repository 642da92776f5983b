package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/records/internal/platform/apperr"
)

type contextKey string

const DBTxKey contextKey = "db_tx"

// Querier is the subset of pgx shared by pools, connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// WithTx returns a context carrying tx. Repositories pick it up through Conn.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, DBTxKey, tx)
}

// WithoutTx returns a context that hides any transaction carried by ctx.
func WithoutTx(ctx context.Context) context.Context {
	return context.WithValue(ctx, DBTxKey, nil)
}

// TxFromContext retrieves the transaction scope from context, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// Conn returns the transaction on ctx when there is one, otherwise fallback.
func Conn(ctx context.Context, fallback Querier) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return fallback
}

// Transactor runs fn inside one all-or-nothing transactional scope. fn
// receives a context that carries the scope; returning an error rolls back
// every write made through it.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PoolTransactor is the pgxpool-backed Transactor.
type PoolTransactor struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
	isoLevel       pgx.TxIsoLevel
}

func NewTransactor(pool *pgxpool.Pool, acquireTimeout time.Duration) *PoolTransactor {
	return &PoolTransactor{
		pool:           pool,
		acquireTimeout: acquireTimeout,
		isoLevel:       pgx.ReadCommitted,
	}
}

// WithinTx acquires a connection within the acquire timeout, begins a
// transaction and commits only when fn succeeds. A scope already on ctx is
// joined instead of nested.
func (t *PoolTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	acquireCtx := ctx
	if t.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, t.acquireTimeout)
		defer cancel()
	}
	conn, err := t.pool.Acquire(acquireCtx)
	if err != nil {
		return apperr.Unavailable(err, "acquire database connection")
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: t.isoLevel})
	if err != nil {
		return Classify(err, "begin transaction")
	}

	// Rollback must run even when ctx has already expired.
	rollbackCtx := context.WithoutCancel(ctx)
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(rollbackCtx)
			panic(p)
		}
	}()

	if err := fn(WithTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(rollbackCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return Classify(err, "commit transaction")
	}
	return nil
}
