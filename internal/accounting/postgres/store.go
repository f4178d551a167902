// Package postgres persists the general ledger in PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/platform/db"
)

//go:embed schema.sql
var schema string

// Migrate creates the ledger tables when they do not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Store implements accounting.Repository on a pgx pool.
type Store struct {
	pool     db.Beginner
	logger   *slog.Logger
	maxTries uint
	backoff  func() backoff.BackOff
	retried  RetryObserver
}

// RetryObserver is told about every retried transaction.
type RetryObserver interface {
	TxRetried()
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRetries bounds how often a transaction is attempted when it hits a
// serialization failure. One disables retries.
func WithRetries(tries uint) Option {
	return func(s *Store) {
		if tries > 0 {
			s.maxTries = tries
		}
	}
}

// WithRetryObserver reports retries to observer.
func WithRetryObserver(observer RetryObserver) Option {
	return func(s *Store) {
		s.retried = observer
	}
}

// New constructs a Store.
func New(pool db.Beginner, opts ...Option) *Store {
	s := &Store{
		pool:     pool,
		logger:   slog.Default(),
		maxTries: 3,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			return b
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithTx runs fn in a repeatable read transaction, retrying the whole
// function when the database reports a serialization conflict.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, accounting.TxRepository) error) error {
	return s.run(ctx, db.ReadWrite, false, fn)
}

// WithReadTx runs fn against a read-only snapshot.
func (s *Store) WithReadTx(ctx context.Context, fn func(context.Context, accounting.TxRepository) error) error {
	return s.run(ctx, db.ReadOnly, true, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, readOnly bool, fn func(context.Context, accounting.TxRepository) error) error {
	if s == nil || s.pool == nil {
		return accounting.Internal(errors.New("postgres: store not initialised"))
	}
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		err := db.WithTxOptions(ctx, s.pool, opts, func(tx pgx.Tx) error {
			return fn(ctx, &txRepository{tx: tx, readOnly: readOnly})
		})
		if err == nil {
			return struct{}{}, nil
		}
		err = mapError(err)
		if accounting.IsRetryable(err) {
			s.logger.Debug("retrying ledger transaction", slog.Int("attempt", attempt), slog.Any("error", err))
			if s.retried != nil && attempt < int(s.maxTries) {
				s.retried.TxRetried()
			}
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}
	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(s.backoff()), backoff.WithMaxTries(s.maxTries))
	return err
}

type txRepository struct {
	tx       pgx.Tx
	readOnly bool
}

var _ accounting.TxRepository = (*txRepository)(nil)

// lockClause returns suffix unless the transaction is read-only, where row
// locks are rejected by the server.
func (r *txRepository) lockClause(suffix string) string {
	if r.readOnly {
		return ""
	}
	return " " + suffix
}

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// uniqueErrors maps unique constraints to the domain conflict they signal.
var uniqueErrors = map[string]error{
	"uq_gl_accounts_code":         accounting.ErrDuplicateCode,
	"uq_gl_entries_source":        accounting.ErrSourceAlreadyLinked,
	"uq_gl_reversal_full":         accounting.ErrAlreadyReversed,
	"uq_gl_auto_reversal_pending": accounting.ErrAlreadyScheduled,
	"uq_gl_opening_batches_year":  accounting.ErrBatchExists,
	"uq_gl_entries_number":        accounting.ErrConcurrency,
	"uq_gl_fiscal_years_current":  accounting.ErrConcurrency,
	"gl_balances_pkey":            accounting.ErrConcurrency,
	"gl_entry_sequences_pkey":     accounting.ErrConcurrency,
}

// mapError classifies driver errors. Errors that already carry a domain
// classification pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var classified *accounting.Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return accounting.Concurrency(err)
		case codeUniqueViolation:
			if target, ok := uniqueErrors[pgErr.ConstraintName]; ok {
				if errors.Is(target, accounting.ErrConcurrency) {
					return accounting.Concurrency(err)
				}
				return fmt.Errorf("%w: %s", target, pgErr.Detail)
			}
		}
	}
	return accounting.Internal(err)
}

// notFound maps pgx.ErrNoRows to sentinel and classifies anything else.
func notFound(err, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return mapError(err)
}

func nullInt(val int64) any {
	if val == 0 {
		return nil
	}
	return val
}

func nullIntPtr(val *int64) any {
	if val == nil {
		return nil
	}
	return *val
}

func nowIfZero(val time.Time) time.Time {
	if val.IsZero() {
		return time.Now().UTC()
	}
	return val
}
