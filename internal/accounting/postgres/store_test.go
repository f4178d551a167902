package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
		kind accounting.Kind
	}{
		{"serialization", &pgconn.PgError{Code: codeSerializationFailure}, accounting.ErrConcurrency, accounting.KindConcurrency},
		{"deadlock", fmt.Errorf("platform/db: commit tx: %w", &pgconn.PgError{Code: codeDeadlockDetected}), accounting.ErrConcurrency, accounting.KindConcurrency},
		{"duplicate code", &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "uq_gl_accounts_code"}, accounting.ErrDuplicateCode, accounting.KindConflict},
		{"source linked", &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "uq_gl_entries_source"}, accounting.ErrSourceAlreadyLinked, accounting.KindConflict},
		{"already reversed", &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "uq_gl_reversal_full"}, accounting.ErrAlreadyReversed, accounting.KindIntegrity},
		{"number race", &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "uq_gl_entries_number"}, accounting.ErrConcurrency, accounting.KindConcurrency},
		{"unknown unique", &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "other"}, accounting.ErrInternal, accounting.KindInternal},
		{"domain passthrough", fmt.Errorf("%w: line 2", accounting.ErrInvalidLine), accounting.ErrInvalidLine, accounting.KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapError(tc.err)
			require.ErrorIs(t, got, tc.want)
			require.Equal(t, tc.kind, accounting.KindOf(got))
		})
	}

	require.NoError(t, mapError(nil))
	require.ErrorIs(t, mapError(context.Canceled), context.Canceled)
	require.True(t, accounting.IsRetryable(mapError(&pgconn.PgError{Code: codeSerializationFailure})))
}

func TestNotFound(t *testing.T) {
	require.ErrorIs(t, notFound(pgx.ErrNoRows, accounting.ErrAccountNotFound), accounting.ErrAccountNotFound)
	err := notFound(errors.New("boom"), accounting.ErrAccountNotFound)
	require.NotErrorIs(t, err, accounting.ErrAccountNotFound)
	require.Equal(t, accounting.KindInternal, accounting.KindOf(err))
}

func TestConditions(t *testing.T) {
	cond := postingConditions(7, accounting.PostingFilter{AccountIDs: []int64{1, 2}, FiscalYearID: 3, EntryID: 9})
	require.Equal(t, "WHERE company_id = $1 AND account_id = ANY($2) AND fiscal_year_id = $3 AND entry_id = $4", cond.where())
	require.Equal(t, []any{int64(7), []int64{1, 2}, int64(3), int64(9)}, cond.args)
}

func TestLockClause(t *testing.T) {
	require.Equal(t, " FOR SHARE", (&txRepository{}).lockClause("FOR SHARE"))
	require.Empty(t, (&txRepository{readOnly: true}).lockClause("FOR SHARE"))
}

func TestSchemaDeclaresMappedConstraints(t *testing.T) {
	for name := range uniqueErrors {
		if name == "gl_balances_pkey" || name == "gl_entry_sequences_pkey" {
			continue
		}
		require.Contains(t, schema, name)
	}
}
