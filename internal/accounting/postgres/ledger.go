package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

const balanceColumns = `company_id, account_id, period_id, fiscal_year_id, opening_movement, debit, credit, version, updated_at`

func scanBalance(row pgx.Row) (accounting.BalanceRow, error) {
	var b accounting.BalanceRow
	err := row.Scan(&b.CompanyID, &b.AccountID, &b.PeriodID, &b.FiscalYearID, &b.OpeningMovement, &b.Debit, &b.Credit, &b.Version, &b.UpdatedAt)
	return b, err
}

// ApplyBalanceDelta adds to the row in one statement, so concurrent postings
// to the same account serialise on the row lock instead of losing updates.
func (r *txRepository) ApplyBalanceDelta(ctx context.Context, delta accounting.BalanceDelta) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO gl_balances (company_id, account_id, period_id, fiscal_year_id, opening_movement, debit, credit, version, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,1,NOW())
ON CONFLICT (company_id, account_id, period_id) DO UPDATE SET
  opening_movement = gl_balances.opening_movement + EXCLUDED.opening_movement,
  debit = gl_balances.debit + EXCLUDED.debit,
  credit = gl_balances.credit + EXCLUDED.credit,
  version = gl_balances.version + 1,
  updated_at = NOW()`,
		delta.CompanyID, delta.AccountID, delta.PeriodID, delta.FiscalYearID, delta.Opening, delta.Debit, delta.Credit)
	return mapError(err)
}

func (r *txRepository) GetBalanceRow(ctx context.Context, key accounting.BalanceKey) (accounting.BalanceRow, bool, error) {
	row, err := scanBalance(r.tx.QueryRow(ctx, `SELECT `+balanceColumns+` FROM gl_balances WHERE company_id = $1 AND account_id = $2 AND period_id = $3`,
		key.CompanyID, key.AccountID, key.PeriodID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return accounting.BalanceRow{}, false, nil
		}
		return accounting.BalanceRow{}, false, mapError(err)
	}
	return row, true, nil
}

func (r *txRepository) ListBalanceRows(ctx context.Context, companyID int64, filter accounting.BalanceFilter) ([]accounting.BalanceRow, error) {
	cond := newConditions("company_id", companyID)
	if filter.FiscalYearID != 0 {
		cond.add("fiscal_year_id = $%d", filter.FiscalYearID)
	}
	if len(filter.PeriodIDs) > 0 {
		cond.add("period_id = ANY($%d)", filter.PeriodIDs)
	}
	if len(filter.AccountIDs) > 0 {
		cond.add("account_id = ANY($%d)", filter.AccountIDs)
	}
	rows, err := r.tx.Query(ctx, `SELECT `+balanceColumns+` FROM gl_balances `+cond.where()+` ORDER BY account_id, period_id`, cond.args...)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (accounting.BalanceRow, error) {
		return scanBalance(row)
	})
	return out, mapError(err)
}

func (r *txRepository) PutBalanceRow(ctx context.Context, row accounting.BalanceRow, expectedVersion int64) error {
	var (
		tagRows int64
		err     error
	)
	if expectedVersion == 0 {
		tag, execErr := r.tx.Exec(ctx, `INSERT INTO gl_balances (company_id, account_id, period_id, fiscal_year_id, opening_movement, debit, credit, version, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,1,NOW()) ON CONFLICT (company_id, account_id, period_id) DO NOTHING`,
			row.CompanyID, row.AccountID, row.PeriodID, row.FiscalYearID, row.OpeningMovement, row.Debit, row.Credit)
		tagRows, err = tag.RowsAffected(), execErr
	} else {
		tag, execErr := r.tx.Exec(ctx, `UPDATE gl_balances SET fiscal_year_id = $4, opening_movement = $5, debit = $6, credit = $7, version = $8 + 1, updated_at = NOW()
WHERE company_id = $1 AND account_id = $2 AND period_id = $3 AND version = $8`,
			row.CompanyID, row.AccountID, row.PeriodID, row.FiscalYearID, row.OpeningMovement, row.Debit, row.Credit, expectedVersion)
		tagRows, err = tag.RowsAffected(), execErr
	}
	if err != nil {
		return mapError(err)
	}
	if tagRows == 0 {
		return fmt.Errorf("%w: balance row %d/%d moved past version %d", accounting.ErrConcurrency, row.AccountID, row.PeriodID, expectedVersion)
	}
	return nil
}

func (r *txRepository) InsertReversalLink(ctx context.Context, link accounting.ReversalLink) (accounting.ReversalLink, error) {
	link.CreatedAt = nowIfZero(link.CreatedAt)
	err := r.tx.QueryRow(ctx, `INSERT INTO gl_reversal_links (company_id, original_entry_id, reversing_entry_id, kind, reason, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		link.CompanyID, link.OriginalEntryID, link.ReversingEntryID, link.Kind, link.Reason, nullInt(link.CreatedBy), link.CreatedAt).Scan(&link.ID)
	if err != nil {
		return accounting.ReversalLink{}, mapError(err)
	}
	return link, nil
}

func (r *txRepository) ListReversalLinks(ctx context.Context, companyID, entryID int64) ([]accounting.ReversalLink, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, company_id, original_entry_id, reversing_entry_id, kind, reason, COALESCE(created_by, 0), created_at
FROM gl_reversal_links WHERE company_id = $1 AND (original_entry_id = $2 OR reversing_entry_id = $2) ORDER BY id`, companyID, entryID)
	if err != nil {
		return nil, mapError(err)
	}
	links, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (accounting.ReversalLink, error) {
		var l accounting.ReversalLink
		err := row.Scan(&l.ID, &l.CompanyID, &l.OriginalEntryID, &l.ReversingEntryID, &l.Kind, &l.Reason, &l.CreatedBy, &l.CreatedAt)
		return l, err
	})
	return links, mapError(err)
}

const autoColumns = `id, company_id, entry_id, reverse_on, reason, processed, processed_at, reversing_entry_id, outcome, COALESCE(created_by, 0), created_at`

func scanAuto(row pgx.Row) (accounting.AutoReversal, error) {
	var a accounting.AutoReversal
	err := row.Scan(&a.ID, &a.CompanyID, &a.EntryID, &a.ReverseOn, &a.Reason, &a.Processed, &a.ProcessedAt, &a.ReversingEntryID, &a.Outcome, &a.CreatedBy, &a.CreatedAt)
	return a, err
}

func (r *txRepository) InsertAutoReversal(ctx context.Context, schedule accounting.AutoReversal) (accounting.AutoReversal, error) {
	schedule.CreatedAt = nowIfZero(schedule.CreatedAt)
	err := r.tx.QueryRow(ctx, `INSERT INTO gl_auto_reversals (company_id, entry_id, reverse_on, reason, processed, processed_at, reversing_entry_id, outcome, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		schedule.CompanyID, schedule.EntryID, accounting.DateOnly(schedule.ReverseOn), schedule.Reason, schedule.Processed, schedule.ProcessedAt,
		nullIntPtr(schedule.ReversingEntryID), schedule.Outcome, nullInt(schedule.CreatedBy), schedule.CreatedAt).Scan(&schedule.ID)
	if err != nil {
		return accounting.AutoReversal{}, mapError(err)
	}
	return schedule, nil
}

func (r *txRepository) GetAutoReversal(ctx context.Context, companyID, id int64) (accounting.AutoReversal, error) {
	schedule, err := scanAuto(r.tx.QueryRow(ctx, `SELECT `+autoColumns+` FROM gl_auto_reversals WHERE company_id = $1 AND id = $2`, companyID, id))
	if err != nil {
		return accounting.AutoReversal{}, notFound(err, accounting.ErrAutoReversalNotFound)
	}
	return schedule, nil
}

func (r *txRepository) ListAutoReversals(ctx context.Context, companyID int64, filter accounting.AutoReversalFilter) ([]accounting.AutoReversal, error) {
	cond := newConditions("company_id", companyID)
	if filter.EntryID != 0 {
		cond.add("entry_id = $%d", filter.EntryID)
	}
	if filter.PendingOnly {
		cond.clauses = append(cond.clauses, "NOT processed")
	}
	if !filter.DueBy.IsZero() {
		cond.add("reverse_on <= $%d", accounting.DateOnly(filter.DueBy))
	}
	rows, err := r.tx.Query(ctx, `SELECT `+autoColumns+` FROM gl_auto_reversals `+cond.where()+` ORDER BY reverse_on, id`, cond.args...)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (accounting.AutoReversal, error) {
		return scanAuto(row)
	})
	return out, mapError(err)
}

// ClaimAutoReversal flips the processed flag with a conditional update; the
// row lock makes a concurrent claimer see processed = TRUE and lose.
func (r *txRepository) ClaimAutoReversal(ctx context.Context, companyID, id int64, at time.Time) (bool, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE gl_auto_reversals SET processed = TRUE, processed_at = $3 WHERE company_id = $1 AND id = $2 AND NOT processed`, companyID, id, at)
	if err != nil {
		return false, mapError(err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetAutoReversal(ctx, companyID, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *txRepository) CompleteAutoReversal(ctx context.Context, schedule accounting.AutoReversal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE gl_auto_reversals SET outcome = $3, reversing_entry_id = $4 WHERE company_id = $1 AND id = $2`,
		schedule.CompanyID, schedule.ID, schedule.Outcome, nullIntPtr(schedule.ReversingEntryID))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return accounting.ErrAutoReversalNotFound
	}
	return nil
}

func (r *txRepository) DeleteAutoReversal(ctx context.Context, companyID, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM gl_auto_reversals WHERE company_id = $1 AND id = $2`, companyID, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return accounting.ErrAutoReversalNotFound
	}
	return nil
}

func (r *txRepository) InsertWTB(ctx context.Context, wtb accounting.WorkingTrialBalance) (accounting.WorkingTrialBalance, error) {
	wtb.CreatedAt = nowIfZero(wtb.CreatedAt)
	err := r.tx.QueryRow(ctx, `INSERT INTO gl_wtbs (company_id, name, as_of, status, created_by, created_at, locked_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		wtb.CompanyID, wtb.Name, accounting.DateOnly(wtb.AsOf), wtb.Status, nullInt(wtb.CreatedBy), wtb.CreatedAt, wtb.LockedAt).Scan(&wtb.ID)
	if err != nil {
		return accounting.WorkingTrialBalance{}, mapError(err)
	}
	batch := &pgx.Batch{}
	for i, line := range wtb.Lines {
		batch.Queue(`INSERT INTO gl_wtb_lines (wtb_id, position, account_id, code, name, type, unadjusted) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			wtb.ID, i, line.AccountID, line.Code, line.Name, line.Type, line.Unadjusted)
	}
	queueColumns(batch, wtb)
	if err := r.tx.SendBatch(ctx, batch).Close(); err != nil {
		return accounting.WorkingTrialBalance{}, mapError(err)
	}
	return r.GetWTB(ctx, wtb.CompanyID, wtb.ID)
}

func queueColumns(batch *pgx.Batch, wtb accounting.WorkingTrialBalance) {
	for _, column := range wtb.Columns {
		batch.Queue(`INSERT INTO gl_wtb_columns (wtb_id, column_id, name, kind, position) VALUES ($1,$2,$3,$4,$5)`,
			wtb.ID, column.ID, column.Name, column.Kind, column.Position)
		for accountID, amount := range column.Amounts {
			if amount.IsZero() {
				continue
			}
			batch.Queue(`INSERT INTO gl_wtb_amounts (wtb_id, column_id, account_id, amount) VALUES ($1,$2,$3,$4)`,
				wtb.ID, column.ID, accountID, amount)
		}
	}
}

func scanWTB(row pgx.Row) (accounting.WorkingTrialBalance, error) {
	var w accounting.WorkingTrialBalance
	err := row.Scan(&w.ID, &w.CompanyID, &w.Name, &w.AsOf, &w.Status, &w.CreatedBy, &w.CreatedAt, &w.LockedAt)
	return w, err
}

const wtbColumns = `id, company_id, name, as_of, status, COALESCE(created_by, 0), created_at, locked_at`

func (r *txRepository) GetWTB(ctx context.Context, companyID, id int64) (accounting.WorkingTrialBalance, error) {
	wtb, err := scanWTB(r.tx.QueryRow(ctx, `SELECT `+wtbColumns+` FROM gl_wtbs WHERE company_id = $1 AND id = $2`, companyID, id))
	if err != nil {
		return accounting.WorkingTrialBalance{}, notFound(err, accounting.ErrWTBNotFound)
	}

	rows, err := r.tx.Query(ctx, `SELECT account_id, code, name, type, unadjusted FROM gl_wtb_lines WHERE wtb_id = $1 ORDER BY position`, id)
	if err != nil {
		return accounting.WorkingTrialBalance{}, mapError(err)
	}
	wtb.Lines, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (accounting.WTBLine, error) {
		var l accounting.WTBLine
		err := row.Scan(&l.AccountID, &l.Code, &l.Name, &l.Type, &l.Unadjusted)
		return l, err
	})
	if err != nil {
		return accounting.WorkingTrialBalance{}, mapError(err)
	}

	rows, err = r.tx.Query(ctx, `SELECT column_id, name, kind, position FROM gl_wtb_columns WHERE wtb_id = $1 ORDER BY position`, id)
	if err != nil {
		return accounting.WorkingTrialBalance{}, mapError(err)
	}
	wtb.Columns, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (accounting.AdjustmentColumn, error) {
		c := accounting.AdjustmentColumn{Amounts: make(map[int64]decimal.Decimal)}
		err := row.Scan(&c.ID, &c.Name, &c.Kind, &c.Position)
		return c, err
	})
	if err != nil {
		return accounting.WorkingTrialBalance{}, mapError(err)
	}
	index := make(map[int64]int, len(wtb.Columns))
	for i, column := range wtb.Columns {
		index[column.ID] = i
	}

	rows, err = r.tx.Query(ctx, `SELECT column_id, account_id, amount FROM gl_wtb_amounts WHERE wtb_id = $1`, id)
	if err != nil {
		return accounting.WorkingTrialBalance{}, mapError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			columnID, accountID int64
			amount              decimal.Decimal
		)
		if err := rows.Scan(&columnID, &accountID, &amount); err != nil {
			return accounting.WorkingTrialBalance{}, mapError(err)
		}
		if i, ok := index[columnID]; ok {
			wtb.Columns[i].Amounts[accountID] = amount
		}
	}
	if err := rows.Err(); err != nil {
		return accounting.WorkingTrialBalance{}, mapError(err)
	}
	return wtb, nil
}

// ListWTBs returns headers only.
func (r *txRepository) ListWTBs(ctx context.Context, companyID int64) ([]accounting.WorkingTrialBalance, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+wtbColumns+` FROM gl_wtbs WHERE company_id = $1 ORDER BY id`, companyID)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (accounting.WorkingTrialBalance, error) {
		return scanWTB(row)
	})
	return out, mapError(err)
}

// UpdateWTB rewrites the header, columns and amounts. Lines are fixed at
// creation and left untouched.
func (r *txRepository) UpdateWTB(ctx context.Context, wtb accounting.WorkingTrialBalance) error {
	tag, err := r.tx.Exec(ctx, `UPDATE gl_wtbs SET name = $3, status = $4, locked_at = $5 WHERE company_id = $1 AND id = $2`,
		wtb.CompanyID, wtb.ID, wtb.Name, wtb.Status, wtb.LockedAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return accounting.ErrWTBNotFound
	}
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM gl_wtb_columns WHERE wtb_id = $1`, wtb.ID)
	queueColumns(batch, wtb)
	return mapError(r.tx.SendBatch(ctx, batch).Close())
}

func (r *txRepository) DeleteWTB(ctx context.Context, companyID, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM gl_wtbs WHERE company_id = $1 AND id = $2`, companyID, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return accounting.ErrWTBNotFound
	}
	return nil
}

const batchColumns = `id, company_id, fiscal_year_id, status, entry_id, COALESCE(created_by, 0), created_at, posted_at`

func (r *txRepository) InsertOpeningBatch(ctx context.Context, batch accounting.OpeningBatch) (accounting.OpeningBatch, error) {
	batch.CreatedAt = nowIfZero(batch.CreatedAt)
	err := r.tx.QueryRow(ctx, `INSERT INTO gl_opening_batches (company_id, fiscal_year_id, status, entry_id, created_by, created_at, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		batch.CompanyID, batch.FiscalYearID, batch.Status, nullIntPtr(batch.EntryID), nullInt(batch.CreatedBy), batch.CreatedAt, batch.PostedAt).Scan(&batch.ID)
	if err != nil {
		return accounting.OpeningBatch{}, mapError(err)
	}
	if err := r.writeOpeningLines(ctx, batch, false); err != nil {
		return accounting.OpeningBatch{}, err
	}
	return batch, nil
}

func (r *txRepository) writeOpeningLines(ctx context.Context, batch accounting.OpeningBatch, replace bool) error {
	queued := &pgx.Batch{}
	if replace {
		queued.Queue(`DELETE FROM gl_opening_lines WHERE batch_id = $1`, batch.ID)
	}
	for i, line := range batch.Lines {
		queued.Queue(`INSERT INTO gl_opening_lines (batch_id, position, account_id, debit, credit) VALUES ($1,$2,$3,$4,$5)`,
			batch.ID, i, line.AccountID, line.Debit, line.Credit)
	}
	if queued.Len() == 0 {
		return nil
	}
	return mapError(r.tx.SendBatch(ctx, queued).Close())
}

func (r *txRepository) loadOpeningBatch(ctx context.Context, row pgx.Row) (accounting.OpeningBatch, error) {
	var b accounting.OpeningBatch
	if err := row.Scan(&b.ID, &b.CompanyID, &b.FiscalYearID, &b.Status, &b.EntryID, &b.CreatedBy, &b.CreatedAt, &b.PostedAt); err != nil {
		return accounting.OpeningBatch{}, notFound(err, accounting.ErrBatchNotFound)
	}
	rows, err := r.tx.Query(ctx, `SELECT account_id, debit, credit FROM gl_opening_lines WHERE batch_id = $1 ORDER BY position`, b.ID)
	if err != nil {
		return accounting.OpeningBatch{}, mapError(err)
	}
	b.Lines, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (accounting.OpeningLine, error) {
		var l accounting.OpeningLine
		err := row.Scan(&l.AccountID, &l.Debit, &l.Credit)
		return l, err
	})
	if err != nil {
		return accounting.OpeningBatch{}, mapError(err)
	}
	return b, nil
}

func (r *txRepository) GetOpeningBatch(ctx context.Context, companyID, id int64) (accounting.OpeningBatch, error) {
	return r.loadOpeningBatch(ctx, r.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM gl_opening_batches WHERE company_id = $1 AND id = $2`, companyID, id))
}

func (r *txRepository) FindOpeningBatch(ctx context.Context, companyID, fiscalYearID int64) (accounting.OpeningBatch, error) {
	return r.loadOpeningBatch(ctx, r.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM gl_opening_batches WHERE company_id = $1 AND fiscal_year_id = $2`, companyID, fiscalYearID))
}

func (r *txRepository) UpdateOpeningBatch(ctx context.Context, batch accounting.OpeningBatch) error {
	tag, err := r.tx.Exec(ctx, `UPDATE gl_opening_batches SET status = $3, entry_id = $4, posted_at = $5 WHERE company_id = $1 AND id = $2`,
		batch.CompanyID, batch.ID, batch.Status, nullIntPtr(batch.EntryID), batch.PostedAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return accounting.ErrBatchNotFound
	}
	return r.writeOpeningLines(ctx, batch, true)
}
