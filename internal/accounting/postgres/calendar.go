package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

const yearColumns = `id, company_id, name, start_date, end_date, status, is_current, closed_at, locked_at, created_at, updated_at`

func scanYear(row pgx.Row) (accounting.FiscalYear, error) {
	var y accounting.FiscalYear
	err := row.Scan(&y.ID, &y.CompanyID, &y.Name, &y.StartDate, &y.EndDate, &y.Status, &y.IsCurrent, &y.ClosedAt, &y.LockedAt, &y.CreatedAt, &y.UpdatedAt)
	return y, err
}

const periodColumns = `id, company_id, fiscal_year_id, number, code, start_date, end_date, status, closed_at, reopen_reason, created_at, updated_at`

func scanPeriod(row pgx.Row) (accounting.Period, error) {
	var p accounting.Period
	err := row.Scan(&p.ID, &p.CompanyID, &p.FiscalYearID, &p.Number, &p.Code, &p.StartDate, &p.EndDate, &p.Status, &p.ClosedAt, &p.ReopenReason, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (r *txRepository) ListCompanies(ctx context.Context) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT DISTINCT company_id FROM gl_fiscal_years ORDER BY company_id`)
	if err != nil {
		return nil, mapError(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	return ids, mapError(err)
}

func (r *txRepository) InsertFiscalYear(ctx context.Context, year accounting.FiscalYear) (accounting.FiscalYear, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO gl_fiscal_years (company_id, name, start_date, end_date, status, is_current, closed_at, locked_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9) RETURNING id`,
		year.CompanyID, year.Name, year.StartDate, year.EndDate, year.Status, year.IsCurrent, year.ClosedAt, year.LockedAt, nowIfZero(year.CreatedAt))
	if err := row.Scan(&year.ID); err != nil {
		return accounting.FiscalYear{}, mapError(err)
	}
	return year, nil
}

func (r *txRepository) GetFiscalYear(ctx context.Context, companyID, id int64) (accounting.FiscalYear, error) {
	year, err := scanYear(r.tx.QueryRow(ctx, `SELECT `+yearColumns+` FROM gl_fiscal_years WHERE company_id = $1 AND id = $2`, companyID, id))
	if err != nil {
		return accounting.FiscalYear{}, notFound(err, accounting.ErrFiscalYearNotFound)
	}
	return year, nil
}

func (r *txRepository) GetFiscalYearForUpdate(ctx context.Context, companyID, id int64) (accounting.FiscalYear, error) {
	year, err := scanYear(r.tx.QueryRow(ctx, `SELECT `+yearColumns+` FROM gl_fiscal_years WHERE company_id = $1 AND id = $2`+r.lockClause("FOR UPDATE"), companyID, id))
	if err != nil {
		return accounting.FiscalYear{}, notFound(err, accounting.ErrFiscalYearNotFound)
	}
	return year, nil
}

func (r *txRepository) ListFiscalYears(ctx context.Context, companyID int64) ([]accounting.FiscalYear, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+yearColumns+` FROM gl_fiscal_years WHERE company_id = $1 ORDER BY start_date`, companyID)
	if err != nil {
		return nil, mapError(err)
	}
	years, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (accounting.FiscalYear, error) {
		return scanYear(row)
	})
	return years, mapError(err)
}

func (r *txRepository) UpdateFiscalYear(ctx context.Context, year accounting.FiscalYear) error {
	tag, err := r.tx.Exec(ctx, `UPDATE gl_fiscal_years SET name = $3, start_date = $4, end_date = $5, status = $6, closed_at = $7, locked_at = $8, updated_at = $9
WHERE company_id = $1 AND id = $2`,
		year.CompanyID, year.ID, year.Name, year.StartDate, year.EndDate, year.Status, year.ClosedAt, year.LockedAt, nowIfZero(year.UpdatedAt))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return accounting.ErrFiscalYearNotFound
	}
	return nil
}

// SetCurrentFiscalYear clears the flag first so the partial unique index on
// is_current never sees two current years.
func (r *txRepository) SetCurrentFiscalYear(ctx context.Context, companyID, id int64) error {
	if _, err := r.tx.Exec(ctx, `UPDATE gl_fiscal_years SET is_current = FALSE, updated_at = NOW() WHERE company_id = $1 AND id <> $2 AND is_current`, companyID, id); err != nil {
		return mapError(err)
	}
	tag, err := r.tx.Exec(ctx, `UPDATE gl_fiscal_years SET is_current = TRUE, updated_at = NOW() WHERE company_id = $1 AND id = $2`, companyID, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return accounting.ErrFiscalYearNotFound
	}
	return nil
}

func (r *txRepository) InsertPeriod(ctx context.Context, period accounting.Period) (accounting.Period, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO gl_periods (company_id, fiscal_year_id, number, code, start_date, end_date, status, closed_at, reopen_reason, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10) RETURNING id`,
		period.CompanyID, period.FiscalYearID, period.Number, period.Code, period.StartDate, period.EndDate, period.Status,
		period.ClosedAt, period.ReopenReason, nowIfZero(period.CreatedAt))
	if err := row.Scan(&period.ID); err != nil {
		return accounting.Period{}, mapError(err)
	}
	return period, nil
}

func (r *txRepository) GetPeriod(ctx context.Context, companyID, id int64) (accounting.Period, error) {
	period, err := scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM gl_periods WHERE company_id = $1 AND id = $2`, companyID, id))
	if err != nil {
		return accounting.Period{}, notFound(err, accounting.ErrPeriodNotFound)
	}
	return period, nil
}

func (r *txRepository) GetPeriodForUpdate(ctx context.Context, companyID, id int64) (accounting.Period, error) {
	period, err := scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM gl_periods WHERE company_id = $1 AND id = $2`+r.lockClause("FOR UPDATE"), companyID, id))
	if err != nil {
		return accounting.Period{}, notFound(err, accounting.ErrPeriodNotFound)
	}
	return period, nil
}

// SharePeriodForPosting holds FOR SHARE on both rows. ClosePeriod and the
// fiscal year transitions take FOR UPDATE on the same rows and therefore wait
// for in-flight postings to commit.
func (r *txRepository) SharePeriodForPosting(ctx context.Context, companyID, id int64) (accounting.Period, accounting.FiscalYear, error) {
	period, err := scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM gl_periods WHERE company_id = $1 AND id = $2`+r.lockClause("FOR SHARE"), companyID, id))
	if err != nil {
		return accounting.Period{}, accounting.FiscalYear{}, notFound(err, accounting.ErrPeriodNotFound)
	}
	year, err := scanYear(r.tx.QueryRow(ctx, `SELECT `+yearColumns+` FROM gl_fiscal_years WHERE company_id = $1 AND id = $2`+r.lockClause("FOR SHARE"), companyID, period.FiscalYearID))
	if err != nil {
		return accounting.Period{}, accounting.FiscalYear{}, notFound(err, accounting.ErrFiscalYearNotFound)
	}
	return period, year, nil
}

func (r *txRepository) ListPeriods(ctx context.Context, companyID, fiscalYearID int64) ([]accounting.Period, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+periodColumns+` FROM gl_periods WHERE company_id = $1 AND fiscal_year_id = $2 ORDER BY number`, companyID, fiscalYearID)
	if err != nil {
		return nil, mapError(err)
	}
	periods, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (accounting.Period, error) {
		return scanPeriod(row)
	})
	return periods, mapError(err)
}

func (r *txRepository) FindPeriodByDate(ctx context.Context, companyID int64, date time.Time) (accounting.Period, error) {
	period, err := scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM gl_periods
WHERE company_id = $1 AND $2::date BETWEEN start_date AND end_date ORDER BY start_date LIMIT 1`, companyID, accounting.DateOnly(date)))
	if err != nil {
		return accounting.Period{}, notFound(err, accounting.ErrPeriodNotFound)
	}
	return period, nil
}

func (r *txRepository) UpdatePeriod(ctx context.Context, period accounting.Period) error {
	tag, err := r.tx.Exec(ctx, `UPDATE gl_periods SET code = $3, start_date = $4, end_date = $5, status = $6, closed_at = $7, reopen_reason = $8, updated_at = $9
WHERE company_id = $1 AND id = $2`,
		period.CompanyID, period.ID, period.Code, period.StartDate, period.EndDate, period.Status, period.ClosedAt,
		period.ReopenReason, nowIfZero(period.UpdatedAt))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return accounting.ErrPeriodNotFound
	}
	return nil
}
