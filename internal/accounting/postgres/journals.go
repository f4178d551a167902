package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

// conditions accumulates a company scoped WHERE clause with positional args.
type conditions struct {
	clauses []string
	args    []any
}

func newConditions(column string, companyID int64) *conditions {
	return &conditions{clauses: []string{column + " = $1"}, args: []any{companyID}}
}

// add appends a clause whose single placeholder is written as $%d.
func (c *conditions) add(format string, arg any) {
	c.args = append(c.args, arg)
	c.clauses = append(c.clauses, fmt.Sprintf(format, len(c.args)))
}

func (c *conditions) where() string {
	return "WHERE " + strings.Join(c.clauses, " AND ")
}

func (r *txRepository) NextEntryNumber(ctx context.Context, companyID, fiscalYearID int64) (int64, error) {
	var number int64
	err := r.tx.QueryRow(ctx, `INSERT INTO gl_entry_sequences (company_id, fiscal_year_id, last_number) VALUES ($1, $2, 1)
ON CONFLICT (company_id, fiscal_year_id) DO UPDATE SET last_number = gl_entry_sequences.last_number + 1
RETURNING last_number`, companyID, fiscalYearID).Scan(&number)
	if err != nil {
		return 0, mapError(err)
	}
	return number, nil
}

func (r *txRepository) InsertEntry(ctx context.Context, entry accounting.JournalEntry) (accounting.JournalEntry, error) {
	var sourceID any
	if entry.SourceID != uuid.Nil {
		sourceID = entry.SourceID
	}
	entry.CreatedAt = nowIfZero(entry.CreatedAt)
	row := r.tx.QueryRow(ctx, `INSERT INTO gl_journal_entries (company_id, fiscal_year_id, period_id, number, date, status, source, source_id, memo, created_by, posted_by, posted_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		entry.CompanyID, entry.FiscalYearID, entry.PeriodID, nullInt(entry.Number), accounting.DateOnly(entry.Date), entry.Status,
		entry.Source, sourceID, entry.Memo, nullInt(entry.CreatedBy), nullInt(entry.PostedBy), entry.PostedAt, entry.CreatedAt)
	if err := row.Scan(&entry.ID); err != nil {
		return accounting.JournalEntry{}, mapError(err)
	}
	lines := make([]accounting.JournalLine, len(entry.Lines))
	for i, line := range entry.Lines {
		line.EntryID = entry.ID
		line.LineNo = i + 1
		err := r.tx.QueryRow(ctx, `INSERT INTO gl_journal_lines (entry_id, line_no, account_id, debit, credit, memo)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`, line.EntryID, line.LineNo, line.AccountID, line.Debit, line.Credit, line.Memo).Scan(&line.ID)
		if err != nil {
			return accounting.JournalEntry{}, mapError(err)
		}
		lines[i] = line
	}
	entry.Lines = lines
	return entry, nil
}

// entryQuery selects headers with REVERSED derived from reversal links; the
// stored status of a reversed entry stays POSTED.
const entryQuery = `SELECT id, company_id, fiscal_year_id, period_id, number, date, status, source, source_id, memo, created_by, posted_by, posted_at, created_at
FROM (
  SELECT e.id, e.company_id, e.fiscal_year_id, e.period_id, COALESCE(e.number, 0) AS number, e.date,
         CASE WHEN e.status = 'POSTED' AND EXISTS (
           SELECT 1 FROM gl_reversal_links l
           WHERE l.original_entry_id = e.id AND l.kind IN ('FULL','SCHEDULED_AUTO')
         ) THEN 'REVERSED' ELSE e.status END AS status,
         e.source, e.source_id, e.memo, COALESCE(e.created_by, 0) AS created_by, COALESCE(e.posted_by, 0) AS posted_by,
         e.posted_at, e.created_at
  FROM gl_journal_entries e
) entries `

func scanEntry(row pgx.Row) (accounting.JournalEntry, error) {
	var e accounting.JournalEntry
	err := row.Scan(&e.ID, &e.CompanyID, &e.FiscalYearID, &e.PeriodID, &e.Number, &e.Date, &e.Status, &e.Source, &e.SourceID,
		&e.Memo, &e.CreatedBy, &e.PostedBy, &e.PostedAt, &e.CreatedAt)
	return e, err
}

func (r *txRepository) GetEntry(ctx context.Context, companyID, id int64) (accounting.JournalEntry, error) {
	entry, err := scanEntry(r.tx.QueryRow(ctx, entryQuery+`WHERE company_id = $1 AND id = $2`, companyID, id))
	if err != nil {
		return accounting.JournalEntry{}, notFound(err, accounting.ErrJournalNotFound)
	}
	entries := []accounting.JournalEntry{entry}
	if err := r.attachLines(ctx, entries); err != nil {
		return accounting.JournalEntry{}, err
	}
	return entries[0], nil
}

func (r *txRepository) GetEntryForUpdate(ctx context.Context, companyID, id int64) (accounting.JournalEntry, error) {
	if !r.readOnly {
		var locked int64
		err := r.tx.QueryRow(ctx, `SELECT id FROM gl_journal_entries WHERE company_id = $1 AND id = $2 FOR UPDATE`, companyID, id).Scan(&locked)
		if err != nil {
			return accounting.JournalEntry{}, notFound(err, accounting.ErrJournalNotFound)
		}
	}
	return r.GetEntry(ctx, companyID, id)
}

func (r *txRepository) ListEntries(ctx context.Context, companyID int64, filter accounting.EntryFilter) ([]accounting.JournalEntry, error) {
	cond := newConditions("company_id", companyID)
	if filter.FiscalYearID != 0 {
		cond.add("fiscal_year_id = $%d", filter.FiscalYearID)
	}
	if filter.PeriodID != 0 {
		cond.add("period_id = $%d", filter.PeriodID)
	}
	if filter.Status != "" {
		cond.add("status = $%d", filter.Status)
	}
	if filter.Source != "" {
		cond.add("source = $%d", filter.Source)
	}
	if !filter.From.IsZero() {
		cond.add("date >= $%d", accounting.DateOnly(filter.From))
	}
	if !filter.To.IsZero() {
		cond.add("date <= $%d", accounting.DateOnly(filter.To))
	}
	query := entryQuery + cond.where() + ` ORDER BY date, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := r.tx.Query(ctx, query, cond.args...)
	if err != nil {
		return nil, mapError(err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (accounting.JournalEntry, error) {
		return scanEntry(row)
	})
	if err != nil {
		return nil, mapError(err)
	}
	if err := r.attachLines(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *txRepository) attachLines(ctx context.Context, entries []accounting.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]int64, len(entries))
	index := make(map[int64]int, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
		index[entry.ID] = i
	}
	rows, err := r.tx.Query(ctx, `SELECT id, entry_id, line_no, account_id, debit, credit, memo FROM gl_journal_lines WHERE entry_id = ANY($1) ORDER BY entry_id, line_no`, ids)
	if err != nil {
		return mapError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var l accounting.JournalLine
		if err := rows.Scan(&l.ID, &l.EntryID, &l.LineNo, &l.AccountID, &l.Debit, &l.Credit, &l.Memo); err != nil {
			return mapError(err)
		}
		i := index[l.EntryID]
		entries[i].Lines = append(entries[i].Lines, l)
	}
	return mapError(rows.Err())
}

// entryState reports whether an entry exists and whether it is still a draft.
func (r *txRepository) entryState(ctx context.Context, companyID, id int64) error {
	var status accounting.JournalStatus
	err := r.tx.QueryRow(ctx, `SELECT status FROM gl_journal_entries WHERE company_id = $1 AND id = $2`, companyID, id).Scan(&status)
	if err != nil {
		return notFound(err, accounting.ErrJournalNotFound)
	}
	if status != accounting.JournalStatusDraft {
		return accounting.ErrInvalidStatus
	}
	return nil
}

func (r *txRepository) MarkEntryPosted(ctx context.Context, entry accounting.JournalEntry) error {
	tag, err := r.tx.Exec(ctx, `UPDATE gl_journal_entries SET status = 'POSTED', number = $3, fiscal_year_id = $4, period_id = $5, posted_by = $6, posted_at = $7
WHERE company_id = $1 AND id = $2 AND status = 'DRAFT'`,
		entry.CompanyID, entry.ID, nullInt(entry.Number), entry.FiscalYearID, entry.PeriodID, nullInt(entry.PostedBy), entry.PostedAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return r.entryState(ctx, entry.CompanyID, entry.ID)
	}
	return nil
}

func (r *txRepository) DeleteDraft(ctx context.Context, companyID, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM gl_journal_entries WHERE company_id = $1 AND id = $2 AND status = 'DRAFT'`, companyID, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return r.entryState(ctx, companyID, id)
	}
	return nil
}

func (r *txRepository) InsertPostings(ctx context.Context, postings []accounting.Posting) error {
	if len(postings) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range postings {
		batch.Queue(`INSERT INTO gl_postings (company_id, entry_id, line_no, account_id, fiscal_year_id, period_id, date, source, debit, credit, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			p.CompanyID, p.EntryID, p.LineNo, p.AccountID, p.FiscalYearID, p.PeriodID, accounting.DateOnly(p.Date), p.Source, p.Debit, p.Credit, nowIfZero(p.PostedAt))
	}
	return mapError(r.tx.SendBatch(ctx, batch).Close())
}

func postingConditions(companyID int64, filter accounting.PostingFilter) *conditions {
	cond := newConditions("company_id", companyID)
	if len(filter.AccountIDs) > 0 {
		cond.add("account_id = ANY($%d)", filter.AccountIDs)
	}
	if filter.FiscalYearID != 0 {
		cond.add("fiscal_year_id = $%d", filter.FiscalYearID)
	}
	if len(filter.PeriodIDs) > 0 {
		cond.add("period_id = ANY($%d)", filter.PeriodIDs)
	}
	if filter.EntryID != 0 {
		cond.add("entry_id = $%d", filter.EntryID)
	}
	if !filter.From.IsZero() {
		cond.add("date >= $%d", accounting.DateOnly(filter.From))
	}
	if !filter.To.IsZero() {
		cond.add("date <= $%d", accounting.DateOnly(filter.To))
	}
	return cond
}

func (r *txRepository) ListPostings(ctx context.Context, companyID int64, filter accounting.PostingFilter) ([]accounting.Posting, error) {
	cond := postingConditions(companyID, filter)
	rows, err := r.tx.Query(ctx, `SELECT id, company_id, entry_id, line_no, account_id, fiscal_year_id, period_id, date, source, debit, credit, posted_at
FROM gl_postings `+cond.where()+` ORDER BY date, id`, cond.args...)
	if err != nil {
		return nil, mapError(err)
	}
	postings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (accounting.Posting, error) {
		var p accounting.Posting
		err := row.Scan(&p.ID, &p.CompanyID, &p.EntryID, &p.LineNo, &p.AccountID, &p.FiscalYearID, &p.PeriodID, &p.Date, &p.Source, &p.Debit, &p.Credit, &p.PostedAt)
		return p, err
	})
	return postings, mapError(err)
}

func (r *txRepository) CountPostings(ctx context.Context, companyID int64, filter accounting.PostingFilter) (int64, error) {
	cond := postingConditions(companyID, filter)
	var count int64
	if err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM gl_postings `+cond.where(), cond.args...).Scan(&count); err != nil {
		return 0, mapError(err)
	}
	return count, nil
}
