package memstore

import (
	"context"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

func (t *tx) ApplyBalanceDelta(ctx context.Context, delta accounting.BalanceDelta) error {
	if err := t.writable(); err != nil {
		return err
	}
	row, ok := t.st.balances[delta.BalanceKey]
	if !ok {
		row = accounting.BalanceRow{
			BalanceKey:      delta.BalanceKey,
			FiscalYearID:    delta.FiscalYearID,
			OpeningMovement: decimal.Zero,
			Debit:           decimal.Zero,
			Credit:          decimal.Zero,
		}
	}
	row.OpeningMovement = row.OpeningMovement.Add(delta.Opening)
	row.Debit = row.Debit.Add(delta.Debit)
	row.Credit = row.Credit.Add(delta.Credit)
	row.Version++
	row.UpdatedAt = time.Now().UTC()
	t.st.balances[delta.BalanceKey] = row
	return nil
}

func (t *tx) GetBalanceRow(ctx context.Context, key accounting.BalanceKey) (accounting.BalanceRow, bool, error) {
	row, ok := t.st.balances[key]
	return row, ok, nil
}

func (t *tx) ListBalanceRows(ctx context.Context, companyID int64, filter accounting.BalanceFilter) ([]accounting.BalanceRow, error) {
	var out []accounting.BalanceRow
	for key, row := range t.st.balances {
		if key.CompanyID == companyID && filter.Match(row) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].PeriodID < out[j].PeriodID
	})
	return out, nil
}

func (t *tx) PutBalanceRow(ctx context.Context, row accounting.BalanceRow, expectedVersion int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	existing, ok := t.st.balances[row.BalanceKey]
	switch {
	case expectedVersion == 0 && ok:
		return accounting.ErrConcurrency
	case expectedVersion != 0 && (!ok || existing.Version != expectedVersion):
		return accounting.ErrConcurrency
	}
	row.Version = expectedVersion + 1
	row.UpdatedAt = time.Now().UTC()
	t.st.balances[row.BalanceKey] = row
	return nil
}

func (t *tx) InsertReversalLink(ctx context.Context, link accounting.ReversalLink) (accounting.ReversalLink, error) {
	if err := t.writable(); err != nil {
		return accounting.ReversalLink{}, err
	}
	if link.Kind.Reverses() {
		for _, existing := range t.st.links {
			if existing.CompanyID == link.CompanyID && existing.OriginalEntryID == link.OriginalEntryID && existing.Kind.Reverses() {
				return accounting.ReversalLink{}, accounting.ErrAlreadyReversed
			}
		}
	}
	link.ID = t.st.id()
	t.st.links = append(t.st.links, link)
	return link, nil
}

func (t *tx) ListReversalLinks(ctx context.Context, companyID, entryID int64) ([]accounting.ReversalLink, error) {
	var out []accounting.ReversalLink
	for _, link := range t.st.links {
		if link.CompanyID != companyID {
			continue
		}
		if link.OriginalEntryID == entryID || link.ReversingEntryID == entryID {
			out = append(out, link)
		}
	}
	return out, nil
}

func (t *tx) InsertAutoReversal(ctx context.Context, schedule accounting.AutoReversal) (accounting.AutoReversal, error) {
	if err := t.writable(); err != nil {
		return accounting.AutoReversal{}, err
	}
	for _, existing := range t.st.autos {
		if existing.CompanyID == schedule.CompanyID && existing.EntryID == schedule.EntryID && !existing.Processed {
			return accounting.AutoReversal{}, accounting.ErrAlreadyScheduled
		}
	}
	schedule.ID = t.st.id()
	t.st.autos[schedule.ID] = schedule
	return schedule, nil
}

func (t *tx) GetAutoReversal(ctx context.Context, companyID, id int64) (accounting.AutoReversal, error) {
	schedule, ok := t.st.autos[id]
	if !ok || schedule.CompanyID != companyID {
		return accounting.AutoReversal{}, accounting.ErrAutoReversalNotFound
	}
	return schedule, nil
}

func (t *tx) ListAutoReversals(ctx context.Context, companyID int64, filter accounting.AutoReversalFilter) ([]accounting.AutoReversal, error) {
	var out []accounting.AutoReversal
	for _, schedule := range t.st.autos {
		if schedule.CompanyID == companyID && filter.Match(schedule) {
			out = append(out, schedule)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReverseOn.Equal(out[j].ReverseOn) {
			return out[i].ReverseOn.Before(out[j].ReverseOn)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) ClaimAutoReversal(ctx context.Context, companyID, id int64, at time.Time) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	schedule, ok := t.st.autos[id]
	if !ok || schedule.CompanyID != companyID {
		return false, accounting.ErrAutoReversalNotFound
	}
	if schedule.Processed {
		return false, nil
	}
	schedule.Processed = true
	schedule.ProcessedAt = &at
	t.st.autos[id] = schedule
	return true, nil
}

func (t *tx) CompleteAutoReversal(ctx context.Context, schedule accounting.AutoReversal) error {
	if err := t.writable(); err != nil {
		return err
	}
	existing, ok := t.st.autos[schedule.ID]
	if !ok || existing.CompanyID != schedule.CompanyID {
		return accounting.ErrAutoReversalNotFound
	}
	existing.Outcome = schedule.Outcome
	existing.ReversingEntryID = schedule.ReversingEntryID
	t.st.autos[schedule.ID] = existing
	return nil
}

func (t *tx) DeleteAutoReversal(ctx context.Context, companyID, id int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	schedule, ok := t.st.autos[id]
	if !ok || schedule.CompanyID != companyID {
		return accounting.ErrAutoReversalNotFound
	}
	delete(t.st.autos, id)
	return nil
}

func (t *tx) InsertWTB(ctx context.Context, wtb accounting.WorkingTrialBalance) (accounting.WorkingTrialBalance, error) {
	if err := t.writable(); err != nil {
		return accounting.WorkingTrialBalance{}, err
	}
	wtb.ID = t.st.id()
	t.st.wtbs[wtb.ID] = copyWTB(wtb)
	return copyWTB(wtb), nil
}

func (t *tx) GetWTB(ctx context.Context, companyID, id int64) (accounting.WorkingTrialBalance, error) {
	wtb, ok := t.st.wtbs[id]
	if !ok || wtb.CompanyID != companyID {
		return accounting.WorkingTrialBalance{}, accounting.ErrWTBNotFound
	}
	return copyWTB(wtb), nil
}

func (t *tx) ListWTBs(ctx context.Context, companyID int64) ([]accounting.WorkingTrialBalance, error) {
	var out []accounting.WorkingTrialBalance
	for _, wtb := range t.st.wtbs {
		if wtb.CompanyID == companyID {
			out = append(out, copyWTB(wtb))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) UpdateWTB(ctx context.Context, wtb accounting.WorkingTrialBalance) error {
	if err := t.writable(); err != nil {
		return err
	}
	existing, ok := t.st.wtbs[wtb.ID]
	if !ok || existing.CompanyID != wtb.CompanyID {
		return accounting.ErrWTBNotFound
	}
	t.st.wtbs[wtb.ID] = copyWTB(wtb)
	return nil
}

func (t *tx) DeleteWTB(ctx context.Context, companyID, id int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	existing, ok := t.st.wtbs[id]
	if !ok || existing.CompanyID != companyID {
		return accounting.ErrWTBNotFound
	}
	delete(t.st.wtbs, id)
	return nil
}

func copyWTB(wtb accounting.WorkingTrialBalance) accounting.WorkingTrialBalance {
	wtb.Lines = slices.Clone(wtb.Lines)
	columns := make([]accounting.AdjustmentColumn, len(wtb.Columns))
	for i, column := range wtb.Columns {
		column.Amounts = maps.Clone(column.Amounts)
		if column.Amounts == nil {
			column.Amounts = make(map[int64]decimal.Decimal)
		}
		columns[i] = column
	}
	wtb.Columns = columns
	return wtb
}

func (t *tx) InsertOpeningBatch(ctx context.Context, batch accounting.OpeningBatch) (accounting.OpeningBatch, error) {
	if err := t.writable(); err != nil {
		return accounting.OpeningBatch{}, err
	}
	for _, existing := range t.st.batches {
		if existing.CompanyID == batch.CompanyID && existing.FiscalYearID == batch.FiscalYearID {
			return accounting.OpeningBatch{}, accounting.ErrBatchExists
		}
	}
	batch.ID = t.st.id()
	batch.Lines = slices.Clone(batch.Lines)
	t.st.batches[batch.ID] = batch
	return batch, nil
}

func (t *tx) GetOpeningBatch(ctx context.Context, companyID, id int64) (accounting.OpeningBatch, error) {
	batch, ok := t.st.batches[id]
	if !ok || batch.CompanyID != companyID {
		return accounting.OpeningBatch{}, accounting.ErrBatchNotFound
	}
	batch.Lines = slices.Clone(batch.Lines)
	return batch, nil
}

func (t *tx) FindOpeningBatch(ctx context.Context, companyID, fiscalYearID int64) (accounting.OpeningBatch, error) {
	for _, batch := range t.st.batches {
		if batch.CompanyID == companyID && batch.FiscalYearID == fiscalYearID {
			batch.Lines = slices.Clone(batch.Lines)
			return batch, nil
		}
	}
	return accounting.OpeningBatch{}, accounting.ErrBatchNotFound
}

func (t *tx) UpdateOpeningBatch(ctx context.Context, batch accounting.OpeningBatch) error {
	if err := t.writable(); err != nil {
		return err
	}
	existing, ok := t.st.batches[batch.ID]
	if !ok || existing.CompanyID != batch.CompanyID {
		return accounting.ErrBatchNotFound
	}
	batch.Lines = slices.Clone(batch.Lines)
	t.st.batches[batch.ID] = batch
	return nil
}
