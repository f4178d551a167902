package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

func (t *tx) ListCompanies(ctx context.Context) ([]int64, error) {
	seen := make(map[int64]struct{})
	for _, year := range t.st.years {
		seen[year.CompanyID] = struct{}{}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (t *tx) InsertFiscalYear(ctx context.Context, year accounting.FiscalYear) (accounting.FiscalYear, error) {
	if err := t.writable(); err != nil {
		return accounting.FiscalYear{}, err
	}
	year.ID = t.st.id()
	t.st.years[year.ID] = year
	return year, nil
}

func (t *tx) GetFiscalYear(ctx context.Context, companyID, id int64) (accounting.FiscalYear, error) {
	year, ok := t.st.years[id]
	if !ok || year.CompanyID != companyID {
		return accounting.FiscalYear{}, accounting.ErrFiscalYearNotFound
	}
	return year, nil
}

func (t *tx) GetFiscalYearForUpdate(ctx context.Context, companyID, id int64) (accounting.FiscalYear, error) {
	return t.GetFiscalYear(ctx, companyID, id)
}

func (t *tx) ListFiscalYears(ctx context.Context, companyID int64) ([]accounting.FiscalYear, error) {
	var out []accounting.FiscalYear
	for _, year := range t.st.years {
		if year.CompanyID == companyID {
			out = append(out, year)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (t *tx) UpdateFiscalYear(ctx context.Context, year accounting.FiscalYear) error {
	if err := t.writable(); err != nil {
		return err
	}
	existing, ok := t.st.years[year.ID]
	if !ok || existing.CompanyID != year.CompanyID {
		return accounting.ErrFiscalYearNotFound
	}
	t.st.years[year.ID] = year
	return nil
}

func (t *tx) SetCurrentFiscalYear(ctx context.Context, companyID, id int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.GetFiscalYear(ctx, companyID, id); err != nil {
		return err
	}
	for key, year := range t.st.years {
		if year.CompanyID != companyID {
			continue
		}
		current := key == id
		if year.IsCurrent != current {
			year.IsCurrent = current
			t.st.years[key] = year
		}
	}
	return nil
}

func (t *tx) InsertPeriod(ctx context.Context, period accounting.Period) (accounting.Period, error) {
	if err := t.writable(); err != nil {
		return accounting.Period{}, err
	}
	period.ID = t.st.id()
	t.st.periods[period.ID] = period
	return period, nil
}

func (t *tx) GetPeriod(ctx context.Context, companyID, id int64) (accounting.Period, error) {
	period, ok := t.st.periods[id]
	if !ok || period.CompanyID != companyID {
		return accounting.Period{}, accounting.ErrPeriodNotFound
	}
	return period, nil
}

func (t *tx) GetPeriodForUpdate(ctx context.Context, companyID, id int64) (accounting.Period, error) {
	return t.GetPeriod(ctx, companyID, id)
}

func (t *tx) SharePeriodForPosting(ctx context.Context, companyID, id int64) (accounting.Period, accounting.FiscalYear, error) {
	period, err := t.GetPeriod(ctx, companyID, id)
	if err != nil {
		return accounting.Period{}, accounting.FiscalYear{}, err
	}
	year, err := t.GetFiscalYear(ctx, companyID, period.FiscalYearID)
	if err != nil {
		return accounting.Period{}, accounting.FiscalYear{}, err
	}
	return period, year, nil
}

func (t *tx) ListPeriods(ctx context.Context, companyID, fiscalYearID int64) ([]accounting.Period, error) {
	var out []accounting.Period
	for _, period := range t.st.periods {
		if period.CompanyID == companyID && period.FiscalYearID == fiscalYearID {
			out = append(out, period)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (t *tx) FindPeriodByDate(ctx context.Context, companyID int64, date time.Time) (accounting.Period, error) {
	for _, period := range t.st.periods {
		if period.CompanyID == companyID && period.Contains(date) {
			return period, nil
		}
	}
	return accounting.Period{}, accounting.ErrPeriodNotFound
}

func (t *tx) UpdatePeriod(ctx context.Context, period accounting.Period) error {
	if err := t.writable(); err != nil {
		return err
	}
	existing, ok := t.st.periods[period.ID]
	if !ok || existing.CompanyID != period.CompanyID {
		return accounting.ErrPeriodNotFound
	}
	t.st.periods[period.ID] = period
	return nil
}
