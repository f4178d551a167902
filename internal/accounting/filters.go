package accounting

import (
	"slices"
	"time"
)

// Match reports whether p satisfies the filter.
func (f PostingFilter) Match(p Posting) bool {
	if len(f.AccountIDs) > 0 && !slices.Contains(f.AccountIDs, p.AccountID) {
		return false
	}
	if f.FiscalYearID != 0 && p.FiscalYearID != f.FiscalYearID {
		return false
	}
	if len(f.PeriodIDs) > 0 && !slices.Contains(f.PeriodIDs, p.PeriodID) {
		return false
	}
	if f.EntryID != 0 && p.EntryID != f.EntryID {
		return false
	}
	return inRange(p.Date, f.From, f.To)
}

// Match reports whether e satisfies the filter.
func (f EntryFilter) Match(e JournalEntry) bool {
	if f.FiscalYearID != 0 && e.FiscalYearID != f.FiscalYearID {
		return false
	}
	if f.PeriodID != 0 && e.PeriodID != f.PeriodID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	return inRange(e.Date, f.From, f.To)
}

// Match reports whether row satisfies the filter.
func (f BalanceFilter) Match(row BalanceRow) bool {
	if f.FiscalYearID != 0 && row.FiscalYearID != f.FiscalYearID {
		return false
	}
	if len(f.PeriodIDs) > 0 && !slices.Contains(f.PeriodIDs, row.PeriodID) {
		return false
	}
	if len(f.AccountIDs) > 0 && !slices.Contains(f.AccountIDs, row.AccountID) {
		return false
	}
	return true
}

// Match reports whether schedule satisfies the filter.
func (f AutoReversalFilter) Match(schedule AutoReversal) bool {
	if f.EntryID != 0 && schedule.EntryID != f.EntryID {
		return false
	}
	if f.PendingOnly && schedule.Processed {
		return false
	}
	if !f.DueBy.IsZero() && DateOnly(schedule.ReverseOn).After(DateOnly(f.DueBy)) {
		return false
	}
	return true
}

func inRange(date, from, to time.Time) bool {
	d := DateOnly(date)
	if !from.IsZero() && d.Before(DateOnly(from)) {
		return false
	}
	if !to.IsZero() && d.After(DateOnly(to)) {
		return false
	}
	return true
}
