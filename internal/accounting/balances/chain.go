package balances

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

// Chain materialises one account's balances over the ordered periods of a
// fiscal year. Opening of each period is the closing of the one before it plus
// any opening movement booked into the period.
func Chain(money accounting.Money, companyID, accountID int64, periods []accounting.Period, rows map[int64]accounting.BalanceRow) []accounting.AccountBalance {
	out := make([]accounting.AccountBalance, 0, len(periods))
	running := decimal.Zero
	for _, period := range periods {
		row, ok := rows[period.ID]
		if !ok {
			row = zeroRow(accounting.BalanceKey{CompanyID: companyID, AccountID: accountID, PeriodID: period.ID}, period.FiscalYearID)
		}
		opening := running.Add(row.OpeningMovement)
		closing := opening.Add(row.Debit).Sub(row.Credit)
		out = append(out, accounting.AccountBalance{
			CompanyID:    companyID,
			AccountID:    accountID,
			FiscalYearID: period.FiscalYearID,
			PeriodID:     period.ID,
			Opening:      money.Round(opening),
			Debit:        money.Round(row.Debit),
			Credit:       money.Round(row.Credit),
			Closing:      money.Round(closing),
			Version:      row.Version,
		})
		running = closing
	}
	return out
}

// Rebuild derives balance rows from raw postings.
func Rebuild(money accounting.Money, postings []accounting.Posting) map[accounting.BalanceKey]accounting.BalanceRow {
	out := make(map[accounting.BalanceKey]accounting.BalanceRow)
	for _, posting := range postings {
		key := accounting.BalanceKey{CompanyID: posting.CompanyID, AccountID: posting.AccountID, PeriodID: posting.PeriodID}
		row, ok := out[key]
		if !ok {
			row = zeroRow(key, posting.FiscalYearID)
		}
		if posting.Source == accounting.JournalSourceOpening {
			row.OpeningMovement = row.OpeningMovement.Add(posting.Debit).Sub(posting.Credit)
		} else {
			row.Debit = row.Debit.Add(posting.Debit)
			row.Credit = row.Credit.Add(posting.Credit)
		}
		out[key] = row
	}
	for key, row := range out {
		out[key] = normalise(money, row)
	}
	return out
}

// deltas groups entry lines into per account increments in ascending account order.
func deltas(money accounting.Money, entry accounting.JournalEntry) []accounting.BalanceDelta {
	byAccount := make(map[int64]*accounting.BalanceDelta)
	for _, line := range entry.Lines {
		delta, ok := byAccount[line.AccountID]
		if !ok {
			delta = &accounting.BalanceDelta{
				BalanceKey:   accounting.BalanceKey{CompanyID: entry.CompanyID, AccountID: line.AccountID, PeriodID: entry.PeriodID},
				FiscalYearID: entry.FiscalYearID,
				Opening:      decimal.Zero,
				Debit:        decimal.Zero,
				Credit:       decimal.Zero,
			}
			byAccount[line.AccountID] = delta
		}
		if entry.Source == accounting.JournalSourceOpening {
			delta.Opening = delta.Opening.Add(line.Debit).Sub(line.Credit)
		} else {
			delta.Debit = delta.Debit.Add(line.Debit)
			delta.Credit = delta.Credit.Add(line.Credit)
		}
	}
	out := make([]accounting.BalanceDelta, 0, len(byAccount))
	for _, delta := range byAccount {
		delta.Opening = money.Round(delta.Opening)
		delta.Debit = money.Round(delta.Debit)
		delta.Credit = money.Round(delta.Credit)
		out = append(out, *delta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func zeroRow(key accounting.BalanceKey, fiscalYearID int64) accounting.BalanceRow {
	return accounting.BalanceRow{
		BalanceKey:      key,
		FiscalYearID:    fiscalYearID,
		OpeningMovement: decimal.Zero,
		Debit:           decimal.Zero,
		Credit:          decimal.Zero,
	}
}

func normalise(money accounting.Money, row accounting.BalanceRow) accounting.BalanceRow {
	row.OpeningMovement = money.Round(row.OpeningMovement)
	row.Debit = money.Round(row.Debit)
	row.Credit = money.Round(row.Credit)
	return row
}

func sameMovement(money accounting.Money, a, b accounting.BalanceRow) bool {
	return money.Equal(a.OpeningMovement, b.OpeningMovement) &&
		money.Equal(a.Debit, b.Debit) &&
		money.Equal(a.Credit, b.Credit)
}
