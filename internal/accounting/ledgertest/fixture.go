// Package ledgertest seeds an in-memory ledger for service tests.
package ledgertest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/memstore"
	"github.com/odyssey-erp/odyssey-gl/internal/shared"
)

// CompanyID is the company every fixture seeds.
const CompanyID int64 = 1

// Fixture is a seeded calendar year with a small chart of accounts.
type Fixture struct {
	Store    *memstore.Store
	Year     accounting.FiscalYear
	Periods  []accounting.Period
	Accounts map[string]accounting.Account
	Audit    *AuditRecorder
	Notify   *NotifyRecorder
	Now      time.Time
}

// chart is code, name, type, parent code.
var chart = [][4]string{
	{"1000", "Assets", "ASSET", ""},
	{"1100", "Cash", "ASSET", "1000"},
	{"1200", "Receivables", "ASSET", "1000"},
	{"2000", "Payables", "LIABILITY", ""},
	{"3000", "Share Capital", "EQUITY", ""},
	{"3100", "Retained Earnings", "EQUITY", ""},
	{"4000", "Revenue", "REVENUE", ""},
	{"5000", "Expenses", "EXPENSE", ""},
}

// New seeds an open fiscal year 2024 split into twelve months.
func New(t testing.TB) *Fixture {
	t.Helper()
	f := &Fixture{
		Store:    memstore.New(),
		Accounts: make(map[string]accounting.Account),
		Audit:    &AuditRecorder{},
		Notify:   &NotifyRecorder{},
		Now:      time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC),
	}
	f.Year, f.Periods = f.AddYear(t, 2024, accounting.FiscalYearStatusOpen)
	err := f.Store.WithTx(context.Background(), func(ctx context.Context, tx accounting.TxRepository) error {
		if err := tx.SetCurrentFiscalYear(ctx, CompanyID, f.Year.ID); err != nil {
			return err
		}
		for _, row := range chart {
			account := accounting.Account{
				CompanyID:  CompanyID,
				Code:       row[0],
				Name:       row[1],
				Type:       accounting.AccountType(row[2]),
				Level:      1,
				Status:     accounting.AccountStatusActive,
				NormalSide: accounting.DefaultNormalSide(accounting.AccountType(row[2])),
				CreatedAt:  f.Now,
				UpdatedAt:  f.Now,
			}
			if parent, ok := f.Accounts[row[3]]; ok {
				id := parent.ID
				account.ParentID = &id
				account.Level = parent.Level + 1
			}
			inserted, err := tx.InsertAccount(ctx, account)
			if err != nil {
				return err
			}
			f.Accounts[inserted.Code] = inserted
		}
		return nil
	})
	require.NoError(t, err)
	f.Year.IsCurrent = true
	return f
}

// AddYear inserts a calendar fiscal year with twelve monthly periods.
func (f *Fixture) AddYear(t testing.TB, calendarYear int, status accounting.FiscalYearStatus) (accounting.FiscalYear, []accounting.Period) {
	t.Helper()
	var year accounting.FiscalYear
	var periods []accounting.Period
	start := time.Date(calendarYear, 1, 1, 0, 0, 0, 0, time.UTC)
	err := f.Store.WithTx(context.Background(), func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		year, err = tx.InsertFiscalYear(ctx, accounting.FiscalYear{
			CompanyID: CompanyID,
			Name:      fmt.Sprintf("FY%d", calendarYear),
			StartDate: start,
			EndDate:   start.AddDate(1, 0, -1),
			Status:    status,
			CreatedAt: f.Now,
			UpdatedAt: f.Now,
		})
		if err != nil {
			return err
		}
		for i := 0; i < 12; i++ {
			from := start.AddDate(0, i, 0)
			period, err := tx.InsertPeriod(ctx, accounting.Period{
				CompanyID:    CompanyID,
				FiscalYearID: year.ID,
				Number:       i + 1,
				Code:         from.Format("2006-01"),
				StartDate:    from,
				EndDate:      from.AddDate(0, 1, -1),
				Status:       accounting.PeriodStatusOpen,
				CreatedAt:    f.Now,
				UpdatedAt:    f.Now,
			})
			if err != nil {
				return err
			}
			periods = append(periods, period)
		}
		return nil
	})
	require.NoError(t, err)
	return year, periods
}

// Hooks returns hooks recording into the fixture with a fixed clock.
func (f *Fixture) Hooks() accounting.Hooks {
	return accounting.Hooks{
		Audit:  f.Audit,
		Notify: f.Notify,
		Now:    func() time.Time { return f.Now },
	}
}

// Account returns the seeded account with code.
func (f *Fixture) Account(code string) int64 {
	return f.Accounts[code].ID
}

// Period returns the seeded period of the first fiscal year for month (1-12).
func (f *Fixture) Period(month int) accounting.Period {
	return f.Periods[month-1]
}

// SetPeriodStatus overwrites a period's status directly in the store.
func (f *Fixture) SetPeriodStatus(t testing.TB, periodID int64, status accounting.PeriodStatus) {
	t.Helper()
	err := f.Store.WithTx(context.Background(), func(ctx context.Context, tx accounting.TxRepository) error {
		period, err := tx.GetPeriod(ctx, CompanyID, periodID)
		if err != nil {
			return err
		}
		period.Status = status
		return tx.UpdatePeriod(ctx, period)
	})
	require.NoError(t, err)
}

// SetAccountStatus overwrites an account's status directly in the store.
func (f *Fixture) SetAccountStatus(t testing.TB, accountID int64, status accounting.AccountStatus) {
	t.Helper()
	err := f.Store.WithTx(context.Background(), func(ctx context.Context, tx accounting.TxRepository) error {
		account, err := tx.GetAccount(ctx, CompanyID, accountID)
		if err != nil {
			return err
		}
		account.Status = status
		return tx.UpdateAccount(ctx, account)
	})
	require.NoError(t, err)
}

// Date is a UTC calendar date.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// D parses a decimal literal and panics on malformed input.
func D(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// AuditRecorder collects audit logs in memory.
type AuditRecorder struct {
	Logs []shared.AuditLog
	Err  error
}

// Record implements accounting.AuditPort.
func (r *AuditRecorder) Record(ctx context.Context, log shared.AuditLog) error {
	if r.Err != nil {
		return r.Err
	}
	r.Logs = append(r.Logs, log)
	return nil
}

// Actions lists recorded action names in order.
func (r *AuditRecorder) Actions() []string {
	out := make([]string, 0, len(r.Logs))
	for _, log := range r.Logs {
		out = append(out, log.Action)
	}
	return out
}

// NotifyRecorder collects notifications in memory.
type NotifyRecorder struct {
	Sent []accounting.Notification
}

// Notify implements accounting.Notifier.
func (r *NotifyRecorder) Notify(ctx context.Context, n accounting.Notification) error {
	r.Sent = append(r.Sent, n)
	return nil
}

// Kinds lists the kinds of collected notifications in order.
func (r *NotifyRecorder) Kinds() []accounting.NotificationKind {
	out := make([]accounting.NotificationKind, 0, len(r.Sent))
	for _, n := range r.Sent {
		out = append(out, n.Kind)
	}
	return out
}
