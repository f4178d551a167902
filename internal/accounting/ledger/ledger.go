// Package ledger wires the general ledger services over one repository.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/accounts"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/balances"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/journals"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/opening"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/periods"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/reports"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/reversals"
)

// Options tune the engine. Zero values use the defaults.
type Options struct {
	// Precision is the number of decimals amounts keep. Nil means
	// DefaultPrecision; zero is a valid precision for whole-unit currencies.
	Precision *int32
	CodeRules *accounts.CodeRules
	Hooks     accounting.Hooks
}

// Engine exposes every ledger component.
type Engine struct {
	Accounts  *accounts.Service
	Periods   *periods.Service
	Journals  *journals.Service
	Balances  *balances.Service
	Reversals *reversals.Service
	Reports   *reports.Service
	Opening   *opening.Service

	repo  accounting.Repository
	money accounting.Money
	hooks accounting.Hooks
}

// New builds an Engine on repo.
func New(repo accounting.Repository, opts Options) *Engine {
	precision := accounting.DefaultPrecision
	if opts.Precision != nil {
		precision = *opts.Precision
	}
	money := accounting.NewMoney(precision)
	hooks := opts.Hooks

	bal := balances.NewService(repo, money, hooks)
	cal := periods.NewService(repo, hooks)
	jrn := journals.NewService(repo, cal, bal, money, hooks)
	acc := accounts.NewService(repo, bal, hooks)
	if opts.CodeRules != nil {
		acc.WithCodeRules(*opts.CodeRules)
	}
	return &Engine{
		Accounts:  acc,
		Periods:   cal,
		Journals:  jrn,
		Balances:  bal,
		Reversals: reversals.NewService(repo, jrn, cal, money, hooks),
		Reports:   reports.NewService(repo, bal, money, hooks),
		Opening:   opening.NewService(repo, jrn, bal, money, hooks),
		repo:      repo,
		money:     money,
		hooks:     hooks,
	}
}

// Money returns the engine's rounding rules.
func (e *Engine) Money() accounting.Money {
	return e.money
}

// Companies lists every company holding a fiscal calendar.
func (e *Engine) Companies(ctx context.Context) ([]int64, error) {
	var out []int64
	err := e.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		out, err = tx.ListCompanies(ctx)
		return err
	})
	return out, err
}

// IntegrityReport is the outcome of CheckIntegrity. AsOf is the checked
// date; the trial balance is read from the stored rows through the end of
// the period containing it.
type IntegrityReport struct {
	CompanyID    int64
	AsOf         time.Time
	PeriodEnd    time.Time
	FiscalYearID int64
	Balanced     bool
	Checked      int
	Drifts       []balances.Drift
}

// Healthy reports whether the trial balance balances and no row drifted.
func (r IntegrityReport) Healthy() bool {
	return r.Balanced && len(r.Drifts) == 0
}

// CheckIntegrity generates the unfiltered trial balance of the current year
// and compares the stored balance rows with their postings. The trial balance
// runs to the end of the current period so it reads the stored rows instead
// of resumming postings. Problems are logged and notified but never corrected.
func (e *Engine) CheckIntegrity(ctx context.Context, companyID int64) (IntegrityReport, error) {
	year, err := e.Periods.CurrentYear(ctx, companyID)
	if err != nil {
		return IntegrityReport{}, err
	}
	asOf := accounting.DateOnly(e.hooks.Clock())
	if end := accounting.DateOnly(year.EndDate); asOf.After(end) {
		asOf = end
	}
	if start := accounting.DateOnly(year.StartDate); asOf.Before(start) {
		asOf = start
	}
	period, err := e.Periods.FindPeriod(ctx, companyID, asOf)
	if err != nil {
		return IntegrityReport{}, err
	}
	periodEnd := accounting.DateOnly(period.EndDate)
	tb, err := e.Reports.Generate(ctx, reports.Request{CompanyID: companyID, AsOf: periodEnd})
	if err != nil {
		return IntegrityReport{}, err
	}
	verify, err := e.Balances.Verify(ctx, companyID, year.ID)
	if err != nil {
		return IntegrityReport{}, err
	}
	report := IntegrityReport{
		CompanyID:    companyID,
		AsOf:         asOf,
		PeriodEnd:    periodEnd,
		FiscalYearID: year.ID,
		Balanced:     tb.Balanced,
		Checked:      verify.Checked,
		Drifts:       verify.Drifts,
	}
	if len(report.Drifts) > 0 {
		e.hooks.Log().Warn("balance drift detected",
			slog.Int64("company_id", companyID),
			slog.Int64("fiscal_year_id", year.ID),
			slog.Int("rows", len(report.Drifts)))
		e.hooks.Drifted(companyID)
		e.hooks.Send(ctx, accounting.Notification{
			Kind:      accounting.NotifyBalanceDrift,
			CompanyID: companyID,
			Subject:   fmt.Sprintf("%d balance rows disagree with postings in %s", len(report.Drifts), year.Name),
			Detail:    map[string]any{"fiscal_year_id": year.ID, "checked": report.Checked},
		})
	}
	return report, nil
}
