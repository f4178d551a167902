package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/ledger"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/periods"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/reports"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/reversals"
)

// Exit codes shared by the ledger commands.
const (
	ExitOK       = 0
	ExitError    = 1
	ExitFindings = 10
)

// LedgerCLI runs operator commands against a ledger engine.
type LedgerCLI struct {
	engine *ledger.Engine
}

// NewLedgerCLI constructs the command helpers.
func NewLedgerCLI(engine *ledger.Engine) *LedgerCLI {
	return &LedgerCLI{engine: engine}
}

// Output selects the writers and format of a command.
type Output struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o *Output) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

func (o Output) fail(command string, err error) int {
	var classified *accounting.Error
	if errors.As(err, &classified) {
		_, _ = fmt.Fprintf(o.Stderr, "%s: %s: %v\n", command, classified.Kind, err)
		return ExitError
	}
	_, _ = fmt.Fprintf(o.Stderr, "%s: %v\n", command, err)
	return ExitError
}

func (o Output) encode(command string, v any) int {
	enc := json.NewEncoder(o.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return o.fail(command, fmt.Errorf("encode json: %w", err))
	}
	return ExitOK
}

func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (expected YYYY-MM-DD)", value)
	}
	return parsed, nil
}

// CreateYearOptions defines flags for the create-year command.
type CreateYearOptions struct {
	Output
	CompanyID int64
	Name      string
	Start     string
	End       string
	Periods   int
	Open      bool
	ActorID   int64
}

// CreateYearCommand creates a fiscal year with generated periods and
// optionally opens it.
func (c *LedgerCLI) CreateYearCommand(ctx context.Context, opts CreateYearOptions) int {
	opts.defaults()
	const command = "create-year"
	start, err := parseDate(opts.Start)
	if err != nil {
		return opts.fail(command, err)
	}
	end, err := parseDate(opts.End)
	if err != nil {
		return opts.fail(command, err)
	}
	if start.IsZero() || end.IsZero() {
		return opts.fail(command, fmt.Errorf("--start and --end are required"))
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("FY%d", end.Year())
	}
	year, generated, err := c.engine.Periods.CreateFiscalYear(ctx, periods.CreateFiscalYearInput{
		CompanyID: opts.CompanyID,
		Name:      name,
		StartDate: start,
		EndDate:   end,
		Periods:   opts.Periods,
		ActorID:   opts.ActorID,
	})
	if err != nil {
		return opts.fail(command, err)
	}
	if opts.Open {
		if year, err = c.engine.Periods.OpenYear(ctx, opts.CompanyID, year.ID, opts.ActorID); err != nil {
			return opts.fail(command, err)
		}
	}
	if opts.JSONOutput {
		return opts.encode(command, map[string]any{
			"id":      year.ID,
			"name":    year.Name,
			"status":  year.Status,
			"current": year.IsCurrent,
			"periods": len(generated),
		})
	}
	_, _ = fmt.Fprintf(opts.Stdout, "fiscal year %s (id %d) %s with %d periods\n", year.Name, year.ID, strings.ToLower(string(year.Status)), len(generated))
	return ExitOK
}

// TrialBalanceOptions defines flags for the trial-balance command.
type TrialBalanceOptions struct {
	Output
	CompanyID   int64
	AsOf        string
	GroupBy     string
	IncludeZero bool
}

// TrialBalanceSummary is the JSON shape of a trial balance.
type TrialBalanceSummary struct {
	CompanyID   int64             `json:"company_id"`
	AsOf        string            `json:"as_of"`
	Balanced    bool              `json:"balanced"`
	TotalDebit  decimal.Decimal   `json:"total_debit"`
	TotalCredit decimal.Decimal   `json:"total_credit"`
	Rows        []TrialBalanceRow `json:"rows"`
}

// TrialBalanceRow is one account of TrialBalanceSummary.
type TrialBalanceRow struct {
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	Type          string          `json:"type"`
	BalanceDebit  decimal.Decimal `json:"balance_debit"`
	BalanceCredit decimal.Decimal `json:"balance_credit"`
}

// TrialBalanceCommand prints the trial balance. An unbalanced result exits
// with ExitFindings.
func (c *LedgerCLI) TrialBalanceCommand(ctx context.Context, opts TrialBalanceOptions) int {
	opts.defaults()
	const command = "trial-balance"
	asOf, err := parseDate(opts.AsOf)
	if err != nil {
		return opts.fail(command, err)
	}
	tb, err := c.engine.Reports.Generate(ctx, reports.Request{
		CompanyID: opts.CompanyID,
		AsOf:      asOf,
		GroupBy:   reports.GroupBy(strings.ToUpper(opts.GroupBy)),
		Filters:   reports.Filters{IncludeZero: opts.IncludeZero},
	})
	if err != nil {
		return opts.fail(command, err)
	}
	summary := TrialBalanceSummary{
		CompanyID:   tb.CompanyID,
		AsOf:        tb.AsOf.Format(time.DateOnly),
		Balanced:    tb.Balanced,
		TotalDebit:  tb.TotalBalanceDebit,
		TotalCredit: tb.TotalBalanceCredit,
		Rows:        make([]TrialBalanceRow, 0),
	}
	for _, row := range tb.Rows() {
		summary.Rows = append(summary.Rows, TrialBalanceRow{
			Code:          row.Code,
			Name:          row.Name,
			Type:          string(row.Type),
			BalanceDebit:  row.BalanceDebit,
			BalanceCredit: row.BalanceCredit,
		})
	}
	code := ExitOK
	if opts.JSONOutput {
		code = opts.encode(command, summary)
	} else {
		renderTrialBalance(opts.Stdout, summary)
	}
	if code == ExitOK && !tb.Balanced {
		return ExitFindings
	}
	return code
}

func renderTrialBalance(w io.Writer, summary TrialBalanceSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	_, _ = fmt.Fprintf(tw, "Code\tName\tDebit\tCredit\t\n")
	for _, row := range summary.Rows {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", row.Code, row.Name, row.BalanceDebit.StringFixed(2), row.BalanceCredit.StringFixed(2))
	}
	_, _ = fmt.Fprintf(tw, "\tTotal\t%s\t%s\t\n", summary.TotalDebit.StringFixed(2), summary.TotalCredit.StringFixed(2))
	_ = tw.Flush()
	status := "balanced"
	if !summary.Balanced {
		status = "UNBALANCED"
	}
	_, _ = fmt.Fprintf(w, "as of %s: %s\n", summary.AsOf, status)
}

// RecalculateOptions defines flags for the recalculate command.
type RecalculateOptions struct {
	Output
	CompanyID    int64
	FiscalYearID int64
	ActorID      int64
}

// RecalculateCommand rebuilds a fiscal year's balance rows from postings.
func (c *LedgerCLI) RecalculateCommand(ctx context.Context, opts RecalculateOptions) int {
	opts.defaults()
	const command = "recalculate"
	yearID := opts.FiscalYearID
	if yearID == 0 {
		year, err := c.engine.Periods.CurrentYear(ctx, opts.CompanyID)
		if err != nil {
			return opts.fail(command, err)
		}
		yearID = year.ID
	}
	result, err := c.engine.Balances.RecalculateYear(ctx, opts.CompanyID, yearID, opts.ActorID)
	if err != nil {
		return opts.fail(command, err)
	}
	if opts.JSONOutput {
		return opts.encode(command, map[string]any{
			"fiscal_year_id": result.FiscalYearID,
			"checked":        result.Checked,
			"corrected":      len(result.Drifts),
		})
	}
	_, _ = fmt.Fprintf(opts.Stdout, "fiscal year %d: %d rows checked, %d corrected\n", result.FiscalYearID, result.Checked, len(result.Drifts))
	return ExitOK
}

// AutoReversalsOptions defines flags for the auto-reversals command.
type AutoReversalsOptions struct {
	Output
	CompanyID int64
	AsOf      string
	DryRun    bool
	ActorID   int64
}

// AutoReversalsCommand processes, or with DryRun lists, the due schedules.
// Failed schedules exit with ExitFindings.
func (c *LedgerCLI) AutoReversalsCommand(ctx context.Context, opts AutoReversalsOptions) int {
	opts.defaults()
	const command = "auto-reversals"
	asOf, err := parseDate(opts.AsOf)
	if err != nil {
		return opts.fail(command, err)
	}
	result, err := c.engine.Reversals.ProcessAutoReversals(ctx, reversals.ProcessInput{
		CompanyID: opts.CompanyID,
		AsOf:      asOf,
		DryRun:    opts.DryRun,
		ActorID:   opts.ActorID,
	})
	if err != nil {
		return opts.fail(command, err)
	}
	type outcome struct {
		ScheduleID int64  `json:"schedule_id"`
		EntryID    int64  `json:"entry_id"`
		ReverseOn  string `json:"reverse_on"`
		Reversal   *int64 `json:"reversal_entry_id,omitempty"`
		Skipped    bool   `json:"skipped,omitempty"`
		Error      string `json:"error,omitempty"`
	}
	outcomes := make([]outcome, 0, len(result.Outcomes))
	for _, o := range result.Outcomes {
		row := outcome{
			ScheduleID: o.Schedule.ID,
			EntryID:    o.Schedule.EntryID,
			ReverseOn:  o.Schedule.ReverseOn.Format(time.DateOnly),
			Skipped:    o.Skipped,
		}
		if o.ReversingEntry != nil {
			id := o.ReversingEntry.ID
			row.Reversal = &id
		}
		if o.Err != nil {
			row.Error = o.Err.Error()
		}
		outcomes = append(outcomes, row)
	}
	code := ExitOK
	if opts.JSONOutput {
		code = opts.encode(command, map[string]any{
			"as_of":    result.AsOf.Format(time.DateOnly),
			"dry_run":  result.DryRun,
			"due":      result.Due,
			"posted":   result.Posted,
			"skipped":  result.Skipped,
			"failed":   result.Failed,
			"outcomes": outcomes,
		})
	} else {
		for _, o := range outcomes {
			state := "due"
			switch {
			case o.Error != "":
				state = "failed: " + o.Error
			case o.Skipped:
				state = "skipped"
			case o.Reversal != nil:
				state = fmt.Sprintf("reversed by entry %d", *o.Reversal)
			}
			_, _ = fmt.Fprintf(opts.Stdout, "schedule %d entry %d on %s: %s\n", o.ScheduleID, o.EntryID, o.ReverseOn, state)
		}
		_, _ = fmt.Fprintf(opts.Stdout, "%d due, %d posted, %d skipped, %d failed\n", result.Due, result.Posted, result.Skipped, result.Failed)
	}
	if code == ExitOK && result.Failed > 0 {
		return ExitFindings
	}
	return code
}

// IntegrityOptions defines flags for the integrity command.
type IntegrityOptions struct {
	Output
	CompanyID int64
}

// IntegrityCommand checks the current year. Problems exit with ExitFindings
// and are never corrected.
func (c *LedgerCLI) IntegrityCommand(ctx context.Context, opts IntegrityOptions) int {
	opts.defaults()
	const command = "integrity"
	report, err := c.engine.CheckIntegrity(ctx, opts.CompanyID)
	if err != nil {
		return opts.fail(command, err)
	}
	code := ExitOK
	if opts.JSONOutput {
		drifts := make([]map[string]any, 0, len(report.Drifts))
		for _, d := range report.Drifts {
			drifts = append(drifts, map[string]any{
				"account_id":      d.Key.AccountID,
				"period_id":       d.Key.PeriodID,
				"stored_debit":    d.Stored.Debit,
				"stored_credit":   d.Stored.Credit,
				"expected_debit":  d.Expected.Debit,
				"expected_credit": d.Expected.Credit,
			})
		}
		code = opts.encode(command, map[string]any{
			"company_id":     report.CompanyID,
			"as_of":          report.AsOf.Format(time.DateOnly),
			"period_end":     report.PeriodEnd.Format(time.DateOnly),
			"fiscal_year_id": report.FiscalYearID,
			"balanced":       report.Balanced,
			"checked":        report.Checked,
			"drifts":         drifts,
		})
	} else {
		_, _ = fmt.Fprintf(opts.Stdout, "company %d as of %s: balanced=%t, %d rows checked, %d drifted\n",
			report.CompanyID, report.AsOf.Format(time.DateOnly), report.Balanced, report.Checked, len(report.Drifts))
	}
	if code == ExitOK && !report.Healthy() {
		return ExitFindings
	}
	return code
}
