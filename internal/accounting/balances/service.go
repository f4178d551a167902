// Package balances maintains per-period account balances derived from postings.
package balances

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/shared"
)

// Service is the balance ledger.
type Service struct {
	repo  accounting.Repository
	money accounting.Money
	hooks accounting.Hooks
}

// NewService constructs the balance ledger.
func NewService(repo accounting.Repository, money accounting.Money, hooks accounting.Hooks) *Service {
	return &Service{repo: repo, money: money, hooks: hooks}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.hooks.Now = now
	}
}

// ApplyTx increments the balance rows touched by a freshly posted entry. Rows
// are updated in ascending account order so concurrent posters lock in the
// same sequence.
func (s *Service) ApplyTx(ctx context.Context, tx accounting.TxRepository, entry accounting.JournalEntry) error {
	for _, delta := range deltas(s.money, entry) {
		if err := tx.ApplyBalanceDelta(ctx, delta); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the materialised balance of an account for a period.
func (s *Service) Get(ctx context.Context, companyID, accountID, periodID int64) (accounting.AccountBalance, error) {
	var out accounting.AccountBalance
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		if _, err := tx.GetAccount(ctx, companyID, accountID); err != nil {
			return err
		}
		period, err := tx.GetPeriod(ctx, companyID, periodID)
		if err != nil {
			return err
		}
		list, err := s.ForPeriodTx(ctx, tx, companyID, period, []int64{accountID})
		if err != nil {
			return err
		}
		out = list[0]
		return nil
	})
	return out, err
}

// ListForPeriod returns balances of every account with activity in the
// period's fiscal year, or of accountIDs when given.
func (s *Service) ListForPeriod(ctx context.Context, companyID, periodID int64, accountIDs []int64) ([]accounting.AccountBalance, error) {
	var out []accounting.AccountBalance
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		period, err := tx.GetPeriod(ctx, companyID, periodID)
		if err != nil {
			return err
		}
		out, err = s.ForPeriodTx(ctx, tx, companyID, period, accountIDs)
		return err
	})
	return out, err
}

// ForPeriodTx materialises balances for period inside an existing transaction.
func (s *Service) ForPeriodTx(ctx context.Context, tx accounting.TxRepository, companyID int64, period accounting.Period, accountIDs []int64) ([]accounting.AccountBalance, error) {
	periods, err := tx.ListPeriods(ctx, companyID, period.FiscalYearID)
	if err != nil {
		return nil, err
	}
	upto := periodsThrough(periods, period.ID)
	rows, err := tx.ListBalanceRows(ctx, companyID, accounting.BalanceFilter{FiscalYearID: period.FiscalYearID, AccountIDs: accountIDs})
	if err != nil {
		return nil, err
	}
	byAccount := groupRows(rows)
	ids := accountIDs
	if len(ids) == 0 {
		ids = sortedKeys(byAccount)
	}
	out := make([]accounting.AccountBalance, 0, len(ids))
	for _, id := range ids {
		chain := Chain(s.money, companyID, id, upto, byAccount[id])
		out = append(out, chain[len(chain)-1])
	}
	return out, nil
}

// AsOfTx sums balances as of a date: the fiscal year's opening plus every
// movement dated on or before asOf. Whole periods come from balance rows; the
// period containing asOf is summed from its postings unless asOf is its last day.
// An empty accountIDs covers every account with activity.
func (s *Service) AsOfTx(ctx context.Context, tx accounting.TxRepository, companyID int64, accountIDs []int64, asOf time.Time) (map[int64]accounting.BalanceSummary, error) {
	target, err := tx.FindPeriodByDate(ctx, companyID, asOf)
	if err != nil {
		return nil, err
	}
	periods, err := tx.ListPeriods(ctx, companyID, target.FiscalYearID)
	if err != nil {
		return nil, err
	}
	rows, err := tx.ListBalanceRows(ctx, companyID, accounting.BalanceFilter{FiscalYearID: target.FiscalYearID, AccountIDs: accountIDs})
	if err != nil {
		return nil, err
	}
	partial := !accounting.DateOnly(asOf).Equal(accounting.DateOnly(target.EndDate))
	included := make(map[int64]bool, len(periods))
	for _, period := range periods {
		if period.Number < target.Number || (period.ID == target.ID && !partial) {
			included[period.ID] = true
		}
	}

	out := make(map[int64]accounting.BalanceSummary, len(accountIDs))
	for _, id := range accountIDs {
		out[id] = s.zeroSummary()
	}
	for _, row := range rows {
		if !included[row.PeriodID] {
			continue
		}
		sum, ok := out[row.AccountID]
		if !ok {
			sum = s.zeroSummary()
		}
		out[row.AccountID] = sum.Add(accounting.BalanceSummary{
			Opening: row.OpeningMovement,
			Debit:   row.Debit,
			Credit:  row.Credit,
		})
	}
	if partial {
		postings, err := tx.ListPostings(ctx, companyID, accounting.PostingFilter{
			AccountIDs: accountIDs,
			PeriodIDs:  []int64{target.ID},
			To:         asOf,
		})
		if err != nil {
			return nil, err
		}
		for key, row := range Rebuild(s.money, postings) {
			sum, ok := out[key.AccountID]
			if !ok {
				sum = s.zeroSummary()
			}
			out[key.AccountID] = sum.Add(accounting.BalanceSummary{
				Opening: row.OpeningMovement,
				Debit:   row.Debit,
				Credit:  row.Credit,
			})
		}
	}
	for id, sum := range out {
		sum.Opening = s.money.Round(sum.Opening)
		sum.Debit = s.money.Round(sum.Debit)
		sum.Credit = s.money.Round(sum.Credit)
		sum.Closing = s.money.Round(sum.Opening.Add(sum.Debit).Sub(sum.Credit))
		out[id] = sum
	}
	return out, nil
}

// AsOf is AsOfTx in its own read transaction.
func (s *Service) AsOf(ctx context.Context, companyID int64, accountIDs []int64, asOf time.Time) (map[int64]accounting.BalanceSummary, error) {
	var out map[int64]accounting.BalanceSummary
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		out, err = s.AsOfTx(ctx, tx, companyID, accountIDs, asOf)
		return err
	})
	return out, err
}

// RecalculateInput identifies the balance row to rebuild.
type RecalculateInput struct {
	CompanyID int64 `validate:"required"`
	AccountID int64 `validate:"required"`
	PeriodID  int64 `validate:"required"`
	ActorID   int64
}

// Drift describes a stored row that disagrees with its postings.
type Drift struct {
	Key      accounting.BalanceKey
	Stored   accounting.BalanceRow
	Expected accounting.BalanceRow
}

// RecalcResult reports a single row recalculation.
type RecalcResult struct {
	Before  accounting.BalanceRow
	After   accounting.BalanceRow
	Drifted bool
}

// Recalculate rebuilds one balance row from its postings inside a consistent
// snapshot. The row is written only when it drifted, guarded by its version,
// so repeated runs leave it untouched. Later periods derive their opening from
// this row and need no rewrite.
func (s *Service) Recalculate(ctx context.Context, input RecalculateInput) (result RecalcResult, err error) {
	if err := accounting.ValidateStruct(input); err != nil {
		return RecalcResult{}, err
	}
	ctx, span := accounting.StartSpan(ctx, "balances.Recalculate", input.CompanyID,
		attribute.Int64("ledger.account_id", input.AccountID),
		attribute.Int64("ledger.period_id", input.PeriodID))
	defer func() { accounting.EndSpan(span, err) }()

	key := accounting.BalanceKey{CompanyID: input.CompanyID, AccountID: input.AccountID, PeriodID: input.PeriodID}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		result = RecalcResult{}
		if _, err := tx.GetAccount(ctx, input.CompanyID, input.AccountID); err != nil {
			return err
		}
		period, err := tx.GetPeriod(ctx, input.CompanyID, input.PeriodID)
		if err != nil {
			return err
		}
		stored, found, err := tx.GetBalanceRow(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			stored = zeroRow(key, period.FiscalYearID)
		}
		postings, err := tx.ListPostings(ctx, input.CompanyID, accounting.PostingFilter{
			AccountIDs: []int64{input.AccountID},
			PeriodIDs:  []int64{input.PeriodID},
		})
		if err != nil {
			return err
		}
		expected, ok := Rebuild(s.money, postings)[key]
		if !ok {
			expected = zeroRow(key, period.FiscalYearID)
		}
		result.Before = stored
		result.After = stored
		if sameMovement(s.money, stored, expected) {
			return nil
		}
		expected.Version = stored.Version
		if err := tx.PutBalanceRow(ctx, expected, stored.Version); err != nil {
			return err
		}
		expected.Version = stored.Version + 1
		result.After = expected
		result.Drifted = true
		return nil
	})
	if err != nil {
		return RecalcResult{}, err
	}
	if result.Drifted {
		s.reportDrift(ctx, input.CompanyID, []Drift{{Key: key, Stored: result.Before, Expected: result.After}})
		s.hooks.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "balance.recalculate",
			Entity:   "account_balance",
			EntityID: fmt.Sprintf("%d:%d", input.AccountID, input.PeriodID),
			Meta: map[string]any{
				"debit_before":  result.Before.Debit.String(),
				"credit_before": result.Before.Credit.String(),
				"debit_after":   result.After.Debit.String(),
				"credit_after":  result.After.Credit.String(),
			},
		})
	}
	return result, nil
}

// YearResult summarises a fiscal year recalculation.
type YearResult struct {
	FiscalYearID int64
	Checked      int
	Drifts       []Drift
}

// Verify compares every stored row of a fiscal year with its postings without writing.
func (s *Service) Verify(ctx context.Context, companyID, fiscalYearID int64) (YearResult, error) {
	var result YearResult
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		result, err = s.compareYear(ctx, tx, companyID, fiscalYearID)
		return err
	})
	return result, err
}

// RecalculateYear rewrites every drifted row of a fiscal year.
func (s *Service) RecalculateYear(ctx context.Context, companyID, fiscalYearID, actorID int64) (result YearResult, err error) {
	ctx, span := accounting.StartSpan(ctx, "balances.RecalculateYear", companyID,
		attribute.Int64("ledger.fiscal_year_id", fiscalYearID))
	defer func() { accounting.EndSpan(span, err) }()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		result, err = s.compareYear(ctx, tx, companyID, fiscalYearID)
		if err != nil {
			return err
		}
		for i, drift := range result.Drifts {
			next := drift.Expected
			if err := tx.PutBalanceRow(ctx, next, drift.Stored.Version); err != nil {
				return err
			}
			next.Version = drift.Stored.Version + 1
			result.Drifts[i].Expected = next
		}
		return nil
	})
	if err != nil {
		return YearResult{}, err
	}
	if len(result.Drifts) > 0 {
		s.reportDrift(ctx, companyID, result.Drifts)
		s.hooks.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "balance.recalculate_year",
			Entity:   "fiscal_year",
			EntityID: fmt.Sprintf("%d", fiscalYearID),
			Meta:     map[string]any{"drifted_rows": len(result.Drifts), "checked_rows": result.Checked},
		})
	}
	return result, nil
}

func (s *Service) compareYear(ctx context.Context, tx accounting.TxRepository, companyID, fiscalYearID int64) (YearResult, error) {
	if _, err := tx.GetFiscalYear(ctx, companyID, fiscalYearID); err != nil {
		return YearResult{}, err
	}
	rows, err := tx.ListBalanceRows(ctx, companyID, accounting.BalanceFilter{FiscalYearID: fiscalYearID})
	if err != nil {
		return YearResult{}, err
	}
	postings, err := tx.ListPostings(ctx, companyID, accounting.PostingFilter{FiscalYearID: fiscalYearID})
	if err != nil {
		return YearResult{}, err
	}
	expected := Rebuild(s.money, postings)
	stored := make(map[accounting.BalanceKey]accounting.BalanceRow, len(rows))
	for _, row := range rows {
		stored[row.BalanceKey] = row
	}
	keys := make(map[accounting.BalanceKey]struct{}, len(rows)+len(expected))
	for key := range stored {
		keys[key] = struct{}{}
	}
	for key := range expected {
		keys[key] = struct{}{}
	}

	result := YearResult{FiscalYearID: fiscalYearID, Checked: len(keys)}
	for key := range keys {
		have, found := stored[key]
		if !found {
			have = zeroRow(key, fiscalYearID)
		}
		want, ok := expected[key]
		if !ok {
			want = zeroRow(key, fiscalYearID)
		}
		if sameMovement(s.money, have, want) {
			continue
		}
		want.Version = have.Version
		result.Drifts = append(result.Drifts, Drift{Key: key, Stored: have, Expected: want})
	}
	sort.Slice(result.Drifts, func(i, j int) bool {
		a, b := result.Drifts[i].Key, result.Drifts[j].Key
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		return a.PeriodID < b.PeriodID
	})
	return result, nil
}

func (s *Service) reportDrift(ctx context.Context, companyID int64, drifts []Drift) {
	keys := make([]string, 0, len(drifts))
	for _, drift := range drifts {
		keys = append(keys, fmt.Sprintf("%d:%d", drift.Key.AccountID, drift.Key.PeriodID))
	}
	s.hooks.Log().Warn("balance drift corrected",
		slog.Int64("company_id", companyID),
		slog.Int("rows", len(drifts)))
	s.hooks.Drifted(companyID)
	s.hooks.Send(ctx, accounting.Notification{
		Kind:      accounting.NotifyBalanceDrift,
		CompanyID: companyID,
		Subject:   fmt.Sprintf("%d balance rows drifted from postings", len(drifts)),
		Detail:    map[string]any{"rows": keys},
	})
}

func (s *Service) zeroSummary() accounting.BalanceSummary {
	zero := s.money.Zero()
	return accounting.BalanceSummary{Opening: zero, Debit: zero, Credit: zero, Closing: zero}
}

func periodsThrough(periods []accounting.Period, periodID int64) []accounting.Period {
	for i, period := range periods {
		if period.ID == periodID {
			return periods[:i+1]
		}
	}
	return periods
}

func groupRows(rows []accounting.BalanceRow) map[int64]map[int64]accounting.BalanceRow {
	out := make(map[int64]map[int64]accounting.BalanceRow)
	for _, row := range rows {
		byPeriod, ok := out[row.AccountID]
		if !ok {
			byPeriod = make(map[int64]accounting.BalanceRow)
			out[row.AccountID] = byPeriod
		}
		byPeriod[row.PeriodID] = row
	}
	return out
}

func sortedKeys(m map[int64]map[int64]accounting.BalanceRow) []int64 {
	out := make([]int64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
