// Package reports builds trial balances, working trial balances and the
// primary statements from the balance ledger.
package reports

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/accounts"
)

// GroupBy selects trial balance grouping.
type GroupBy string

const (
	GroupByNone         GroupBy = "NONE"
	GroupByType         GroupBy = "TYPE"
	GroupByRootAccount  GroupBy = "ROOT_ACCOUNT"
	GroupByAccountGroup GroupBy = "ACCOUNT_GROUP"
)

// ParseGroupBy validates a grouping coming from an untyped source. Empty means NONE.
func ParseGroupBy(raw string) (GroupBy, error) {
	group := GroupBy(strings.ToUpper(strings.TrimSpace(raw)))
	switch group {
	case "":
		return GroupByNone, nil
	case GroupByNone, GroupByType, GroupByRootAccount, GroupByAccountGroup:
		return group, nil
	}
	return "", fmt.Errorf("%w: unknown grouping %q", accounting.ErrInvalidInput, raw)
}

// Filters restrict the accounts of a trial balance. Zero values keep everything
// except accounts with no balance and inactive accounts with no balance.
type Filters struct {
	AccountTypes    []accounting.AccountType
	CodePrefix      string
	AccountIDs      []int64
	IncludeZero     bool
	IncludeInactive bool
}

func (f Filters) restricts() bool {
	return len(f.AccountTypes) > 0 || f.CodePrefix != "" || len(f.AccountIDs) > 0
}

// Request asks for a trial balance as of a date.
type Request struct {
	CompanyID int64 `validate:"required"`
	AsOf      time.Time
	Filters   Filters
	GroupBy   GroupBy
}

// BalanceReader sums balances as of a date inside a transaction.
type BalanceReader interface {
	AsOfTx(ctx context.Context, tx accounting.TxRepository, companyID int64, accountIDs []int64, asOf time.Time) (map[int64]accounting.BalanceSummary, error)
}

// Service is the trial balance generator.
type Service struct {
	repo     accounting.Repository
	balances BalanceReader
	money    accounting.Money
	hooks    accounting.Hooks
	parallel int
}

// NewService constructs the generator.
func NewService(repo accounting.Repository, balances BalanceReader, money accounting.Money, hooks accounting.Hooks) *Service {
	return &Service{repo: repo, balances: balances, money: money, hooks: hooks, parallel: 4}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.hooks.Now = now
	}
}

// Generate builds a trial balance in one consistent snapshot.
func (s *Service) Generate(ctx context.Context, req Request) (tb TrialBalance, err error) {
	if err := accounting.ValidateStruct(req); err != nil {
		return TrialBalance{}, err
	}
	if req.AsOf.IsZero() {
		req.AsOf = s.hooks.Clock()
	}
	req.AsOf = accounting.DateOnly(req.AsOf)
	ctx, span := accounting.StartSpan(ctx, "reports.Generate", req.CompanyID)
	defer func() { accounting.EndSpan(span, err) }()

	err = s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		rows, grouper, err := s.collect(ctx, tx, req)
		if err != nil {
			return err
		}
		tb = BuildTrialBalance(s.money, rows, grouper)
		return nil
	})
	if err != nil {
		return TrialBalance{}, err
	}
	tb.CompanyID = req.CompanyID
	tb.AsOf = req.AsOf
	tb.GroupBy = req.GroupBy
	if tb.GroupBy == "" {
		tb.GroupBy = GroupByNone
	}
	if !tb.Balanced && !req.Filters.restricts() {
		s.hooks.Log().Error("trial balance out of balance",
			slog.Int64("company_id", req.CompanyID),
			slog.String("as_of", req.AsOf.Format(time.DateOnly)),
			slog.String("debit", s.money.Format(tb.TotalDebit)),
			slog.String("credit", s.money.Format(tb.TotalCredit)))
		s.hooks.Send(ctx, accounting.Notification{
			Kind:      accounting.NotifyTrialBalanceBroken,
			CompanyID: req.CompanyID,
			Subject:   fmt.Sprintf("trial balance as of %s does not balance", req.AsOf.Format(time.DateOnly)),
			Detail: map[string]any{
				"debit":          s.money.Format(tb.TotalDebit),
				"credit":         s.money.Format(tb.TotalCredit),
				"balance_debit":  s.money.Format(tb.TotalBalanceDebit),
				"balance_credit": s.money.Format(tb.TotalBalanceCredit),
			},
		})
	}
	return tb, nil
}

// collect loads the filtered account rows and a grouper for the request.
func (s *Service) collect(ctx context.Context, tx accounting.TxRepository, req Request) ([]AccountBalance, Grouper, error) {
	chart, err := tx.ListAccounts(ctx, req.CompanyID)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]int64, 0, len(chart))
	for _, account := range chart {
		ids = append(ids, account.ID)
	}
	sums := map[int64]accounting.BalanceSummary{}
	if len(ids) > 0 {
		sums, err = s.balances.AsOfTx(ctx, tx, req.CompanyID, ids, req.AsOf)
		if err != nil {
			return nil, nil, err
		}
	}
	prefix := strings.ToUpper(strings.TrimSpace(req.Filters.CodePrefix))
	rows := make([]AccountBalance, 0, len(chart))
	for _, account := range chart {
		if len(req.Filters.AccountTypes) > 0 && !slices.Contains(req.Filters.AccountTypes, account.Type) {
			continue
		}
		if prefix != "" && !strings.HasPrefix(account.Code, prefix) {
			continue
		}
		if len(req.Filters.AccountIDs) > 0 && !slices.Contains(req.Filters.AccountIDs, account.ID) {
			continue
		}
		sum := sums[account.ID]
		row := AccountBalance{
			AccountID:  account.ID,
			Code:       account.Code,
			Name:       account.Name,
			Type:       account.Type,
			NormalSide: account.NormalSide,
			Opening:    sum.Opening,
			Debit:      sum.Debit,
			Credit:     sum.Credit,
		}
		empty := row.Opening.IsZero() && row.Debit.IsZero() && row.Credit.IsZero()
		if empty && !req.Filters.IncludeZero {
			continue
		}
		if !account.Active() && empty && !req.Filters.IncludeInactive {
			continue
		}
		rows = append(rows, row)
	}
	grouper, err := s.grouper(ctx, tx, req, chart)
	if err != nil {
		return nil, nil, err
	}
	return rows, grouper, nil
}

func (s *Service) grouper(ctx context.Context, tx accounting.TxRepository, req Request, chart []accounting.Account) (Grouper, error) {
	switch req.GroupBy {
	case "", GroupByNone:
		return func(AccountBalance) (string, string) { return "", "All accounts" }, nil
	case GroupByType:
		return func(a AccountBalance) (string, string) { return typeOrder(a.Type), string(a.Type) }, nil
	case GroupByRootAccount:
		byID := make(map[int64]accounting.Account, len(chart))
		for _, account := range chart {
			byID[account.ID] = account
		}
		roots := make(map[int64]accounting.Account, len(chart))
		for _, account := range chart {
			root := account
			for steps := 0; root.ParentID != nil && steps < len(chart); steps++ {
				parent, ok := byID[*root.ParentID]
				if !ok {
					break
				}
				root = parent
			}
			roots[account.ID] = root
		}
		return func(a AccountBalance) (string, string) {
			root := roots[a.AccountID]
			return root.Code, root.Name
		}, nil
	case GroupByAccountGroup:
		groups, err := tx.ListGroups(ctx, req.CompanyID)
		if err != nil {
			return nil, err
		}
		assigned := make(map[int64][2]string)
		for i, group := range groups {
			if group.ParentID != nil {
				continue
			}
			members, err := accounts.MemberIDs(groups, group.ID)
			if err != nil {
				return nil, err
			}
			key := fmt.Sprintf("%04d:%d", i, group.ID)
			for _, id := range members {
				if _, ok := assigned[id]; !ok {
					assigned[id] = [2]string{key, group.Name}
				}
			}
		}
		return func(a AccountBalance) (string, string) {
			if group, ok := assigned[a.AccountID]; ok {
				return group[0], group[1]
			}
			return "~", "Ungrouped"
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown grouping %q", accounting.ErrInvalidInput, req.GroupBy)
}

// Comparative places trial balances for several dates side by side.
type Comparative struct {
	Dates   []time.Time
	Reports []TrialBalance
	Rows    []ComparativeRow
}

// ComparativeRow is one account's closing balance at each date.
type ComparativeRow struct {
	AccountID int64
	Code      string
	Name      string
	Closing   []decimal.Decimal
}

// GenerateComparative builds one trial balance per date concurrently.
func (s *Service) GenerateComparative(ctx context.Context, companyID int64, dates []time.Time, filters Filters, groupBy GroupBy) (Comparative, error) {
	if len(dates) == 0 {
		return Comparative{}, fmt.Errorf("%w: at least one date required", accounting.ErrInvalidInput)
	}
	out := Comparative{Dates: make([]time.Time, len(dates)), Reports: make([]TrialBalance, len(dates))}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for i, date := range dates {
		out.Dates[i] = accounting.DateOnly(date)
		g.Go(func() error {
			tb, err := s.Generate(gctx, Request{CompanyID: companyID, AsOf: date, Filters: filters, GroupBy: groupBy})
			if err != nil {
				return fmt.Errorf("trial balance as of %s: %w", date.Format(time.DateOnly), err)
			}
			out.Reports[i] = tb
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Comparative{}, err
	}

	index := make(map[int64]int)
	for col, tb := range out.Reports {
		for _, row := range tb.Rows() {
			i, ok := index[row.AccountID]
			if !ok {
				i = len(out.Rows)
				index[row.AccountID] = i
				closing := make([]decimal.Decimal, len(dates))
				for k := range closing {
					closing[k] = s.money.Zero()
				}
				out.Rows = append(out.Rows, ComparativeRow{AccountID: row.AccountID, Code: row.Code, Name: row.Name, Closing: closing})
			}
			out.Rows[i].Closing[col] = row.Closing
		}
	}
	slices.SortFunc(out.Rows, func(a, b ComparativeRow) int { return strings.Compare(a.Code, b.Code) })
	return out, nil
}

// BalanceSheet builds the balance sheet as of a date from an unfiltered trial balance.
func (s *Service) BalanceSheet(ctx context.Context, companyID int64, asOf time.Time) (BalanceSheet, error) {
	rows, err := s.statementRows(ctx, companyID, asOf)
	if err != nil {
		return BalanceSheet{}, err
	}
	return BuildBalanceSheet(s.money, rows), nil
}

// ProfitAndLoss builds the year to date income statement as of a date.
func (s *Service) ProfitAndLoss(ctx context.Context, companyID int64, asOf time.Time) (ProfitAndLoss, error) {
	rows, err := s.statementRows(ctx, companyID, asOf)
	if err != nil {
		return ProfitAndLoss{}, err
	}
	return BuildProfitAndLoss(s.money, rows), nil
}

func (s *Service) statementRows(ctx context.Context, companyID int64, asOf time.Time) ([]AccountBalance, error) {
	req := Request{CompanyID: companyID, AsOf: accounting.DateOnly(asOf)}
	if req.AsOf.IsZero() {
		req.AsOf = accounting.DateOnly(s.hooks.Clock())
	}
	var rows []AccountBalance
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		rows, _, err = s.collect(ctx, tx, req)
		return err
	})
	return rows, err
}

func typeOrder(t accounting.AccountType) string {
	switch t {
	case accounting.AccountTypeAsset:
		return "1"
	case accounting.AccountTypeLiability:
		return "2"
	case accounting.AccountTypeEquity:
		return "3"
	case accounting.AccountTypeRevenue:
		return "4"
	case accounting.AccountTypeExpense:
		return "5"
	}
	return "9"
}
