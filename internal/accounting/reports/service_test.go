package reports_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/balances"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/journals"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/ledgertest"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/periods"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/reports"
)

var D = ledgertest.D

type harness struct {
	fx       *ledgertest.Fixture
	journals *journals.Service
	reports  *reports.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fx := ledgertest.New(t)
	money := accounting.NewMoney(2)
	hooks := fx.Hooks()
	bal := balances.NewService(fx.Store, money, hooks)
	return &harness{
		fx:       fx,
		journals: journals.NewService(fx.Store, periods.NewService(fx.Store, hooks), bal, money, hooks),
		reports:  reports.NewService(fx.Store, bal, money, hooks),
	}
}

func (h *harness) post(t *testing.T, date time.Time, debit, credit, amount string) {
	t.Helper()
	_, err := h.journals.Post(context.Background(), journals.PostingInput{
		CompanyID: ledgertest.CompanyID,
		Date:      date,
		PostedBy:  7,
		Lines: []journals.LineInput{
			{AccountID: h.fx.Account(debit), Debit: D(amount)},
			{AccountID: h.fx.Account(credit), Credit: D(amount)},
		},
	})
	require.NoError(t, err)
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, D(want).Equal(got), "want %s got %s", want, got.String())
}

func TestGenerateBalancesAfterPosting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.post(t, ledgertest.Date(2024, 3, 10), "1100", "4000", "1000")

	tb, err := h.reports.Generate(ctx, reports.Request{CompanyID: ledgertest.CompanyID, AsOf: ledgertest.Date(2024, 3, 10)})
	require.NoError(t, err)
	require.True(t, tb.Balanced)
	require.Equal(t, reports.GroupByNone, tb.GroupBy)
	requireAmount(t, "1000", tb.TotalDebit)
	requireAmount(t, "1000", tb.TotalCredit)
	requireAmount(t, "0", tb.TotalClosing)

	rows := tb.Rows()
	require.Len(t, rows, 2)
	require.Equal(t, "1100", rows[0].Code)
	requireAmount(t, "1000", rows[0].BalanceDebit)
	require.Equal(t, "4000", rows[1].Code)
	requireAmount(t, "1000", rows[1].BalanceCredit)

	before, err := h.reports.Generate(ctx, reports.Request{CompanyID: ledgertest.CompanyID, AsOf: ledgertest.Date(2024, 3, 9)})
	require.NoError(t, err)
	require.Empty(t, before.Rows())
	require.True(t, before.Balanced)
}

func TestGenerateFiltersAndGrouping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.post(t, ledgertest.Date(2024, 2, 5), "1100", "3000", "5000")
	h.post(t, ledgertest.Date(2024, 3, 10), "1200", "4000", "800")
	h.post(t, ledgertest.Date(2024, 3, 12), "5000", "1100", "300")
	asOf := ledgertest.Date(2024, 3, 31)

	byType, err := h.reports.Generate(ctx, reports.Request{CompanyID: ledgertest.CompanyID, AsOf: asOf, GroupBy: reports.GroupByType})
	require.NoError(t, err)
	require.True(t, byType.Balanced)
	labels := make([]string, 0, len(byType.Groups))
	for _, group := range byType.Groups {
		labels = append(labels, group.Label)
	}
	require.Equal(t, []string{"ASSET", "EQUITY", "REVENUE", "EXPENSE"}, labels)
	requireAmount(t, "5500", byType.Groups[0].Closing)

	byRoot, err := h.reports.Generate(ctx, reports.Request{CompanyID: ledgertest.CompanyID, AsOf: asOf, GroupBy: reports.GroupByRootAccount})
	require.NoError(t, err)
	require.Equal(t, "1000", byRoot.Groups[0].Key)
	require.Equal(t, "Assets", byRoot.Groups[0].Label)
	require.Len(t, byRoot.Groups[0].Accounts, 2)

	assets, err := h.reports.Generate(ctx, reports.Request{
		CompanyID: ledgertest.CompanyID,
		AsOf:      asOf,
		Filters:   reports.Filters{AccountTypes: []accounting.AccountType{accounting.AccountTypeAsset}},
	})
	require.NoError(t, err)
	require.Len(t, assets.Rows(), 2)
	require.False(t, assets.Balanced)

	prefixed, err := h.reports.Generate(ctx, reports.Request{
		CompanyID: ledgertest.CompanyID,
		AsOf:      asOf,
		Filters:   reports.Filters{CodePrefix: "12"},
	})
	require.NoError(t, err)
	require.Len(t, prefixed.Rows(), 1)
	require.Equal(t, "1200", prefixed.Rows()[0].Code)

	withZero, err := h.reports.Generate(ctx, reports.Request{
		CompanyID: ledgertest.CompanyID,
		AsOf:      asOf,
		Filters:   reports.Filters{IncludeZero: true},
	})
	require.NoError(t, err)
	require.Len(t, withZero.Rows(), 8)
	require.Empty(t, h.fx.Notify.Sent, "filtered reports never notify")
}

func TestGenerateHidesEmptyInactiveAccounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fx.SetAccountStatus(t, h.fx.Account("2000"), accounting.AccountStatusInactive)

	tb, err := h.reports.Generate(ctx, reports.Request{CompanyID: ledgertest.CompanyID, Filters: reports.Filters{IncludeZero: true}})
	require.NoError(t, err)
	require.Len(t, tb.Rows(), 7)
	require.Equal(t, h.fx.Now.Format(time.DateOnly), tb.AsOf.Format(time.DateOnly))

	tb, err = h.reports.Generate(ctx, reports.Request{CompanyID: ledgertest.CompanyID, Filters: reports.Filters{IncludeZero: true, IncludeInactive: true}})
	require.NoError(t, err)
	require.Len(t, tb.Rows(), 8)
}

func TestGenerateByAccountGroup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.post(t, ledgertest.Date(2024, 3, 10), "1100", "4000", "100")
	err := h.fx.Store.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		_, err := tx.InsertGroup(ctx, accounting.AccountGroup{
			CompanyID:  ledgertest.CompanyID,
			Name:       "Liquidity",
			Position:   1,
			AccountIDs: []int64{h.fx.Account("1100")},
		})
		return err
	})
	require.NoError(t, err)

	tb, err := h.reports.Generate(ctx, reports.Request{CompanyID: ledgertest.CompanyID, AsOf: ledgertest.Date(2024, 3, 31), GroupBy: reports.GroupByAccountGroup})
	require.NoError(t, err)
	require.Len(t, tb.Groups, 2)
	require.Equal(t, "Liquidity", tb.Groups[0].Label)
	require.Equal(t, "Ungrouped", tb.Groups[1].Label)
	require.Equal(t, "4000", tb.Groups[1].Accounts[0].Code)
}

func TestUnbalancedTrialBalanceNotifies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.post(t, ledgertest.Date(2024, 3, 10), "1100", "4000", "100")
	err := h.fx.Store.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		return tx.ApplyBalanceDelta(ctx, accounting.BalanceDelta{
			BalanceKey:   accounting.BalanceKey{CompanyID: ledgertest.CompanyID, AccountID: h.fx.Account("1100"), PeriodID: h.fx.Period(3).ID},
			FiscalYearID: h.fx.Year.ID,
			Debit:        D("5"),
		})
	})
	require.NoError(t, err)

	tb, err := h.reports.Generate(ctx, reports.Request{CompanyID: ledgertest.CompanyID, AsOf: ledgertest.Date(2024, 3, 31)})
	require.NoError(t, err)
	require.False(t, tb.Balanced)
	require.Equal(t, []accounting.NotificationKind{accounting.NotifyTrialBalanceBroken}, h.fx.Notify.Kinds())
	require.Equal(t, "105.00", h.fx.Notify.Sent[0].Detail["debit"])
}

func TestGenerateComparative(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.post(t, ledgertest.Date(2024, 1, 20), "1100", "3000", "500")
	h.post(t, ledgertest.Date(2024, 3, 10), "1100", "4000", "1000")

	cmp, err := h.reports.GenerateComparative(ctx, ledgertest.CompanyID, []time.Time{
		ledgertest.Date(2024, 2, 29),
		ledgertest.Date(2024, 3, 31),
	}, reports.Filters{}, reports.GroupByNone)
	require.NoError(t, err)
	require.Len(t, cmp.Reports, 2)
	for _, tb := range cmp.Reports {
		require.True(t, tb.Balanced)
	}
	require.Len(t, cmp.Rows, 3)
	require.Equal(t, "1100", cmp.Rows[0].Code)
	requireAmount(t, "500", cmp.Rows[0].Closing[0])
	requireAmount(t, "1500", cmp.Rows[0].Closing[1])
	require.Equal(t, "4000", cmp.Rows[2].Code)
	requireAmount(t, "0", cmp.Rows[2].Closing[0])
	requireAmount(t, "-1000", cmp.Rows[2].Closing[1])

	_, err = h.reports.GenerateComparative(ctx, ledgertest.CompanyID, nil, reports.Filters{}, reports.GroupByNone)
	require.ErrorIs(t, err, accounting.ErrInvalidInput)

	_, err = h.reports.GenerateComparative(ctx, ledgertest.CompanyID, []time.Time{ledgertest.Date(2030, 1, 1)}, reports.Filters{}, reports.GroupByNone)
	require.ErrorIs(t, err, accounting.ErrPeriodNotFound)
}

func TestStatements(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.post(t, ledgertest.Date(2024, 1, 2), "1100", "3000", "5000")
	h.post(t, ledgertest.Date(2024, 3, 10), "1100", "4000", "1200")
	h.post(t, ledgertest.Date(2024, 3, 11), "5000", "2000", "200")

	bs, err := h.reports.BalanceSheet(ctx, ledgertest.CompanyID, ledgertest.Date(2024, 3, 31))
	require.NoError(t, err)
	requireAmount(t, "6200", bs.Assets.Total)
	requireAmount(t, "200", bs.Liabilities.Total)
	requireAmount(t, "5000", bs.Equity.Total)
	requireAmount(t, "1000", bs.CurrentEarnings)
	requireAmount(t, "6200", bs.TotalLiabilitiesAndEquity)

	pl, err := h.reports.ProfitAndLoss(ctx, ledgertest.CompanyID, ledgertest.Date(2024, 3, 31))
	require.NoError(t, err)
	requireAmount(t, "1200", pl.Revenue.Total)
	requireAmount(t, "200", pl.Expense.Total)
	requireAmount(t, "1000", pl.NetIncome)
}

func TestWorkingTrialBalanceLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.post(t, ledgertest.Date(2024, 3, 10), "1100", "4000", "1000")
	h.post(t, ledgertest.Date(2024, 3, 12), "5000", "1100", "300")
	cash, payables, revenue, expense := h.fx.Account("1100"), h.fx.Account("2000"), h.fx.Account("4000"), h.fx.Account("5000")

	sparse, err := h.reports.CreateWorkingTB(ctx, reports.CreateWTBInput{CompanyID: ledgertest.CompanyID, Name: "sparse", AsOf: ledgertest.Date(2024, 3, 31)})
	require.NoError(t, err)
	require.Len(t, sparse.Lines, 3)
	column, err := h.reports.AddAdjustmentColumn(ctx, ledgertest.CompanyID, sparse.ID, "AJE", "adjusting", 7)
	require.NoError(t, err)
	err = h.reports.RecordAdjustment(ctx, ledgertest.CompanyID, sparse.ID, payables, column.ID, D("-50"), 7)
	require.ErrorIs(t, err, accounting.ErrLineNotFound)
	require.NoError(t, h.reports.DeleteWTB(ctx, ledgertest.CompanyID, sparse.ID, 7))

	wtb, err := h.reports.CreateWorkingTB(ctx, reports.CreateWTBInput{
		CompanyID:   ledgertest.CompanyID,
		Name:        "Q1 close",
		AsOf:        ledgertest.Date(2024, 3, 31),
		IncludeZero: true,
		ActorID:     7,
	})
	require.NoError(t, err)
	require.Equal(t, accounting.WTBStatusDraft, wtb.Status)
	require.Len(t, wtb.Lines, 8)

	_, err = h.reports.AddAdjustmentColumn(ctx, ledgertest.CompanyID, wtb.ID, "Other", "memo", 7)
	require.ErrorIs(t, err, accounting.ErrInvalidColumnKind)
	adjusting, err := h.reports.AddAdjustmentColumn(ctx, ledgertest.CompanyID, wtb.ID, "AJE", "ADJUSTING", 7)
	require.NoError(t, err)
	proposed, err := h.reports.AddAdjustmentColumn(ctx, ledgertest.CompanyID, wtb.ID, "PJE", "PROPOSED", 7)
	require.NoError(t, err)
	require.NotEqual(t, adjusting.ID, proposed.ID)

	require.ErrorIs(t, h.reports.RecordAdjustment(ctx, ledgertest.CompanyID, wtb.ID, expense, 99, D("1"), 7), accounting.ErrColumnNotFound)
	require.NoError(t, h.reports.RecordAdjustment(ctx, ledgertest.CompanyID, wtb.ID, expense, adjusting.ID, D("50"), 7))
	require.NoError(t, h.reports.RecordAdjustment(ctx, ledgertest.CompanyID, wtb.ID, revenue, proposed.ID, D("-20"), 7))
	require.NoError(t, h.reports.RecordAdjustment(ctx, ledgertest.CompanyID, wtb.ID, cash, proposed.ID, D("5"), 7))
	require.NoError(t, h.reports.RecordAdjustment(ctx, ledgertest.CompanyID, wtb.ID, cash, proposed.ID, decimal.Zero, 7))

	_, err = h.reports.LockWTB(ctx, ledgertest.CompanyID, wtb.ID, 7)
	require.ErrorIs(t, err, accounting.ErrAdjustmentsUnbalanced)

	require.NoError(t, h.reports.RecordAdjustment(ctx, ledgertest.CompanyID, wtb.ID, payables, adjusting.ID, D("-50"), 7))

	view, err := h.reports.GetWTB(ctx, ledgertest.CompanyID, wtb.ID)
	require.NoError(t, err)
	requireAmount(t, "0", view.ColumnNet[0])
	requireAmount(t, "-20", view.ColumnNet[1])
	requireAmount(t, "0", view.TotalUnadjusted)
	requireAmount(t, "0", view.TotalAdjusted)
	requireAmount(t, "-20", view.TotalProposed)
	rows := make(map[string]reports.WTBLineView)
	for _, row := range view.Rows {
		rows[row.Code] = row
	}
	requireAmount(t, "700", rows["1100"].Unadjusted)
	requireAmount(t, "700", rows["1100"].Proposed)
	requireAmount(t, "350", rows["5000"].Adjusted)
	requireAmount(t, "-50", rows["2000"].Adjusted)
	requireAmount(t, "-1000", rows["4000"].Adjusted)
	requireAmount(t, "-1020", rows["4000"].Proposed)

	locked, err := h.reports.LockWTB(ctx, ledgertest.CompanyID, wtb.ID, 7)
	require.NoError(t, err)
	require.Equal(t, accounting.WTBStatusLocked, locked.Status)
	require.NotNil(t, locked.LockedAt)

	require.ErrorIs(t, h.reports.RecordAdjustment(ctx, ledgertest.CompanyID, wtb.ID, expense, adjusting.ID, D("1"), 7), accounting.ErrWTBLocked)
	_, err = h.reports.AddAdjustmentColumn(ctx, ledgertest.CompanyID, wtb.ID, "Late", "ADJUSTING", 7)
	require.ErrorIs(t, err, accounting.ErrWTBLocked)
	require.ErrorIs(t, h.reports.DeleteWTB(ctx, ledgertest.CompanyID, wtb.ID, 7), accounting.ErrWTBLocked)

	list, err := h.reports.ListWTBs(ctx, ledgertest.CompanyID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "Q1 close", list[0].Name)

	_, err = h.reports.GetWTB(ctx, ledgertest.CompanyID, sparse.ID)
	require.ErrorIs(t, err, accounting.ErrWTBNotFound)
	require.Contains(t, h.fx.Audit.Actions(), "wtb.lock")
}
