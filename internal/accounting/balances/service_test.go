package balances_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/balances"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/journals"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/ledgertest"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/periods"
)

var D = ledgertest.D

type harness struct {
	fx       *ledgertest.Fixture
	balances *balances.Service
	journals *journals.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fx := ledgertest.New(t)
	money := accounting.NewMoney(2)
	hooks := fx.Hooks()
	bal := balances.NewService(fx.Store, money, hooks)
	return &harness{
		fx:       fx,
		balances: bal,
		journals: journals.NewService(fx.Store, periods.NewService(fx.Store, hooks), bal, money, hooks),
	}
}

func (h *harness) post(t *testing.T, day int, month time.Month, amount string) {
	t.Helper()
	_, err := h.journals.Post(context.Background(), journals.PostingInput{
		CompanyID: ledgertest.CompanyID,
		Date:      ledgertest.Date(2024, month, day),
		Memo:      "sale",
		Lines: []journals.LineInput{
			{AccountID: h.fx.Account("1100"), Debit: D(amount)},
			{AccountID: h.fx.Account("4000"), Credit: D(amount)},
		},
	})
	require.NoError(t, err)
}

// corrupt overwrites a stored row the way a lost update would.
func (h *harness) corrupt(t *testing.T, accountID, periodID int64, debit string) {
	t.Helper()
	key := accounting.BalanceKey{CompanyID: ledgertest.CompanyID, AccountID: accountID, PeriodID: periodID}
	err := h.fx.Store.WithTx(context.Background(), func(ctx context.Context, tx accounting.TxRepository) error {
		row, found, err := tx.GetBalanceRow(ctx, key)
		if err != nil {
			return err
		}
		require.True(t, found)
		version := row.Version
		row.Debit = D(debit)
		return tx.PutBalanceRow(ctx, row, version)
	})
	require.NoError(t, err)
}

func TestPeriodsChainOpeningToPriorClosing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.post(t, 10, 1, "100")
	h.post(t, 5, 3, "40")

	cash := h.fx.Account("1100")
	jan, err := h.balances.Get(ctx, ledgertest.CompanyID, cash, h.fx.Period(1).ID)
	require.NoError(t, err)
	feb, err := h.balances.Get(ctx, ledgertest.CompanyID, cash, h.fx.Period(2).ID)
	require.NoError(t, err)
	mar, err := h.balances.Get(ctx, ledgertest.CompanyID, cash, h.fx.Period(3).ID)
	require.NoError(t, err)

	require.True(t, feb.Opening.Equal(jan.Closing))
	require.True(t, feb.Closing.Equal(D("100")))
	require.True(t, mar.Opening.Equal(feb.Closing))
	require.True(t, mar.Closing.Equal(D("140")))

	revenue, err := h.balances.Get(ctx, ledgertest.CompanyID, h.fx.Account("4000"), h.fx.Period(3).ID)
	require.NoError(t, err)
	require.True(t, revenue.Closing.Equal(D("-140")))
	require.True(t, revenue.NormalBalance(accounting.NormalSideCredit).Equal(D("140")))
}

func TestRecalculateFixesDriftOnceAndNotifies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.post(t, 10, 2, "75.50")
	cash := h.fx.Account("1100")
	h.corrupt(t, cash, h.fx.Period(2).ID, "80")

	input := balances.RecalculateInput{CompanyID: ledgertest.CompanyID, AccountID: cash, PeriodID: h.fx.Period(2).ID, ActorID: 9}
	first, err := h.balances.Recalculate(ctx, input)
	require.NoError(t, err)
	require.True(t, first.Drifted)
	require.True(t, first.Before.Debit.Equal(D("80")))
	require.True(t, first.After.Debit.Equal(D("75.50")))
	require.Equal(t, first.Before.Version+1, first.After.Version)
	require.Contains(t, h.fx.Notify.Kinds(), accounting.NotifyBalanceDrift)
	require.Contains(t, h.fx.Audit.Actions(), "balance.recalculate")

	second, err := h.balances.Recalculate(ctx, input)
	require.NoError(t, err)
	require.False(t, second.Drifted)
	require.Equal(t, first.After.Version, second.After.Version)

	later, err := h.balances.Get(ctx, ledgertest.CompanyID, cash, h.fx.Period(5).ID)
	require.NoError(t, err)
	require.True(t, later.Opening.Equal(D("75.50")))
}

func TestVerifyReportsWithoutWritingAndRecalculateYearRepairs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.post(t, 1, 4, "10")
	h.post(t, 2, 6, "20")
	h.corrupt(t, h.fx.Account("1100"), h.fx.Period(4).ID, "11")
	h.corrupt(t, h.fx.Account("1100"), h.fx.Period(6).ID, "0")

	report, err := h.balances.Verify(ctx, ledgertest.CompanyID, h.fx.Year.ID)
	require.NoError(t, err)
	require.Len(t, report.Drifts, 2)
	require.Equal(t, h.fx.Period(4).ID, report.Drifts[0].Key.PeriodID)
	require.Empty(t, h.fx.Notify.Kinds(), "verify never notifies")

	again, err := h.balances.Verify(ctx, ledgertest.CompanyID, h.fx.Year.ID)
	require.NoError(t, err)
	require.Len(t, again.Drifts, 2)

	fixed, err := h.balances.RecalculateYear(ctx, ledgertest.CompanyID, h.fx.Year.ID, 9)
	require.NoError(t, err)
	require.Len(t, fixed.Drifts, 2)

	clean, err := h.balances.Verify(ctx, ledgertest.CompanyID, h.fx.Year.ID)
	require.NoError(t, err)
	require.Empty(t, clean.Drifts)
}

func TestAsOfSumsPartialPeriodFromPostings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.post(t, 15, 1, "100")
	h.post(t, 3, 2, "20")
	h.post(t, 20, 2, "5")
	cash := h.fx.Account("1100")

	mid, err := h.balances.AsOf(ctx, ledgertest.CompanyID, []int64{cash}, ledgertest.Date(2024, 2, 10))
	require.NoError(t, err)
	require.True(t, mid[cash].Closing.Equal(D("120")))
	require.True(t, mid[cash].Debit.Equal(D("120")))

	end, err := h.balances.AsOf(ctx, ledgertest.CompanyID, []int64{cash}, ledgertest.Date(2024, 2, 29))
	require.NoError(t, err)
	require.True(t, end[cash].Closing.Equal(D("125")))

	untouched := h.fx.Account("2000")
	none, err := h.balances.AsOf(ctx, ledgertest.CompanyID, []int64{untouched}, ledgertest.Date(2024, 2, 10))
	require.NoError(t, err)
	require.True(t, none[untouched].Closing.IsZero())
}

func TestChainCarriesOpeningMovement(t *testing.T) {
	money := accounting.NewMoney(2)
	periodsOfYear := []accounting.Period{
		{ID: 1, FiscalYearID: 7, Number: 1},
		{ID: 2, FiscalYearID: 7, Number: 2},
	}
	rows := map[int64]accounting.BalanceRow{
		1: {OpeningMovement: D("500"), Debit: D("20"), Credit: D("5")},
	}
	chain := balances.Chain(money, 1, 42, periodsOfYear, rows)
	require.Len(t, chain, 2)
	require.True(t, chain[0].Opening.Equal(D("500")))
	require.True(t, chain[0].Closing.Equal(D("515")))
	require.True(t, chain[1].Opening.Equal(D("515")))
	require.True(t, chain[1].Closing.Equal(D("515")))
	require.True(t, chain[1].Debit.IsZero())
}
