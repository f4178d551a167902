package opening_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/balances"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/journals"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/ledgertest"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/opening"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/periods"
)

var D = ledgertest.D

type harness struct {
	fx       *ledgertest.Fixture
	service  *opening.Service
	journals *journals.Service
	balances *balances.Service
	periods  *periods.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fx := ledgertest.New(t)
	money := accounting.NewMoney(2)
	hooks := fx.Hooks()
	cal := periods.NewService(fx.Store, hooks)
	bal := balances.NewService(fx.Store, money, hooks)
	jrn := journals.NewService(fx.Store, cal, bal, money, hooks)
	return &harness{
		fx:       fx,
		service:  opening.NewService(fx.Store, jrn, bal, money, hooks),
		journals: jrn,
		balances: bal,
		periods:  cal,
	}
}

func (h *harness) set(t *testing.T, batchID int64, code, debit, credit string) {
	t.Helper()
	_, err := h.service.SetLine(context.Background(), opening.SetLineInput{
		CompanyID: ledgertest.CompanyID,
		BatchID:   batchID,
		AccountID: h.fx.Account(code),
		Debit:     D(debit),
		Credit:    D(credit),
		ActorID:   7,
	})
	require.NoError(t, err)
}

func (h *harness) batch(t *testing.T, yearID int64) accounting.OpeningBatch {
	t.Helper()
	batch, err := h.service.CreateBatch(context.Background(), opening.CreateBatchInput{
		CompanyID:    ledgertest.CompanyID,
		FiscalYearID: yearID,
		ActorID:      7,
	})
	require.NoError(t, err)
	return batch
}

func TestPostOpeningBalances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	batch := h.batch(t, h.fx.Year.ID)
	require.Equal(t, accounting.OpeningBatchDraft, batch.Status)

	h.set(t, batch.ID, "1100", "5000", "0")
	h.set(t, batch.ID, "3000", "0", "5000")

	validation, err := h.service.ValidateBatch(ctx, ledgertest.CompanyID, batch.ID)
	require.NoError(t, err)
	require.True(t, validation.Balanced)
	require.Empty(t, validation.Warnings)
	require.True(t, validation.TotalDebit.Equal(D("5000")))

	result, err := h.service.PostOpeningBalances(ctx, ledgertest.CompanyID, batch.ID, 7)
	require.NoError(t, err)
	require.Equal(t, accounting.OpeningBatchPosted, result.Batch.Status)
	require.NotNil(t, result.Batch.EntryID)
	require.Equal(t, result.Entry.ID, *result.Batch.EntryID)
	require.Equal(t, accounting.JournalSourceOpening, result.Entry.Source)
	require.Equal(t, ledgertest.Date(2024, 1, 1), result.Entry.Date)
	require.Len(t, result.Entry.Lines, 2)

	entries, err := h.journals.ListEntries(ctx, ledgertest.CompanyID, accounting.EntryFilter{Source: accounting.JournalSourceOpening})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	cash, err := h.balances.Get(ctx, ledgertest.CompanyID, h.fx.Account("1100"), h.fx.Period(1).ID)
	require.NoError(t, err)
	require.True(t, cash.Opening.Equal(D("5000")))
	require.True(t, cash.Debit.IsZero())
	march, err := h.balances.Get(ctx, ledgertest.CompanyID, h.fx.Account("1100"), h.fx.Period(3).ID)
	require.NoError(t, err)
	require.True(t, march.Opening.Equal(D("5000")))

	_, err = h.service.SetLine(ctx, opening.SetLineInput{CompanyID: ledgertest.CompanyID, BatchID: batch.ID, AccountID: h.fx.Account("1200"), Debit: D("1")})
	require.ErrorIs(t, err, accounting.ErrBatchPosted)
	_, err = h.service.RemoveLine(ctx, ledgertest.CompanyID, batch.ID, h.fx.Account("1100"), 7)
	require.ErrorIs(t, err, accounting.ErrBatchPosted)
	_, err = h.service.PostOpeningBalances(ctx, ledgertest.CompanyID, batch.ID, 7)
	require.ErrorIs(t, err, accounting.ErrBatchPosted)
	_, err = h.service.CreateBatch(ctx, opening.CreateBatchInput{CompanyID: ledgertest.CompanyID, FiscalYearID: h.fx.Year.ID})
	require.ErrorIs(t, err, accounting.ErrBatchExists)

	require.Contains(t, h.fx.Audit.Actions(), "journal.post")
	require.Contains(t, h.fx.Audit.Actions(), "opening.post")
}

func TestValidateBatchWarnsOnContraryDirection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	batch := h.batch(t, h.fx.Year.ID)
	h.set(t, batch.ID, "1100", "5000", "0")
	h.set(t, batch.ID, "2000", "100", "0")
	h.set(t, batch.ID, "3000", "0", "5100")

	validation, err := h.service.ValidateBatch(ctx, ledgertest.CompanyID, batch.ID)
	require.NoError(t, err)
	require.True(t, validation.Balanced)
	require.Len(t, validation.Warnings, 1)
	require.Equal(t, "2000", validation.Warnings[0].Code)
	require.Equal(t, accounting.NormalSideCredit, validation.Warnings[0].NormalSide)
	require.True(t, validation.Warnings[0].Net.Equal(D("100")))

	result, err := h.service.PostOpeningBalances(ctx, ledgertest.CompanyID, batch.ID, 7)
	require.NoError(t, err)
	require.Len(t, result.Validation.Warnings, 1)
}

func TestUnbalancedBatchIsNotPosted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	batch := h.batch(t, h.fx.Year.ID)
	h.set(t, batch.ID, "1100", "10", "0")
	h.set(t, batch.ID, "1100", "5000", "0")
	h.set(t, batch.ID, "3000", "0", "4000")

	validation, err := h.service.ValidateBatch(ctx, ledgertest.CompanyID, batch.ID)
	require.NoError(t, err)
	require.False(t, validation.Balanced)
	require.True(t, validation.Difference.Equal(D("1000")))

	_, err = h.service.PostOpeningBalances(ctx, ledgertest.CompanyID, batch.ID, 7)
	require.ErrorIs(t, err, accounting.ErrUnbalanced)

	stored, err := h.service.GetBatch(ctx, ledgertest.CompanyID, batch.ID)
	require.NoError(t, err)
	require.Equal(t, accounting.OpeningBatchDraft, stored.Status)
	require.Len(t, stored.Lines, 2)

	entries, err := h.journals.ListEntries(ctx, ledgertest.CompanyID, accounting.EntryFilter{})
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestBatchLineRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	batch := h.batch(t, h.fx.Year.ID)

	_, err := h.service.SetLine(ctx, opening.SetLineInput{CompanyID: ledgertest.CompanyID, BatchID: batch.ID, AccountID: h.fx.Account("1100"), Debit: D("-1")})
	require.ErrorIs(t, err, accounting.ErrInvalidLine)
	_, err = h.service.SetLine(ctx, opening.SetLineInput{CompanyID: ledgertest.CompanyID, BatchID: batch.ID, AccountID: h.fx.Account("1100"), Debit: decimal.Zero})
	require.ErrorIs(t, err, accounting.ErrInvalidLine)
	_, err = h.service.SetLine(ctx, opening.SetLineInput{CompanyID: ledgertest.CompanyID, BatchID: batch.ID, AccountID: 999, Debit: D("1")})
	require.ErrorIs(t, err, accounting.ErrAccountNotFound)

	h.fx.SetAccountStatus(t, h.fx.Account("1200"), accounting.AccountStatusInactive)
	_, err = h.service.SetLine(ctx, opening.SetLineInput{CompanyID: ledgertest.CompanyID, BatchID: batch.ID, AccountID: h.fx.Account("1200"), Debit: D("1")})
	require.ErrorIs(t, err, accounting.ErrInactiveAccount)

	h.set(t, batch.ID, "1100", "5", "0")
	_, err = h.service.RemoveLine(ctx, ledgertest.CompanyID, batch.ID, h.fx.Account("2000"), 7)
	require.ErrorIs(t, err, accounting.ErrLineNotFound)
	stored, err := h.service.RemoveLine(ctx, ledgertest.CompanyID, batch.ID, h.fx.Account("1100"), 7)
	require.NoError(t, err)
	require.Empty(t, stored.Lines)

	closed, _ := h.fx.AddYear(t, 2023, accounting.FiscalYearStatusClosed)
	_, err = h.service.CreateBatch(ctx, opening.CreateBatchInput{CompanyID: ledgertest.CompanyID, FiscalYearID: closed.ID})
	require.ErrorIs(t, err, accounting.ErrFiscalYearClosed)
}

func TestDraftYearBatchWaitsForOpenYear(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	next, _ := h.fx.AddYear(t, 2025, accounting.FiscalYearStatusDraft)
	batch := h.batch(t, next.ID)
	h.set(t, batch.ID, "1100", "100", "0")
	h.set(t, batch.ID, "3000", "0", "100")

	_, err := h.service.PostOpeningBalances(ctx, ledgertest.CompanyID, batch.ID, 7)
	require.ErrorIs(t, err, accounting.ErrFiscalYearNotOpen)

	_, err = h.periods.OpenYear(ctx, ledgertest.CompanyID, next.ID, 7)
	require.NoError(t, err)
	result, err := h.service.PostOpeningBalances(ctx, ledgertest.CompanyID, batch.ID, 7)
	require.NoError(t, err)
	require.Equal(t, ledgertest.Date(2025, 1, 1), result.Entry.Date)
	require.Equal(t, next.ID, result.Entry.FiscalYearID)
	require.Equal(t, int64(1), result.Entry.Number)
}

func TestStageFromPriorYear(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	post := func(date string, debit, credit, amount string) {
		t.Helper()
		day := ledgertest.Date(2024, 1, 1)
		switch date {
		case "jan":
			day = ledgertest.Date(2024, 1, 10)
		case "mar":
			day = ledgertest.Date(2024, 3, 10)
		case "dec":
			day = ledgertest.Date(2024, 12, 31)
		}
		_, err := h.journals.Post(ctx, journals.PostingInput{
			CompanyID: ledgertest.CompanyID,
			Date:      day,
			Lines: []journals.LineInput{
				{AccountID: h.fx.Account(debit), Debit: D(amount)},
				{AccountID: h.fx.Account(credit), Credit: D(amount)},
			},
		})
		require.NoError(t, err)
	}
	post("jan", "1100", "3000", "1000")
	post("mar", "1100", "4000", "500")
	post("dec", "5000", "1100", "200")

	next, _ := h.fx.AddYear(t, 2025, accounting.FiscalYearStatusDraft)

	_, err := h.service.StageFromPriorYear(ctx, opening.StageInput{CompanyID: ledgertest.CompanyID, FiscalYearID: next.ID, RetainedEarningsID: h.fx.Account("5000")})
	require.ErrorIs(t, err, accounting.ErrTypeMismatch)
	_, err = h.service.StageFromPriorYear(ctx, opening.StageInput{CompanyID: ledgertest.CompanyID, FiscalYearID: h.fx.Year.ID, RetainedEarningsID: h.fx.Account("3100")})
	require.ErrorIs(t, err, accounting.ErrFiscalYearNotFound)

	batch, err := h.service.StageFromPriorYear(ctx, opening.StageInput{
		CompanyID:          ledgertest.CompanyID,
		FiscalYearID:       next.ID,
		RetainedEarningsID: h.fx.Account("3100"),
		ActorID:            7,
	})
	require.NoError(t, err)
	lines := make(map[int64]accounting.OpeningLine)
	for _, line := range batch.Lines {
		lines[line.AccountID] = line
	}
	require.Len(t, lines, 3)
	require.True(t, lines[h.fx.Account("1100")].Debit.Equal(D("1300")))
	require.True(t, lines[h.fx.Account("3000")].Credit.Equal(D("1000")))
	require.True(t, lines[h.fx.Account("3100")].Credit.Equal(D("300")))

	restaged, err := h.service.StageFromPriorYear(ctx, opening.StageInput{
		CompanyID:          ledgertest.CompanyID,
		FiscalYearID:       next.ID,
		RetainedEarningsID: h.fx.Account("3100"),
	})
	require.NoError(t, err)
	require.Equal(t, batch.ID, restaged.ID)

	validation, err := h.service.ValidateBatch(ctx, ledgertest.CompanyID, batch.ID)
	require.NoError(t, err)
	require.True(t, validation.Balanced)

	_, err = h.periods.OpenYear(ctx, ledgertest.CompanyID, next.ID, 7)
	require.NoError(t, err)
	_, err = h.service.PostOpeningBalances(ctx, ledgertest.CompanyID, batch.ID, 7)
	require.NoError(t, err)

	var jan2025 accounting.Period
	err = h.fx.Store.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		jan2025, err = tx.FindPeriodByDate(ctx, ledgertest.CompanyID, ledgertest.Date(2025, 1, 15))
		return err
	})
	require.NoError(t, err)
	cash, err := h.balances.Get(ctx, ledgertest.CompanyID, h.fx.Account("1100"), jan2025.ID)
	require.NoError(t, err)
	require.True(t, cash.Opening.Equal(D("1300")))

	_, err = h.service.StageFromPriorYear(ctx, opening.StageInput{CompanyID: ledgertest.CompanyID, FiscalYearID: next.ID, RetainedEarningsID: h.fx.Account("3100")})
	require.ErrorIs(t, err, accounting.ErrBatchPosted)
}
