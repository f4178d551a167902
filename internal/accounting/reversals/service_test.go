package reversals_test

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
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/reversals"
)

var D = ledgertest.D

type harness struct {
	fx        *ledgertest.Fixture
	journals  *journals.Service
	balances  *balances.Service
	reversals *reversals.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fx := ledgertest.New(t)
	money := accounting.NewMoney(2)
	hooks := fx.Hooks()
	cal := periods.NewService(fx.Store, hooks)
	bal := balances.NewService(fx.Store, money, hooks)
	posting := journals.NewService(fx.Store, cal, bal, money, hooks)
	return &harness{
		fx:        fx,
		journals:  posting,
		balances:  bal,
		reversals: reversals.NewService(fx.Store, posting, cal, money, hooks),
	}
}

func (h *harness) post(t *testing.T, date time.Time, debit, credit string, amount string) accounting.JournalEntry {
	t.Helper()
	entry, err := h.journals.Post(context.Background(), journals.PostingInput{
		CompanyID: ledgertest.CompanyID,
		Date:      date,
		PostedBy:  3,
		Lines: []journals.LineInput{
			{AccountID: h.fx.Account(debit), Debit: D(amount)},
			{AccountID: h.fx.Account(credit), Credit: D(amount)},
		},
	})
	require.NoError(t, err)
	return entry
}

func (h *harness) closing(t *testing.T, code string, asOf time.Time) string {
	t.Helper()
	id := h.fx.Account(code)
	sums, err := h.balances.AsOf(context.Background(), ledgertest.CompanyID, []int64{id}, asOf)
	require.NoError(t, err)
	return sums[id].Closing.StringFixed(2)
}

func TestReverseRestoresBalances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	original := h.post(t, ledgertest.Date(2024, 3, 2), "1100", "4000", "1000")
	result, err := h.reversals.Reverse(ctx, reversals.ReverseInput{
		CompanyID: ledgertest.CompanyID, EntryID: original.ID, Reason: "duplicate", ActorID: 3,
	})
	require.NoError(t, err)
	require.Equal(t, accounting.JournalSourceReversal, result.Entry.Source)
	require.Equal(t, accounting.ReversalKindFull, result.Link.Kind)
	require.True(t, result.Entry.Date.Equal(ledgertest.Date(2024, 3, 15)))
	require.Equal(t, h.fx.Account("4000"), result.Entry.Lines[1].AccountID)
	require.True(t, result.Entry.Lines[1].Debit.Equal(D("1000")))

	require.Equal(t, "0.00", h.closing(t, "1100", ledgertest.Date(2024, 3, 31)))
	require.Equal(t, "0.00", h.closing(t, "4000", ledgertest.Date(2024, 3, 31)))

	got, err := h.journals.GetEntry(ctx, ledgertest.CompanyID, original.ID)
	require.NoError(t, err)
	require.Equal(t, accounting.JournalStatusReversed, got.Status)

	postings, err := h.journals.ListPostings(ctx, ledgertest.CompanyID, accounting.PostingFilter{EntryID: original.ID})
	require.NoError(t, err)
	require.Len(t, postings, 2)

	_, err = h.reversals.Reverse(ctx, reversals.ReverseInput{CompanyID: ledgertest.CompanyID, EntryID: original.ID, Reason: "again"})
	require.ErrorIs(t, err, accounting.ErrAlreadyReversed)
	require.Equal(t, accounting.KindIntegrity, accounting.KindOf(err))
}

func TestReversalEntryCannotBeReversed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	original := h.post(t, ledgertest.Date(2024, 3, 2), "1100", "4000", "250")
	result, err := h.reversals.Reverse(ctx, reversals.ReverseInput{CompanyID: ledgertest.CompanyID, EntryID: original.ID, Reason: "typo"})
	require.NoError(t, err)

	_, err = h.reversals.Reverse(ctx, reversals.ReverseInput{CompanyID: ledgertest.CompanyID, EntryID: result.Entry.ID, Reason: "undo"})
	require.ErrorIs(t, err, accounting.ErrReversalNotReversible)
	require.Equal(t, accounting.KindIntegrity, accounting.KindOf(err))
	require.Equal(t, "0.00", h.closing(t, "1100", ledgertest.Date(2024, 3, 31)))
}

func TestReverseRequiresReasonAndOpenOriginalPeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	original := h.post(t, ledgertest.Date(2024, 2, 10), "1100", "4000", "10")
	_, err := h.reversals.Reverse(ctx, reversals.ReverseInput{CompanyID: ledgertest.CompanyID, EntryID: original.ID})
	require.ErrorIs(t, err, accounting.ErrReasonRequired)

	h.fx.SetPeriodStatus(t, h.fx.Period(2).ID, accounting.PeriodStatusClosed)
	_, err = h.reversals.Reverse(ctx, reversals.ReverseInput{CompanyID: ledgertest.CompanyID, EntryID: original.ID, Reason: "wrong"})
	require.ErrorIs(t, err, accounting.ErrPeriodClosed)

	_, err = h.reversals.Reverse(ctx, reversals.ReverseInput{CompanyID: ledgertest.CompanyID, EntryID: 4242, Reason: "wrong"})
	require.ErrorIs(t, err, accounting.ErrJournalNotFound)
}

func TestAutoReversalRunsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	accrual := h.post(t, ledgertest.Date(2024, 3, 31), "5000", "2000", "300")
	schedule, err := h.reversals.ScheduleAutoReversal(ctx, reversals.ScheduleInput{
		CompanyID: ledgertest.CompanyID, EntryID: accrual.ID, ReverseOn: ledgertest.Date(2024, 4, 1), Reason: "accrual",
	})
	require.NoError(t, err)

	_, err = h.reversals.ScheduleAutoReversal(ctx, reversals.ScheduleInput{
		CompanyID: ledgertest.CompanyID, EntryID: accrual.ID, ReverseOn: ledgertest.Date(2024, 4, 2),
	})
	require.ErrorIs(t, err, accounting.ErrAlreadyScheduled)

	_, err = h.reversals.ScheduleAutoReversal(ctx, reversals.ScheduleInput{
		CompanyID: ledgertest.CompanyID, EntryID: accrual.ID, ReverseOn: ledgertest.Date(2024, 3, 31),
	})
	require.ErrorIs(t, err, accounting.ErrInvalidDateRange)

	early, err := h.reversals.ProcessAutoReversals(ctx, reversals.ProcessInput{CompanyID: ledgertest.CompanyID, AsOf: ledgertest.Date(2024, 3, 31)})
	require.NoError(t, err)
	require.Zero(t, early.Due)

	dry, err := h.reversals.ProcessAutoReversals(ctx, reversals.ProcessInput{CompanyID: ledgertest.CompanyID, AsOf: ledgertest.Date(2024, 4, 1), DryRun: true})
	require.NoError(t, err)
	require.Equal(t, 1, dry.Due)
	require.Zero(t, dry.Posted)

	h.fx.SetPeriodStatus(t, h.fx.Period(3).ID, accounting.PeriodStatusClosed)

	first, err := h.reversals.ProcessAutoReversals(ctx, reversals.ProcessInput{CompanyID: ledgertest.CompanyID, AsOf: ledgertest.Date(2024, 4, 1)})
	require.NoError(t, err)
	require.Equal(t, 1, first.Posted)
	reversing := first.Outcomes[0].ReversingEntry
	require.NotNil(t, reversing)
	require.Equal(t, h.fx.Period(4).ID, reversing.PeriodID)

	second, err := h.reversals.ProcessAutoReversals(ctx, reversals.ProcessInput{CompanyID: ledgertest.CompanyID, AsOf: ledgertest.Date(2024, 4, 1)})
	require.NoError(t, err)
	require.Zero(t, second.Due)
	require.Zero(t, second.Posted)

	entries, err := h.journals.ListEntries(ctx, ledgertest.CompanyID, accounting.EntryFilter{Source: accounting.JournalSourceReversal})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	done, err := h.reversals.ListAutoReversals(ctx, ledgertest.CompanyID, accounting.AutoReversalFilter{EntryID: accrual.ID})
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.True(t, done[0].Processed)
	require.Equal(t, accounting.AutoReversalPosted, done[0].Outcome)
	require.Equal(t, reversing.ID, *done[0].ReversingEntryID)

	require.ErrorIs(t, h.reversals.CancelAutoReversal(ctx, ledgertest.CompanyID, schedule.ID, 1), accounting.ErrAlreadyProcessed)
}

func TestAutoReversalSkipsReversedEntryAndReportsFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	manual := h.post(t, ledgertest.Date(2024, 3, 1), "5000", "2000", "50")
	_, err := h.reversals.ScheduleAutoReversal(ctx, reversals.ScheduleInput{
		CompanyID: ledgertest.CompanyID, EntryID: manual.ID, ReverseOn: ledgertest.Date(2024, 4, 1),
	})
	require.NoError(t, err)
	_, err = h.reversals.Reverse(ctx, reversals.ReverseInput{CompanyID: ledgertest.CompanyID, EntryID: manual.ID, Reason: "manual"})
	require.NoError(t, err)

	failing := h.post(t, ledgertest.Date(2024, 3, 2), "5000", "2000", "70")
	_, err = h.reversals.ScheduleAutoReversal(ctx, reversals.ScheduleInput{
		CompanyID: ledgertest.CompanyID, EntryID: failing.ID, ReverseOn: ledgertest.Date(2024, 5, 1),
	})
	require.NoError(t, err)
	h.fx.SetPeriodStatus(t, h.fx.Period(5).ID, accounting.PeriodStatusClosed)

	dry, err := h.reversals.ProcessAutoReversals(ctx, reversals.ProcessInput{CompanyID: ledgertest.CompanyID, AsOf: ledgertest.Date(2024, 5, 31), DryRun: true})
	require.NoError(t, err)
	require.Equal(t, 2, dry.Due)
	require.Equal(t, 1, dry.Skipped)
	require.True(t, dry.Outcomes[0].Skipped)
	require.False(t, dry.Outcomes[1].Skipped)

	result, err := h.reversals.ProcessAutoReversals(ctx, reversals.ProcessInput{CompanyID: ledgertest.CompanyID, AsOf: ledgertest.Date(2024, 5, 31)})
	require.NoError(t, err)
	require.Equal(t, 2, result.Due)
	require.Equal(t, dry.Skipped, result.Skipped)
	require.Equal(t, 1, result.Failed)
	require.ErrorIs(t, result.Outcomes[1].Err, accounting.ErrPeriodClosed)
	require.Equal(t, accounting.AutoReversalFailed, result.Outcomes[1].Schedule.Outcome)
	require.Equal(t, 1, countKind(h.fx.Notify.Kinds(), accounting.NotifyReversalFailed))

	pending, err := h.reversals.ListAutoReversals(ctx, ledgertest.CompanyID, accounting.AutoReversalFilter{PendingOnly: true})
	require.NoError(t, err)
	require.Empty(t, pending)

	failed, err := h.reversals.ListAutoReversals(ctx, ledgertest.CompanyID, accounting.AutoReversalFilter{EntryID: failing.ID})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.True(t, failed[0].Processed)
	require.Equal(t, accounting.AutoReversalFailed, failed[0].Outcome)
	require.Nil(t, failed[0].ReversingEntryID)
	require.ErrorIs(t, h.reversals.CancelAutoReversal(ctx, ledgertest.CompanyID, failed[0].ID, 1), accounting.ErrAlreadyProcessed)

	again, err := h.reversals.ProcessAutoReversals(ctx, reversals.ProcessInput{CompanyID: ledgertest.CompanyID, AsOf: ledgertest.Date(2024, 5, 31)})
	require.NoError(t, err)
	require.Zero(t, again.Due)
	require.Equal(t, 1, countKind(h.fx.Notify.Kinds(), accounting.NotifyReversalFailed), "failed schedules are not retried")

	_, err = h.reversals.ScheduleAutoReversal(ctx, reversals.ScheduleInput{
		CompanyID: ledgertest.CompanyID, EntryID: failing.ID, ReverseOn: ledgertest.Date(2024, 6, 1),
	})
	require.NoError(t, err, "a failed schedule can be replaced")
}

func TestDryRunCountsOnlyReversibleSchedules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entry := h.post(t, ledgertest.Date(2024, 3, 3), "5000", "2000", "20")
	_, err := h.reversals.ScheduleAutoReversal(ctx, reversals.ScheduleInput{
		CompanyID: ledgertest.CompanyID, EntryID: entry.ID, ReverseOn: ledgertest.Date(2024, 4, 1),
	})
	require.NoError(t, err)
	_, err = h.reversals.Reverse(ctx, reversals.ReverseInput{CompanyID: ledgertest.CompanyID, EntryID: entry.ID, Reason: "manual"})
	require.NoError(t, err)

	dry, err := h.reversals.ProcessAutoReversals(ctx, reversals.ProcessInput{CompanyID: ledgertest.CompanyID, AsOf: ledgertest.Date(2024, 4, 1), DryRun: true})
	require.NoError(t, err)
	require.Equal(t, 1, dry.Due)
	require.Equal(t, 1, dry.Skipped)
	require.Zero(t, dry.Posted)

	pending, err := h.reversals.ListAutoReversals(ctx, ledgertest.CompanyID, accounting.AutoReversalFilter{PendingOnly: true})
	require.NoError(t, err)
	require.Len(t, pending, 1, "dry runs never claim")
}

func countKind(kinds []accounting.NotificationKind, want accounting.NotificationKind) int {
	n := 0
	for _, kind := range kinds {
		if kind == want {
			n++
		}
	}
	return n
}

func TestCorrectionPostsOnlyTheDifference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	original := h.post(t, ledgertest.Date(2024, 3, 3), "5000", "1100", "120")
	result, err := h.reversals.CreateCorrection(ctx, reversals.CorrectionInput{
		CompanyID: ledgertest.CompanyID,
		EntryID:   original.ID,
		Reason:    "amount was 100",
		Lines: []journals.LineInput{
			{AccountID: h.fx.Account("1100"), Debit: D("20")},
			{AccountID: h.fx.Account("5000"), Credit: D("20")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, accounting.JournalSourceCorrection, result.Entry.Source)
	require.Equal(t, accounting.ReversalKindCorrection, result.Link.Kind)
	require.Equal(t, "100.00", h.closing(t, "5000", ledgertest.Date(2024, 3, 31)))

	replaced, err := h.reversals.CreateCorrection(ctx, reversals.CorrectionInput{
		CompanyID: ledgertest.CompanyID,
		EntryID:   original.ID,
		Reason:    "split expense to payables",
		Replace:   true,
		Lines: []journals.LineInput{
			{AccountID: h.fx.Account("5000"), Debit: D("90")},
			{AccountID: h.fx.Account("2000"), Credit: D("90")},
		},
	})
	require.NoError(t, err)
	require.Len(t, replaced.Entry.Lines, 3)
	require.Equal(t, "90.00", h.closing(t, "5000", ledgertest.Date(2024, 3, 31)))
	require.Equal(t, "0.00", h.closing(t, "1100", ledgertest.Date(2024, 3, 31)))
	require.Equal(t, "-90.00", h.closing(t, "2000", ledgertest.Date(2024, 3, 31)))

	got, err := h.journals.GetEntry(ctx, ledgertest.CompanyID, original.ID)
	require.NoError(t, err)
	require.Equal(t, accounting.JournalStatusPosted, got.Status)

	history, err := h.reversals.History(ctx, ledgertest.CompanyID, original.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	_, err = h.reversals.CreateCorrection(ctx, reversals.CorrectionInput{
		CompanyID: ledgertest.CompanyID, EntryID: original.ID, Reason: "no-op", Replace: true,
		Lines: []journals.LineInput{
			{AccountID: h.fx.Account("5000"), Debit: D("90")},
			{AccountID: h.fx.Account("2000"), Credit: D("90")},
		},
	})
	require.ErrorIs(t, err, accounting.ErrInvalidInput)
}
