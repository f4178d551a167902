package periods_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/ledgertest"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/periods"
)

func newCalendar(t *testing.T) (*ledgertest.Fixture, *periods.Service) {
	t.Helper()
	fx := ledgertest.New(t)
	return fx, periods.NewService(fx.Store, fx.Hooks())
}

func TestGenerateMonthly(t *testing.T) {
	windows, err := periods.Generate("FY2025", ledgertest.Date(2025, 1, 1), ledgertest.Date(2025, 12, 31), 12)
	require.NoError(t, err)
	require.Len(t, windows, 12)
	require.Equal(t, "2025-01", windows[0].Code)
	require.Equal(t, ledgertest.Date(2025, 2, 28), windows[1].End)
	require.Equal(t, ledgertest.Date(2025, 12, 31), windows[11].End)
}

func TestGenerateEvenDays(t *testing.T) {
	windows, err := periods.Generate("FY", ledgertest.Date(2025, 1, 1), ledgertest.Date(2025, 1, 10), 3)
	require.NoError(t, err)
	require.Len(t, windows, 3)
	require.Equal(t, "FY-P01", windows[0].Code)
	require.Equal(t, ledgertest.Date(2025, 1, 4), windows[0].End)
	require.Equal(t, ledgertest.Date(2025, 1, 5), windows[1].Start)
	require.Equal(t, ledgertest.Date(2025, 1, 10), windows[2].End)

	_, err = periods.Generate("FY", ledgertest.Date(2025, 1, 1), ledgertest.Date(2025, 1, 2), 3)
	require.ErrorIs(t, err, accounting.ErrInvalidDateRange)
}

func TestCreateAndOpenYear(t *testing.T) {
	fx, cal := newCalendar(t)
	ctx := context.Background()

	year, generated, err := cal.CreateFiscalYear(ctx, periods.CreateFiscalYearInput{
		CompanyID: ledgertest.CompanyID,
		Name:      "FY2025",
		StartDate: ledgertest.Date(2025, 1, 1),
		EndDate:   ledgertest.Date(2025, 12, 31),
		Periods:   12,
		ActorID:   3,
	})
	require.NoError(t, err)
	require.Equal(t, accounting.FiscalYearStatusDraft, year.Status)
	require.Len(t, generated, 12)

	_, _, err = cal.CreateFiscalYear(ctx, periods.CreateFiscalYearInput{
		CompanyID: ledgertest.CompanyID,
		Name:      "Overlap",
		StartDate: ledgertest.Date(2024, 6, 1),
		EndDate:   ledgertest.Date(2025, 5, 31),
	})
	require.ErrorIs(t, err, accounting.ErrOverlappingYear)

	_, err = cal.SetCurrentYear(ctx, ledgertest.CompanyID, year.ID, 3)
	require.ErrorIs(t, err, accounting.ErrFiscalYearNotOpen)

	opened, err := cal.OpenYear(ctx, ledgertest.CompanyID, year.ID, 3)
	require.NoError(t, err)
	require.Equal(t, accounting.FiscalYearStatusOpen, opened.Status)
	require.False(t, opened.IsCurrent, "the seeded year stays current")

	current, err := cal.SetCurrentYear(ctx, ledgertest.CompanyID, year.ID, 3)
	require.NoError(t, err)
	require.True(t, current.IsCurrent)

	found, err := cal.CurrentYear(ctx, ledgertest.CompanyID)
	require.NoError(t, err)
	require.Equal(t, year.ID, found.ID)
	require.Equal(t, []string{"fiscal_year.create", "fiscal_year.open", "fiscal_year.set_current"}, fx.Audit.Actions())
}

func TestAddPeriodRequiresContiguity(t *testing.T) {
	_, cal := newCalendar(t)
	ctx := context.Background()

	year, generated, err := cal.CreateFiscalYear(ctx, periods.CreateFiscalYearInput{
		CompanyID: ledgertest.CompanyID,
		Name:      "FY2025",
		StartDate: ledgertest.Date(2025, 1, 1),
		EndDate:   ledgertest.Date(2025, 6, 30),
	})
	require.NoError(t, err)
	require.Empty(t, generated)

	_, err = cal.AddPeriod(ctx, periods.AddPeriodInput{
		CompanyID:    ledgertest.CompanyID,
		FiscalYearID: year.ID,
		Code:         "H1-late",
		StartDate:    ledgertest.Date(2025, 1, 2),
		EndDate:      ledgertest.Date(2025, 3, 31),
	})
	require.ErrorIs(t, err, accounting.ErrInvalidDateRange)

	first, err := cal.AddPeriod(ctx, periods.AddPeriodInput{
		CompanyID:    ledgertest.CompanyID,
		FiscalYearID: year.ID,
		Code:         "Q1",
		StartDate:    ledgertest.Date(2025, 1, 1),
		EndDate:      ledgertest.Date(2025, 3, 31),
	})
	require.NoError(t, err)
	require.Equal(t, 1, first.Number)

	_, err = cal.OpenYear(ctx, ledgertest.CompanyID, year.ID, 0)
	require.ErrorIs(t, err, accounting.ErrInvalidDateRange, "Q2 is still missing")

	_, err = cal.AddPeriod(ctx, periods.AddPeriodInput{
		CompanyID:    ledgertest.CompanyID,
		FiscalYearID: year.ID,
		Code:         "Q2",
		StartDate:    ledgertest.Date(2025, 4, 1),
		EndDate:      ledgertest.Date(2025, 6, 30),
	})
	require.NoError(t, err)
	_, err = cal.OpenYear(ctx, ledgertest.CompanyID, year.ID, 0)
	require.NoError(t, err)
}

func TestClosePeriodOutOfOrderWarnsAndReopenNeedsReason(t *testing.T) {
	fx, cal := newCalendar(t)
	ctx := context.Background()

	result, err := cal.ClosePeriod(ctx, ledgertest.CompanyID, fx.Period(3).ID, 3)
	require.NoError(t, err)
	require.Equal(t, accounting.PeriodStatusClosed, result.Period.Status)
	require.Len(t, result.Warnings, 2)
	require.Equal(t, []accounting.NotificationKind{accounting.NotifyPeriodCloseWarning}, fx.Notify.Kinds())

	_, err = cal.ClosePeriod(ctx, ledgertest.CompanyID, fx.Period(3).ID, 3)
	require.ErrorIs(t, err, accounting.ErrInvalidStatus)

	_, err = cal.ReopenPeriod(ctx, periods.ReopenPeriodInput{CompanyID: ledgertest.CompanyID, PeriodID: fx.Period(3).ID, Reason: "  "})
	require.ErrorIs(t, err, accounting.ErrReasonRequired)

	reopened, err := cal.ReopenPeriod(ctx, periods.ReopenPeriodInput{
		CompanyID: ledgertest.CompanyID,
		PeriodID:  fx.Period(3).ID,
		Reason:    "late supplier invoice",
	})
	require.NoError(t, err)
	require.Equal(t, accounting.PeriodStatusOpen, reopened.Status)
	require.Equal(t, "late supplier invoice", reopened.ReopenReason)
	require.Nil(t, reopened.ClosedAt)
}

func TestCloseAndLockYear(t *testing.T) {
	fx, cal := newCalendar(t)
	ctx := context.Background()
	input := periods.CloseYearInput{CompanyID: ledgertest.CompanyID, FiscalYearID: fx.Year.ID}

	_, err := cal.CloseYear(ctx, input)
	require.ErrorIs(t, err, accounting.ErrOpenPeriodsRemain)
	require.Equal(t, accounting.KindConflict, accounting.KindOf(err))

	input.Force = true
	result, err := cal.CloseYear(ctx, input)
	require.NoError(t, err)
	require.Equal(t, accounting.FiscalYearStatusClosed, result.Year.Status)
	require.Len(t, result.ClosedPeriods, 12)
	require.Len(t, result.Warnings, 12)

	_, err = cal.ReopenPeriod(ctx, periods.ReopenPeriodInput{CompanyID: ledgertest.CompanyID, PeriodID: fx.Period(1).ID, Reason: "fix"})
	require.ErrorIs(t, err, accounting.ErrFiscalYearClosed)

	locked, err := cal.LockYear(ctx, ledgertest.CompanyID, fx.Year.ID, 0)
	require.NoError(t, err)
	require.Equal(t, accounting.FiscalYearStatusLocked, locked.Status)
	require.NotNil(t, locked.LockedAt)

	_, err = cal.LockYear(ctx, ledgertest.CompanyID, fx.Year.ID, 0)
	require.ErrorIs(t, err, accounting.ErrInvalidStatus)
}

func TestResolvePostable(t *testing.T) {
	fx, cal := newCalendar(t)
	ctx := context.Background()
	fx.SetPeriodStatus(t, fx.Period(2).ID, accounting.PeriodStatusClosed)

	err := fx.Store.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		period, _, err := cal.ResolvePostable(ctx, tx, ledgertest.CompanyID, ledgertest.Date(2024, 1, 31))
		require.NoError(t, err)
		require.Equal(t, fx.Period(1).ID, period.ID)

		_, _, err = cal.ResolvePostable(ctx, tx, ledgertest.CompanyID, ledgertest.Date(2024, 2, 10))
		require.ErrorIs(t, err, accounting.ErrPeriodClosed)

		current, year, today, err := cal.CurrentPeriod(ctx, tx, ledgertest.CompanyID)
		require.NoError(t, err)
		require.Equal(t, fx.Period(3).ID, current.ID)
		require.Equal(t, fx.Year.ID, year.ID)
		require.Equal(t, ledgertest.Date(2024, 3, 15), today)
		return nil
	})
	require.NoError(t, err)
}

func createYear(t *testing.T, cal *periods.Service, name string, year int) accounting.FiscalYear {
	t.Helper()
	created, _, err := cal.CreateFiscalYear(context.Background(), periods.CreateFiscalYearInput{
		CompanyID: ledgertest.CompanyID,
		Name:      name,
		StartDate: ledgertest.Date(year, 1, 1),
		EndDate:   ledgertest.Date(year, 12, 31),
		Periods:   12,
	})
	require.NoError(t, err)
	return created
}

func TestCloseCurrentYearThenOpenNextMovesCurrent(t *testing.T) {
	fx, cal := newCalendar(t)
	ctx := context.Background()

	result, err := cal.CloseYear(ctx, periods.CloseYearInput{CompanyID: ledgertest.CompanyID, FiscalYearID: fx.Year.ID, Force: true})
	require.NoError(t, err)
	require.Zero(t, result.HandedOffTo)

	next := createYear(t, cal, "FY2025", 2025)
	opened, err := cal.OpenYear(ctx, ledgertest.CompanyID, next.ID, 0)
	require.NoError(t, err)
	require.True(t, opened.IsCurrent, "a closed current year does not block promotion")

	current, err := cal.CurrentYear(ctx, ledgertest.CompanyID)
	require.NoError(t, err)
	require.Equal(t, next.ID, current.ID)

	closed, _, err := cal.GetYear(ctx, ledgertest.CompanyID, fx.Year.ID)
	require.NoError(t, err)
	require.False(t, closed.IsCurrent)
}

func TestCloseCurrentYearHandsOffToOpenSuccessor(t *testing.T) {
	fx, cal := newCalendar(t)
	ctx := context.Background()

	later := createYear(t, cal, "FY2026", 2026)
	_, err := cal.OpenYear(ctx, ledgertest.CompanyID, later.ID, 0)
	require.NoError(t, err)
	next := createYear(t, cal, "FY2025", 2025)
	_, err = cal.OpenYear(ctx, ledgertest.CompanyID, next.ID, 0)
	require.NoError(t, err)

	result, err := cal.CloseYear(ctx, periods.CloseYearInput{CompanyID: ledgertest.CompanyID, FiscalYearID: fx.Year.ID, Force: true})
	require.NoError(t, err)
	require.Equal(t, next.ID, result.HandedOffTo)
	require.False(t, result.Year.IsCurrent)

	current, err := cal.CurrentYear(ctx, ledgertest.CompanyID)
	require.NoError(t, err)
	require.Equal(t, next.ID, current.ID)
}

func TestCurrentPeriodHonoursCurrentYear(t *testing.T) {
	fx, cal := newCalendar(t)
	ctx := context.Background()

	next := createYear(t, cal, "FY2025", 2025)
	_, err := cal.OpenYear(ctx, ledgertest.CompanyID, next.ID, 0)
	require.NoError(t, err)
	_, err = cal.SetCurrentYear(ctx, ledgertest.CompanyID, next.ID, 0)
	require.NoError(t, err)

	err = fx.Store.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		_, _, today, err := cal.CurrentPeriod(ctx, tx, ledgertest.CompanyID)
		require.ErrorIs(t, err, accounting.ErrPeriodNotFound)
		require.Equal(t, ledgertest.Date(2024, 3, 15), today)
		return nil
	})
	require.NoError(t, err)

	_, err = cal.SetCurrentYear(ctx, ledgertest.CompanyID, fx.Year.ID, 0)
	require.NoError(t, err)
	_, err = cal.CloseYear(ctx, periods.CloseYearInput{CompanyID: ledgertest.CompanyID, FiscalYearID: fx.Year.ID, Force: true})
	require.NoError(t, err)

	err = fx.Store.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		_, _, _, err := cal.CurrentPeriod(ctx, tx, ledgertest.CompanyID)
		require.ErrorIs(t, err, accounting.ErrPeriodNotFound, "FY2025 took over and does not contain today")
		return nil
	})
	require.NoError(t, err)
}
