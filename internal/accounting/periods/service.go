// Package periods implements the fiscal calendar: fiscal years, their periods
// and the rules deciding whether a date accepts postings.
package periods

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/shared"
)

// Service is the fiscal calendar.
type Service struct {
	repo  accounting.Repository
	hooks accounting.Hooks
}

// NewService constructs the calendar.
func NewService(repo accounting.Repository, hooks accounting.Hooks) *Service {
	return &Service{repo: repo, hooks: hooks}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.hooks.Now = now
	}
}

// CreateFiscalYearInput describes a new fiscal year. Periods > 0 generates
// that many contiguous periods.
type CreateFiscalYearInput struct {
	CompanyID int64  `validate:"required"`
	Name      string `validate:"required,max=64"`
	StartDate time.Time
	EndDate   time.Time
	Periods   int `validate:"min=0,max=366"`
	ActorID   int64
}

// CreateFiscalYear stores a Draft fiscal year with optional generated periods.
func (s *Service) CreateFiscalYear(ctx context.Context, input CreateFiscalYearInput) (accounting.FiscalYear, []accounting.Period, error) {
	if err := accounting.ValidateStruct(input); err != nil {
		return accounting.FiscalYear{}, nil, err
	}
	if input.StartDate.IsZero() || input.EndDate.IsZero() || input.EndDate.Before(input.StartDate) {
		return accounting.FiscalYear{}, nil, accounting.ErrInvalidDateRange
	}
	var windows []Window
	if input.Periods > 0 {
		var err error
		windows, err = Generate(input.Name, input.StartDate, input.EndDate, input.Periods)
		if err != nil {
			return accounting.FiscalYear{}, nil, err
		}
	}
	now := s.hooks.Clock()
	var year accounting.FiscalYear
	var periods []accounting.Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		periods = nil
		existing, err := tx.ListFiscalYears(ctx, input.CompanyID)
		if err != nil {
			return err
		}
		start, end := accounting.DateOnly(input.StartDate), accounting.DateOnly(input.EndDate)
		for _, other := range existing {
			if !start.After(accounting.DateOnly(other.EndDate)) && !end.Before(accounting.DateOnly(other.StartDate)) {
				return fmt.Errorf("%w: %s", accounting.ErrOverlappingYear, other.Name)
			}
		}
		year, err = tx.InsertFiscalYear(ctx, accounting.FiscalYear{
			CompanyID: input.CompanyID,
			Name:      input.Name,
			StartDate: start,
			EndDate:   end,
			Status:    accounting.FiscalYearStatusDraft,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}
		for i, window := range windows {
			period, err := tx.InsertPeriod(ctx, accounting.Period{
				CompanyID:    input.CompanyID,
				FiscalYearID: year.ID,
				Number:       i + 1,
				Code:         window.Code,
				StartDate:    window.Start,
				EndDate:      window.End,
				Status:       accounting.PeriodStatusOpen,
				CreatedAt:    now,
				UpdatedAt:    now,
			})
			if err != nil {
				return err
			}
			periods = append(periods, period)
		}
		return nil
	})
	if err != nil {
		return accounting.FiscalYear{}, nil, err
	}
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "fiscal_year.create",
		Entity:   "fiscal_year",
		EntityID: fmt.Sprintf("%d", year.ID),
		Meta:     map[string]any{"name": year.Name, "periods": len(periods)},
	})
	return year, periods, nil
}

// AddPeriodInput appends a period to a Draft fiscal year.
type AddPeriodInput struct {
	CompanyID    int64  `validate:"required"`
	FiscalYearID int64  `validate:"required"`
	Code         string `validate:"required,max=32"`
	StartDate    time.Time
	EndDate      time.Time
	ActorID      int64
}

// AddPeriod appends the next contiguous period to a Draft fiscal year.
func (s *Service) AddPeriod(ctx context.Context, input AddPeriodInput) (accounting.Period, error) {
	if err := accounting.ValidateStruct(input); err != nil {
		return accounting.Period{}, err
	}
	start, end := accounting.DateOnly(input.StartDate), accounting.DateOnly(input.EndDate)
	if input.StartDate.IsZero() || end.Before(start) {
		return accounting.Period{}, accounting.ErrInvalidDateRange
	}
	now := s.hooks.Clock()
	var period accounting.Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		year, err := tx.GetFiscalYearForUpdate(ctx, input.CompanyID, input.FiscalYearID)
		if err != nil {
			return err
		}
		if year.Status != accounting.FiscalYearStatusDraft {
			return fmt.Errorf("%w: periods can only be added to a draft fiscal year", accounting.ErrInvalidStatus)
		}
		existing, err := tx.ListPeriods(ctx, input.CompanyID, year.ID)
		if err != nil {
			return err
		}
		expected := accounting.DateOnly(year.StartDate)
		if n := len(existing); n > 0 {
			expected = accounting.DateOnly(existing[n-1].EndDate).AddDate(0, 0, 1)
		}
		if !start.Equal(expected) {
			return fmt.Errorf("%w: period must start on %s", accounting.ErrInvalidDateRange, expected.Format(time.DateOnly))
		}
		if end.After(accounting.DateOnly(year.EndDate)) {
			return fmt.Errorf("%w: period ends after fiscal year", accounting.ErrInvalidDateRange)
		}
		period, err = tx.InsertPeriod(ctx, accounting.Period{
			CompanyID:    input.CompanyID,
			FiscalYearID: year.ID,
			Number:       len(existing) + 1,
			Code:         input.Code,
			StartDate:    start,
			EndDate:      end,
			Status:       accounting.PeriodStatusOpen,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		return err
	})
	if err != nil {
		return accounting.Period{}, err
	}
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "period.create",
		Entity:   "period",
		EntityID: fmt.Sprintf("%d", period.ID),
		Meta:     map[string]any{"code": period.Code, "fiscal_year_id": period.FiscalYearID},
	})
	return period, nil
}

// OpenYear moves a Draft year to Open once its periods cover it. The year
// becomes current unless another Open year already is.
func (s *Service) OpenYear(ctx context.Context, companyID, fiscalYearID, actorID int64) (accounting.FiscalYear, error) {
	now := s.hooks.Clock()
	var year accounting.FiscalYear
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		year, err = tx.GetFiscalYearForUpdate(ctx, companyID, fiscalYearID)
		if err != nil {
			return err
		}
		if err := ValidateYearTransition(year.Status, accounting.FiscalYearStatusOpen); err != nil {
			return err
		}
		periods, err := tx.ListPeriods(ctx, companyID, year.ID)
		if err != nil {
			return err
		}
		if err := checkCoverage(year, periods); err != nil {
			return err
		}
		year.Status = accounting.FiscalYearStatusOpen
		year.UpdatedAt = now
		if err := tx.UpdateFiscalYear(ctx, year); err != nil {
			return err
		}
		current, err := currentYear(ctx, tx, companyID)
		switch {
		case errors.Is(err, accounting.ErrFiscalYearNotFound):
		case err != nil:
			return err
		case current.Status == accounting.FiscalYearStatusOpen:
			return nil
		}
		year.IsCurrent = true
		return tx.SetCurrentFiscalYear(ctx, companyID, year.ID)
	})
	if err != nil {
		return accounting.FiscalYear{}, err
	}
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "fiscal_year.open",
		Entity:   "fiscal_year",
		EntityID: fmt.Sprintf("%d", year.ID),
		Meta:     map[string]any{"current": year.IsCurrent},
	})
	return year, nil
}

// SetCurrentYear makes an Open year the company's current year.
func (s *Service) SetCurrentYear(ctx context.Context, companyID, fiscalYearID, actorID int64) (accounting.FiscalYear, error) {
	var year accounting.FiscalYear
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		year, err = tx.GetFiscalYearForUpdate(ctx, companyID, fiscalYearID)
		if err != nil {
			return err
		}
		if year.Status != accounting.FiscalYearStatusOpen {
			return accounting.ErrFiscalYearNotOpen
		}
		year.IsCurrent = true
		return tx.SetCurrentFiscalYear(ctx, companyID, year.ID)
	})
	if err != nil {
		return accounting.FiscalYear{}, err
	}
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "fiscal_year.set_current",
		Entity:   "fiscal_year",
		EntityID: fmt.Sprintf("%d", year.ID),
	})
	return year, nil
}

// CloseYearInput closes an Open year. Force closes remaining open periods.
type CloseYearInput struct {
	CompanyID    int64 `validate:"required"`
	FiscalYearID int64 `validate:"required"`
	Force        bool
	ActorID      int64
}

// CloseYearResult reports a year close.
type CloseYearResult struct {
	Year          accounting.FiscalYear
	ClosedPeriods []accounting.Period
	Warnings      []string
	// HandedOffTo is the Open year that became current, or zero.
	HandedOffTo int64
}

// CloseYear closes an Open fiscal year. Without Force it refuses while any
// period is still open; with Force those periods are closed and reported.
// Closing the current year hands the flag to the earliest later Open year.
// With no such year the closed year keeps it until the next OpenYear.
func (s *Service) CloseYear(ctx context.Context, input CloseYearInput) (CloseYearResult, error) {
	if err := accounting.ValidateStruct(input); err != nil {
		return CloseYearResult{}, err
	}
	now := s.hooks.Clock()
	var result CloseYearResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		result = CloseYearResult{}
		year, err := tx.GetFiscalYearForUpdate(ctx, input.CompanyID, input.FiscalYearID)
		if err != nil {
			return err
		}
		if err := ValidateYearTransition(year.Status, accounting.FiscalYearStatusClosed); err != nil {
			return err
		}
		periods, err := tx.ListPeriods(ctx, input.CompanyID, year.ID)
		if err != nil {
			return err
		}
		var open []string
		for _, period := range periods {
			if period.Status == accounting.PeriodStatusOpen {
				open = append(open, period.Code)
			}
		}
		if len(open) > 0 && !input.Force {
			return fmt.Errorf("%w: %s", accounting.ErrOpenPeriodsRemain, strings.Join(open, ", "))
		}
		for _, period := range periods {
			if period.Status != accounting.PeriodStatusOpen {
				continue
			}
			locked, err := tx.GetPeriodForUpdate(ctx, input.CompanyID, period.ID)
			if err != nil {
				return err
			}
			locked.Status = accounting.PeriodStatusClosed
			locked.ClosedAt = &now
			locked.UpdatedAt = now
			if err := tx.UpdatePeriod(ctx, locked); err != nil {
				return err
			}
			result.ClosedPeriods = append(result.ClosedPeriods, locked)
			result.Warnings = append(result.Warnings, fmt.Sprintf("period %s was still open and has been closed", locked.Code))
		}
		year.Status = accounting.FiscalYearStatusClosed
		year.ClosedAt = &now
		year.UpdatedAt = now
		if err := tx.UpdateFiscalYear(ctx, year); err != nil {
			return err
		}
		if year.IsCurrent {
			next, found, err := successor(ctx, tx, year)
			if err != nil {
				return err
			}
			if found {
				if err := tx.SetCurrentFiscalYear(ctx, input.CompanyID, next.ID); err != nil {
					return err
				}
				year.IsCurrent = false
				result.HandedOffTo = next.ID
			}
		}
		result.Year = year
		return nil
	})
	if err != nil {
		return CloseYearResult{}, err
	}
	if len(result.Warnings) > 0 {
		s.hooks.Send(ctx, accounting.Notification{
			Kind:      accounting.NotifyPeriodCloseWarning,
			CompanyID: input.CompanyID,
			Subject:   fmt.Sprintf("fiscal year %s force closed", result.Year.Name),
			Detail:    map[string]any{"warnings": result.Warnings},
		})
	}
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "fiscal_year.close",
		Entity:   "fiscal_year",
		EntityID: fmt.Sprintf("%d", result.Year.ID),
		Meta:     map[string]any{"force": input.Force, "closed_periods": len(result.ClosedPeriods), "current_to": result.HandedOffTo},
	})
	return result, nil
}

// LockYear moves a Closed year to Locked. Locked years never reopen.
func (s *Service) LockYear(ctx context.Context, companyID, fiscalYearID, actorID int64) (accounting.FiscalYear, error) {
	now := s.hooks.Clock()
	var year accounting.FiscalYear
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		year, err = tx.GetFiscalYearForUpdate(ctx, companyID, fiscalYearID)
		if err != nil {
			return err
		}
		if err := ValidateYearTransition(year.Status, accounting.FiscalYearStatusLocked); err != nil {
			return err
		}
		year.Status = accounting.FiscalYearStatusLocked
		year.LockedAt = &now
		year.UpdatedAt = now
		return tx.UpdateFiscalYear(ctx, year)
	})
	if err != nil {
		return accounting.FiscalYear{}, err
	}
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "fiscal_year.lock",
		Entity:   "fiscal_year",
		EntityID: fmt.Sprintf("%d", year.ID),
	})
	return year, nil
}

// ClosePeriodResult reports a period close.
type ClosePeriodResult struct {
	Period   accounting.Period
	Warnings []string
}

// ClosePeriod closes an Open period. Earlier periods left open are reported as warnings.
func (s *Service) ClosePeriod(ctx context.Context, companyID, periodID, actorID int64) (ClosePeriodResult, error) {
	now := s.hooks.Clock()
	var result ClosePeriodResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		result = ClosePeriodResult{}
		period, err := tx.GetPeriodForUpdate(ctx, companyID, periodID)
		if err != nil {
			return err
		}
		if err := ValidatePeriodTransition(period.Status, accounting.PeriodStatusClosed); err != nil {
			return err
		}
		siblings, err := tx.ListPeriods(ctx, companyID, period.FiscalYearID)
		if err != nil {
			return err
		}
		for _, other := range siblings {
			if other.Number < period.Number && other.Status == accounting.PeriodStatusOpen {
				result.Warnings = append(result.Warnings, fmt.Sprintf("earlier period %s is still open", other.Code))
			}
		}
		period.Status = accounting.PeriodStatusClosed
		period.ClosedAt = &now
		period.UpdatedAt = now
		if err := tx.UpdatePeriod(ctx, period); err != nil {
			return err
		}
		result.Period = period
		return nil
	})
	if err != nil {
		return ClosePeriodResult{}, err
	}
	if len(result.Warnings) > 0 {
		s.hooks.Send(ctx, accounting.Notification{
			Kind:      accounting.NotifyPeriodCloseWarning,
			CompanyID: companyID,
			Subject:   fmt.Sprintf("period %s closed out of order", result.Period.Code),
			Detail:    map[string]any{"warnings": result.Warnings},
		})
	}
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "period.close",
		Entity:   "period",
		EntityID: fmt.Sprintf("%d", result.Period.ID),
		Meta:     map[string]any{"code": result.Period.Code},
	})
	return result, nil
}

// ReopenPeriodInput reopens a Closed period. Reason is mandatory.
type ReopenPeriodInput struct {
	CompanyID int64 `validate:"required"`
	PeriodID  int64 `validate:"required"`
	Reason    string
	ActorID   int64
}

// ReopenPeriod reopens a Closed period of an Open fiscal year.
func (s *Service) ReopenPeriod(ctx context.Context, input ReopenPeriodInput) (accounting.Period, error) {
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return accounting.Period{}, accounting.ErrReasonRequired
	}
	if err := accounting.ValidateStruct(input); err != nil {
		return accounting.Period{}, err
	}
	now := s.hooks.Clock()
	var period accounting.Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		period, err = tx.GetPeriodForUpdate(ctx, input.CompanyID, input.PeriodID)
		if err != nil {
			return err
		}
		year, err := tx.GetFiscalYearForUpdate(ctx, input.CompanyID, period.FiscalYearID)
		if err != nil {
			return err
		}
		if year.Status == accounting.FiscalYearStatusClosed || year.Status == accounting.FiscalYearStatusLocked {
			return fmt.Errorf("%w: fiscal year %s is %s", accounting.ErrFiscalYearClosed, year.Name, strings.ToLower(string(year.Status)))
		}
		if err := ValidatePeriodTransition(period.Status, accounting.PeriodStatusOpen); err != nil {
			return err
		}
		period.Status = accounting.PeriodStatusOpen
		period.ClosedAt = nil
		period.ReopenReason = reason
		period.UpdatedAt = now
		return tx.UpdatePeriod(ctx, period)
	})
	if err != nil {
		return accounting.Period{}, err
	}
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "period.reopen",
		Entity:   "period",
		EntityID: fmt.Sprintf("%d", period.ID),
		Meta:     map[string]any{"code": period.Code, "reason": reason},
	})
	return period, nil
}

// ResolvePostable returns the period accepting postings on date. It is the
// single authority for that decision: the period must be Open and its fiscal
// year Open. Both rows stay share-locked for the rest of the transaction.
func (s *Service) ResolvePostable(ctx context.Context, tx accounting.TxRepository, companyID int64, date time.Time) (accounting.Period, accounting.FiscalYear, error) {
	found, err := tx.FindPeriodByDate(ctx, companyID, date)
	if err != nil {
		return accounting.Period{}, accounting.FiscalYear{}, err
	}
	period, year, err := tx.SharePeriodForPosting(ctx, companyID, found.ID)
	if err != nil {
		return accounting.Period{}, accounting.FiscalYear{}, err
	}
	if year.Status != accounting.FiscalYearStatusOpen {
		return accounting.Period{}, accounting.FiscalYear{}, fmt.Errorf("%w: fiscal year %s is %s", accounting.ErrPeriodClosed, year.Name, strings.ToLower(string(year.Status)))
	}
	if period.Status != accounting.PeriodStatusOpen {
		return accounting.Period{}, accounting.FiscalYear{}, fmt.Errorf("%w: period %s", accounting.ErrPeriodClosed, period.Code)
	}
	return period, year, nil
}

// CurrentPeriod resolves the open period containing today inside the
// company's current fiscal year.
func (s *Service) CurrentPeriod(ctx context.Context, tx accounting.TxRepository, companyID int64) (accounting.Period, accounting.FiscalYear, time.Time, error) {
	today := accounting.DateOnly(s.hooks.Clock())
	current, err := currentYear(ctx, tx, companyID)
	if err != nil {
		return accounting.Period{}, accounting.FiscalYear{}, today, err
	}
	if current.Status != accounting.FiscalYearStatusOpen {
		return accounting.Period{}, accounting.FiscalYear{}, today, fmt.Errorf("%w: current year %s is %s", accounting.ErrFiscalYearNotOpen, current.Name, strings.ToLower(string(current.Status)))
	}
	if !current.Contains(today) {
		return accounting.Period{}, accounting.FiscalYear{}, today, fmt.Errorf("%w: %s is outside current year %s", accounting.ErrPeriodNotFound, today.Format(time.DateOnly), current.Name)
	}
	period, year, err := s.ResolvePostable(ctx, tx, companyID, today)
	return period, year, today, err
}

// CurrentYear returns the company's current fiscal year.
func (s *Service) CurrentYear(ctx context.Context, companyID int64) (accounting.FiscalYear, error) {
	var out accounting.FiscalYear
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		out, err = currentYear(ctx, tx, companyID)
		return err
	})
	return out, err
}

func currentYear(ctx context.Context, tx accounting.TxRepository, companyID int64) (accounting.FiscalYear, error) {
	years, err := tx.ListFiscalYears(ctx, companyID)
	if err != nil {
		return accounting.FiscalYear{}, err
	}
	for _, year := range years {
		if year.IsCurrent {
			return year, nil
		}
	}
	return accounting.FiscalYear{}, accounting.ErrFiscalYearNotFound
}

// successor returns the earliest Open year starting after closed.
func successor(ctx context.Context, tx accounting.TxRepository, closed accounting.FiscalYear) (accounting.FiscalYear, bool, error) {
	years, err := tx.ListFiscalYears(ctx, closed.CompanyID)
	if err != nil {
		return accounting.FiscalYear{}, false, err
	}
	var next accounting.FiscalYear
	found := false
	for _, year := range years {
		if year.ID == closed.ID || year.Status != accounting.FiscalYearStatusOpen || !year.StartDate.After(closed.StartDate) {
			continue
		}
		if !found || year.StartDate.Before(next.StartDate) {
			next, found = year, true
		}
	}
	return next, found, nil
}

// GetYear returns a fiscal year with its periods.
func (s *Service) GetYear(ctx context.Context, companyID, fiscalYearID int64) (accounting.FiscalYear, []accounting.Period, error) {
	var year accounting.FiscalYear
	var periods []accounting.Period
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		year, err = tx.GetFiscalYear(ctx, companyID, fiscalYearID)
		if err != nil {
			return err
		}
		periods, err = tx.ListPeriods(ctx, companyID, fiscalYearID)
		return err
	})
	return year, periods, err
}

// ListYears lists fiscal years ordered by start date.
func (s *Service) ListYears(ctx context.Context, companyID int64) ([]accounting.FiscalYear, error) {
	var years []accounting.FiscalYear
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		years, err = tx.ListFiscalYears(ctx, companyID)
		return err
	})
	return years, err
}

// FindPeriod returns the period covering date regardless of status.
func (s *Service) FindPeriod(ctx context.Context, companyID int64, date time.Time) (accounting.Period, error) {
	var period accounting.Period
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		period, err = tx.FindPeriodByDate(ctx, companyID, date)
		return err
	})
	return period, err
}
