package periods

import "github.com/odyssey-erp/odyssey-gl/internal/accounting"

var yearTransitions = map[accounting.FiscalYearStatus][]accounting.FiscalYearStatus{
	accounting.FiscalYearStatusDraft:  {accounting.FiscalYearStatusOpen},
	accounting.FiscalYearStatusOpen:   {accounting.FiscalYearStatusClosed},
	accounting.FiscalYearStatusClosed: {accounting.FiscalYearStatusLocked},
}

var periodTransitions = map[accounting.PeriodStatus][]accounting.PeriodStatus{
	accounting.PeriodStatusOpen:   {accounting.PeriodStatusClosed},
	accounting.PeriodStatusClosed: {accounting.PeriodStatusOpen},
}

// ValidateYearTransition checks a fiscal year status change. Locked is terminal.
func ValidateYearTransition(current, target accounting.FiscalYearStatus) error {
	for _, allowed := range yearTransitions[current] {
		if allowed == target {
			return nil
		}
	}
	return accounting.ErrInvalidStatus
}

// ValidatePeriodTransition checks a period status change.
func ValidatePeriodTransition(current, target accounting.PeriodStatus) error {
	for _, allowed := range periodTransitions[current] {
		if allowed == target {
			return nil
		}
	}
	return accounting.ErrInvalidStatus
}
