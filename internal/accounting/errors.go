package accounting

import (
	"errors"
	"fmt"
)

// Kind classifies ledger errors for callers.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindConflict    Kind = "conflict"
	KindNotFound    Kind = "not_found"
	KindIntegrity   Kind = "integrity"
	KindConcurrency Kind = "concurrency"
	KindInternal    Kind = "internal"
)

// Error is a classified ledger error with a stable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("accounting: %s: %v", e.Message, e.Err)
	}
	return "accounting: " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = newError(KindValidation, "UNBALANCED", "journal lines must balance")
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = newError(KindValidation, "TOO_FEW_LINES", "journal requires at least two lines")
	// ErrInvalidLine indicates a malformed journal line.
	ErrInvalidLine = newError(KindValidation, "INVALID_LINE", "invalid journal line")
	// ErrInvalidInput indicates missing or malformed request fields.
	ErrInvalidInput = newError(KindValidation, "INVALID_INPUT", "invalid input")
	// ErrInvalidCode indicates an account code that violates the segment format.
	ErrInvalidCode = newError(KindValidation, "INVALID_CODE", "invalid account code")
	// ErrInvalidDateRange indicates start after end or a non contiguous period window.
	ErrInvalidDateRange = newError(KindValidation, "INVALID_DATE_RANGE", "invalid date range")
	// ErrReasonRequired indicates a mandatory reason was omitted.
	ErrReasonRequired = newError(KindValidation, "REASON_REQUIRED", "reason required")
	// ErrInvalidColumnKind indicates an unknown adjustment column kind.
	ErrInvalidColumnKind = newError(KindValidation, "INVALID_COLUMN_KIND", "invalid adjustment column kind")
	// ErrInvalidOpeningDate indicates an opening entry not dated on the fiscal year start.
	ErrInvalidOpeningDate = newError(KindValidation, "INVALID_OPENING_DATE", "opening entries must be dated on the fiscal year start")
	// ErrAdjustmentsUnbalanced indicates an adjusting column that does not net to zero.
	ErrAdjustmentsUnbalanced = newError(KindValidation, "ADJUSTMENTS_UNBALANCED", "adjustment column must net to zero")

	// ErrDuplicateCode indicates the account code is taken.
	ErrDuplicateCode = newError(KindConflict, "DUPLICATE_CODE", "account code already exists")
	// ErrInactiveAccount indicates a posting to a deactivated account.
	ErrInactiveAccount = newError(KindConflict, "INACTIVE_ACCOUNT", "account is inactive")
	// ErrPeriodClosed indicates the period does not accept postings.
	ErrPeriodClosed = newError(KindConflict, "PERIOD_CLOSED", "period is not open")
	// ErrFiscalYearNotOpen indicates the fiscal year does not accept postings.
	ErrFiscalYearNotOpen = newError(KindConflict, "FISCAL_YEAR_NOT_OPEN", "fiscal year is not open")
	// ErrFiscalYearClosed indicates a closed or locked fiscal year.
	ErrFiscalYearClosed = newError(KindConflict, "FISCAL_YEAR_CLOSED", "fiscal year is closed")
	// ErrOpenPeriodsRemain indicates a year close with open periods and no force flag.
	ErrOpenPeriodsRemain = newError(KindConflict, "OPEN_PERIODS_REMAIN", "fiscal year still has open periods")
	// ErrOverlappingYear indicates a fiscal year overlapping an existing one.
	ErrOverlappingYear = newError(KindConflict, "OVERLAPPING_YEAR", "fiscal year overlaps an existing year")
	// ErrInvalidStatus indicates action can't proceed.
	ErrInvalidStatus = newError(KindConflict, "INVALID_STATUS", "invalid status transition")
	// ErrSourceAlreadyLinked indicates idempotency conflict.
	ErrSourceAlreadyLinked = newError(KindConflict, "SOURCE_ALREADY_LINKED", "source already linked")
	// ErrWTBLocked indicates a mutation of a locked working trial balance.
	ErrWTBLocked = newError(KindConflict, "WTB_LOCKED", "working trial balance is locked")
	// ErrBatchPosted indicates a mutation of a posted opening batch.
	ErrBatchPosted = newError(KindConflict, "BATCH_POSTED", "opening batch already posted")
	// ErrBatchExists indicates a second opening batch for the same fiscal year.
	ErrBatchExists = newError(KindConflict, "BATCH_EXISTS", "opening batch already exists for fiscal year")
	// ErrAlreadyScheduled indicates a pending auto reversal already exists.
	ErrAlreadyScheduled = newError(KindConflict, "ALREADY_SCHEDULED", "auto reversal already scheduled")
	// ErrAlreadyProcessed indicates an auto reversal that already ran.
	ErrAlreadyProcessed = newError(KindConflict, "ALREADY_PROCESSED", "auto reversal already processed")

	// ErrAccountNotFound indicates missing account.
	ErrAccountNotFound = newError(KindNotFound, "ACCOUNT_NOT_FOUND", "account not found")
	// ErrGroupNotFound indicates missing account group.
	ErrGroupNotFound = newError(KindNotFound, "GROUP_NOT_FOUND", "account group not found")
	// ErrFiscalYearNotFound indicates missing fiscal year.
	ErrFiscalYearNotFound = newError(KindNotFound, "FISCAL_YEAR_NOT_FOUND", "fiscal year not found")
	// ErrPeriodNotFound indicates no period covers the date or id.
	ErrPeriodNotFound = newError(KindNotFound, "PERIOD_NOT_FOUND", "period not found")
	// ErrJournalNotFound indicates missing entry.
	ErrJournalNotFound = newError(KindNotFound, "JOURNAL_NOT_FOUND", "journal entry not found")
	// ErrAutoReversalNotFound indicates missing auto reversal schedule.
	ErrAutoReversalNotFound = newError(KindNotFound, "AUTO_REVERSAL_NOT_FOUND", "auto reversal not found")
	// ErrWTBNotFound indicates missing working trial balance.
	ErrWTBNotFound = newError(KindNotFound, "WTB_NOT_FOUND", "working trial balance not found")
	// ErrColumnNotFound indicates missing adjustment column.
	ErrColumnNotFound = newError(KindNotFound, "COLUMN_NOT_FOUND", "adjustment column not found")
	// ErrLineNotFound indicates an account missing from a snapshot or batch.
	ErrLineNotFound = newError(KindNotFound, "LINE_NOT_FOUND", "line not found")
	// ErrBatchNotFound indicates missing opening batch.
	ErrBatchNotFound = newError(KindNotFound, "BATCH_NOT_FOUND", "opening batch not found")

	// ErrCycleDetected indicates a move that would create a cycle.
	ErrCycleDetected = newError(KindIntegrity, "CYCLE_DETECTED", "move would create a cycle")
	// ErrTypeMismatch indicates a child type incompatible with its parent.
	ErrTypeMismatch = newError(KindIntegrity, "TYPE_MISMATCH", "account type incompatible with parent")
	// ErrHasChildren indicates an account that still has children.
	ErrHasChildren = newError(KindIntegrity, "HAS_CHILDREN", "account has children")
	// ErrHasPostings indicates an account that has postings.
	ErrHasPostings = newError(KindIntegrity, "HAS_POSTINGS", "account has postings")
	// ErrAlreadyReversed indicates the entry was reversed before.
	ErrAlreadyReversed = newError(KindIntegrity, "ALREADY_REVERSED", "journal entry already reversed")
	// ErrReversalNotReversible indicates an attempt to reverse a reversal entry.
	ErrReversalNotReversible = newError(KindIntegrity, "REVERSAL_NOT_REVERSIBLE", "a reversal entry cannot be reversed")
	// ErrBalanceDrift indicates stored balances disagree with postings.
	ErrBalanceDrift = newError(KindIntegrity, "BALANCE_DRIFT", "stored balances drifted from postings")

	// ErrConcurrency indicates a lost race that is safe to retry.
	ErrConcurrency = newError(KindConcurrency, "CONCURRENT_MODIFICATION", "concurrent modification, retry the operation")

	// ErrInternal indicates an unexpected failure.
	ErrInternal = newError(KindInternal, "INTERNAL", "internal error")
)

// Internal wraps an unexpected error so it surfaces as KindInternal.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return &Error{Kind: KindInternal, Code: ErrInternal.Code, Message: ErrInternal.Message, Err: err}
}

// Concurrency wraps a storage conflict as a retryable ErrConcurrency.
func Concurrency(err error) error {
	return &Error{Kind: KindConcurrency, Code: ErrConcurrency.Code, Message: ErrConcurrency.Message, Err: err}
}

// KindOf returns the classification of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the whole operation may be retried.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindConcurrency
}

// PublicError is the user facing form of an error.
type PublicError struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Public maps err to its user facing form. Unclassified and internal errors
// collapse to a generic message.
func Public(err error) PublicError {
	var classified *Error
	if !errors.As(err, &classified) || classified.Kind == KindInternal {
		return PublicError{Kind: KindInternal, Code: ErrInternal.Code, Message: ErrInternal.Message}
	}
	return PublicError{Kind: classified.Kind, Code: classified.Code, Message: err.Error()}
}
