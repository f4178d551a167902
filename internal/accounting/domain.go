package accounting

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue, AccountTypeExpense:
		return true
	}
	return false
}

// BalanceSheet reports whether balances of this type carry over between fiscal years.
func (t AccountType) BalanceSheet() bool {
	return t == AccountTypeAsset || t == AccountTypeLiability || t == AccountTypeEquity
}

// NormalSide is the side on which an account normally carries its balance.
type NormalSide string

const (
	NormalSideDebit  NormalSide = "DEBIT"
	NormalSideCredit NormalSide = "CREDIT"
)

// DefaultNormalSide returns the conventional normal side for an account type.
func DefaultNormalSide(t AccountType) NormalSide {
	if t == AccountTypeAsset || t == AccountTypeExpense {
		return NormalSideDebit
	}
	return NormalSideCredit
}

// AccountStatus enumerates account availability.
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "ACTIVE"
	AccountStatusInactive AccountStatus = "INACTIVE"
)

// FiscalYearStatus enumerates fiscal year lifecycle values.
type FiscalYearStatus string

const (
	FiscalYearStatusDraft  FiscalYearStatus = "DRAFT"
	FiscalYearStatusOpen   FiscalYearStatus = "OPEN"
	FiscalYearStatusClosed FiscalYearStatus = "CLOSED"
	FiscalYearStatusLocked FiscalYearStatus = "LOCKED"
)

// PeriodStatus enumerates valid period states.
type PeriodStatus string

const (
	PeriodStatusOpen   PeriodStatus = "OPEN"
	PeriodStatusClosed PeriodStatus = "CLOSED"
)

// JournalStatus enumerates journal lifecycle values.
type JournalStatus string

const (
	JournalStatusDraft    JournalStatus = "DRAFT"
	JournalStatusPosted   JournalStatus = "POSTED"
	JournalStatusReversed JournalStatus = "REVERSED"
)

// JournalSource tells where a journal entry came from.
type JournalSource string

const (
	JournalSourceManual     JournalSource = "MANUAL"
	JournalSourceTemplate   JournalSource = "TEMPLATE"
	JournalSourceRecurring  JournalSource = "RECURRING"
	JournalSourceReversal   JournalSource = "REVERSAL"
	JournalSourceOpening    JournalSource = "OPENING"
	JournalSourceCorrection JournalSource = "CORRECTION"
)

// Valid reports whether s is a known source.
func (s JournalSource) Valid() bool {
	switch s {
	case JournalSourceManual, JournalSourceTemplate, JournalSourceRecurring,
		JournalSourceReversal, JournalSourceOpening, JournalSourceCorrection:
		return true
	}
	return false
}

// ReversalKind classifies a reversal link.
type ReversalKind string

const (
	ReversalKindFull          ReversalKind = "FULL"
	ReversalKindScheduledAuto ReversalKind = "SCHEDULED_AUTO"
	ReversalKindCorrection    ReversalKind = "CORRECTION"
)

// Reverses reports whether the link cancels the original entry entirely.
func (k ReversalKind) Reverses() bool {
	return k == ReversalKindFull || k == ReversalKindScheduledAuto
}

// Account models a chart of accounts node.
type Account struct {
	ID         int64
	CompanyID  int64
	Code       string
	Name       string
	Type       AccountType
	Category   string
	ParentID   *int64
	Level      int
	Status     AccountStatus
	NormalSide NormalSide
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Active reports whether the account accepts new postings.
func (a Account) Active() bool {
	return a.Status == AccountStatusActive
}

// AccountGroup is a named, ordered grouping of accounts orthogonal to the tree.
type AccountGroup struct {
	ID         int64
	CompanyID  int64
	Name       string
	ParentID   *int64
	Position   int
	AccountIDs []int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// FiscalYear bounds a sequence of periods.
type FiscalYear struct {
	ID        int64
	CompanyID int64
	Name      string
	StartDate time.Time
	EndDate   time.Time
	Status    FiscalYearStatus
	IsCurrent bool
	ClosedAt  *time.Time
	LockedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Contains reports whether date falls inside the year.
func (y FiscalYear) Contains(date time.Time) bool {
	return within(date, y.StartDate, y.EndDate)
}

// Period represents a fiscal period window.
type Period struct {
	ID           int64
	CompanyID    int64
	FiscalYearID int64
	Number       int
	Code         string
	StartDate    time.Time
	EndDate      time.Time
	Status       PeriodStatus
	ClosedAt     *time.Time
	ReopenReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Contains reports whether date falls inside the period.
func (p Period) Contains(date time.Time) bool {
	return within(date, p.StartDate, p.EndDate)
}

// JournalEntry captures posting metadata.
type JournalEntry struct {
	ID           int64
	CompanyID    int64
	FiscalYearID int64
	PeriodID     int64
	Number       int64
	Date         time.Time
	Status       JournalStatus
	Source       JournalSource
	SourceID     uuid.UUID
	Memo         string
	CreatedBy    int64
	PostedBy     int64
	PostedAt     *time.Time
	CreatedAt    time.Time
	Lines        []JournalLine
}

// Totals sums the debit and credit sides of the entry.
func (e JournalEntry) Totals() (decimal.Decimal, decimal.Decimal) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, line := range e.Lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	return debit, credit
}

// JournalLine stores debit or credit amount for an account.
type JournalLine struct {
	ID        int64
	EntryID   int64
	LineNo    int
	AccountID int64
	Debit     decimal.Decimal
	Credit    decimal.Decimal
	Memo      string
}

// Posting is the immutable ledger row written for each posted journal line.
type Posting struct {
	ID           int64
	CompanyID    int64
	EntryID      int64
	LineNo       int
	AccountID    int64
	FiscalYearID int64
	PeriodID     int64
	Date         time.Time
	Source       JournalSource
	Debit        decimal.Decimal
	Credit       decimal.Decimal
	PostedAt     time.Time
}

// BalanceKey identifies a balance row.
type BalanceKey struct {
	CompanyID int64
	AccountID int64
	PeriodID  int64
}

// BalanceRow is the stored movement of one account in one period. Opening and
// closing figures are derived from the chain of rows, see AccountBalance.
type BalanceRow struct {
	BalanceKey
	FiscalYearID    int64
	OpeningMovement decimal.Decimal
	Debit           decimal.Decimal
	Credit          decimal.Decimal
	Version         int64
	UpdatedAt       time.Time
}

// BalanceDelta is an increment applied to a balance row.
type BalanceDelta struct {
	BalanceKey
	FiscalYearID int64
	Opening      decimal.Decimal
	Debit        decimal.Decimal
	Credit       decimal.Decimal
}

// AccountBalance is the materialised balance of an account for one period.
// Closing is debit-positive: Opening + Debit - Credit.
type AccountBalance struct {
	CompanyID    int64
	AccountID    int64
	FiscalYearID int64
	PeriodID     int64
	Opening      decimal.Decimal
	Debit        decimal.Decimal
	Credit       decimal.Decimal
	Closing      decimal.Decimal
	Version      int64
}

// NormalBalance expresses the closing balance on the given normal side.
func (b AccountBalance) NormalBalance(side NormalSide) decimal.Decimal {
	if side == NormalSideCredit {
		return b.Closing.Neg()
	}
	return b.Closing
}

// BalanceSummary is a balance as of a date: the year's opening plus movements to date.
type BalanceSummary struct {
	Opening decimal.Decimal
	Debit   decimal.Decimal
	Credit  decimal.Decimal
	Closing decimal.Decimal
}

// Add accumulates other into b.
func (b BalanceSummary) Add(other BalanceSummary) BalanceSummary {
	return BalanceSummary{
		Opening: b.Opening.Add(other.Opening),
		Debit:   b.Debit.Add(other.Debit),
		Credit:  b.Credit.Add(other.Credit),
		Closing: b.Closing.Add(other.Closing),
	}
}

// ReversalLink ties an original entry to the entry that reverses or corrects it.
type ReversalLink struct {
	ID               int64
	CompanyID        int64
	OriginalEntryID  int64
	ReversingEntryID int64
	Kind             ReversalKind
	Reason           string
	CreatedBy        int64
	CreatedAt        time.Time
}

// AutoReversalOutcome records how a processed schedule ended.
type AutoReversalOutcome string

const (
	AutoReversalPending AutoReversalOutcome = ""
	AutoReversalPosted  AutoReversalOutcome = "POSTED"
	AutoReversalSkipped AutoReversalOutcome = "SKIPPED"
	// AutoReversalFailed marks a schedule that can never post, such as one
	// whose ReverseOn period is closed. It is not retried.
	AutoReversalFailed AutoReversalOutcome = "FAILED"
)

// AutoReversal is a pending instruction to reverse an entry on a future date.
type AutoReversal struct {
	ID               int64
	CompanyID        int64
	EntryID          int64
	ReverseOn        time.Time
	Reason           string
	Processed        bool
	ProcessedAt      *time.Time
	ReversingEntryID *int64
	Outcome          AutoReversalOutcome
	CreatedBy        int64
	CreatedAt        time.Time
}

// WTBStatus enumerates working trial balance states.
type WTBStatus string

const (
	WTBStatusDraft  WTBStatus = "DRAFT"
	WTBStatusLocked WTBStatus = "LOCKED"
)

// ColumnKind discriminates adjustment columns of a working trial balance.
type ColumnKind string

const (
	ColumnKindAdjusting        ColumnKind = "ADJUSTING"
	ColumnKindReclassification ColumnKind = "RECLASSIFICATION"
	ColumnKindProposed         ColumnKind = "PROPOSED"
)

// ParseColumnKind validates a column kind coming from an untyped source.
func ParseColumnKind(raw string) (ColumnKind, error) {
	kind := ColumnKind(strings.ToUpper(strings.TrimSpace(raw)))
	switch kind {
	case ColumnKindAdjusting, ColumnKindReclassification, ColumnKindProposed:
		return kind, nil
	}
	return "", ErrInvalidColumnKind
}

// Final reports whether amounts in this column count toward adjusted totals.
func (k ColumnKind) Final() bool {
	return k == ColumnKindAdjusting || k == ColumnKindReclassification
}

// WTBLine is a snapshot of one account's unadjusted balance.
type WTBLine struct {
	AccountID  int64
	Code       string
	Name       string
	Type       AccountType
	Unadjusted decimal.Decimal
}

// AdjustmentColumn holds signed amounts per account: positive debit, negative credit.
type AdjustmentColumn struct {
	ID       int64
	Name     string
	Kind     ColumnKind
	Position int
	Amounts  map[int64]decimal.Decimal
}

// Net sums the column. Balanced columns net to zero.
func (c AdjustmentColumn) Net() decimal.Decimal {
	total := decimal.Zero
	for _, amount := range c.Amounts {
		total = total.Add(amount)
	}
	return total
}

// WorkingTrialBalance is a trial balance snapshot with adjustment columns.
type WorkingTrialBalance struct {
	ID        int64
	CompanyID int64
	Name      string
	AsOf      time.Time
	Status    WTBStatus
	Lines     []WTBLine
	Columns   []AdjustmentColumn
	CreatedBy int64
	CreatedAt time.Time
	LockedAt  *time.Time
}

// OpeningBatchStatus enumerates opening batch states.
type OpeningBatchStatus string

const (
	OpeningBatchDraft  OpeningBatchStatus = "DRAFT"
	OpeningBatchPosted OpeningBatchStatus = "POSTED"
)

// OpeningLine is a staged opening debit/credit pair for one account.
type OpeningLine struct {
	AccountID int64
	Debit     decimal.Decimal
	Credit    decimal.Decimal
}

// Net returns debit minus credit.
func (l OpeningLine) Net() decimal.Decimal {
	return l.Debit.Sub(l.Credit)
}

// OpeningBatch stages opening balances for a fiscal year.
type OpeningBatch struct {
	ID           int64
	CompanyID    int64
	FiscalYearID int64
	Status       OpeningBatchStatus
	Lines        []OpeningLine
	EntryID      *int64
	CreatedBy    int64
	CreatedAt    time.Time
	PostedAt     *time.Time
}

func within(date, start, end time.Time) bool {
	d := DateOnly(date)
	return !d.Before(DateOnly(start)) && !d.After(DateOnly(end))
}

// DateOnly truncates t to midnight UTC of its calendar day.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
