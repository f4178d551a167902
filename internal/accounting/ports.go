package accounting

import (
	"context"
	"time"
)

// Repository abstracts transactional persistence of the ledger.
type Repository interface {
	// WithTx runs fn in a read-write transaction. A returned error rolls back
	// every write made through the TxRepository.
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	// WithReadTx runs fn against a consistent read-only snapshot.
	WithReadTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	AccountStore
	CalendarStore
	JournalStore
	BalanceStore
	ReversalStore
	WTBStore
	OpeningStore
}

// AccountStore persists the chart of accounts and account groups.
type AccountStore interface {
	InsertAccount(ctx context.Context, account Account) (Account, error)
	GetAccount(ctx context.Context, companyID, id int64) (Account, error)
	GetAccountByCode(ctx context.Context, companyID int64, code string) (Account, error)
	ListAccounts(ctx context.Context, companyID int64) ([]Account, error)
	// ShareAccounts returns the requested accounts holding a shared lock until
	// the transaction ends. Missing ids are omitted from the result.
	ShareAccounts(ctx context.Context, companyID int64, ids []int64) ([]Account, error)
	// LockAccounts takes an exclusive lock on the requested accounts.
	LockAccounts(ctx context.Context, companyID int64, ids []int64) error
	UpdateAccount(ctx context.Context, account Account) error
	DeleteAccounts(ctx context.Context, companyID int64, ids []int64) error

	InsertGroup(ctx context.Context, group AccountGroup) (AccountGroup, error)
	GetGroup(ctx context.Context, companyID, id int64) (AccountGroup, error)
	ListGroups(ctx context.Context, companyID int64) ([]AccountGroup, error)
	UpdateGroup(ctx context.Context, group AccountGroup) error
	RemoveAccountsFromGroups(ctx context.Context, companyID int64, accountIDs []int64) error
}

// CalendarStore persists fiscal years and periods.
type CalendarStore interface {
	ListCompanies(ctx context.Context) ([]int64, error)
	InsertFiscalYear(ctx context.Context, year FiscalYear) (FiscalYear, error)
	GetFiscalYear(ctx context.Context, companyID, id int64) (FiscalYear, error)
	GetFiscalYearForUpdate(ctx context.Context, companyID, id int64) (FiscalYear, error)
	ListFiscalYears(ctx context.Context, companyID int64) ([]FiscalYear, error)
	UpdateFiscalYear(ctx context.Context, year FiscalYear) error
	// SetCurrentFiscalYear marks id current and clears the flag on every other year.
	SetCurrentFiscalYear(ctx context.Context, companyID, id int64) error

	InsertPeriod(ctx context.Context, period Period) (Period, error)
	GetPeriod(ctx context.Context, companyID, id int64) (Period, error)
	GetPeriodForUpdate(ctx context.Context, companyID, id int64) (Period, error)
	// SharePeriodForPosting loads a period and its year under a shared lock so
	// that a concurrent close waits for in-flight postings.
	SharePeriodForPosting(ctx context.Context, companyID, id int64) (Period, FiscalYear, error)
	ListPeriods(ctx context.Context, companyID, fiscalYearID int64) ([]Period, error)
	FindPeriodByDate(ctx context.Context, companyID int64, date time.Time) (Period, error)
	UpdatePeriod(ctx context.Context, period Period) error
}

// EntryFilter narrows journal entry listings.
type EntryFilter struct {
	FiscalYearID int64
	PeriodID     int64
	Status       JournalStatus
	Source       JournalSource
	From         time.Time
	To           time.Time
	Limit        int
}

// PostingFilter narrows posting listings. Zero values match everything.
type PostingFilter struct {
	AccountIDs   []int64
	FiscalYearID int64
	PeriodIDs    []int64
	EntryID      int64
	From         time.Time
	To           time.Time
}

// JournalStore persists journal entries and their immutable postings.
type JournalStore interface {
	// NextEntryNumber draws the next gapless number for the fiscal year. The
	// counter advance is part of the transaction.
	NextEntryNumber(ctx context.Context, companyID, fiscalYearID int64) (int64, error)
	InsertEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error)
	GetEntry(ctx context.Context, companyID, id int64) (JournalEntry, error)
	GetEntryForUpdate(ctx context.Context, companyID, id int64) (JournalEntry, error)
	ListEntries(ctx context.Context, companyID int64, filter EntryFilter) ([]JournalEntry, error)
	// MarkEntryPosted turns a draft into a posted entry.
	MarkEntryPosted(ctx context.Context, entry JournalEntry) error
	DeleteDraft(ctx context.Context, companyID, id int64) error

	InsertPostings(ctx context.Context, postings []Posting) error
	ListPostings(ctx context.Context, companyID int64, filter PostingFilter) ([]Posting, error)
	CountPostings(ctx context.Context, companyID int64, filter PostingFilter) (int64, error)
}

// BalanceFilter narrows balance row listings.
type BalanceFilter struct {
	FiscalYearID int64
	PeriodIDs    []int64
	AccountIDs   []int64
}

// BalanceStore persists per period balance movements.
type BalanceStore interface {
	// ApplyBalanceDelta atomically adds delta to its row, creating the row when absent.
	ApplyBalanceDelta(ctx context.Context, delta BalanceDelta) error
	GetBalanceRow(ctx context.Context, key BalanceKey) (BalanceRow, bool, error)
	ListBalanceRows(ctx context.Context, companyID int64, filter BalanceFilter) ([]BalanceRow, error)
	// PutBalanceRow overwrites a row when its version still equals expectedVersion.
	// An expectedVersion of zero requires the row to be absent.
	PutBalanceRow(ctx context.Context, row BalanceRow, expectedVersion int64) error
}

// AutoReversalFilter narrows auto reversal listings.
type AutoReversalFilter struct {
	EntryID     int64
	DueBy       time.Time
	PendingOnly bool
}

// ReversalStore persists reversal links and auto reversal schedules.
type ReversalStore interface {
	InsertReversalLink(ctx context.Context, link ReversalLink) (ReversalLink, error)
	ListReversalLinks(ctx context.Context, companyID, entryID int64) ([]ReversalLink, error)

	InsertAutoReversal(ctx context.Context, schedule AutoReversal) (AutoReversal, error)
	GetAutoReversal(ctx context.Context, companyID, id int64) (AutoReversal, error)
	ListAutoReversals(ctx context.Context, companyID int64, filter AutoReversalFilter) ([]AutoReversal, error)
	// ClaimAutoReversal flips an unprocessed schedule to processed. It reports
	// false when another run claimed it first.
	ClaimAutoReversal(ctx context.Context, companyID, id int64, at time.Time) (bool, error)
	CompleteAutoReversal(ctx context.Context, schedule AutoReversal) error
	DeleteAutoReversal(ctx context.Context, companyID, id int64) error
}

// WTBStore persists working trial balances.
type WTBStore interface {
	InsertWTB(ctx context.Context, wtb WorkingTrialBalance) (WorkingTrialBalance, error)
	GetWTB(ctx context.Context, companyID, id int64) (WorkingTrialBalance, error)
	ListWTBs(ctx context.Context, companyID int64) ([]WorkingTrialBalance, error)
	UpdateWTB(ctx context.Context, wtb WorkingTrialBalance) error
	DeleteWTB(ctx context.Context, companyID, id int64) error
}

// OpeningStore persists opening balance batches.
type OpeningStore interface {
	InsertOpeningBatch(ctx context.Context, batch OpeningBatch) (OpeningBatch, error)
	GetOpeningBatch(ctx context.Context, companyID, id int64) (OpeningBatch, error)
	FindOpeningBatch(ctx context.Context, companyID, fiscalYearID int64) (OpeningBatch, error)
	UpdateOpeningBatch(ctx context.Context, batch OpeningBatch) error
}
