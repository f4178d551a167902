// Package journals is the posting engine: the only path by which journal
// entries reach the general ledger.
package journals

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/shared"
)

// PeriodResolver decides which period accepts a posting dated on date.
type PeriodResolver interface {
	ResolvePostable(ctx context.Context, tx accounting.TxRepository, companyID int64, date time.Time) (accounting.Period, accounting.FiscalYear, error)
}

// BalanceApplier updates derived balances for a posted entry.
type BalanceApplier interface {
	ApplyTx(ctx context.Context, tx accounting.TxRepository, entry accounting.JournalEntry) error
}

// Service coordinates posting of journal entries.
type Service struct {
	repo     accounting.Repository
	periods  PeriodResolver
	balances BalanceApplier
	money    accounting.Money
	hooks    accounting.Hooks
}

// NewService constructs the posting engine.
func NewService(repo accounting.Repository, periods PeriodResolver, balances BalanceApplier, money accounting.Money, hooks accounting.Hooks) *Service {
	return &Service{repo: repo, periods: periods, balances: balances, money: money, hooks: hooks}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.hooks.Now = now
	}
}

// Post validates and persists a new journal entry in its own transaction.
func (s *Service) Post(ctx context.Context, input PostingInput) (entry accounting.JournalEntry, err error) {
	ctx, span := accounting.StartSpan(ctx, "journals.Post", input.CompanyID,
		attribute.String("ledger.source", string(input.Source)),
		attribute.Int("ledger.lines", len(input.Lines)))
	defer func() { accounting.EndSpan(span, err) }()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		entry, err = s.PostTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return accounting.JournalEntry{}, err
	}
	s.RecordPosted(ctx, entry)
	return entry, nil
}

// PostTx posts inside a caller's transaction. Every precondition is checked
// before the first write: balance, account state and period state. The entry
// number is drawn last so a failed posting never consumes one.
func (s *Service) PostTx(ctx context.Context, tx accounting.TxRepository, input PostingInput) (accounting.JournalEntry, error) {
	input = input.Normalise(s.money)
	if err := input.Validate(s.money); err != nil {
		return accounting.JournalEntry{}, err
	}
	period, year, err := s.prepare(ctx, tx, input)
	if err != nil {
		return accounting.JournalEntry{}, err
	}
	number, err := tx.NextEntryNumber(ctx, input.CompanyID, year.ID)
	if err != nil {
		return accounting.JournalEntry{}, err
	}
	now := s.hooks.Clock()
	entry, err := tx.InsertEntry(ctx, accounting.JournalEntry{
		CompanyID:    input.CompanyID,
		FiscalYearID: year.ID,
		PeriodID:     period.ID,
		Number:       number,
		Date:         input.Date,
		Status:       accounting.JournalStatusPosted,
		Source:       input.Source,
		SourceID:     input.SourceID,
		Memo:         input.Memo,
		CreatedBy:    input.PostedBy,
		PostedBy:     input.PostedBy,
		PostedAt:     &now,
		CreatedAt:    now,
		Lines:        toLines(input.Lines),
	})
	if err != nil {
		return accounting.JournalEntry{}, err
	}
	if err := s.commit(ctx, tx, entry, now); err != nil {
		return accounting.JournalEntry{}, err
	}
	return entry, nil
}

// RecordPosted emits the audit trail and counters for a committed entry.
func (s *Service) RecordPosted(ctx context.Context, entry accounting.JournalEntry) {
	debit, _ := entry.Totals()
	s.hooks.Posted(entry.Source)
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  entry.PostedBy,
		Action:   "journal.post",
		Entity:   "journal_entry",
		EntityID: fmt.Sprintf("%d", entry.ID),
		Meta: map[string]any{
			"number":         entry.Number,
			"fiscal_year_id": entry.FiscalYearID,
			"period_id":      entry.PeriodID,
			"source":         string(entry.Source),
			"source_id":      entry.SourceID.String(),
			"amount":         s.money.Format(debit),
		},
	})
}

// CreateDraft stores an unnumbered draft. Drafts need well formed lines but
// may be unbalanced; they do not touch the ledger.
func (s *Service) CreateDraft(ctx context.Context, input PostingInput) (accounting.JournalEntry, error) {
	input = input.Normalise(s.money)
	if err := input.ValidateLines(); err != nil {
		return accounting.JournalEntry{}, err
	}
	now := s.hooks.Clock()
	var entry accounting.JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		entry, err = tx.InsertEntry(ctx, accounting.JournalEntry{
			CompanyID: input.CompanyID,
			Date:      input.Date,
			Status:    accounting.JournalStatusDraft,
			Source:    input.Source,
			SourceID:  input.SourceID,
			Memo:      input.Memo,
			CreatedBy: input.PostedBy,
			CreatedAt: now,
			Lines:     toLines(input.Lines),
		})
		return err
	})
	if err != nil {
		return accounting.JournalEntry{}, err
	}
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  input.PostedBy,
		Action:   "journal.draft",
		Entity:   "journal_entry",
		EntityID: fmt.Sprintf("%d", entry.ID),
	})
	return entry, nil
}

// PostDraft validates a draft as a full posting and moves it to Posted.
func (s *Service) PostDraft(ctx context.Context, companyID, draftID, actorID int64) (entry accounting.JournalEntry, err error) {
	ctx, span := accounting.StartSpan(ctx, "journals.PostDraft", companyID, attribute.Int64("ledger.entry_id", draftID))
	defer func() { accounting.EndSpan(span, err) }()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		draft, err := tx.GetEntryForUpdate(ctx, companyID, draftID)
		if err != nil {
			return err
		}
		if draft.Status != accounting.JournalStatusDraft {
			return fmt.Errorf("%w: entry %d is %s", accounting.ErrInvalidStatus, draft.ID, draft.Status)
		}
		input := FromEntry(draft).Normalise(s.money)
		if err := input.Validate(s.money); err != nil {
			return err
		}
		period, year, err := s.prepare(ctx, tx, input)
		if err != nil {
			return err
		}
		number, err := tx.NextEntryNumber(ctx, companyID, year.ID)
		if err != nil {
			return err
		}
		now := s.hooks.Clock()
		draft.Status = accounting.JournalStatusPosted
		draft.Number = number
		draft.FiscalYearID = year.ID
		draft.PeriodID = period.ID
		draft.PostedBy = actorID
		draft.PostedAt = &now
		if err := tx.MarkEntryPosted(ctx, draft); err != nil {
			return err
		}
		if err := s.commit(ctx, tx, draft, now); err != nil {
			return err
		}
		entry = draft
		return nil
	})
	if err != nil {
		return accounting.JournalEntry{}, err
	}
	s.RecordPosted(ctx, entry)
	return entry, nil
}

// DiscardDraft deletes a draft entry.
func (s *Service) DiscardDraft(ctx context.Context, companyID, draftID, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		return tx.DeleteDraft(ctx, companyID, draftID)
	})
	if err != nil {
		return err
	}
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "journal.discard",
		Entity:   "journal_entry",
		EntityID: fmt.Sprintf("%d", draftID),
	})
	return nil
}

// GetEntry returns an entry with its lines.
func (s *Service) GetEntry(ctx context.Context, companyID, entryID int64) (accounting.JournalEntry, error) {
	var entry accounting.JournalEntry
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		entry, err = tx.GetEntry(ctx, companyID, entryID)
		return err
	})
	return entry, err
}

// ListEntries lists entries matching filter.
func (s *Service) ListEntries(ctx context.Context, companyID int64, filter accounting.EntryFilter) ([]accounting.JournalEntry, error) {
	var entries []accounting.JournalEntry
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		entries, err = tx.ListEntries(ctx, companyID, filter)
		return err
	})
	return entries, err
}

// ListPostings lists immutable ledger rows matching filter, for export consumers.
func (s *Service) ListPostings(ctx context.Context, companyID int64, filter accounting.PostingFilter) ([]accounting.Posting, error) {
	var postings []accounting.Posting
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		postings, err = tx.ListPostings(ctx, companyID, filter)
		return err
	})
	return postings, err
}

// prepare runs the read-only checks shared by every posting path.
func (s *Service) prepare(ctx context.Context, tx accounting.TxRepository, input PostingInput) (accounting.Period, accounting.FiscalYear, error) {
	if err := s.checkAccounts(ctx, tx, input); err != nil {
		return accounting.Period{}, accounting.FiscalYear{}, err
	}
	period, year, err := s.periods.ResolvePostable(ctx, tx, input.CompanyID, input.Date)
	if err != nil {
		return accounting.Period{}, accounting.FiscalYear{}, err
	}
	if input.Source == accounting.JournalSourceOpening && !input.Date.Equal(accounting.DateOnly(year.StartDate)) {
		return accounting.Period{}, accounting.FiscalYear{}, fmt.Errorf("%w: expected %s", accounting.ErrInvalidOpeningDate, year.StartDate.Format(time.DateOnly))
	}
	return period, year, nil
}

func (s *Service) checkAccounts(ctx context.Context, tx accounting.TxRepository, input PostingInput) error {
	seen := make(map[int64]struct{}, len(input.Lines))
	ids := make([]int64, 0, len(input.Lines))
	for _, line := range input.Lines {
		if _, ok := seen[line.AccountID]; ok {
			continue
		}
		seen[line.AccountID] = struct{}{}
		ids = append(ids, line.AccountID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	accounts, err := tx.ShareAccounts(ctx, input.CompanyID, ids)
	if err != nil {
		return err
	}
	byID := make(map[int64]accounting.Account, len(accounts))
	for _, account := range accounts {
		byID[account.ID] = account
	}
	for _, id := range ids {
		account, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: %d", accounting.ErrAccountNotFound, id)
		}
		if !account.Active() {
			return fmt.Errorf("%w: %s", accounting.ErrInactiveAccount, account.Code)
		}
	}
	return nil
}

// commit writes the immutable postings and the balance increments.
func (s *Service) commit(ctx context.Context, tx accounting.TxRepository, entry accounting.JournalEntry, postedAt time.Time) error {
	postings := make([]accounting.Posting, 0, len(entry.Lines))
	for i, line := range entry.Lines {
		postings = append(postings, accounting.Posting{
			CompanyID:    entry.CompanyID,
			EntryID:      entry.ID,
			LineNo:       i + 1,
			AccountID:    line.AccountID,
			FiscalYearID: entry.FiscalYearID,
			PeriodID:     entry.PeriodID,
			Date:         entry.Date,
			Source:       entry.Source,
			Debit:        line.Debit,
			Credit:       line.Credit,
			PostedAt:     postedAt,
		})
	}
	if err := tx.InsertPostings(ctx, postings); err != nil {
		return err
	}
	return s.balances.ApplyTx(ctx, tx, entry)
}

func toLines(lines []LineInput) []accounting.JournalLine {
	out := make([]accounting.JournalLine, 0, len(lines))
	for i, line := range lines {
		out = append(out, accounting.JournalLine{
			LineNo:    i + 1,
			AccountID: line.AccountID,
			Debit:     line.Debit,
			Credit:    line.Credit,
			Memo:      line.Memo,
		})
	}
	return out
}
