// Package opening stages and posts the opening balances of a fiscal year.
package opening

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/journals"
	"github.com/odyssey-erp/odyssey-gl/internal/shared"
)

// Poster posts entries inside a caller's transaction.
type Poster interface {
	PostTx(ctx context.Context, tx accounting.TxRepository, input journals.PostingInput) (accounting.JournalEntry, error)
	RecordPosted(ctx context.Context, entry accounting.JournalEntry)
}

// BalanceReader sums balances as of a date inside a transaction.
type BalanceReader interface {
	AsOfTx(ctx context.Context, tx accounting.TxRepository, companyID int64, accountIDs []int64, asOf time.Time) (map[int64]accounting.BalanceSummary, error)
}

// Service manages opening balance batches.
type Service struct {
	repo     accounting.Repository
	poster   Poster
	balances BalanceReader
	money    accounting.Money
	hooks    accounting.Hooks
}

// NewService constructs the opening balance service.
func NewService(repo accounting.Repository, poster Poster, balances BalanceReader, money accounting.Money, hooks accounting.Hooks) *Service {
	return &Service{repo: repo, poster: poster, balances: balances, money: money, hooks: hooks}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.hooks.Now = now
	}
}

// CreateBatchInput opens a batch for a fiscal year.
type CreateBatchInput struct {
	CompanyID    int64 `validate:"required"`
	FiscalYearID int64 `validate:"required"`
	ActorID      int64
}

// CreateBatch starts an empty draft batch. The year must not be closed.
func (s *Service) CreateBatch(ctx context.Context, input CreateBatchInput) (accounting.OpeningBatch, error) {
	if err := accounting.ValidateStruct(input); err != nil {
		return accounting.OpeningBatch{}, err
	}
	var batch accounting.OpeningBatch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		batch, err = s.createTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return accounting.OpeningBatch{}, err
	}
	s.record(ctx, batch, input.ActorID, "opening.create", map[string]any{"fiscal_year_id": batch.FiscalYearID})
	return batch, nil
}

func (s *Service) createTx(ctx context.Context, tx accounting.TxRepository, input CreateBatchInput) (accounting.OpeningBatch, error) {
	year, err := tx.GetFiscalYear(ctx, input.CompanyID, input.FiscalYearID)
	if err != nil {
		return accounting.OpeningBatch{}, err
	}
	if year.Status != accounting.FiscalYearStatusDraft && year.Status != accounting.FiscalYearStatusOpen {
		return accounting.OpeningBatch{}, accounting.ErrFiscalYearClosed
	}
	if _, err := tx.FindOpeningBatch(ctx, input.CompanyID, input.FiscalYearID); err == nil {
		return accounting.OpeningBatch{}, accounting.ErrBatchExists
	} else if accounting.KindOf(err) != accounting.KindNotFound {
		return accounting.OpeningBatch{}, err
	}
	return tx.InsertOpeningBatch(ctx, accounting.OpeningBatch{
		CompanyID:    input.CompanyID,
		FiscalYearID: input.FiscalYearID,
		Status:       accounting.OpeningBatchDraft,
		CreatedBy:    input.ActorID,
		CreatedAt:    s.hooks.Clock(),
	})
}

// SetLineInput stages an opening amount for one account.
type SetLineInput struct {
	CompanyID int64 `validate:"required"`
	BatchID   int64 `validate:"required"`
	AccountID int64 `validate:"required"`
	Debit     decimal.Decimal
	Credit    decimal.Decimal
	ActorID   int64
}

// SetLine adds or replaces the line of an account in a draft batch.
func (s *Service) SetLine(ctx context.Context, input SetLineInput) (accounting.OpeningBatch, error) {
	if err := accounting.ValidateStruct(input); err != nil {
		return accounting.OpeningBatch{}, err
	}
	line := accounting.OpeningLine{
		AccountID: input.AccountID,
		Debit:     s.money.Round(input.Debit),
		Credit:    s.money.Round(input.Credit),
	}
	if line.Debit.IsNegative() || line.Credit.IsNegative() {
		return accounting.OpeningBatch{}, fmt.Errorf("%w: amounts must not be negative", accounting.ErrInvalidLine)
	}
	if line.Debit.IsZero() && line.Credit.IsZero() {
		return accounting.OpeningBatch{}, fmt.Errorf("%w: debit or credit required", accounting.ErrInvalidLine)
	}
	batch, err := s.editBatch(ctx, input.CompanyID, input.BatchID, func(ctx context.Context, tx accounting.TxRepository, batch *accounting.OpeningBatch) error {
		account, err := tx.GetAccount(ctx, input.CompanyID, input.AccountID)
		if err != nil {
			return err
		}
		if !account.Active() {
			return fmt.Errorf("%w: %s", accounting.ErrInactiveAccount, account.Code)
		}
		idx := slices.IndexFunc(batch.Lines, func(l accounting.OpeningLine) bool { return l.AccountID == line.AccountID })
		if idx >= 0 {
			batch.Lines[idx] = line
		} else {
			batch.Lines = append(batch.Lines, line)
		}
		return nil
	})
	if err != nil {
		return accounting.OpeningBatch{}, err
	}
	s.record(ctx, batch, input.ActorID, "opening.set_line", map[string]any{
		"account_id": line.AccountID,
		"debit":      s.money.Format(line.Debit),
		"credit":     s.money.Format(line.Credit),
	})
	return batch, nil
}

// RemoveLine drops the line of an account from a draft batch.
func (s *Service) RemoveLine(ctx context.Context, companyID, batchID, accountID, actorID int64) (accounting.OpeningBatch, error) {
	batch, err := s.editBatch(ctx, companyID, batchID, func(ctx context.Context, tx accounting.TxRepository, batch *accounting.OpeningBatch) error {
		idx := slices.IndexFunc(batch.Lines, func(l accounting.OpeningLine) bool { return l.AccountID == accountID })
		if idx < 0 {
			return fmt.Errorf("%w: account %d", accounting.ErrLineNotFound, accountID)
		}
		batch.Lines = slices.Delete(batch.Lines, idx, idx+1)
		return nil
	})
	if err != nil {
		return accounting.OpeningBatch{}, err
	}
	s.record(ctx, batch, actorID, "opening.remove_line", map[string]any{"account_id": accountID})
	return batch, nil
}

// GetBatch loads a batch.
func (s *Service) GetBatch(ctx context.Context, companyID, batchID int64) (accounting.OpeningBatch, error) {
	var batch accounting.OpeningBatch
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		batch, err = tx.GetOpeningBatch(ctx, companyID, batchID)
		return err
	})
	return batch, err
}

// DirectionWarning flags a staged balance on the side opposite the account's normal side.
type DirectionWarning struct {
	AccountID  int64
	Code       string
	NormalSide accounting.NormalSide
	Net        decimal.Decimal
}

// Validation is the outcome of ValidateBatch.
type Validation struct {
	BatchID     int64
	TotalDebit  decimal.Decimal
	TotalCredit decimal.Decimal
	Difference  decimal.Decimal
	Balanced    bool
	Warnings    []DirectionWarning
}

// ValidateBatch checks that a batch balances and reports direction warnings.
// Warnings never fail validation.
func (s *Service) ValidateBatch(ctx context.Context, companyID, batchID int64) (Validation, error) {
	var result Validation
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		batch, err := tx.GetOpeningBatch(ctx, companyID, batchID)
		if err != nil {
			return err
		}
		result, err = s.validateTx(ctx, tx, batch)
		return err
	})
	return result, err
}

func (s *Service) validateTx(ctx context.Context, tx accounting.TxRepository, batch accounting.OpeningBatch) (Validation, error) {
	result := Validation{BatchID: batch.ID, TotalDebit: s.money.Zero(), TotalCredit: s.money.Zero()}
	ids := make([]int64, 0, len(batch.Lines))
	for _, line := range batch.Lines {
		ids = append(ids, line.AccountID)
		result.TotalDebit = result.TotalDebit.Add(line.Debit)
		result.TotalCredit = result.TotalCredit.Add(line.Credit)
	}
	result.Difference = s.money.Round(result.TotalDebit.Sub(result.TotalCredit))
	result.Balanced = result.Difference.IsZero()

	slices.Sort(ids)
	accounts, err := tx.ShareAccounts(ctx, batch.CompanyID, ids)
	if err != nil {
		return Validation{}, err
	}
	byID := make(map[int64]accounting.Account, len(accounts))
	for _, account := range accounts {
		byID[account.ID] = account
	}
	for _, line := range batch.Lines {
		account, ok := byID[line.AccountID]
		if !ok {
			return Validation{}, fmt.Errorf("%w: %d", accounting.ErrAccountNotFound, line.AccountID)
		}
		net := s.money.Round(line.Net())
		contrary := (account.NormalSide == accounting.NormalSideDebit && net.IsNegative()) ||
			(account.NormalSide == accounting.NormalSideCredit && net.IsPositive())
		if contrary {
			result.Warnings = append(result.Warnings, DirectionWarning{
				AccountID:  account.ID,
				Code:       account.Code,
				NormalSide: account.NormalSide,
				Net:        net,
			})
		}
	}
	return result, nil
}

// PostResult is the outcome of PostOpeningBalances.
type PostResult struct {
	Batch      accounting.OpeningBatch
	Entry      accounting.JournalEntry
	Validation Validation
}

// PostOpeningBalances posts a balanced draft batch as a single OPENING entry
// dated on the first day of the fiscal year and marks the batch posted.
func (s *Service) PostOpeningBalances(ctx context.Context, companyID, batchID, actorID int64) (result PostResult, err error) {
	ctx, span := accounting.StartSpan(ctx, "opening.Post", companyID)
	defer func() { accounting.EndSpan(span, err) }()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		batch, err := tx.GetOpeningBatch(ctx, companyID, batchID)
		if err != nil {
			return err
		}
		if batch.Status != accounting.OpeningBatchDraft {
			return accounting.ErrBatchPosted
		}
		validation, err := s.validateTx(ctx, tx, batch)
		if err != nil {
			return err
		}
		if !validation.Balanced {
			return fmt.Errorf("%w: opening batch differs by %s", accounting.ErrUnbalanced, s.money.Format(validation.Difference))
		}
		year, err := tx.GetFiscalYear(ctx, companyID, batch.FiscalYearID)
		if err != nil {
			return err
		}
		if year.Status != accounting.FiscalYearStatusOpen {
			return accounting.ErrFiscalYearNotOpen
		}
		entry, err := s.poster.PostTx(ctx, tx, journals.PostingInput{
			CompanyID: companyID,
			Date:      year.StartDate,
			Source:    accounting.JournalSourceOpening,
			Memo:      "Opening balances " + year.Name,
			PostedBy:  actorID,
			Lines:     entryLines(batch.Lines),
		})
		if err != nil {
			return err
		}
		now := s.hooks.Clock()
		entryID := entry.ID
		batch.Status = accounting.OpeningBatchPosted
		batch.EntryID = &entryID
		batch.PostedAt = &now
		if err := tx.UpdateOpeningBatch(ctx, batch); err != nil {
			return err
		}
		result = PostResult{Batch: batch, Entry: entry, Validation: validation}
		return nil
	})
	if err != nil {
		return PostResult{}, err
	}
	s.poster.RecordPosted(ctx, result.Entry)
	if n := len(result.Validation.Warnings); n > 0 {
		s.hooks.Log().Info("opening balances posted with direction warnings",
			slog.Int64("company_id", companyID),
			slog.Int64("batch_id", batchID),
			slog.Int("warnings", n))
	}
	s.record(ctx, result.Batch, actorID, "opening.post", map[string]any{
		"entry_id": result.Entry.ID,
		"number":   result.Entry.Number,
		"amount":   s.money.Format(result.Validation.TotalDebit),
	})
	return result, nil
}

// StageInput requests a batch carried forward from the preceding fiscal year.
type StageInput struct {
	CompanyID          int64 `validate:"required"`
	FiscalYearID       int64 `validate:"required"`
	RetainedEarningsID int64 `validate:"required"`
	ActorID            int64
}

// StageFromPriorYear fills a draft batch with the closing balances of the
// balance sheet accounts of the preceding year. The year's net result is
// carried into the retained earnings account. An existing draft batch has its
// lines replaced.
func (s *Service) StageFromPriorYear(ctx context.Context, input StageInput) (accounting.OpeningBatch, error) {
	if err := accounting.ValidateStruct(input); err != nil {
		return accounting.OpeningBatch{}, err
	}
	var batch accounting.OpeningBatch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		target, err := tx.GetFiscalYear(ctx, input.CompanyID, input.FiscalYearID)
		if err != nil {
			return err
		}
		prior, err := priorYear(ctx, tx, target)
		if err != nil {
			return err
		}
		retained, err := tx.GetAccount(ctx, input.CompanyID, input.RetainedEarningsID)
		if err != nil {
			return err
		}
		if retained.Type != accounting.AccountTypeEquity {
			return fmt.Errorf("%w: retained earnings account %s is %s", accounting.ErrTypeMismatch, retained.Code, retained.Type)
		}
		lines, err := s.carryForward(ctx, tx, prior, retained.ID)
		if err != nil {
			return err
		}

		batch, err = tx.FindOpeningBatch(ctx, input.CompanyID, input.FiscalYearID)
		switch {
		case err == nil:
			if batch.Status != accounting.OpeningBatchDraft {
				return accounting.ErrBatchPosted
			}
		case accounting.KindOf(err) == accounting.KindNotFound:
			batch, err = s.createTx(ctx, tx, CreateBatchInput{CompanyID: input.CompanyID, FiscalYearID: input.FiscalYearID, ActorID: input.ActorID})
			if err != nil {
				return err
			}
		default:
			return err
		}
		batch.Lines = lines
		return tx.UpdateOpeningBatch(ctx, batch)
	})
	if err != nil {
		return accounting.OpeningBatch{}, err
	}
	s.record(ctx, batch, input.ActorID, "opening.stage", map[string]any{"lines": len(batch.Lines)})
	return batch, nil
}

func (s *Service) carryForward(ctx context.Context, tx accounting.TxRepository, prior accounting.FiscalYear, retainedID int64) ([]accounting.OpeningLine, error) {
	accounts, err := tx.ListAccounts(ctx, prior.CompanyID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(accounts))
	for _, account := range accounts {
		ids = append(ids, account.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sums, err := s.balances.AsOfTx(ctx, tx, prior.CompanyID, ids, prior.EndDate)
	if err != nil {
		return nil, err
	}
	nets := make(map[int64]decimal.Decimal)
	result := decimal.Zero
	for _, account := range accounts {
		closing := sums[account.ID].Closing
		if account.Type.BalanceSheet() {
			nets[account.ID] = nets[account.ID].Add(closing)
		} else {
			result = result.Add(closing)
		}
	}
	nets[retainedID] = nets[retainedID].Add(result)

	var lines []accounting.OpeningLine
	for _, account := range accounts {
		net, ok := nets[account.ID]
		if !ok || s.money.Round(net).IsZero() {
			continue
		}
		line := accounting.OpeningLine{AccountID: account.ID, Debit: s.money.Zero(), Credit: s.money.Zero()}
		if net.IsPositive() {
			line.Debit = s.money.Round(net)
		} else {
			line.Credit = s.money.Round(net.Neg())
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// priorYear finds the fiscal year ending the day before target starts.
func priorYear(ctx context.Context, tx accounting.TxRepository, target accounting.FiscalYear) (accounting.FiscalYear, error) {
	years, err := tx.ListFiscalYears(ctx, target.CompanyID)
	if err != nil {
		return accounting.FiscalYear{}, err
	}
	want := accounting.DateOnly(target.StartDate).AddDate(0, 0, -1)
	for _, year := range years {
		if accounting.DateOnly(year.EndDate).Equal(want) {
			return year, nil
		}
	}
	return accounting.FiscalYear{}, fmt.Errorf("%w: no year ends on %s", accounting.ErrFiscalYearNotFound, want.Format(time.DateOnly))
}

// entryLines splits batch lines into single sided journal lines.
func entryLines(lines []accounting.OpeningLine) []journals.LineInput {
	out := make([]journals.LineInput, 0, len(lines))
	for _, line := range lines {
		if line.Debit.IsPositive() {
			out = append(out, journals.LineInput{AccountID: line.AccountID, Debit: line.Debit})
		}
		if line.Credit.IsPositive() {
			out = append(out, journals.LineInput{AccountID: line.AccountID, Credit: line.Credit})
		}
	}
	return out
}

func (s *Service) editBatch(ctx context.Context, companyID, batchID int64, edit func(context.Context, accounting.TxRepository, *accounting.OpeningBatch) error) (accounting.OpeningBatch, error) {
	var batch accounting.OpeningBatch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		batch, err = tx.GetOpeningBatch(ctx, companyID, batchID)
		if err != nil {
			return err
		}
		if batch.Status != accounting.OpeningBatchDraft {
			return accounting.ErrBatchPosted
		}
		if err := edit(ctx, tx, &batch); err != nil {
			return err
		}
		return tx.UpdateOpeningBatch(ctx, batch)
	})
	return batch, err
}

func (s *Service) record(ctx context.Context, batch accounting.OpeningBatch, actorID int64, action string, meta map[string]any) {
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "opening_batch",
		EntityID: strconv.FormatInt(batch.ID, 10),
		Meta:     meta,
	})
}
