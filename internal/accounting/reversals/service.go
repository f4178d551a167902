// Package reversals cancels and corrects posted journal entries without
// mutating them, and runs scheduled automatic reversals.
package reversals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/journals"
	"github.com/odyssey-erp/odyssey-gl/internal/shared"
)

// Poster posts entries inside a caller's transaction.
type Poster interface {
	PostTx(ctx context.Context, tx accounting.TxRepository, input journals.PostingInput) (accounting.JournalEntry, error)
	RecordPosted(ctx context.Context, entry accounting.JournalEntry)
}

// Calendar resolves the period a reversal lands in.
type Calendar interface {
	CurrentPeriod(ctx context.Context, tx accounting.TxRepository, companyID int64) (accounting.Period, accounting.FiscalYear, time.Time, error)
}

// Service is the reversal engine.
type Service struct {
	repo     accounting.Repository
	poster   Poster
	calendar Calendar
	money    accounting.Money
	hooks    accounting.Hooks
}

// NewService constructs the reversal engine.
func NewService(repo accounting.Repository, poster Poster, calendar Calendar, money accounting.Money, hooks accounting.Hooks) *Service {
	return &Service{repo: repo, poster: poster, calendar: calendar, money: money, hooks: hooks}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.hooks.Now = now
	}
}

// ReverseInput requests a full reversal. A zero Date posts into the current period.
type ReverseInput struct {
	CompanyID int64  `validate:"required"`
	EntryID   int64  `validate:"required"`
	Reason    string `validate:"max=512"`
	ActorID   int64
	Date      time.Time
}

// Result pairs a reversing or correcting entry with its link.
type Result struct {
	Entry accounting.JournalEntry
	Link  accounting.ReversalLink
}

// Reverse posts the mirror image of a posted entry and links the two.
func (s *Service) Reverse(ctx context.Context, input ReverseInput) (result Result, err error) {
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return Result{}, accounting.ErrReasonRequired
	}
	if err := accounting.ValidateStruct(input); err != nil {
		return Result{}, err
	}
	ctx, span := accounting.StartSpan(ctx, "reversals.Reverse", input.CompanyID,
		attribute.Int64("ledger.entry_id", input.EntryID))
	defer func() { accounting.EndSpan(span, err) }()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		result, err = s.reverseTx(ctx, tx, reverseRequest{
			companyID: input.CompanyID,
			entryID:   input.EntryID,
			reason:    reason,
			actorID:   input.ActorID,
			date:      input.Date,
			kind:      accounting.ReversalKindFull,
		})
		return err
	})
	if err != nil {
		return Result{}, err
	}
	s.afterReversal(ctx, result)
	return result, nil
}

type reverseRequest struct {
	companyID int64
	entryID   int64
	reason    string
	actorID   int64
	date      time.Time
	kind      accounting.ReversalKind
	// anyPeriod skips the open original period check. Scheduled reversals
	// typically fall after the original month has been closed.
	anyPeriod bool
}

func (s *Service) reverseTx(ctx context.Context, tx accounting.TxRepository, req reverseRequest) (Result, error) {
	original, err := tx.GetEntryForUpdate(ctx, req.companyID, req.entryID)
	if err != nil {
		return Result{}, err
	}
	switch original.Status {
	case accounting.JournalStatusReversed:
		return Result{}, fmt.Errorf("%w: entry %d", accounting.ErrAlreadyReversed, original.ID)
	case accounting.JournalStatusPosted:
	default:
		return Result{}, fmt.Errorf("%w: entry %d is %s", accounting.ErrInvalidStatus, original.ID, original.Status)
	}
	if original.Source == accounting.JournalSourceReversal {
		return Result{}, fmt.Errorf("%w: entry %d", accounting.ErrReversalNotReversible, original.ID)
	}
	if !req.anyPeriod {
		period, err := tx.GetPeriod(ctx, req.companyID, original.PeriodID)
		if err != nil {
			return Result{}, err
		}
		if period.Status != accounting.PeriodStatusOpen {
			return Result{}, fmt.Errorf("%w: original entry period %s", accounting.ErrPeriodClosed, period.Code)
		}
	}
	date := req.date
	if date.IsZero() {
		_, _, today, err := s.calendar.CurrentPeriod(ctx, tx, req.companyID)
		if err != nil {
			return Result{}, err
		}
		date = today
	}
	entry, err := s.poster.PostTx(ctx, tx, journals.PostingInput{
		CompanyID: req.companyID,
		Date:      date,
		Source:    accounting.JournalSourceReversal,
		Memo:      fmt.Sprintf("Reversal of #%d: %s", original.Number, req.reason),
		PostedBy:  req.actorID,
		Lines:     journals.Swap(original.Lines),
	})
	if err != nil {
		return Result{}, err
	}
	link, err := tx.InsertReversalLink(ctx, accounting.ReversalLink{
		CompanyID:        req.companyID,
		OriginalEntryID:  original.ID,
		ReversingEntryID: entry.ID,
		Kind:             req.kind,
		Reason:           req.reason,
		CreatedBy:        req.actorID,
		CreatedAt:        s.hooks.Clock(),
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Entry: entry, Link: link}, nil
}

func (s *Service) afterReversal(ctx context.Context, result Result) {
	s.poster.RecordPosted(ctx, result.Entry)
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  result.Link.CreatedBy,
		Action:   "journal.reverse",
		Entity:   "journal_entry",
		EntityID: fmt.Sprintf("%d", result.Link.OriginalEntryID),
		Meta: map[string]any{
			"reversing_entry_id": result.Entry.ID,
			"kind":               string(result.Link.Kind),
			"reason":             result.Link.Reason,
		},
	})
}

// ScheduleInput requests an automatic reversal on ReverseOn.
type ScheduleInput struct {
	CompanyID int64 `validate:"required"`
	EntryID   int64 `validate:"required"`
	ReverseOn time.Time
	Reason    string `validate:"max=512"`
	ActorID   int64
}

// ScheduleAutoReversal stores a pending reversal for a posted entry. Each entry
// carries at most one pending schedule.
func (s *Service) ScheduleAutoReversal(ctx context.Context, input ScheduleInput) (accounting.AutoReversal, error) {
	if err := accounting.ValidateStruct(input); err != nil {
		return accounting.AutoReversal{}, err
	}
	if input.ReverseOn.IsZero() {
		return accounting.AutoReversal{}, fmt.Errorf("%w: reverse date required", accounting.ErrInvalidInput)
	}
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		reason = "scheduled reversal"
	}
	reverseOn := accounting.DateOnly(input.ReverseOn)
	var schedule accounting.AutoReversal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		entry, err := tx.GetEntryForUpdate(ctx, input.CompanyID, input.EntryID)
		if err != nil {
			return err
		}
		if entry.Status != accounting.JournalStatusPosted {
			return fmt.Errorf("%w: entry %d is %s", accounting.ErrInvalidStatus, entry.ID, entry.Status)
		}
		if !reverseOn.After(accounting.DateOnly(entry.Date)) {
			return fmt.Errorf("%w: reversal date must follow %s", accounting.ErrInvalidDateRange, entry.Date.Format(time.DateOnly))
		}
		schedule, err = tx.InsertAutoReversal(ctx, accounting.AutoReversal{
			CompanyID: input.CompanyID,
			EntryID:   entry.ID,
			ReverseOn: reverseOn,
			Reason:    reason,
			CreatedBy: input.ActorID,
			CreatedAt: s.hooks.Clock(),
		})
		return err
	})
	if err != nil {
		return accounting.AutoReversal{}, err
	}
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "journal.schedule_reversal",
		Entity:   "journal_entry",
		EntityID: fmt.Sprintf("%d", input.EntryID),
		Meta:     map[string]any{"reverse_on": reverseOn.Format(time.DateOnly), "schedule_id": schedule.ID},
	})
	return schedule, nil
}

// CancelAutoReversal deletes a pending schedule.
func (s *Service) CancelAutoReversal(ctx context.Context, companyID, scheduleID, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		schedule, err := tx.GetAutoReversal(ctx, companyID, scheduleID)
		if err != nil {
			return err
		}
		if schedule.Processed {
			return fmt.Errorf("%w: schedule %d", accounting.ErrAlreadyProcessed, schedule.ID)
		}
		return tx.DeleteAutoReversal(ctx, companyID, scheduleID)
	})
	if err != nil {
		return err
	}
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "journal.cancel_reversal",
		Entity:   "auto_reversal",
		EntityID: fmt.Sprintf("%d", scheduleID),
	})
	return nil
}

// ListAutoReversals lists schedules matching filter.
func (s *Service) ListAutoReversals(ctx context.Context, companyID int64, filter accounting.AutoReversalFilter) ([]accounting.AutoReversal, error) {
	var out []accounting.AutoReversal
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		var err error
		out, err = tx.ListAutoReversals(ctx, companyID, filter)
		return err
	})
	return out, err
}

// ProcessInput selects due schedules. DryRun reports without posting.
type ProcessInput struct {
	CompanyID int64 `validate:"required"`
	AsOf      time.Time
	DryRun    bool
	ActorID   int64
}

// ScheduleOutcome reports what happened to one due schedule.
type ScheduleOutcome struct {
	Schedule       accounting.AutoReversal
	ReversingEntry *accounting.JournalEntry
	Skipped        bool
	Err            error
}

// ProcessResult summarises a processing run.
type ProcessResult struct {
	AsOf     time.Time
	DryRun   bool
	Due      int
	Posted   int
	Skipped  int
	Failed   int
	Outcomes []ScheduleOutcome
}

// ProcessAutoReversals reverses every schedule due on or before AsOf. Each
// schedule is claimed with a compare-and-set in its own transaction, so
// concurrent runs never reverse an entry twice. A failing schedule is reported
// and the run continues with the next one. Contention leaves it pending for
// the next run; any other failure marks it FAILED. Dry runs report the
// schedules whose entry was already reversed as skipped.
func (s *Service) ProcessAutoReversals(ctx context.Context, input ProcessInput) (result ProcessResult, err error) {
	if err := accounting.ValidateStruct(input); err != nil {
		return ProcessResult{}, err
	}
	asOf := input.AsOf
	if asOf.IsZero() {
		asOf = s.hooks.Clock()
	}
	asOf = accounting.DateOnly(asOf)
	ctx, span := accounting.StartSpan(ctx, "reversals.ProcessAutoReversals", input.CompanyID,
		attribute.Bool("ledger.dry_run", input.DryRun))
	defer func() { accounting.EndSpan(span, err) }()

	due, err := s.ListAutoReversals(ctx, input.CompanyID, accounting.AutoReversalFilter{DueBy: asOf, PendingOnly: true})
	if err != nil {
		return ProcessResult{}, err
	}
	result = ProcessResult{AsOf: asOf, DryRun: input.DryRun, Due: len(due)}
	if input.DryRun {
		err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
			for _, schedule := range due {
				original, err := tx.GetEntry(ctx, schedule.CompanyID, schedule.EntryID)
				if err != nil {
					return err
				}
				outcome := ScheduleOutcome{Schedule: schedule, Skipped: alreadyReversed(original)}
				if outcome.Skipped {
					result.Skipped++
				}
				result.Outcomes = append(result.Outcomes, outcome)
			}
			return nil
		})
		if err != nil {
			return ProcessResult{}, err
		}
		return result, nil
	}
	for _, schedule := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome := s.processOne(ctx, schedule, input.ActorID)
		switch {
		case outcome.Err != nil:
			result.Failed++
		case outcome.Skipped:
			result.Skipped++
		case outcome.ReversingEntry != nil:
			result.Posted++
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}
	s.hooks.Log().Info("auto reversals processed",
		slog.Int64("company_id", input.CompanyID),
		slog.Int("due", result.Due),
		slog.Int("posted", result.Posted),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed))
	return result, nil
}

var errLostClaim = errors.New("schedule claimed by another run")

func (s *Service) processOne(ctx context.Context, schedule accounting.AutoReversal, actorID int64) ScheduleOutcome {
	outcome := ScheduleOutcome{Schedule: schedule}
	var reversal Result
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		now := s.hooks.Clock()
		claimed, err := tx.ClaimAutoReversal(ctx, schedule.CompanyID, schedule.ID, now)
		if err != nil {
			return err
		}
		if !claimed {
			return errLostClaim
		}
		schedule.Processed = true
		schedule.ProcessedAt = &now
		original, err := tx.GetEntry(ctx, schedule.CompanyID, schedule.EntryID)
		if err != nil {
			return err
		}
		if alreadyReversed(original) {
			schedule.Outcome = accounting.AutoReversalSkipped
			outcome.Skipped = true
			return tx.CompleteAutoReversal(ctx, schedule)
		}
		reversal, err = s.reverseTx(ctx, tx, reverseRequest{
			companyID: schedule.CompanyID,
			entryID:   schedule.EntryID,
			reason:    schedule.Reason,
			actorID:   actorID,
			date:      schedule.ReverseOn,
			kind:      accounting.ReversalKindScheduledAuto,
			anyPeriod: true,
		})
		if err != nil {
			return err
		}
		id := reversal.Entry.ID
		schedule.ReversingEntryID = &id
		schedule.Outcome = accounting.AutoReversalPosted
		return tx.CompleteAutoReversal(ctx, schedule)
	})
	outcome.Schedule = schedule
	switch {
	case errors.Is(err, errLostClaim):
		outcome.Skipped = true
		return outcome
	case err != nil:
		outcome.Err = err
		outcome.Skipped = false
		outcome.Schedule.Processed = false
		outcome.Schedule.ProcessedAt = nil
		outcome.Schedule.Outcome = accounting.AutoReversalPending
		if permanent(err) {
			failed, markErr := s.markFailed(ctx, schedule)
			switch {
			case markErr != nil:
				s.hooks.Log().Warn("auto reversal not marked failed",
					slog.Int64("schedule_id", schedule.ID),
					slog.Any("error", markErr))
			case failed != nil:
				outcome.Schedule = *failed
			}
		}
		s.hooks.Log().Error("auto reversal failed",
			slog.Int64("company_id", schedule.CompanyID),
			slog.Int64("schedule_id", schedule.ID),
			slog.Int64("entry_id", schedule.EntryID),
			slog.String("outcome", string(outcome.Schedule.Outcome)),
			slog.Any("error", err))
		s.hooks.Send(ctx, accounting.Notification{
			Kind:      accounting.NotifyReversalFailed,
			CompanyID: schedule.CompanyID,
			Subject:   fmt.Sprintf("automatic reversal of entry %d failed", schedule.EntryID),
			Detail: map[string]any{
				"schedule_id": schedule.ID,
				"reverse_on":  schedule.ReverseOn.Format(time.DateOnly),
				"error":       accounting.Public(err).Message,
				"code":        accounting.Public(err).Code,
			},
		})
		return outcome
	}
	if outcome.Skipped {
		s.hooks.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "journal.auto_reversal_skipped",
			Entity:   "auto_reversal",
			EntityID: fmt.Sprintf("%d", schedule.ID),
		})
		return outcome
	}
	outcome.ReversingEntry = &reversal.Entry
	s.afterReversal(ctx, reversal)
	return outcome
}

func alreadyReversed(entry accounting.JournalEntry) bool {
	return entry.Status == accounting.JournalStatusReversed
}

// permanent reports whether a schedule failing with err would fail the same
// way on every later run. Contention and internal errors are retried.
func permanent(err error) bool {
	switch accounting.KindOf(err) {
	case accounting.KindConcurrency, accounting.KindInternal:
		return false
	}
	return true
}

// markFailed claims the schedule in a fresh transaction and records it as
// FAILED so later sweeps leave it alone. It returns nil when another run
// claimed the schedule first.
func (s *Service) markFailed(ctx context.Context, schedule accounting.AutoReversal) (*accounting.AutoReversal, error) {
	var out *accounting.AutoReversal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		now := s.hooks.Clock()
		claimed, err := tx.ClaimAutoReversal(ctx, schedule.CompanyID, schedule.ID, now)
		if err != nil || !claimed {
			return err
		}
		failed := schedule
		failed.Processed = true
		failed.ProcessedAt = &now
		failed.ReversingEntryID = nil
		failed.Outcome = accounting.AutoReversalFailed
		if err := tx.CompleteAutoReversal(ctx, failed); err != nil {
			return err
		}
		out = &failed
		return nil
	})
	return out, err
}

// CorrectionInput carries the adjusting lines of a correction. Lines are the
// balanced difference to post. With Replace set, Lines are instead the full
// intended entry and the difference against the entry's current effect,
// including earlier corrections, is derived.
type CorrectionInput struct {
	CompanyID int64  `validate:"required"`
	EntryID   int64  `validate:"required"`
	Reason    string `validate:"max=512"`
	Date      time.Time
	ActorID   int64
	Lines     []journals.LineInput
	Replace   bool
}

// CreateCorrection posts a CORRECTION entry linked to the original. The
// original stays as posted; several corrections may follow one entry.
func (s *Service) CreateCorrection(ctx context.Context, input CorrectionInput) (result Result, err error) {
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return Result{}, accounting.ErrReasonRequired
	}
	if err := accounting.ValidateStruct(input); err != nil {
		return Result{}, err
	}
	corrected := journals.PostingInput{CompanyID: input.CompanyID, Date: input.Date, Lines: input.Lines}
	if corrected.Date.IsZero() {
		corrected.Date = s.hooks.Clock()
	}
	corrected = corrected.Normalise(s.money)
	if err := corrected.Validate(s.money); err != nil {
		return Result{}, err
	}
	ctx, span := accounting.StartSpan(ctx, "reversals.CreateCorrection", input.CompanyID,
		attribute.Int64("ledger.entry_id", input.EntryID))
	defer func() { accounting.EndSpan(span, err) }()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		original, err := tx.GetEntryForUpdate(ctx, input.CompanyID, input.EntryID)
		if err != nil {
			return err
		}
		if original.Status == accounting.JournalStatusReversed {
			return fmt.Errorf("%w: entry %d", accounting.ErrAlreadyReversed, original.ID)
		}
		if original.Status != accounting.JournalStatusPosted {
			return fmt.Errorf("%w: entry %d is %s", accounting.ErrInvalidStatus, original.ID, original.Status)
		}
		lines := corrected.Lines
		if input.Replace {
			links, err := tx.ListReversalLinks(ctx, input.CompanyID, original.ID)
			if err != nil {
				return err
			}
			current := effectiveLines(original, links, func(id int64) (accounting.JournalEntry, error) {
				return tx.GetEntry(ctx, input.CompanyID, id)
			})
			if current.err != nil {
				return current.err
			}
			lines = s.deltaLines(current.net, corrected.Lines)
			if len(lines) == 0 {
				return fmt.Errorf("%w: corrected lines match the entry", accounting.ErrInvalidInput)
			}
		}
		entry, err := s.poster.PostTx(ctx, tx, journals.PostingInput{
			CompanyID: input.CompanyID,
			Date:      corrected.Date,
			Source:    accounting.JournalSourceCorrection,
			SourceID:  uuid.Nil,
			Memo:      fmt.Sprintf("Correction of #%d: %s", original.Number, reason),
			PostedBy:  input.ActorID,
			Lines:     lines,
		})
		if err != nil {
			return err
		}
		link, err := tx.InsertReversalLink(ctx, accounting.ReversalLink{
			CompanyID:        input.CompanyID,
			OriginalEntryID:  original.ID,
			ReversingEntryID: entry.ID,
			Kind:             accounting.ReversalKindCorrection,
			Reason:           reason,
			CreatedBy:        input.ActorID,
			CreatedAt:        s.hooks.Clock(),
		})
		if err != nil {
			return err
		}
		result = Result{Entry: entry, Link: link}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	s.poster.RecordPosted(ctx, result.Entry)
	s.hooks.Record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "journal.correct",
		Entity:   "journal_entry",
		EntityID: fmt.Sprintf("%d", input.EntryID),
		Meta:     map[string]any{"correction_entry_id": result.Entry.ID, "reason": reason},
	})
	return result, nil
}

// History lists the reversal and correction links touching an entry.
func (s *Service) History(ctx context.Context, companyID, entryID int64) ([]accounting.ReversalLink, error) {
	var out []accounting.ReversalLink
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx accounting.TxRepository) error {
		if _, err := tx.GetEntry(ctx, companyID, entryID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListReversalLinks(ctx, companyID, entryID)
		return err
	})
	return out, err
}

type netLines struct {
	net map[int64]decimal.Decimal
	err error
}

// effectiveLines nets the original entry with every correction already posted against it.
func effectiveLines(original accounting.JournalEntry, links []accounting.ReversalLink, load func(int64) (accounting.JournalEntry, error)) netLines {
	out := netLines{net: netByAccount(original.Lines)}
	for _, link := range links {
		if link.OriginalEntryID != original.ID || link.Kind != accounting.ReversalKindCorrection {
			continue
		}
		correction, err := load(link.ReversingEntryID)
		if err != nil {
			return netLines{err: err}
		}
		for id, amount := range netByAccount(correction.Lines) {
			out.net[id] = out.net[id].Add(amount)
		}
	}
	return out
}

func netByAccount(lines []accounting.JournalLine) map[int64]decimal.Decimal {
	out := make(map[int64]decimal.Decimal, len(lines))
	for _, line := range lines {
		out[line.AccountID] = out[line.AccountID].Add(line.Debit).Sub(line.Credit)
	}
	return out
}

// deltaLines turns the per account difference between current and corrected
// into journal lines, ordered by the corrected lines then the dropped accounts.
func (s *Service) deltaLines(current map[int64]decimal.Decimal, corrected []journals.LineInput) []journals.LineInput {
	target := make(map[int64]decimal.Decimal, len(corrected))
	order := make([]int64, 0, len(corrected)+len(current))
	for _, line := range corrected {
		if _, ok := target[line.AccountID]; !ok {
			order = append(order, line.AccountID)
		}
		target[line.AccountID] = target[line.AccountID].Add(line.Debit).Sub(line.Credit)
	}
	var dropped []int64
	for id := range current {
		if _, ok := target[id]; !ok {
			dropped = append(dropped, id)
		}
	}
	slices.Sort(dropped)
	order = append(order, dropped...)

	var out []journals.LineInput
	for _, id := range order {
		diff := s.money.Round(target[id].Sub(current[id]))
		switch {
		case diff.IsPositive():
			out = append(out, journals.LineInput{AccountID: id, Debit: diff, Credit: decimal.Zero})
		case diff.IsNegative():
			out = append(out, journals.LineInput{AccountID: id, Debit: decimal.Zero, Credit: diff.Neg()})
		}
	}
	return out
}
