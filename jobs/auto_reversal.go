package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting/reversals"
	jobmetrics "github.com/odyssey-erp/odyssey-gl/internal/jobs"
	"github.com/odyssey-erp/odyssey-gl/internal/platform/locks"
	"github.com/odyssey-erp/odyssey-gl/internal/shared"
)

// AutoReversalService posts due scheduled reversals.
type AutoReversalService interface {
	ProcessAutoReversals(ctx context.Context, input reversals.ProcessInput) (reversals.ProcessResult, error)
}

// AutoReversalJob runs the scheduled reversal sweep per company.
type AutoReversalJob struct {
	Service   AutoReversalService
	Companies CompanyLister
	Locks     Locker
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	ActorID   int64
	clock     func() time.Time
}

// NewAutoReversalJob constructs the job handler.
func NewAutoReversalJob(service AutoReversalService, companies CompanyLister, locker Locker, logger *slog.Logger, metrics *jobmetrics.Metrics) *AutoReversalJob {
	return &AutoReversalJob{
		Service:   service,
		Companies: companies,
		Locks:     locker,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the auto reversal job. A company locked by another worker
// is skipped; a failing company does not stop the others.
func (j *AutoReversalJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil || j.Companies == nil {
		return errors.New("auto reversal: dependencies not configured")
	}
	payload, asOf, err := decodeCompanyPayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if asOf.IsZero() {
		asOf = j.now()
	}

	tracker := j.metrics().Track(TaskAutoReversal)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	companies, err := resolveCompanies(ctx, j.Companies, payload.Company)
	if err != nil {
		resultErr = err
		j.log().Error("resolve companies", slog.String("company", payload.Company), slog.Any("error", err))
		return resultErr
	}

	start := j.now()
	var totals reversals.ProcessResult
	var failures []error
	for _, companyID := range companies {
		var result reversals.ProcessResult
		err := withLock(ctx, j.Locks, shared.AutoReversalLockKey(companyID), func(ctx context.Context) error {
			var err error
			result, err = j.Service.ProcessAutoReversals(ctx, reversals.ProcessInput{
				CompanyID: companyID,
				AsOf:      asOf,
				ActorID:   j.ActorID,
			})
			return err
		})
		if errors.Is(err, locks.ErrNotObtained) {
			j.log().Info("company locked by another run", slog.Int64("company_id", companyID))
			continue
		}
		if err != nil {
			failures = append(failures, fmt.Errorf("company %d: %w", companyID, err))
			j.log().Error("process auto reversals", slog.Int64("company_id", companyID), slog.Any("error", err))
			continue
		}
		totals.Due += result.Due
		totals.Posted += result.Posted
		totals.Skipped += result.Skipped
		totals.Failed += result.Failed
	}

	j.metrics().AddOutcomes(TaskAutoReversal, "posted", totals.Posted)
	j.metrics().AddOutcomes(TaskAutoReversal, "skipped", totals.Skipped)
	j.metrics().AddOutcomes(TaskAutoReversal, "failed", totals.Failed)
	j.log().Info("auto reversal sweep finished",
		slog.String("as_of", asOf.Format(time.DateOnly)),
		slog.Int("companies", len(companies)),
		slog.Int("due", totals.Due),
		slog.Int("posted", totals.Posted),
		slog.Int("failed", totals.Failed),
		slog.Duration("duration", time.Since(start)))
	resultErr = errors.Join(failures...)
	return resultErr
}

func (j *AutoReversalJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *AutoReversalJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAutoReversal))
	}
	return slog.Default().With(slog.String("job", TaskAutoReversal))
}

func (j *AutoReversalJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *AutoReversalJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
