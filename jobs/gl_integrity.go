package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/ledger"
	jobmetrics "github.com/odyssey-erp/odyssey-gl/internal/jobs"
	"github.com/odyssey-erp/odyssey-gl/internal/platform/locks"
	"github.com/odyssey-erp/odyssey-gl/internal/shared"
)

// IntegrityChecker verifies one company's ledger.
type IntegrityChecker interface {
	CompanyLister
	CheckIntegrity(ctx context.Context, companyID int64) (ledger.IntegrityReport, error)
}

// IntegrityJob checks that every company's trial balance balances and that
// stored balances match their postings. Findings are reported, never fixed.
type IntegrityJob struct {
	Ledger  IntegrityChecker
	Locks   Locker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIntegrityJob constructs the job handler.
func NewIntegrityJob(checker IntegrityChecker, locker Locker, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityJob {
	return &IntegrityJob{Ledger: checker, Locks: locker, Logger: logger, Metrics: metrics}
}

// Handle executes the integrity job.
func (j *IntegrityJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Ledger == nil {
		return errors.New("gl integrity: dependencies not configured")
	}
	payload, _, err := decodeCompanyPayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	_, err = j.Run(ctx, payload.Company)
	return err
}

// Run checks the companies selected by scope and returns their reports.
// Companies without a current fiscal year are skipped.
func (j *IntegrityJob) Run(ctx context.Context, scope string) (reports []ledger.IntegrityReport, resultErr error) {
	tracker := j.metrics().Track(TaskIntegrityCheck)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	companies, err := resolveCompanies(ctx, j.Ledger, scope)
	if err != nil {
		j.log().Error("resolve companies", slog.String("company", scope), slog.Any("error", err))
		return nil, err
	}

	start := time.Now()
	var failures []error
	unhealthy := 0
	for _, companyID := range companies {
		var report ledger.IntegrityReport
		err := withLock(ctx, j.Locks, shared.IntegrityLockKey(companyID), func(ctx context.Context) error {
			var err error
			report, err = j.Ledger.CheckIntegrity(ctx, companyID)
			return err
		})
		switch {
		case errors.Is(err, locks.ErrNotObtained):
			j.log().Info("company locked by another run", slog.Int64("company_id", companyID))
			continue
		case errors.Is(err, accounting.ErrFiscalYearNotFound):
			j.log().Info("no current fiscal year", slog.Int64("company_id", companyID))
			continue
		case err != nil:
			failures = append(failures, fmt.Errorf("company %d: %w", companyID, err))
			j.log().Error("check integrity", slog.Int64("company_id", companyID), slog.Any("error", err))
			continue
		}
		if !report.Healthy() {
			unhealthy++
			j.log().Warn("ledger integrity failed",
				slog.Int64("company_id", companyID),
				slog.Bool("balanced", report.Balanced),
				slog.Int("drifts", len(report.Drifts)))
		}
		reports = append(reports, report)
	}

	j.metrics().AddOutcomes(TaskIntegrityCheck, "healthy", len(reports)-unhealthy)
	j.metrics().AddOutcomes(TaskIntegrityCheck, "unhealthy", unhealthy)
	j.log().Info("integrity check finished",
		slog.Int("companies", len(reports)),
		slog.Int("unhealthy", unhealthy),
		slog.Duration("duration", time.Since(start)))
	return reports, errors.Join(failures...)
}

func (j *IntegrityJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *IntegrityJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskIntegrityCheck))
	}
	return slog.Default().With(slog.String("job", TaskIntegrityCheck))
}
