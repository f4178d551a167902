package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	jobmetrics "github.com/odyssey-erp/odyssey-gl/internal/jobs"
	"github.com/odyssey-erp/odyssey-gl/internal/notify"
)

// NotificationJob hands queued notifications to the delivery channel.
type NotificationJob struct {
	Sink    accounting.Notifier
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewNotificationJob constructs the job handler.
func NewNotificationJob(sink accounting.Notifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *NotificationJob {
	return &NotificationJob{Sink: sink, Logger: logger, Metrics: metrics}
}

// Handle delivers one notification. Malformed payloads are dropped.
func (j *NotificationJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Sink == nil {
		return errors.New("notification: sink not configured")
	}
	n, err := notify.Decode(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	tracker := j.metrics().Track(TaskNotification)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	if err := j.Sink.Notify(ctx, n); err != nil {
		j.log().Warn("deliver notification", slog.String("kind", string(n.Kind)), slog.Int64("company_id", n.CompanyID), slog.Any("error", err))
		return err
	}
	return nil
}

func (j *NotificationJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *NotificationJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskNotification))
	}
	return slog.Default().With(slog.String("job", TaskNotification))
}
