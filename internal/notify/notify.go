// Package notify hands ledger notifications to the background queue.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sony/gobreaker"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

// TaskType identifies queued notification deliveries.
const TaskType = "gl:notify"

// ErrUnavailable is returned while the breaker rejects enqueues.
var ErrUnavailable = errors.New("notify: queue unavailable")

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueOptions tunes the circuit breaker guarding the enqueue path.
type QueueOptions struct {
	Queue               string
	MaxRetry            int
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	Logger              *slog.Logger
}

// Queue implements accounting.Notifier by enqueueing an asynq task per
// notification. Redis outages trip the breaker so posting never waits on it.
type Queue struct {
	client   Enqueuer
	breaker  *gobreaker.CircuitBreaker
	queue    string
	maxRetry int
}

var _ accounting.Notifier = (*Queue)(nil)

// NewQueue wires a Queue on client.
func NewQueue(client Enqueuer, opts QueueOptions) *Queue {
	if opts.Queue == "" {
		opts.Queue = "default"
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 5
	}
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 3
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	threshold := opts.ConsecutiveFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notify-queue",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("notify breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return &Queue{client: client, breaker: breaker, queue: opts.Queue, maxRetry: opts.MaxRetry}
}

// Notify enqueues n for asynchronous delivery.
func (q *Queue) Notify(ctx context.Context, n accounting.Notification) error {
	if q == nil || q.client == nil {
		return errors.New("notify: queue not configured")
	}
	task, err := NewTask(n)
	if err != nil {
		return err
	}
	_, err = q.breaker.Execute(func() (interface{}, error) {
		return q.client.EnqueueContext(ctx, task, asynq.Queue(q.queue), asynq.MaxRetry(q.maxRetry))
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("notify: enqueue %s: %w", n.Kind, err)
	}
	return nil
}

// State reports the breaker state for health output.
func (q *Queue) State() string {
	if q == nil {
		return gobreaker.StateClosed.String()
	}
	return q.breaker.State().String()
}

// NewTask encodes n as an asynq task.
func NewTask(n accounting.Notification) (*asynq.Task, error) {
	if n.Kind == "" {
		return nil, errors.New("notify: notification kind required")
	}
	body, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskType, body), nil
}

// Decode reads the notification carried by task.
func Decode(task *asynq.Task) (accounting.Notification, error) {
	var n accounting.Notification
	if task == nil {
		return n, errors.New("notify: nil task")
	}
	if err := json.Unmarshal(task.Payload(), &n); err != nil {
		return n, fmt.Errorf("notify: decode payload: %w", err)
	}
	if n.Kind == "" {
		return n, errors.New("notify: notification kind required")
	}
	return n, nil
}

// Log implements accounting.Notifier by writing notifications to a logger.
// It serves single process setups and the CLI.
type Log struct {
	Logger *slog.Logger
}

// Notify writes n at warn level.
func (l Log) Notify(ctx context.Context, n accounting.Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		slog.String("kind", string(n.Kind)),
		slog.Int64("company_id", n.CompanyID),
		slog.Time("at", n.At),
	}
	if len(n.Detail) > 0 {
		attrs = append(attrs, slog.Any("detail", n.Detail))
	}
	logger.WarnContext(ctx, n.Subject, attrs...)
	return nil
}
