package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-gl/internal/jobs"
	"github.com/odyssey-erp/odyssey-gl/internal/notify"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAutoReversal posts the scheduled reversals that fell due.
	TaskAutoReversal = "gl:auto_reversal"
	// TaskIntegrityCheck compares stored balances with the posting ledger.
	TaskIntegrityCheck = "gl:integrity"
	// TaskNotification delivers a queued ledger notification.
	TaskNotification = notify.TaskType

	scopeAll = "all"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// CompanyPayload scopes a ledger job to one company or to every company.
type CompanyPayload struct {
	Company string `json:"company"`
	AsOf    string `json:"as_of,omitempty"`
}

// NewAutoReversalTask creates a task processing reversals due by asOf. An
// empty company targets every company; a zero asOf uses the run date.
func NewAutoReversalTask(company string, asOf time.Time) (*asynq.Task, error) {
	payload := CompanyPayload{Company: company}
	if !asOf.IsZero() {
		payload.AsOf = asOf.Format(time.DateOnly)
	}
	return newCompanyTask(TaskAutoReversal, payload)
}

// NewIntegrityCheckTask creates a task verifying ledger integrity.
func NewIntegrityCheckTask(company string) (*asynq.Task, error) {
	return newCompanyTask(TaskIntegrityCheck, CompanyPayload{Company: company})
}

func newCompanyTask(typ string, payload CompanyPayload) (*asynq.Task, error) {
	if payload.Company == "" {
		payload.Company = scopeAll
	}
	if _, err := parseScope(payload.Company); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, body, asynq.Queue(QueueDefault)), nil
}

func decodeCompanyPayload(task *asynq.Task) (CompanyPayload, time.Time, error) {
	var payload CompanyPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, time.Time{}, err
	}
	if payload.Company == "" {
		payload.Company = scopeAll
	}
	var asOf time.Time
	if payload.AsOf != "" {
		parsed, err := time.Parse(time.DateOnly, payload.AsOf)
		if err != nil {
			return payload, time.Time{}, fmt.Errorf("invalid as_of %s", payload.AsOf)
		}
		asOf = parsed
	}
	return payload, asOf, nil
}

// parseScope returns 0 for every company or the requested company id.
func parseScope(scope string) (int64, error) {
	if scope == "" || strings.EqualFold(scope, scopeAll) {
		return 0, nil
	}
	id, err := strconv.ParseInt(scope, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid company id %s", scope)
	}
	if id <= 0 {
		return 0, fmt.Errorf("company id must be positive")
	}
	return id, nil
}

// CompanyLister discovers companies holding a ledger.
type CompanyLister interface {
	Companies(ctx context.Context) ([]int64, error)
}

func resolveCompanies(ctx context.Context, lister CompanyLister, scope string) ([]int64, error) {
	id, err := parseScope(scope)
	if err != nil {
		return nil, err
	}
	if id > 0 {
		return []int64{id}, nil
	}
	return lister.Companies(ctx)
}

// Locker serialises a critical section across workers.
type Locker interface {
	With(ctx context.Context, key string, fn func(context.Context) error) error
}

func withLock(ctx context.Context, locker Locker, key string, fn func(context.Context) error) error {
	if locker == nil {
		return fn(ctx)
	}
	return locker.With(ctx, key, fn)
}
