package accounting

import (
	"context"
	"log/slog"
	"time"

	"github.com/odyssey-erp/odyssey-gl/internal/shared"
)

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// NotificationKind enumerates operational notifications.
type NotificationKind string

const (
	NotifyPeriodCloseWarning NotificationKind = "period_close_warning"
	NotifyReversalFailed     NotificationKind = "reversal_failed"
	NotifyBalanceDrift       NotificationKind = "balance_drift"
	NotifyTrialBalanceBroken NotificationKind = "trial_balance_unbalanced"
)

// Notification is a fire-and-forget operational message.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	CompanyID int64            `json:"company_id"`
	Subject   string           `json:"subject"`
	Detail    map[string]any   `json:"detail,omitempty"`
	At        time.Time        `json:"at"`
}

// Notifier delivers notifications to an external channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Instrumentation receives ledger level counters.
type Instrumentation interface {
	EntryPosted(source JournalSource)
	BalanceDrift(companyID int64)
	AuditFailed(action string)
	NotifyFailed(kind NotificationKind)
}

// Hooks bundles the side channels shared by ledger services. Every field is optional.
type Hooks struct {
	Audit   AuditPort
	Notify  Notifier
	Metrics Instrumentation
	Logger  *slog.Logger
	Now     func() time.Time
}

// Clock returns the current time.
func (h Hooks) Clock() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

// Log returns the configured logger or the process default.
func (h Hooks) Log() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// Record writes an audit log after a committed mutation. Failures are logged
// and counted but never returned.
func (h Hooks) Record(ctx context.Context, log shared.AuditLog) {
	if h.Audit == nil {
		return
	}
	if log.At.IsZero() {
		log.At = h.Clock()
	}
	if err := h.Audit.Record(ctx, log); err != nil {
		h.Log().Warn("audit record failed",
			slog.String("action", log.Action),
			slog.String("entity_id", log.EntityID),
			slog.Any("error", err))
		if h.Metrics != nil {
			h.Metrics.AuditFailed(log.Action)
		}
	}
}

// Send dispatches a notification without failing the caller.
func (h Hooks) Send(ctx context.Context, n Notification) {
	if h.Notify == nil {
		return
	}
	if n.At.IsZero() {
		n.At = h.Clock()
	}
	if err := h.Notify.Notify(ctx, n); err != nil {
		h.Log().Warn("notification failed",
			slog.String("kind", string(n.Kind)),
			slog.Int64("company_id", n.CompanyID),
			slog.Any("error", err))
		if h.Metrics != nil {
			h.Metrics.NotifyFailed(n.Kind)
		}
	}
}

// Posted counts a posted entry.
func (h Hooks) Posted(source JournalSource) {
	if h.Metrics != nil {
		h.Metrics.EntryPosted(source)
	}
}

// Drifted counts a balance drift.
func (h Hooks) Drifted(companyID int64) {
	if h.Metrics != nil {
		h.Metrics.BalanceDrift(companyID)
	}
}
