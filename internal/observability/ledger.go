package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

// LedgerMetrics implements accounting.Instrumentation on Prometheus counters.
type LedgerMetrics struct {
	entries        *prometheus.CounterVec
	drifts         *prometheus.CounterVec
	auditFailures  *prometheus.CounterVec
	notifyFailures *prometheus.CounterVec
	txRetries      prometheus.Counter
}

var _ accounting.Instrumentation = (*LedgerMetrics)(nil)

// NewLedgerMetrics registers the ledger collectors on registerer.
func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &LedgerMetrics{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_gl_entries_posted_total",
			Help: "Journal entries posted partitioned by source.",
		}, []string{"source"}),
		drifts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_gl_balance_drift_total",
			Help: "Integrity checks that found stored balances disagreeing with postings.",
		}, []string{"company"}),
		auditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_gl_audit_failures_total",
			Help: "Audit records that could not be written.",
		}, []string{"action"}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_gl_notify_failures_total",
			Help: "Notifications that could not be handed off.",
		}, []string{"kind"}),
		txRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_gl_tx_retries_total",
			Help: "Ledger transactions retried after a serialization conflict.",
		}),
	}
	registerer.MustRegister(m.entries, m.drifts, m.auditFailures, m.notifyFailures, m.txRetries)
	return m
}

// EntryPosted counts a posted entry.
func (m *LedgerMetrics) EntryPosted(source accounting.JournalSource) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(string(source)).Inc()
}

// BalanceDrift counts a drift finding for the company.
func (m *LedgerMetrics) BalanceDrift(companyID int64) {
	if m == nil {
		return
	}
	m.drifts.WithLabelValues(strconv.FormatInt(companyID, 10)).Inc()
}

// AuditFailed counts a lost audit record.
func (m *LedgerMetrics) AuditFailed(action string) {
	if m == nil {
		return
	}
	m.auditFailures.WithLabelValues(action).Inc()
}

// NotifyFailed counts a lost notification.
func (m *LedgerMetrics) NotifyFailed(kind accounting.NotificationKind) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(string(kind)).Inc()
}

// TxRetried counts a retried transaction.
func (m *LedgerMetrics) TxRetried() {
	if m == nil {
		return
	}
	m.txRetries.Inc()
}
