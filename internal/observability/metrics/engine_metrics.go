package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics tracks membership and payment lifecycle signals.
type EngineMetrics struct {
	referenceExhausted    *prometheus.CounterVec
	referenceCollisions   *prometheus.CounterVec
	auditWriteFailures    *prometheus.CounterVec
	auditReconciled       *prometheus.CounterVec
	contentionRetries     *prometheus.CounterVec
	contentionExhausted   *prometheus.CounterVec
	membershipTransitions *prometheus.CounterVec
	paymentDecisions      *prometheus.CounterVec
	walkInSales           *prometheus.CounterVec
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
)

// Engine returns the singleton engine metrics registry.
func Engine() *EngineMetrics {
	return EngineWithConfig(Config{})
}

// EngineWithConfig returns the singleton engine metrics registry using config labels.
func EngineWithConfig(cfg Config) *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetrics = newEngineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return engineMetrics
}

// ResetEngineMetricsForTest resets the engine metrics singleton for tests.
func ResetEngineMetricsForTest() {
	engineMetricsOnce = sync.Once{}
	engineMetrics = nil
}

func newEngineMetrics(registerer prometheus.Registerer, cfg Config) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	m := &EngineMetrics{
		referenceExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gymledger_reference_exhausted_total",
			Help:        "Reference number generation that ran out of attempts.",
			ConstLabels: labels,
		}, []string{"prefix"}),
		referenceCollisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gymledger_reference_collisions_total",
			Help:        "Reference candidates rejected by the uniqueness constraint.",
			ConstLabels: labels,
		}, []string{"prefix"}),
		auditWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gymledger_audit_write_failures_total",
			Help:        "Audit entries that could not be written in the business transaction.",
			ConstLabels: labels,
		}, []string{"action"}),
		auditReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gymledger_audit_reconciled_total",
			Help:        "Degraded audit entries redelivered by the reconciler.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		contentionRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gymledger_db_contention_retries_total",
			Help:        "Transaction retries caused by lock timeouts or serialization failures.",
			ConstLabels: labels,
		}, []string{"operation"}),
		contentionExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gymledger_db_contention_exhausted_total",
			Help:        "Transactions that surfaced contention after exhausting retries.",
			ConstLabels: labels,
		}, []string{"operation"}),
		membershipTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gymledger_membership_transitions_total",
			Help:        "Membership status transitions.",
			ConstLabels: labels,
		}, []string{"from", "to"}),
		paymentDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gymledger_payment_decisions_total",
			Help:        "Payment approval decisions by outcome.",
			ConstLabels: labels,
		}, []string{"decision", "method"}),
		walkInSales: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gymledger_walkin_sales_total",
			Help:        "Walk-in sales recorded by payment method.",
			ConstLabels: labels,
		}, []string{"method"}),
	}

	registerer.MustRegister(
		m.referenceExhausted,
		m.referenceCollisions,
		m.auditWriteFailures,
		m.auditReconciled,
		m.contentionRetries,
		m.contentionExhausted,
		m.membershipTransitions,
		m.paymentDecisions,
		m.walkInSales,
	)
	return m
}

func (m *EngineMetrics) IncReferenceExhausted(prefix string) {
	if m == nil {
		return
	}
	m.referenceExhausted.WithLabelValues(normalizeLabel(prefix)).Inc()
}

func (m *EngineMetrics) IncReferenceCollision(prefix string) {
	if m == nil {
		return
	}
	m.referenceCollisions.WithLabelValues(normalizeLabel(prefix)).Inc()
}

func (m *EngineMetrics) IncAuditWriteFailure(action string) {
	if m == nil {
		return
	}
	m.auditWriteFailures.WithLabelValues(normalizeLabel(action)).Inc()
}

func (m *EngineMetrics) IncAuditReconciled(outcome string) {
	if m == nil {
		return
	}
	m.auditReconciled.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveContentionRetry satisfies db.ContentionObserver.
func (m *EngineMetrics) ObserveContentionRetry(operation string) {
	if m == nil {
		return
	}
	m.contentionRetries.WithLabelValues(normalizeLabel(operation)).Inc()
}

// ObserveContentionExhausted satisfies db.ContentionObserver.
func (m *EngineMetrics) ObserveContentionExhausted(operation string) {
	if m == nil {
		return
	}
	m.contentionExhausted.WithLabelValues(normalizeLabel(operation)).Inc()
}

func (m *EngineMetrics) IncMembershipTransition(from, to string) {
	if m == nil {
		return
	}
	m.membershipTransitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

func (m *EngineMetrics) IncPaymentDecision(decision, method string) {
	if m == nil {
		return
	}
	m.paymentDecisions.WithLabelValues(normalizeLabel(decision), normalizeLabel(method)).Inc()
}

func (m *EngineMetrics) IncWalkInSale(method string) {
	if m == nil {
		return
	}
	m.walkInSales.WithLabelValues(normalizeLabel(method)).Inc()
}

func normalizeLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}
