package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// ReconcileTotal counts reconciliation outcomes by entry path.
	ReconcileTotal *prometheus.CounterVec
	// ReconcileConflicts counts ledger transactions aborted by a concurrent commit.
	ReconcileConflicts prometheus.Counter
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// AttemptDecisions counts attempt tracker decisions.
	AttemptDecisions *prometheus.CounterVec
	// NotifyTotal counts confirmation notification outcomes per channel.
	NotifyTotal *prometheus.CounterVec
	// NotifyLatency records notification delivery latency in milliseconds.
	NotifyLatency *prometheus.HistogramVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		ReconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Count of reconciliation outcomes.",
		}, []string{"process_type", "result"})
		ReconcileConflicts = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_conflicts_total",
			Help:      "Number of ledger transactions aborted by a concurrent commit.",
		})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"result"})
		AttemptDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_attempt_decisions_total",
			Help:      "Count of webhook attempt tracker decisions.",
		}, []string{"decision"})
		NotifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_total",
			Help:      "Count of confirmation notification outcomes.",
		}, []string{"channel", "result"})
		NotifyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notify_duration_ms",
			Help:      "Latency for notification delivery in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"channel"})

		mustRegisterCollector(reg, ReconcileTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				ReconcileTotal = v
			}
		})
		mustRegisterCollector(reg, ReconcileConflicts, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				ReconcileConflicts = v
			}
		})
		mustRegisterCollector(reg, PaymentWebhookTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentWebhookTotal = v
			}
		})
		mustRegisterCollector(reg, AttemptDecisions, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				AttemptDecisions = v
			}
		})
		mustRegisterCollector(reg, NotifyTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				NotifyTotal = v
			}
		})
		mustRegisterCollector(reg, NotifyLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				NotifyLatency = v
			}
		})
	})
}

// ObserveReconcile increments the reconcile counter when metrics are registered.
func ObserveReconcile(processType, result string) {
	if ReconcileTotal != nil {
		ReconcileTotal.WithLabelValues(processType, result).Inc()
	}
}

// ObserveReconcileConflict increments the conflict counter when metrics are registered.
func ObserveReconcileConflict() {
	if ReconcileConflicts != nil {
		ReconcileConflicts.Inc()
	}
}

// ObserveWebhook increments the webhook outcome counter when metrics are registered.
func ObserveWebhook(result string) {
	if PaymentWebhookTotal != nil {
		PaymentWebhookTotal.WithLabelValues(result).Inc()
	}
}

// ObserveAttemptDecision increments the decision counter when metrics are registered.
func ObserveAttemptDecision(decision string) {
	if AttemptDecisions != nil {
		AttemptDecisions.WithLabelValues(decision).Inc()
	}
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register metric: %w", err))
	}
}
