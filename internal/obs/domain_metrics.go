package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// CartMutationTotal counts cart mutation outcomes by operation.
	CartMutationTotal *prometheus.CounterVec
	// CartRollbackTotal counts optimistic mutations that were rolled back.
	CartRollbackTotal *prometheus.CounterVec
	// UpstreamRequestTotal counts upstream API call outcomes per endpoint.
	UpstreamRequestTotal *prometheus.CounterVec
	// UpstreamRequestLatency records upstream call latency in milliseconds.
	UpstreamRequestLatency *prometheus.HistogramVec
	// CheckoutTransitionTotal counts checkout step transition attempts.
	CheckoutTransitionTotal *prometheus.CounterVec
	// AuthValidationTotal counts token validation outcomes.
	AuthValidationTotal *prometheus.CounterVec
	// SnapshotReconcileTotal counts background snapshot reconciliation outcomes.
	SnapshotReconcileTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		CartMutationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_mutation_total",
			Help:      "Count of cart mutation outcomes by operation.",
		}, []string{"op", "result"})
		CartRollbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_rollback_total",
			Help:      "Count of optimistic cart mutations rolled back after upstream failure.",
		}, []string{"op"})
		UpstreamRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_request_total",
			Help:      "Count of upstream API request outcomes.",
		}, []string{"endpoint", "result"})
		UpstreamRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_ms",
			Help:      "Latency for upstream API requests in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"endpoint"})
		CheckoutTransitionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_transition_total",
			Help:      "Count of checkout step transition attempts by outcome.",
		}, []string{"from", "to", "result"})
		AuthValidationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_validation_total",
			Help:      "Count of auth token validation outcomes.",
		}, []string{"result"})
		SnapshotReconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_reconcile_total",
			Help:      "Count of background cart snapshot reconciliation outcomes.",
		}, []string{"result"})

		mustRegisterCollector(reg, CartMutationTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CartMutationTotal = v
			}
		})
		mustRegisterCollector(reg, CartRollbackTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CartRollbackTotal = v
			}
		})
		mustRegisterCollector(reg, UpstreamRequestTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				UpstreamRequestTotal = v
			}
		})
		mustRegisterCollector(reg, UpstreamRequestLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				UpstreamRequestLatency = v
			}
		})
		mustRegisterCollector(reg, CheckoutTransitionTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CheckoutTransitionTotal = v
			}
		})
		mustRegisterCollector(reg, AuthValidationTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				AuthValidationTotal = v
			}
		})
		mustRegisterCollector(reg, SnapshotReconcileTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				SnapshotReconcileTotal = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, onExisting func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if onExisting != nil {
				onExisting(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register collector: %w", err))
	}
}
