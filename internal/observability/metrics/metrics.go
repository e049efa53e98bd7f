// Package metrics exposes Prometheus collectors for the settlement managers.
// Every recording method is safe to call on a nil *Registry so that managers
// constructed without metrics need no extra branches.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openmcp_settlement"

// Result labels shared by the operation counters.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
	ResultDropped  = "dropped"
)

// Registry owns a dedicated prometheus.Registry and the settlement collectors.
type Registry struct {
	registry *prometheus.Registry

	escrowOps    *prometheus.CounterVec
	escrowAmount *prometheus.CounterVec

	creditOps     *prometheus.CounterVec
	creditChanges *prometheus.CounterVec
	creditSaves   *prometheus.CounterVec
	creditSaveDur prometheus.Histogram

	flashLoans    *prometheus.CounterVec
	flashVolume   prometheus.Counter
	flashFees     prometheus.Counter
	flashDuration prometheus.Histogram

	providerHealth  *prometheus.GaugeVec
	providerCircuit *prometheus.GaugeVec
	failovers       prometheus.Counter

	sinkDeliveries *prometheus.CounterVec
}

// NewRegistry builds and registers every collector.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		escrowOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_operations_total",
			Help:      "Escrow lifecycle operations by outcome.",
		}, []string{"operation", "result"}),
		escrowAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_amount_total",
			Help:      "Amounts moved through escrow by operation.",
		}, []string{"operation"}),
		creditOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_operations_total",
			Help:      "Credit operations by outcome.",
		}, []string{"operation", "result"}),
		creditChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_profile_changes_total",
			Help:      "Score and tier changes produced by credit recomputation.",
		}, []string{"kind"}),
		creditSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_store_saves_total",
			Help:      "Credit store save attempts by outcome.",
		}, []string{"result"}),
		creditSaveDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credit_store_save_duration_seconds",
			Help:      "Time spent writing the credit store.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		flashLoans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flash_loans_total",
			Help:      "Flash loans by terminal status.",
		}, []string{"status"}),
		flashVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flash_loan_volume_total",
			Help:      "Principal of successfully repaid flash loans.",
		}),
		flashFees: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flash_loan_fees_total",
			Help:      "Fees earned from repaid flash loans.",
		}),
		flashDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flash_loan_execution_seconds",
			Help:      "Callback execution time of flash loans.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		providerHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_health_score",
			Help:      "Current health score per provider.",
		}, []string{"provider"}),
		providerCircuit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_circuit_open",
			Help:      "1 when the provider circuit breaker is open.",
		}, []string{"provider"}),
		failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Recorded provider failovers.",
		}),
		sinkDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_sink_deliveries_total",
			Help:      "Aggregate stream deliveries per sink and outcome.",
		}, []string{"sink", "result"}),
	}

	r.registry.MustRegister(
		r.escrowOps, r.escrowAmount,
		r.creditOps, r.creditChanges, r.creditSaves, r.creditSaveDur,
		r.flashLoans, r.flashVolume, r.flashFees, r.flashDuration,
		r.providerHealth, r.providerCircuit, r.failovers,
		r.sinkDeliveries,
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{})
}

// ObserveEscrow counts an escrow operation and, when ok, the amount moved.
func (r *Registry) ObserveEscrow(operation, result string, amount float64) {
	if r == nil {
		return
	}
	r.escrowOps.WithLabelValues(operation, result).Inc()
	if result == ResultOK && amount > 0 {
		r.escrowAmount.WithLabelValues(operation).Add(amount)
	}
}

// ObserveCredit counts a credit operation.
func (r *Registry) ObserveCredit(operation, result string) {
	if r == nil {
		return
	}
	r.creditOps.WithLabelValues(operation, result).Inc()
}

// ObserveCreditChange counts a score or tier change.
func (r *Registry) ObserveCreditChange(kind string) {
	if r == nil {
		return
	}
	r.creditChanges.WithLabelValues(kind).Inc()
}

// ObserveCreditSave records one credit store write.
func (r *Registry) ObserveCreditSave(result string, took time.Duration) {
	if r == nil {
		return
	}
	r.creditSaves.WithLabelValues(result).Inc()
	r.creditSaveDur.Observe(took.Seconds())
}

// ObserveFlashLoan records a terminal flash loan. Volume and fees only grow
// for repaid loans.
func (r *Registry) ObserveFlashLoan(status string, amount, fee float64, took time.Duration) {
	if r == nil {
		return
	}
	r.flashLoans.WithLabelValues(status).Inc()
	r.flashDuration.Observe(took.Seconds())
	if status == "repaid" {
		r.flashVolume.Add(amount)
		r.flashFees.Add(fee)
	}
}

// SetProviderHealth publishes the health gauge and circuit state of a provider.
func (r *Registry) SetProviderHealth(provider string, score float64, circuitOpen bool) {
	if r == nil {
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(score)
	open := 0.0
	if circuitOpen {
		open = 1
	}
	r.providerCircuit.WithLabelValues(provider).Set(open)
}

// ForgetProvider drops the gauges of a provider whose health was reset.
func (r *Registry) ForgetProvider(provider string) {
	if r == nil {
		return
	}
	r.providerHealth.DeleteLabelValues(provider)
	r.providerCircuit.DeleteLabelValues(provider)
}

// IncFailover counts a recorded failover.
func (r *Registry) IncFailover() {
	if r == nil {
		return
	}
	r.failovers.Inc()
}

// ObserveSinkDelivery counts one delivery of the aggregate stream.
func (r *Registry) ObserveSinkDelivery(sink, result string) {
	if r == nil {
		return
	}
	r.sinkDeliveries.WithLabelValues(sink, result).Inc()
}
