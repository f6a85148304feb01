package observability

import (
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type vaultMetrics struct {
	operations  *prometheus.CounterVec
	opErrors    *prometheus.CounterVec
	sharePrice  prometheus.Gauge
	totalAssets prometheus.Gauge
	idleCash    prometheus.Gauge
	accruedFees prometheus.Gauge
	pendingReqs prometheus.Gauge
}

type keeperMetrics struct {
	runs    *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	vaultMetricsOnce sync.Once
	vaultRegistry    *vaultMetrics

	keeperMetricsOnce sync.Once
	keeperRegistry    *keeperMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics
)

// VaultMetrics returns the lazily-initialised registry tracking ledger
// operations and headline balances.
func VaultMetrics() *vaultMetrics {
	vaultMetricsOnce.Do(func() {
		vaultRegistry = &vaultMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "allocvault",
				Subsystem: "vault",
				Name:      "operations_total",
				Help:      "Count of ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "allocvault",
				Subsystem: "vault",
				Name:      "operation_errors_total",
				Help:      "Count of failed ledger operations segmented by operation and error kind.",
			}, []string{"operation", "kind"}),
			sharePrice: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "allocvault",
				Subsystem: "vault",
				Name:      "share_price_ray",
				Help:      "Current ray-scaled share price.",
			}),
			totalAssets: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "allocvault",
				Subsystem: "vault",
				Name:      "total_assets",
				Help:      "Total accounted assets in the base denomination.",
			}),
			idleCash: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "allocvault",
				Subsystem: "vault",
				Name:      "idle_cash",
				Help:      "Undeployed base-token balance.",
			}),
			accruedFees: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "allocvault",
				Subsystem: "vault",
				Name:      "accrued_fees",
				Help:      "Accrued and uncollected fees in the base denomination.",
			}),
			pendingReqs: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "allocvault",
				Subsystem: "vault",
				Name:      "pending_withdrawals",
				Help:      "Number of withdrawal requests waiting for liquidity.",
			}),
		}
		prometheus.MustRegister(
			vaultRegistry.operations,
			vaultRegistry.opErrors,
			vaultRegistry.sharePrice,
			vaultRegistry.totalAssets,
			vaultRegistry.idleCash,
			vaultRegistry.accruedFees,
			vaultRegistry.pendingReqs,
		)
	})
	return vaultRegistry
}

// RecordOperation counts one ledger operation outcome.
func (m *vaultMetrics) RecordOperation(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.opErrors.WithLabelValues(operation, errorKind(err)).Inc()
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

// UpdateBalances publishes the headline vault figures. Values beyond float64
// precision are published best-effort; the gauges are operational signals,
// not accounting records.
func (m *vaultMetrics) UpdateBalances(sharePrice, totalAssets, idleCash, accruedFees *big.Int, pending int) {
	if m == nil {
		return
	}
	m.sharePrice.Set(bigToFloat(sharePrice))
	m.totalAssets.Set(bigToFloat(totalAssets))
	m.idleCash.Set(bigToFloat(idleCash))
	m.accruedFees.Set(bigToFloat(accruedFees))
	m.pendingReqs.Set(float64(pending))
}

// KeeperMetrics returns the registry tracking the scheduled keeper loop.
func KeeperMetrics() *keeperMetrics {
	keeperMetricsOnce.Do(func() {
		keeperRegistry = &keeperMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "allocvault",
				Subsystem: "keeper",
				Name:      "runs_total",
				Help:      "Count of scheduled keeper runs segmented by job and outcome.",
			}, []string{"job", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "allocvault",
				Subsystem: "keeper",
				Name:      "run_duration_seconds",
				Help:      "Latency distribution for keeper jobs.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"job"}),
		}
		prometheus.MustRegister(keeperRegistry.runs, keeperRegistry.latency)
	})
	return keeperRegistry
}

// ObserveRun records one keeper job execution.
func (m *keeperMetrics) ObserveRun(job string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.runs.WithLabelValues(job, outcome).Inc()
	m.latency.WithLabelValues(job).Observe(duration.Seconds())
}

// HTTPMetrics returns the registry tracking the status API.
func HTTPMetrics() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "allocvault",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Count of status API requests segmented by route and status class.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "allocvault",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for status API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency)
	})
	return httpRegistry
}

// Observe records one status API request.
func (m *httpMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, statusClass(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
