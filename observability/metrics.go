package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// VaultMetrics wraps collectors tracking vault engine activity.
type VaultMetrics struct {
	operations   *prometheus.CounterVec
	liquidations *prometheus.CounterVec
	settlements  prometheus.Counter
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	vaultMetricsOnce sync.Once
	vaultRegistry    *VaultMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "termchain",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "termchain",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "termchain",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// Vault returns the singleton metrics registry for the vault engine.
func Vault() *VaultMetrics {
	vaultMetricsOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "termchain",
				Subsystem: "vault",
				Name:      "operations_total",
				Help:      "Count of committed vault lifecycle operations segmented by kind.",
			}, []string{"operation"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "termchain",
				Subsystem: "vault",
				Name:      "liquidations_total",
				Help:      "Count of committed liquidations segmented by flavour.",
			}, []string{"flavour"}),
			settlements: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "termchain",
				Subsystem: "vault",
				Name:      "settlements_total",
				Help:      "Count of matured positions converted to prime debt.",
			}),
		}
		prometheus.MustRegister(
			vaultRegistry.operations,
			vaultRegistry.liquidations,
			vaultRegistry.settlements,
		)
	})
	return vaultRegistry
}

// RecordOperation increments the operation counter for a committed vault
// lifecycle operation.
func (m *VaultMetrics) RecordOperation(operation string) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	m.operations.WithLabelValues(op).Inc()
	if op == "settle" {
		m.settlements.Inc()
	}
}

// RecordLiquidation increments the liquidation counter for the given flavour
// ("primary", "secondary" or "excess_cash").
func (m *VaultMetrics) RecordLiquidation(flavour string) {
	if m == nil {
		return
	}
	f := strings.TrimSpace(flavour)
	if f == "" {
		f = "unknown"
	}
	m.liquidations.WithLabelValues(f).Inc()
}
