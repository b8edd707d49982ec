// Package metrics собирает коллекторы Prometheus шлюза и консоли.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Decisions: каждое решение с кодом причины. stage: authority, proposal, execution
	Decisions *prometheus.CounterVec

	// Latency: оценка исполнения (без побочного эффекта)
	EvaluationDuration *prometheus.HistogramVec

	// Latency коннекторов, включая ретраи
	ConnectorDuration *prometheus.HistogramVec

	// Лимитер границы: отказы и деградация в fail-open
	RateLimited       *prometheus.CounterVec
	RateLimitFallback *prometheus.CounterVec

	IdempotentReplays prometheus.Counter

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - если реестр не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "policygate_decisions_total",
			Help: "Authorization and execution decisions by stage and reason code.",
		}, []string{"stage", "reason"}),

		EvaluationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "policygate_evaluation_duration_seconds",
			Help:    "Histogram of execution policy evaluation latencies.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"capability_id", "result"}),

		ConnectorDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "policygate_connector_duration_seconds",
			Help:    "Histogram of connector call latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"target", "status"}),

		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "policygate_rate_limited_total",
			Help: "Requests rejected by the boundary limiter.",
		}, []string{"scope"}),

		RateLimitFallback: f.NewCounterVec(prometheus.CounterOpts{
			Name: "policygate_rate_limit_fallback_total",
			Help: "Requests allowed because the limiter backend failed.",
		}, []string{"scope", "error_class"}),

		IdempotentReplays: f.NewCounter(prometheus.CounterOpts{
			Name: "policygate_idempotent_replays_total",
			Help: "Responses replayed from the idempotency store.",
		}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "policygate_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		AuditBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "policygate_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
