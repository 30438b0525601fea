// Package metrics exposes Prometheus collectors for the engine, the device
// gateway and the HTTP API on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name when Config.Namespace is empty.
const DefaultNamespace = "mrs"

// Config holds metrics configuration.
type Config struct {
	Namespace string
}

// Metrics holds every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted   *prometheus.CounterVec
	TaskTransitions  *prometheus.CounterVec
	GatewayCommands  *prometheus.CounterVec
	CallbacksIgnored *prometheus.CounterVec
	ActionDuration   *prometheus.HistogramVec
	QueueDepth       *prometheus.GaugeVec
	AisleOpen        *prometheus.GaugeVec
	SweepRuns        *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers the collectors.
func New(cfg Config) *Metrics {
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: registry}

	m.TasksSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "tasks_submitted_total",
		Help:      "Task submissions by outcome (queued, dispatched).",
	}, []string{"outcome"})

	m.TaskTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "task_events_total",
		Help:      "Event log entries written, by event and reason code.",
	}, []string{"event", "reason"})

	m.GatewayCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "gateway_commands_total",
		Help:      "Device commands sent, by action and acknowledgement.",
	}, []string{"action", "result"})

	m.CallbacksIgnored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "gateway_callbacks_ignored_total",
		Help:      "Duplicate or late gateway callbacks absorbed without a state change.",
	}, []string{"kind"})

	m.ActionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "action_duration_seconds",
		Help:      "Time from command accept to physical completion.",
		Buckets:   []float64{.5, 1, 2, 3, 5, 8, 13, 21, 34, 60},
	}, []string{"action", "result"})

	m.QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "bank_queue_depth",
		Help:      "QUEUED tasks per bank.",
	}, []string{"bank"})

	m.AisleOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "bank_aisle_open",
		Help:      "1 while the bank has an aisle open.",
	}, []string{"bank"})

	m.SweepRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "sweep_runs_total",
		Help:      "Housekeeping sweeps by result (ok, skipped, error).",
	}, []string{"result"})

	m.BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})

	m.HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	m.HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"method", "route"})

	registry.MustRegister(
		m.TasksSubmitted, m.TaskTransitions, m.GatewayCommands, m.CallbacksIgnored,
		m.ActionDuration, m.QueueDepth, m.AisleOpen, m.SweepRuns, m.BreakerState,
		m.HTTPRequestsTotal, m.HTTPRequestDuration,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TaskSubmitted counts a submission outcome.
func (m *Metrics) TaskSubmitted(outcome string) {
	m.TasksSubmitted.WithLabelValues(outcome).Inc()
}

// TaskEvent counts an event log entry.
func (m *Metrics) TaskEvent(event, reason string) {
	m.TaskTransitions.WithLabelValues(event, reason).Inc()
}

// GatewayCommand counts a command and its acknowledgement.
func (m *Metrics) GatewayCommand(action, result string) {
	m.GatewayCommands.WithLabelValues(action, result).Inc()
}

// CallbackIgnored counts an absorbed duplicate or late callback.
func (m *Metrics) CallbackIgnored(kind string) {
	m.CallbacksIgnored.WithLabelValues(kind).Inc()
}

// ObserveAction records how long a physical action took.
func (m *Metrics) ObserveAction(action, result string, d time.Duration) {
	m.ActionDuration.WithLabelValues(action, result).Observe(d.Seconds())
}

// SetBank records a bank's queue depth and open state.
func (m *Metrics) SetBank(bank string, queued int, aisleOpen bool) {
	m.QueueDepth.WithLabelValues(bank).Set(float64(queued))
	open := 0.0
	if aisleOpen {
		open = 1
	}
	m.AisleOpen.WithLabelValues(bank).Set(open)
}

// SweepRun counts a housekeeping pass.
func (m *Metrics) SweepRun(result string) {
	m.SweepRuns.WithLabelValues(result).Inc()
}

// SetBreakerState records a circuit breaker transition.
func (m *Metrics) SetBreakerState(name string, state int) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
