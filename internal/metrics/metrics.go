// Package metrics exposes admission decisions and store health to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quota-gate/internal/circuitbreaker"
	"quota-gate/internal/ratelimit"
)

// Metrics implements ratelimit.Recorder.
type Metrics struct {
	Decisions       *prometheus.CounterVec
	Blocks          *prometheus.CounterVec
	FailOpen        *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// PoolStatsSource reports connection pool statistics. The counter store client satisfies it.
type PoolStatsSource interface {
	PoolStats() *goredis.PoolStats
}

var _ ratelimit.Recorder = (*Metrics)(nil)

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on reg and serves them from gatherer.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_decisions_total",
				Help: "Consume decisions per category and outcome",
			},
			[]string{"category", "outcome"},
		),
		Blocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_blocks_total",
				Help: "Callers blocked after exceeding their quota",
			},
			[]string{"category"},
		),
		FailOpen: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_fail_open_total",
				Help: "Requests admitted because the counter store was unavailable",
			},
			[]string{"category"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quotagate_store_breaker_state",
				Help: "Counter store circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"breaker"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_requests_total",
				Help: "HTTP requests processed by the gate",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotagate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		registerer: reg,
		gatherer:   gatherer,
	}

	reg.MustRegister(m.Decisions, m.Blocks, m.FailOpen, m.BreakerState, m.RequestsTotal, m.RequestDuration)
	return m
}

// ObserveDecision counts an allowed, rejected or blocked consume.
func (m *Metrics) ObserveDecision(category string, result ratelimit.Result) {
	outcome := "allowed"
	switch {
	case result.Blocked:
		outcome = "blocked"
	case !result.Allowed:
		outcome = "rejected"
	}
	m.Decisions.WithLabelValues(category, outcome).Inc()
}

func (m *Metrics) ObserveBlock(category string) {
	m.Blocks.WithLabelValues(category).Inc()
}

func (m *Metrics) ObserveFailOpen(category string) {
	m.FailOpen.WithLabelValues(category).Inc()
}

// BreakerStateChanged is a circuitbreaker.Config.OnStateChange hook.
func (m *Metrics) BreakerStateChanged(name string, _, to circuitbreaker.State) {
	m.SetBreakerState(name, to)
}

// SetBreakerState records the current state of breaker name.
func (m *Metrics) SetBreakerState(name string, state circuitbreaker.State) {
	m.BreakerState.WithLabelValues(name).Set(stateValue(state))
}

// RegisterPool exposes the counter store connection pool. Values are read at scrape time.
func (m *Metrics) RegisterPool(source PoolStatsSource) error {
	gauge := func(name, help string, value func(*goredis.PoolStats) uint32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(value(source.PoolStats()))
		})
	}
	counter := func(name, help string, value func(*goredis.PoolStats) uint32) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return float64(value(source.PoolStats()))
		})
	}

	collectors := []prometheus.Collector{
		gauge("quotagate_store_pool_total_conns", "Connections in the counter store pool",
			func(s *goredis.PoolStats) uint32 { return s.TotalConns }),
		gauge("quotagate_store_pool_idle_conns", "Idle connections in the counter store pool",
			func(s *goredis.PoolStats) uint32 { return s.IdleConns }),
		counter("quotagate_store_pool_hits_total", "Free connections found in the pool",
			func(s *goredis.PoolStats) uint32 { return s.Hits }),
		counter("quotagate_store_pool_misses_total", "Free connections not found in the pool",
			func(s *goredis.PoolStats) uint32 { return s.Misses }),
		counter("quotagate_store_pool_timeouts_total", "Waits for a pool connection that timed out",
			func(s *goredis.PoolStats) uint32 { return s.Timeouts }),
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func stateValue(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.StateHalfOpen:
		return 1
	case circuitbreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records per-request counts and latency under the given route label.
func (m *Metrics) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}
			m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
