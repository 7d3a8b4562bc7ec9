package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quota-gate/internal/circuitbreaker"
	"quota-gate/internal/ratelimit"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecorder(t *testing.T) {
	m := New()

	m.ObserveDecision("auth", ratelimit.Result{Allowed: true, Remaining: 4})
	m.ObserveDecision("auth", ratelimit.Result{Allowed: true, Remaining: 3})
	m.ObserveDecision("auth", ratelimit.Result{Allowed: false})
	m.ObserveDecision("auth", ratelimit.Result{Allowed: false, Blocked: true})
	m.ObserveBlock("auth")
	m.ObserveFailOpen("ip")

	body := scrape(t, m)
	assert.Contains(t, body, `quotagate_decisions_total{category="auth",outcome="allowed"} 2`)
	assert.Contains(t, body, `quotagate_decisions_total{category="auth",outcome="rejected"} 1`)
	assert.Contains(t, body, `quotagate_decisions_total{category="auth",outcome="blocked"} 1`)
	assert.Contains(t, body, `quotagate_blocks_total{category="auth"} 1`)
	assert.Contains(t, body, `quotagate_fail_open_total{category="ip"} 1`)
}

func TestBreakerStateChanged(t *testing.T) {
	m := New()

	m.BreakerStateChanged("redis", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	assert.Contains(t, scrape(t, m), `quotagate_store_breaker_state{breaker="redis"} 2`)

	m.BreakerStateChanged("redis", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)
	assert.Contains(t, scrape(t, m), `quotagate_store_breaker_state{breaker="redis"} 1`)

	m.BreakerStateChanged("redis", circuitbreaker.StateHalfOpen, circuitbreaker.StateClosed)
	assert.Contains(t, scrape(t, m), `quotagate_store_breaker_state{breaker="redis"} 0`)
}

func TestMiddleware(t *testing.T) {
	m := New()

	handler := m.Middleware("/api/trading")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fail") != "" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/trading/orders", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/trading/orders?fail=1", nil))

	body := scrape(t, m)
	assert.Contains(t, body, `quotagate_requests_total{code="200",method="GET",route="/api/trading"} 1`)
	assert.Contains(t, body, `quotagate_requests_total{code="429",method="GET",route="/api/trading"} 1`)
	assert.Contains(t, body, `quotagate_request_duration_seconds_count{method="GET",route="/api/trading"} 2`)
}

func TestSetBreakerState_BeforeAnyTransition(t *testing.T) {
	m := New()
	assert.NotContains(t, scrape(t, m), "quotagate_store_breaker_state{")

	m.SetBreakerState("redis", circuitbreaker.StateClosed)
	assert.Contains(t, scrape(t, m), `quotagate_store_breaker_state{breaker="redis"} 0`)
}

type fakePool struct {
	stats goredis.PoolStats
}

func (p *fakePool) PoolStats() *goredis.PoolStats {
	return &p.stats
}

func TestRegisterPool(t *testing.T) {
	m := New()
	pool := &fakePool{stats: goredis.PoolStats{Hits: 7, Misses: 2, Timeouts: 1, TotalConns: 4, IdleConns: 3}}

	require.NoError(t, m.RegisterPool(pool))

	body := scrape(t, m)
	assert.Contains(t, body, "quotagate_store_pool_total_conns 4")
	assert.Contains(t, body, "quotagate_store_pool_idle_conns 3")
	assert.Contains(t, body, "quotagate_store_pool_hits_total 7")
	assert.Contains(t, body, "quotagate_store_pool_misses_total 2")
	assert.Contains(t, body, "quotagate_store_pool_timeouts_total 1")

	// read at scrape time
	pool.stats.TotalConns = 9
	assert.Contains(t, scrape(t, m), "quotagate_store_pool_total_conns 9")

	assert.Error(t, m.RegisterPool(pool), "registering twice is rejected")
}
