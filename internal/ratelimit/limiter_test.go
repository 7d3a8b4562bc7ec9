package ratelimit

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quota-gate/internal/common/errors"
	"quota-gate/internal/redis"
)

func setupTestStore(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := redis.NewClient(&redis.Config{
		Address:          mr.Addr(),
		PoolSize:         20,
		KeyPrefix:        "rl:",
		OperationTimeout: 2 * time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func setupLimiter(t *testing.T, config Config, opts ...Option) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	store, mr := setupTestStore(t)
	registry, err := NewRegistry(store, []Config{config}, opts...)
	require.NoError(t, err)

	limiter, err := registry.Get(config.Name)
	require.NoError(t, err)
	return limiter, mr
}

type countingRecorder struct {
	mu        sync.Mutex
	allowed   int
	rejected  int
	blocks    int
	failOpens int
}

func (r *countingRecorder) ObserveDecision(_ string, result Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if result.Allowed {
		r.allowed++
	} else {
		r.rejected++
	}
}

func (r *countingRecorder) ObserveBlock(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks++
}

func (r *countingRecorder) ObserveFailOpen(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOpens++
}

func TestLimiter_Consume_Sequential(t *testing.T) {
	limiter, _ := setupLimiter(t, Config{Name: "auth", Points: 5, WindowSeconds: 60, BlockSeconds: 300})
	ctx := context.Background()

	for want := 4; want >= 0; want-- {
		result, err := limiter.Consume(ctx, "1.2.3.4", 1)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, want, result.Remaining)
		assert.Equal(t, 5, result.Limit)
		assert.Equal(t, int64(60000), result.MsBeforeNext)
	}

	result, err := limiter.Consume(ctx, "1.2.3.4", 1)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeRateLimit))

	retry, ok := errors.RetryAfterOf(err)
	require.True(t, ok)
	assert.Equal(t, 300*time.Second, retry)

	assert.False(t, result.Allowed)
	assert.True(t, result.Blocked)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, int64(300000), result.MsBeforeNext)
}

func TestLimiter_Consume_BlockOutlastsWindow(t *testing.T) {
	limiter, mr := setupLimiter(t, Config{Name: "auth", Points: 2, WindowSeconds: 60, BlockSeconds: 300})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := limiter.Consume(ctx, "u1", 1)
		require.NoError(t, err)
	}

	// the overflowing consume is the one that sets the block
	_, err := limiter.Consume(ctx, "u1", 1)
	require.Error(t, err)
	assert.Equal(t, "1", mr.HGet("rl:auth:u1", "blocked"))

	mr.FastForward(61 * time.Second)

	result, err := limiter.Consume(ctx, "u1", 1)
	require.Error(t, err)
	assert.True(t, result.Blocked)
	assert.Equal(t, int64(239000), result.MsBeforeNext)

	retry, _ := errors.RetryAfterOf(err)
	assert.Equal(t, 239*time.Second, retry)

	mr.FastForward(240 * time.Second)

	result, err = limiter.Consume(ctx, "u1", 1)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Remaining)
}

func TestLimiter_Consume_WithoutBlock(t *testing.T) {
	limiter, mr := setupLimiter(t, Config{Name: "market-data", Points: 1, WindowSeconds: 10})
	ctx := context.Background()

	_, err := limiter.Consume(ctx, "k", 1)
	require.NoError(t, err)

	mr.FastForward(4 * time.Second)

	result, err := limiter.Consume(ctx, "k", 1)
	require.Error(t, err)
	assert.False(t, result.Allowed)
	assert.False(t, result.Blocked)
	assert.Equal(t, int64(6000), result.MsBeforeNext)
	assert.Empty(t, mr.HGet("rl:market-data:k", "blocked"))

	mr.FastForward(6 * time.Second)

	result, err = limiter.Consume(ctx, "k", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Remaining)
}

func TestLimiter_Consume_Points(t *testing.T) {
	limiter, _ := setupLimiter(t, Config{Name: "trading", Points: 10, WindowSeconds: 60})
	ctx := context.Background()

	tests := []struct {
		name          string
		points        int
		wantRemaining int
	}{
		{"zero counts as one", 0, 9},
		{"negative counts as one", -3, 8},
		{"weighted consume", 3, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := limiter.Consume(ctx, "weights", tt.points)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRemaining, result.Remaining)
		})
	}

	_, err := limiter.Consume(ctx, "weights", 6)
	assert.Error(t, err)
}

func TestLimiter_PeekStatus(t *testing.T) {
	limiter, mr := setupLimiter(t, Config{Name: "portfolio", Points: 5, WindowSeconds: 60, BlockSeconds: 120})
	ctx := context.Background()

	t.Run("absent record", func(t *testing.T) {
		result, err := limiter.PeekStatus(ctx, "fresh")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, 5, result.Remaining)
		assert.Equal(t, int64(60000), result.MsBeforeNext)
		assert.False(t, mr.Exists("rl:portfolio:fresh"))
	})

	t.Run("no side effect", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			_, err := limiter.Consume(ctx, "u1", 1)
			require.NoError(t, err)
		}

		for i := 0; i < 3; i++ {
			result, err := limiter.PeekStatus(ctx, "u1")
			require.NoError(t, err)
			assert.True(t, result.Allowed)
			assert.Equal(t, 3, result.Remaining)
		}

		result, err := limiter.Consume(ctx, "u1", 1)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Remaining)
	})

	t.Run("blocked record", func(t *testing.T) {
		for i := 0; i < 6; i++ {
			_, _ = limiter.Consume(ctx, "u2", 1)
		}

		result, err := limiter.PeekStatus(ctx, "u2")
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.True(t, result.Blocked)
		assert.Equal(t, 0, result.Remaining)
		assert.Equal(t, int64(120000), result.MsBeforeNext)
	})

	t.Run("block flag without count", func(t *testing.T) {
		mr.HSet("rl:portfolio:u3", "blocked", "1")
		mr.SetTTL("rl:portfolio:u3", 90*time.Second)

		result, err := limiter.PeekStatus(ctx, "u3")
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.True(t, result.Blocked)
		assert.Equal(t, 0, result.Remaining)
		assert.Equal(t, int64(90000), result.MsBeforeNext)
	})
}

func TestLimiter_Reset(t *testing.T) {
	limiter, mr := setupLimiter(t, Config{Name: "user", Points: 3, WindowSeconds: 60, BlockSeconds: 600})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = limiter.Consume(ctx, "u1", 1)
	}
	_, err := limiter.Consume(ctx, "u1", 1)
	require.Error(t, err)

	require.NoError(t, limiter.Reset(ctx, "u1"))
	assert.False(t, mr.Exists("rl:user:u1"))

	result, err := limiter.Consume(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Remaining)
	assert.Equal(t, int64(60000), result.MsBeforeNext)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	limiter, _ := setupLimiter(t, Config{Name: "ip", Points: 2, WindowSeconds: 60, BlockSeconds: 60})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = limiter.Consume(ctx, "10.0.0.1", 1)
	}
	_, err := limiter.Consume(ctx, "10.0.0.1", 1)
	require.Error(t, err)

	result, err := limiter.Consume(ctx, "10.0.0.2", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Remaining)
}

func TestLimiter_Consume_Concurrent(t *testing.T) {
	const (
		points   = 10
		requests = 50
	)

	limiter, _ := setupLimiter(t, Config{Name: "trading", Points: points, WindowSeconds: 60, BlockSeconds: 60})
	ctx := context.Background()

	var (
		wg         sync.WaitGroup
		allowed    atomic.Int32
		rejected   atomic.Int32
		unexpected atomic.Int32
		start      = make(chan struct{})
	)

	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			result, err := limiter.Consume(ctx, "shared", 1)
			switch {
			case err == nil && result.Allowed && !result.Degraded:
				allowed.Add(1)
			case errors.IsType(err, errors.ErrTypeRateLimit):
				rejected.Add(1)
			default:
				unexpected.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int32(points), allowed.Load())
	assert.Equal(t, int32(requests-points), rejected.Load())
	assert.Zero(t, unexpected.Load())
}

func TestLimiter_FailOpen(t *testing.T) {
	recorder := &countingRecorder{}
	limiter, mr := setupLimiter(t,
		Config{Name: "auth", Points: 5, WindowSeconds: 60, BlockSeconds: 300},
		WithRecorder(recorder),
	)
	ctx := context.Background()

	mr.Close()

	t.Run("consume admits with a degraded result", func(t *testing.T) {
		result, err := limiter.Consume(ctx, "u1", 1)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.True(t, result.Degraded)
		assert.Equal(t, 5, result.Remaining)
		assert.Equal(t, int64(60000), result.MsBeforeNext)
	})

	t.Run("status admits with a degraded result", func(t *testing.T) {
		result, err := limiter.PeekStatus(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.True(t, result.Degraded)
	})

	t.Run("reset surfaces the outage", func(t *testing.T) {
		err := limiter.Reset(ctx, "u1")
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrTypeStoreUnavailable))
	})

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Equal(t, 2, recorder.failOpens)
	assert.Zero(t, recorder.allowed)
}

// blockFailingStore fails SetBlock and counts in memory otherwise.
type blockFailingStore struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (s *blockFailingStore) IncrementAndExpire(_ context.Context, key string, points int64, window time.Duration) (redis.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key] += points
	return redis.Counter{Count: s.counts[key], TTL: window}, nil
}

func (s *blockFailingStore) Peek(context.Context, string) (redis.Counter, bool, error) {
	return redis.Counter{}, false, nil
}

func (s *blockFailingStore) SetBlock(context.Context, string, time.Duration) error {
	return errors.StoreUnavailable("block", stderrors.New("connection reset"))
}

func (s *blockFailingStore) Delete(context.Context, string) error {
	return nil
}

func TestLimiter_Consume_BlockFailure(t *testing.T) {
	recorder := &countingRecorder{}
	registry, err := NewRegistry(&blockFailingStore{counts: map[string]int64{}},
		[]Config{{Name: "auth", Points: 1, WindowSeconds: 30, BlockSeconds: 300}},
		WithRecorder(recorder),
	)
	require.NoError(t, err)
	limiter, err := registry.Get("auth")
	require.NoError(t, err)

	_, err = limiter.Consume(context.Background(), "k", 1)
	require.NoError(t, err)

	result, err := limiter.Consume(context.Background(), "k", 1)
	require.Error(t, err)
	assert.False(t, result.Allowed)
	assert.False(t, result.Blocked)
	assert.Equal(t, int64(30000), result.MsBeforeNext)
	assert.Zero(t, recorder.blocks)
}

func TestLimiter_BlockEvents(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	sub := mr.NewSubscriber()
	defer sub.Close()
	sub.Subscribe("rate-limit-blocks")

	recorder := &countingRecorder{}
	registry, err := NewRegistry(store,
		[]Config{{Name: "auth", Points: 1, WindowSeconds: 60, BlockSeconds: 900}},
		WithBlockEvents(store, "rate-limit-blocks"),
		WithRecorder(recorder),
	)
	require.NoError(t, err)
	limiter, err := registry.Get("auth")
	require.NoError(t, err)

	_, err = limiter.Consume(ctx, "9.9.9.9", 1)
	require.NoError(t, err)
	_, err = limiter.Consume(ctx, "9.9.9.9", 1)
	require.Error(t, err)

	select {
	case msg := <-sub.Messages():
		assert.Contains(t, msg.Message, `"category":"auth"`)
		assert.Contains(t, msg.Message, `"key":"9.9.9.9"`)
		assert.Contains(t, msg.Message, `"blockSeconds":900`)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for block event")
	}

	// a consume against an existing block does not publish again
	_, err = limiter.Consume(ctx, "9.9.9.9", 1)
	require.Error(t, err)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Equal(t, 1, recorder.blocks)
	assert.Equal(t, 1, recorder.allowed)
	assert.Equal(t, 2, recorder.rejected)
}

func TestResult_Times(t *testing.T) {
	result := Result{MsBeforeNext: 1500}
	now := time.Unix(1000, 0)

	assert.Equal(t, 1500*time.Millisecond, result.RetryAfter())
	assert.Equal(t, time.Unix(1001, 500*int64(time.Millisecond)), result.ResetTime(now))
}
