// Package ratelimit implements fixed-window quotas with blocking on top of the
// shared counter store.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"quota-gate/internal/common/errors"
	"quota-gate/internal/common/logging"
	"quota-gate/internal/redis"
)

// Store is the subset of the counter store used by a Limiter.
type Store interface {
	IncrementAndExpire(ctx context.Context, key string, points int64, window time.Duration) (redis.Counter, error)
	Peek(ctx context.Context, key string) (redis.Counter, bool, error)
	SetBlock(ctx context.Context, key string, block time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Config describes one quota category. It is immutable once a Limiter is built.
type Config struct {
	Name          string `json:"name" yaml:"name" validate:"required"`
	Points        int    `json:"points" yaml:"points" validate:"min=1"`
	WindowSeconds int    `json:"duration" yaml:"duration" validate:"min=1"`
	BlockSeconds  int    `json:"blockDuration" yaml:"blockDuration" validate:"min=0"`
	// KeyStrategy names the default key extraction strategy for the category.
	KeyStrategy string `json:"key,omitempty" yaml:"key" validate:"omitempty,oneof=ip user api_key global"`
}

// Validate checks the config
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.ConfigError("limiter name is required")
	}
	if c.Points < 1 {
		return errors.ConfigError(fmt.Sprintf("limiter %s: points must be at least 1, got %d", c.Name, c.Points))
	}
	if c.WindowSeconds < 1 {
		return errors.ConfigError(fmt.Sprintf("limiter %s: duration must be at least 1s, got %d", c.Name, c.WindowSeconds))
	}
	if c.BlockSeconds < 0 {
		return errors.ConfigError(fmt.Sprintf("limiter %s: blockDuration must not be negative, got %d", c.Name, c.BlockSeconds))
	}
	if c.KeyStrategy != "" {
		if _, err := StrategyByName(c.KeyStrategy, StrategyOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// Window returns the window length
func (c Config) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// Block returns the block length, zero when blocking is disabled
func (c Config) Block() time.Duration {
	return time.Duration(c.BlockSeconds) * time.Second
}

// Result is the outcome of a consume or status query.
type Result struct {
	Allowed      bool  `json:"allowed"`
	Remaining    int   `json:"remaining"`
	MsBeforeNext int64 `json:"msBeforeNext"`
	Limit        int   `json:"limit"`
	Blocked      bool  `json:"blocked"`
	// Degraded is set when the store was unavailable and the decision is a fail-open default.
	Degraded bool `json:"degraded,omitempty"`
}

// RetryAfter returns MsBeforeNext as a duration
func (r Result) RetryAfter() time.Duration {
	return time.Duration(r.MsBeforeNext) * time.Millisecond
}

// ResetTime returns the absolute time at which the caller may consume again
func (r Result) ResetTime(now time.Time) time.Time {
	return now.Add(r.RetryAfter())
}

// Limiter enforces one quota category.
type Limiter struct {
	config   Config
	store    Store
	events   *blockEvents
	recorder Recorder
	logger   logging.Logger
	// outage errors are logged at most once per interval
	outageLog rate.Sometimes
}

func newLimiter(config Config, store Store, o *options) *Limiter {
	return &Limiter{
		config:    config,
		store:     store,
		events:    o.events,
		recorder:  o.recorder,
		logger:    o.logger.WithFields(logging.String("category", config.Name)),
		outageLog: rate.Sometimes{First: 1, Interval: o.outageLogInterval},
	}
}

// Name returns the category name
func (l *Limiter) Name() string {
	return l.config.Name
}

// Config returns the category configuration
func (l *Limiter) Config() Config {
	return l.config
}

// Consume charges points against key. A rejected consume returns the rejecting
// Result together with a rate_limit error carrying the retry delay.
//
// When the store is unavailable the request is admitted with a Degraded result.
func (l *Limiter) Consume(ctx context.Context, key string, points int) (Result, error) {
	if points <= 0 {
		points = 1
	}

	counter, err := l.store.IncrementAndExpire(ctx, l.storeKey(key), int64(points), l.config.Window())
	if err != nil {
		return l.failOpen(ctx, "consume", key, err)
	}

	if counter.Blocked {
		result := l.rejected(counter.TTL, true)
		l.recorder.ObserveDecision(l.config.Name, result)
		return result, errors.QuotaExceeded(l.config.Name, result.RetryAfter())
	}

	if counter.Count > int64(l.config.Points) {
		retry, blocked := counter.TTL, false
		if l.config.BlockSeconds > 0 {
			if err := l.store.SetBlock(ctx, l.storeKey(key), l.config.Block()); err != nil {
				// the overflow is counted; without the block flag the caller
				// stays rejected for the rest of the window
				l.logOutage(ctx, "block", key, err, false)
			} else {
				retry, blocked = l.config.Block(), true
				l.recorder.ObserveBlock(l.config.Name)
				l.events.publish(ctx, l.config, key)
			}
		}

		result := l.rejected(retry, blocked)
		l.recorder.ObserveDecision(l.config.Name, result)
		return result, errors.QuotaExceeded(l.config.Name, retry)
	}

	result := Result{
		Allowed:      true,
		Remaining:    l.config.Points - int(counter.Count),
		MsBeforeNext: counter.TTL.Milliseconds(),
		Limit:        l.config.Points,
	}
	l.recorder.ObserveDecision(l.config.Name, result)
	return result, nil
}

// PeekStatus reports the state of key without consuming.
func (l *Limiter) PeekStatus(ctx context.Context, key string) (Result, error) {
	counter, ok, err := l.store.Peek(ctx, l.storeKey(key))
	if err != nil {
		return l.failOpen(ctx, "status", key, err)
	}
	if !ok {
		return l.fresh(), nil
	}

	if counter.Blocked || counter.Count > int64(l.config.Points) {
		return l.rejected(counter.TTL, counter.Blocked), nil
	}

	return Result{
		Allowed:      true,
		Remaining:    l.config.Points - int(counter.Count),
		MsBeforeNext: counter.TTL.Milliseconds(),
		Limit:        l.config.Points,
	}, nil
}

// Reset deletes the record for key. Store failures are returned, not absorbed.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.store.Delete(ctx, l.storeKey(key)); err != nil {
		l.logOutage(ctx, "reset", key, err, false)
		return err
	}
	l.logger.WithContext(ctx).Info("Rate limit reset", logging.String("key", key))
	return nil
}

func (l *Limiter) storeKey(key string) string {
	return l.config.Name + ":" + key
}

func (l *Limiter) fresh() Result {
	return Result{
		Allowed:      true,
		Remaining:    l.config.Points,
		MsBeforeNext: l.config.Window().Milliseconds(),
		Limit:        l.config.Points,
	}
}

func (l *Limiter) rejected(retry time.Duration, blocked bool) Result {
	if retry < 0 {
		retry = 0
	}
	return Result{
		Allowed:      false,
		Remaining:    0,
		MsBeforeNext: retry.Milliseconds(),
		Limit:        l.config.Points,
		Blocked:      blocked,
	}
}

func (l *Limiter) failOpen(ctx context.Context, op, key string, err error) (Result, error) {
	l.logOutage(ctx, op, key, err, true)
	l.recorder.ObserveFailOpen(l.config.Name)

	result := l.fresh()
	result.Degraded = true
	return result, nil
}

func (l *Limiter) logOutage(ctx context.Context, op, key string, err error, failOpen bool) {
	l.outageLog.Do(func() {
		l.logger.WithContext(ctx).Error("Counter store unavailable", err,
			logging.String("op", op),
			logging.String("key", key),
			logging.Bool("fail_open", failOpen),
		)
	})
}
