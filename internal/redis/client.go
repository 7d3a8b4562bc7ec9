// Package redis is the counter store: atomic per-key counters with expiry and
// block flags, kept in Redis hashes.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"quota-gate/internal/circuitbreaker"
	"quota-gate/internal/common/errors"
	"quota-gate/internal/common/logging"
)

const (
	fieldCount   = "count"
	fieldBlocked = "blocked"
)

// BreakerName labels the breaker guarding store calls.
const BreakerName = "redis"

// incrementScript bumps the counter and starts the window on first use. An
// existing TTL (window or block) is left untouched.
var incrementScript = redis.NewScript(`
local count = redis.call('HINCRBY', KEYS[1], 'count', ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	ttl = tonumber(ARGV[2])
end
return {count, ttl, redis.call('HEXISTS', KEYS[1], 'blocked')}
`)

type Config struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`

	// KeyPrefix namespaces every key written by the client.
	KeyPrefix string `json:"key_prefix"`
	// OperationTimeout bounds each store round trip.
	OperationTimeout time.Duration `json:"operation_timeout"`
	// Breaker protects the store from pile-ups while it is unreachable.
	Breaker circuitbreaker.Config `json:"-"`
}

// Counter is the state of one consumption record.
type Counter struct {
	Count   int64
	TTL     time.Duration
	Blocked bool
}

type Client struct {
	rdb       *redis.Client
	config    *Config
	breaker   *circuitbreaker.Breaker
	logger    logging.Logger
	connected atomic.Bool
}

// NewClient builds the client and pings the server once. An unreachable server
// is not an error: the client reports itself disconnected and keeps retrying
// on use.
func NewClient(config *Config, logger logging.Logger) (*Client, error) {
	if config == nil {
		return nil, errors.ConfigError("redis config is required")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = 500 * time.Millisecond
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.OperationTimeout,
		ReadTimeout:  config.OperationTimeout,
		WriteTimeout: config.OperationTimeout,
		MaxRetries:   -1,
	})

	c := &Client{
		rdb:     rdb,
		config:  config,
		breaker: circuitbreaker.NewGoBreaker(BreakerName, config.Breaker, logger),
		logger:  logger.WithFields(logging.String("component", "redis")),
	}

	if err := c.Health(context.Background()); err != nil {
		c.logger.Warn("Redis unreachable at startup, limiters will fail open until it recovers",
			logging.String("address", config.Address),
			logging.String("error", err.Error()),
		)
	}

	return c, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health pings the server outside the breaker and records the result for Connected.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	err := c.rdb.Ping(ctx).Err()
	c.connected.Store(err == nil)
	if err != nil {
		return errors.StoreUnavailable("ping", err)
	}
	return nil
}

// Connected reports the result of the most recent health check.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// BreakerState returns the state of the breaker guarding store calls.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

// PoolStats exposes connection pool statistics for metrics.
func (c *Client) PoolStats() *redis.PoolStats {
	return c.rdb.PoolStats()
}

// IncrementAndExpire adds points to the counter at key. The window TTL is set
// only when the record has none, so a block TTL survives later increments.
func (c *Client) IncrementAndExpire(ctx context.Context, key string, points int64, window time.Duration) (Counter, error) {
	var counter Counter
	err := c.do(ctx, "incr", func(ctx context.Context) error {
		res, err := incrementScript.Run(ctx, c.rdb, []string{c.key(key)}, points, window.Milliseconds()).Slice()
		if err != nil {
			return err
		}
		if len(res) != 3 {
			return fmt.Errorf("unexpected script reply of length %d", len(res))
		}

		count, ok1 := res[0].(int64)
		ttl, ok2 := res[1].(int64)
		blocked, ok3 := res[2].(int64)
		if !ok1 || !ok2 || !ok3 {
			return fmt.Errorf("unexpected script reply %v", res)
		}

		counter = Counter{
			Count:   count,
			TTL:     time.Duration(ttl) * time.Millisecond,
			Blocked: blocked == 1,
		}
		return nil
	})
	return counter, err
}

// Peek reads a record without modifying it. ok is false when the record does
// not exist. A record holding only the block flag is found and blocked.
func (c *Client) Peek(ctx context.Context, key string) (Counter, bool, error) {
	var (
		counter Counter
		found   bool
	)

	err := c.do(ctx, "peek", func(ctx context.Context) error {
		var fieldsCmd *redis.SliceCmd
		var ttlCmd *redis.DurationCmd

		_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			fieldsCmd = pipe.HMGet(ctx, c.key(key), fieldCount, fieldBlocked)
			ttlCmd = pipe.PTTL(ctx, c.key(key))
			return nil
		})
		if err != nil {
			return err
		}

		fields := fieldsCmd.Val()
		if len(fields) != 2 || (fields[0] == nil && fields[1] == nil) {
			return nil
		}

		// A block written after the window expired leaves a record with
		// the flag but no count.
		var count int64
		if fields[0] != nil {
			raw, ok := fields[0].(string)
			if !ok {
				return fmt.Errorf("unexpected count value %v", fields[0])
			}
			count, err = strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("parse count %q: %w", raw, err)
			}
		}

		ttl := ttlCmd.Val()
		if ttl < 0 {
			ttl = 0
		}

		counter = Counter{Count: count, TTL: ttl, Blocked: fields[1] != nil}
		found = true
		return nil
	})

	return counter, found, err
}

// SetBlock marks the record blocked and replaces its TTL with block.
func (c *Client) SetBlock(ctx context.Context, key string, block time.Duration) error {
	return c.do(ctx, "block", func(ctx context.Context) error {
		_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, c.key(key), fieldBlocked, 1)
			pipe.PExpire(ctx, c.key(key), block)
			return nil
		})
		return err
	})
}

func (c *Client) Delete(ctx context.Context, key string) error {
	return c.do(ctx, "delete", func(ctx context.Context) error {
		return c.rdb.Del(ctx, c.key(key)).Err()
	})
}

// Publish sends message on channel. Strings and byte slices are sent as is,
// anything else is JSON encoded.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) error {
	var data []byte
	var err error

	switch v := message.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		data, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
	}

	return c.do(ctx, "publish", func(ctx context.Context) error {
		return c.rdb.Publish(ctx, channel, data).Err()
	})
}

// do runs op through the breaker on a detached, bounded context. Every failure
// comes back as a store_unavailable error.
func (c *Client) do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	err := c.breaker.Execute(ctx, func() error {
		return op(ctx)
	})
	if err != nil {
		return errors.StoreUnavailable(name, err)
	}
	return nil
}

func (c *Client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.config.OperationTimeout)
}

func (c *Client) key(key string) string {
	return c.config.KeyPrefix + key
}
