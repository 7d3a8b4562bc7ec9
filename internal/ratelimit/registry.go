package ratelimit

import (
	"fmt"
	"time"

	"quota-gate/internal/common/errors"
	"quota-gate/internal/common/logging"
)

// Registry holds the limiters of every configured category. It is built once
// and read-only afterwards, so it is safe for concurrent use.
type Registry struct {
	limiters map[string]*Limiter
	ordered  []*Limiter
}

type options struct {
	logger            logging.Logger
	recorder          Recorder
	events            *blockEvents
	outageLogInterval time.Duration
}

// Option configures the limiters built by NewRegistry.
type Option func(*options)

// WithLogger sets the logger used by every limiter.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRecorder reports decisions, blocks and fail-open events to r.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithBlockEvents publishes a BlockEvent on channel whenever a block is set.
// An empty channel disables events.
func WithBlockEvents(publisher Publisher, channel string) Option {
	return func(o *options) {
		if publisher == nil || channel == "" {
			o.events = nil
			return
		}
		o.events = &blockEvents{publisher: publisher, channel: channel, now: time.Now}
	}
}

// WithOutageLogInterval sets how often store outage errors are logged per category.
func WithOutageLogInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.outageLogInterval = d
		}
	}
}

// NewRegistry builds one limiter per config, in declaration order.
func NewRegistry(store Store, configs []Config, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, errors.ConfigError("counter store is required")
	}
	if len(configs) == 0 {
		return nil, errors.ConfigError("at least one limiter category is required")
	}

	o := &options{
		logger:            logging.GetGlobalLogger(),
		recorder:          nopRecorder{},
		outageLogInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.WithFields(logging.String("component", "ratelimit"))
	if o.events != nil {
		o.events.logger = o.logger
	}

	r := &Registry{
		limiters: make(map[string]*Limiter, len(configs)),
		ordered:  make([]*Limiter, 0, len(configs)),
	}

	for _, config := range configs {
		if err := config.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.limiters[config.Name]; exists {
			return nil, errors.ConfigError(fmt.Sprintf("duplicate limiter category %q", config.Name))
		}

		limiter := newLimiter(config, store, o)
		r.limiters[config.Name] = limiter
		r.ordered = append(r.ordered, limiter)
	}

	return r, nil
}

// Get returns the limiter for a category.
func (r *Registry) Get(name string) (*Limiter, error) {
	limiter, ok := r.limiters[name]
	if !ok {
		return nil, errors.UnknownLimiterCategory(name)
	}
	return limiter, nil
}

// Limiters returns every limiter in declaration order.
func (r *Registry) Limiters() []*Limiter {
	out := make([]*Limiter, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Configs returns every category config in declaration order.
func (r *Registry) Configs() []Config {
	out := make([]Config, len(r.ordered))
	for i, l := range r.ordered {
		out[i] = l.config
	}
	return out
}
