package app

import (
	"quota-gate/internal/common/logging"
	"quota-gate/internal/middleware"
	"quota-gate/internal/ratelimit"
)

func (app *App) initializeRegistry() error {
	opts := []ratelimit.Option{
		ratelimit.WithLogger(app.Logger),
		ratelimit.WithRecorder(app.Metrics),
	}
	if app.Config.BlockEventsChannel != "" {
		opts = append(opts, ratelimit.WithBlockEvents(app.Store, app.Config.BlockEventsChannel))
	}

	registry, err := ratelimit.NewRegistry(app.Store, app.Limits.Categories, opts...)
	if err != nil {
		return err
	}
	app.Registry = registry

	for _, c := range registry.Configs() {
		app.Logger.Info("Rate limiter: Enabled",
			logging.String("category", c.Name),
			logging.Int("points", c.Points),
			logging.Int("duration", c.WindowSeconds),
			logging.Int("block_duration", c.BlockSeconds),
			logging.String("key", c.KeyStrategy),
		)
	}
	return nil
}

// BuildPipeline resolves chain into stages, each keyed by its category's
// strategy. User-keyed categories fall back to ip when TRUST_PROXY is off.
func (app *App) BuildPipeline(chain []string) (middleware.Pipeline, error) {
	pipeline := make(middleware.Pipeline, 0, len(chain))
	for _, name := range chain {
		limiter, err := app.Registry.Get(name)
		if err != nil {
			return nil, err
		}

		strategy := limiter.Config().KeyStrategy
		if strategy == "" {
			strategy = ratelimit.StrategyIP
		}
		// Without a trusted identity header every caller is "anonymous" and
		// would share one bucket.
		if strategy == ratelimit.StrategyUser && !app.Config.TrustProxy {
			app.Logger.Warn("User key strategy needs TRUST_PROXY, keying by client address instead",
				logging.String("category", name),
				logging.String("identity_header", app.Config.IdentityHeader),
			)
			strategy = ratelimit.StrategyIP
		}
		key, err := ratelimit.StrategyByName(strategy, app.Config.StrategyOptions())
		if err != nil {
			return nil, err
		}

		pipeline = append(pipeline, middleware.Stage{Limiter: limiter, Key: key})
	}
	return pipeline, nil
}
