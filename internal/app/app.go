// Package app wires configuration, the counter store, the limiters and the
// HTTP surface into a running gate.
package app

import (
	"context"

	"github.com/robfig/cron/v3"

	"quota-gate/internal/common/logging"
	"quota-gate/internal/config"
	"quota-gate/internal/metrics"
	"quota-gate/internal/ratelimit"
	"quota-gate/internal/redis"
)

// App holds all the application dependencies
type App struct {
	Config   *config.Config
	Limits   *config.Limits
	Store    *redis.Client
	Registry *ratelimit.Registry
	Metrics  *metrics.Metrics
	Logger   logging.Logger
	probe    *cron.Cron
}

// New creates a new application instance with all dependencies
func New(cfg *config.Config, limits *config.Limits) (*App, error) {
	app := &App{
		Config:  cfg,
		Limits:  limits,
		Metrics: metrics.New(),
		Logger:  logging.GetGlobalLogger().WithFields(logging.String("component", "app")),
	}

	// Initialize components in order of dependency
	if err := app.initializeStore(); err != nil {
		app.Cleanup()
		return nil, err
	}

	if err := app.initializeRegistry(); err != nil {
		app.Cleanup()
		return nil, err
	}

	return app, nil
}

// Shutdown stops background jobs. The HTTP server is shut down by the caller.
func (app *App) Shutdown(ctx context.Context) error {
	app.stopStoreProbe(ctx)
	return nil
}

// Cleanup releases all resources
func (app *App) Cleanup() {
	if app.Store != nil {
		if err := app.Store.Close(); err != nil {
			app.Logger.Warn("Error closing counter store", logging.Err(err))
		}
	}
}
