package app

import (
	"context"

	"github.com/robfig/cron/v3"

	"quota-gate/internal/common/errors"
	"quota-gate/internal/common/logging"
)

// startStoreProbe pings the counter store on the configured schedule so
// /analytics reflects connectivity even when no traffic arrives.
func (app *App) startStoreProbe() error {
	c := cron.New()
	if _, err := c.AddFunc(app.Config.StoreProbeSchedule, app.probeStore); err != nil {
		return errors.ConfigError("invalid STORE_PROBE_SCHEDULE").WithContext("cause", err.Error())
	}
	c.Start()
	app.probe = c

	app.Logger.Info("Store probe scheduled", logging.String("schedule", app.Config.StoreProbeSchedule))
	return nil
}

func (app *App) probeStore() {
	wasConnected := app.Store.Connected()
	err := app.Store.Health(context.Background())

	switch {
	case err != nil && wasConnected:
		app.Logger.Warn("Counter store unreachable, limiters fail open", logging.Err(err))
	case err == nil && !wasConnected:
		app.Logger.Info("Counter store reachable again")
	}
}

// stopStoreProbe waits for a running probe to finish, or for ctx.
func (app *App) stopStoreProbe(ctx context.Context) {
	if app.probe == nil {
		return
	}
	done := app.probe.Stop()
	app.probe = nil

	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
