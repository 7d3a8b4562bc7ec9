package app

import (
	"quota-gate/internal/common/logging"
	"quota-gate/internal/redis"
)

func (app *App) initializeStore() error {
	storeConfig := app.Config.RedisConfig()
	storeConfig.Breaker.OnStateChange = app.Metrics.BreakerStateChanged

	client, err := redis.NewClient(storeConfig, app.Logger)
	if err != nil {
		return err
	}
	app.Store = client

	app.Metrics.SetBreakerState(redis.BreakerName, client.BreakerState())
	if err := app.Metrics.RegisterPool(client); err != nil {
		return err
	}

	if client.Connected() {
		app.Logger.Info("Counter store: Connected",
			logging.String("address", storeConfig.Address),
			logging.Int("pool_size", storeConfig.PoolSize),
		)
	}
	return nil
}
