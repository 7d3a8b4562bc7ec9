package app

import (
	"quota-gate/internal/server"
)

// RunServer builds the HTTP server with all routes configured and starts the
// store probe. The server is not started.
func (app *App) RunServer() (*server.Server, error) {
	handler, err := app.Routes()
	if err != nil {
		return nil, err
	}

	if err := app.startStoreProbe(); err != nil {
		return nil, err
	}

	return server.New(handler, app.Config.Port, app.Logger), nil
}
