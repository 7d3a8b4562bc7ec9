// Package handlers implements the Control API: direct access to the limiters
// for services that want a decision without going through the gate.
package handlers

import (
	"time"

	"quota-gate/internal/circuitbreaker"
	"quota-gate/internal/common/logging"
	"quota-gate/internal/common/validation"
	"quota-gate/internal/ratelimit"
)

// StoreStatus reports counter store connectivity for /analytics.
type StoreStatus interface {
	Connected() bool
	BreakerState() circuitbreaker.State
}

type Handlers struct {
	registry  *ratelimit.Registry
	store     StoreStatus
	validator *validation.Validator
	logger    logging.Logger
	now       func() time.Time
}

func New(registry *ratelimit.Registry, store StoreStatus, logger logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Handlers{
		registry:  registry,
		store:     store,
		validator: validation.Default(),
		logger:    logger.WithFields(logging.String("component", "control-api")),
		now:       time.Now,
	}
}
