package ratelimit

import (
	"context"
	"time"

	"quota-gate/internal/common/logging"
)

// Publisher delivers block events. The counter store client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// BlockEvent is published when a caller crosses its quota and gets blocked.
type BlockEvent struct {
	Category     string    `json:"category"`
	Key          string    `json:"key"`
	BlockSeconds int       `json:"blockSeconds"`
	At           time.Time `json:"at"`
}

type blockEvents struct {
	publisher Publisher
	channel   string
	logger    logging.Logger
	now       func() time.Time
}

// publish is best effort: a failure is logged and never changes the decision.
func (e *blockEvents) publish(ctx context.Context, config Config, key string) {
	if e == nil {
		return
	}

	event := BlockEvent{
		Category:     config.Name,
		Key:          key,
		BlockSeconds: config.BlockSeconds,
		At:           e.now().UTC(),
	}
	if err := e.publisher.Publish(ctx, e.channel, event); err != nil {
		e.logger.WithContext(ctx).Warn("Failed to publish block event",
			logging.String("channel", e.channel),
			logging.String("category", config.Name),
			logging.String("error", err.Error()),
		)
	}
}

// Recorder receives limiter outcomes, typically for metrics.
type Recorder interface {
	ObserveDecision(category string, result Result)
	ObserveBlock(category string)
	ObserveFailOpen(category string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveDecision(string, Result) {}
func (nopRecorder) ObserveBlock(string)            {}
func (nopRecorder) ObserveFailOpen(string)         {}
