// Package collector defines the contract shared by the log tailer and the
// intercepting proxy.
package collector

import (
	"context"
	"errors"

	"github.com/pario-ai/tokmeter/pkg/models"
)

// Sink accepts collector output. Send blocks while the consumer is saturated.
type Sink interface {
	Send(ctx context.Context, e models.UsageEvent) error
	Checkpoint(ctx context.Context, c models.Cursor) error
}

// Collector produces usage events until ctx is cancelled. Run returns nil on
// a clean stop.
type Collector interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// Run runs c and maps a cancellation-caused stop to nil.
func Run(ctx context.Context, c Collector, sink Sink) error {
	err := c.Run(ctx, sink)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}
