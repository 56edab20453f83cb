// Package channels relays permission prompts to remote operators and
// carries their answers back to the engine.
package channels

import (
	"context"
	"log/slog"
	"sync"
)

// Channel is a remote operator surface.
type Channel interface {
	Name() string

	// Start blocks until ctx ends or the channel fails for good.
	Start(ctx context.Context) error
}

// StartAll runs every channel on its own goroutine. A failing channel is
// logged and does not affect the others. Wait on the returned group to
// know when all of them have returned.
func StartAll(ctx context.Context, logger *slog.Logger, chans ...Channel) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			logger.Info("channel starting", "channel", ch.Name())
			if err := ch.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("channel failed", "channel", ch.Name(), "error", err)
			}
		}(ch)
	}
	return &wg
}
