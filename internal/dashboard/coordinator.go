package dashboard

import (
	"context"

	"go.uber.org/zap"
)

// Refresher is the part of the concept store driven by Refresh commands.
type Refresher interface {
	RequestRefresh(reason string)
}

// Coordinator owns the bus and routes Refresh commands to the store.
// Components that care about OpenForm subscribe to the bus themselves.
type Coordinator struct {
	bus    *Bus
	store  Refresher
	logger *zap.Logger
}

func NewCoordinator(bus *Bus, store Refresher, logger *zap.Logger) *Coordinator {
	return &Coordinator{bus: bus, store: store, logger: logger}
}

// Run forwards commands until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	cmds, unsubscribe := c.bus.Subscribe(16)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-cmds:
			if !ok {
				return nil
			}
			if r, isRefresh := cmd.(Refresh); isRefresh {
				c.logger.Debug("refresh command", zap.String("reason", r.Reason))
				c.store.RequestRefresh(r.Reason)
			}
		}
	}
}
