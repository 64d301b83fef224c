package instances

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// PowerController starts instances for backup and returns them to their prior state.
type PowerController struct {
	provider Provider
	logger   zerolog.Logger
}

// NewPowerController creates a power controller backed by provider.
func NewPowerController(provider Provider, logger zerolog.Logger) *PowerController {
	return &PowerController{
		provider: provider,
		logger:   logger.With().Str("component", "power_controller").Logger(),
	}
}

// Describe returns the provider's current view of the instance.
func (c *PowerController) Describe(ctx context.Context, id string) (Instance, error) {
	return c.provider.Describe(ctx, id)
}

// EnsureRunning starts the instance unless it is already running and blocks
// until the provider reports it running. It returns true only if it issued the
// start request.
func (c *PowerController) EnsureRunning(ctx context.Context, id string) (bool, error) {
	inst, err := c.provider.Describe(ctx, id)
	if err != nil {
		return false, err
	}
	if inst.State == StateRunning {
		return false, nil
	}

	// EC2 rejects a start while the instance is still stopping.
	if inst.State == StateStopping {
		c.logger.Info().Str("instance", id).Msg("waiting for instance to finish stopping")
		if err := c.provider.WaitUntilStopped(ctx, id); err != nil {
			return false, err
		}
	}

	c.logger.Info().Str("instance", id).Str("state", string(inst.State)).Msgf("Starting %s...", id)
	if err := c.provider.Start(ctx, id); err != nil {
		return false, err
	}
	if err := c.provider.WaitUntilRunning(ctx, id); err != nil {
		// The start was issued, so the caller still owns the stop.
		return true, err
	}
	c.logger.Info().Str("instance", id).Msgf("%s is now running.", id)
	return true, nil
}

// EnsureStopped issues a stop request and blocks until the provider reports
// the instance stopped.
func (c *PowerController) EnsureStopped(ctx context.Context, id string) error {
	c.logger.Info().Str("instance", id).Msgf("Stopping %s...", id)
	if err := c.provider.Stop(ctx, id); err != nil {
		return err
	}
	if err := c.provider.WaitUntilStopped(ctx, id); err != nil {
		return err
	}
	c.logger.Info().Str("instance", id).Msgf("%s is now stopped.", id)
	return nil
}

// Acquire ensures the instance is running and returns a Guard that restores
// the stopped state on Release if, and only if, this call started it.
// When a start was issued but the wait failed, the returned Guard is non-nil
// alongside the error so the caller can still release it.
func (c *PowerController) Acquire(ctx context.Context, id string) (*Guard, error) {
	started, err := c.EnsureRunning(ctx, id)
	if !started && err != nil {
		return nil, err
	}
	return &Guard{controller: c, id: id, started: started}, err
}

// Guard holds the obligation to stop an instance that this run started.
type Guard struct {
	controller *PowerController
	id         string
	started    bool

	once sync.Once
	err  error
}

// Started reports whether the guard started the instance.
func (g *Guard) Started() bool {
	return g.started
}

// Release stops the instance if the guard started it. Only the first call
// has an effect; later calls return the first result.
func (g *Guard) Release(ctx context.Context) error {
	g.once.Do(func() {
		if !g.started {
			return
		}
		if err := g.controller.EnsureStopped(ctx, g.id); err != nil {
			g.err = fmt.Errorf("restore stopped state of %s: %w", g.id, err)
		}
	})
	return g.err
}
