package instances

import (
	"context"

	"github.com/rs/zerolog"
)

// Locator finds backup candidates by Name tag.
type Locator struct {
	provider Provider
	logger   zerolog.Logger
}

// NewLocator creates a locator backed by provider.
func NewLocator(provider Provider, logger zerolog.Logger) *Locator {
	return &Locator{
		provider: provider,
		logger:   logger.With().Str("component", "instance_locator").Logger(),
	}
}

// Find returns running or stopped instances whose Name tag equals tag.
// An empty result is not an error. Order is whatever the provider returns.
func (l *Locator) Find(ctx context.Context, tag string) ([]Instance, error) {
	found, err := l.provider.FindByNameTag(ctx, tag)
	if err != nil {
		return nil, err
	}

	// The provider filters on state server-side; instances can change state
	// between pages, so transient states are dropped here as well.
	out := found[:0]
	for _, inst := range found {
		if !inst.State.Backupable() {
			l.logger.Debug().
				Str("instance", inst.ID).
				Str("state", string(inst.State)).
				Msg("skipping instance in transient state")
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}
