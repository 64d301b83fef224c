package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"
)

// ErrNotReady is returned when a host never accepted the probe command.
var ErrNotReady = errors.New("host not ready")

// Policy controls how long WaitReady keeps probing.
type Policy struct {
	// Attempts is the total number of probes.
	Attempts int
	// Delay is the wait between probes, or the initial wait with Backoff.
	Delay time.Duration
	// Backoff multiplies the delay after each probe when greater than 1.
	Backoff float64
	// MaxDelay caps the delay when Backoff is used.
	MaxDelay time.Duration
	// Jitter randomises backoff delays.
	Jitter bool
}

// DefaultPolicy probes five times, twenty seconds apart.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 5,
		Delay:    20 * time.Second,
	}
}

func (p Policy) backoffFunc() func(time.Duration, int) time.Duration {
	if p.Backoff <= 1 {
		return nil
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	return retry.ExpBackoff(p.Delay, maxDelay, p.Backoff, p.Jitter)
}

// finalDelay is the wait after the last failed probe.
func (p Policy) finalDelay() time.Duration {
	d := p.Delay
	if backoff := p.backoffFunc(); backoff != nil {
		d = backoff(p.Delay, p.Attempts)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Prober waits for hosts to accept remote commands.
type Prober struct {
	transport Transport
	policy    Policy
	clock     clock.Clock
	logger    zerolog.Logger
}

// NewProber creates a prober. A nil clk uses the wall clock.
func NewProber(transport Transport, policy Policy, clk clock.Clock, logger zerolog.Logger) *Prober {
	if clk == nil {
		clk = clock.WallClock
	}
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.Delay <= 0 {
		policy.Delay = time.Second
	}
	return &Prober{
		transport: transport,
		policy:    policy,
		clock:     clk,
		logger:    logger.With().Str("component", "readiness").Logger(),
	}
}

// WaitReady runs the probe command until it succeeds or the attempts run out.
// Every failed probe is followed by a wait, the last one included.
func (p *Prober) WaitReady(ctx context.Context, target Target) error {
	probe := ProbeCommand()
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			_, err := p.transport.Run(ctx, target, probe)
			return err
		},
		IsFatalError: func(error) bool {
			return ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			p.logger.Info().
				Str("host", target.Addr()).
				Int("attempt", attempt).
				Int("attempts", p.policy.Attempts).
				Err(err).
				Msg("SSH not yet available, waiting before retrying...")
		},
		Attempts:    p.policy.Attempts,
		Delay:       p.policy.Delay,
		MaxDelay:    p.policy.MaxDelay,
		BackoffFunc: p.policy.backoffFunc(),
		Clock:       p.clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		p.logger.Info().Str("host", target.Addr()).Msg("SSH is ready.")
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("wait for %s: %w", target.Addr(), ctxErr)
	}
	if retry.IsAttemptsExceeded(err) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", target.Addr(), ctx.Err())
		case <-p.clock.After(p.policy.finalDelay()):
		}
	}
	p.logger.Warn().Str("host", target.Addr()).Msg("SSH did not become available in time.")
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrNotReady, target.Addr(), p.policy.Attempts, retry.LastError(err))
}

// WaitReady is a convenience wrapper around a one-off Prober.
func WaitReady(ctx context.Context, transport Transport, target Target, policy Policy, clk clock.Clock) error {
	return NewProber(transport, policy, clk, zerolog.Nop()).WaitReady(ctx, target)
}
