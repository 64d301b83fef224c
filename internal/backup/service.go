package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/ec2-home-backup/internal/instances"
	"github.com/MacJediWizard/ec2-home-backup/internal/remote"
	"github.com/MacJediWizard/ec2-home-backup/internal/targets"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// ErrInstancesFailed is returned by a run that continued past failed instances.
var ErrInstancesFailed = errors.New("one or more instances failed")

// ErrNoPrivateIP is returned when a running instance has no private address.
var ErrNoPrivateIP = errors.New("instance has no private IP")

// Options configures what a run does on each instance.
type Options struct {
	// KeyDir is the directory searched for private keys, with ~ already expanded.
	KeyDir         string
	KeyExtension   string
	SSHUser        string
	SSHPort        int
	SourceDir      string
	DestinationDir string
	Sudo           bool
	// ContinueOnError keeps going after an instance fails.
	ContinueOnError bool
	// DedupeTargets processes each tag once even if listed repeatedly.
	DedupeTargets bool
	// ReleaseTimeout bounds the compensating stop once the run context is done.
	ReleaseTimeout time.Duration
}

// DefaultOptions returns the stock ec2-user home backup settings.
func DefaultOptions() Options {
	return Options{
		KeyExtension:   ".pem",
		SSHUser:        "ec2-user",
		SSHPort:        22,
		SourceDir:      "/home/ec2-user/",
		DestinationDir: "/data/backup/ec2-user-home/",
		Sudo:           true,
		ReleaseTimeout: 15 * time.Minute,
	}
}

// Service runs backups across tagged instances, one instance at a time.
type Service struct {
	locator   *instances.Locator
	power     *instances.PowerController
	transport remote.Transport
	prober    *remote.Prober
	opts      Options
	clock     clock.Clock
	logger    zerolog.Logger
}

// NewService creates a backup service. A nil clk uses the wall clock.
func NewService(
	locator *instances.Locator,
	power *instances.PowerController,
	transport remote.Transport,
	prober *remote.Prober,
	opts Options,
	clk clock.Clock,
	logger zerolog.Logger,
) *Service {
	if clk == nil {
		clk = clock.WallClock
	}
	if opts.ReleaseTimeout <= 0 {
		opts.ReleaseTimeout = 15 * time.Minute
	}
	return &Service{
		locator:   locator,
		power:     power,
		transport: transport,
		prober:    prober,
		opts:      opts,
		clock:     clk,
		logger:    logger.With().Str("component", "backup_service").Logger(),
	}
}

// Run backs up every instance matching each tag, in order. The returned
// result is never nil and holds everything processed before an error.
func (s *Service) Run(ctx context.Context, tags []targets.Target) (*RunResult, error) {
	if s.opts.DedupeTargets {
		tags = targets.Dedupe(tags)
	}

	result := &RunResult{
		ID:        uuid.New(),
		StartedAt: s.clock.Now(),
		Tags:      targets.Names(tags),
	}
	logger := s.logger.With().Str("run_id", result.ID.String()).Logger()
	logger.Info().Int("tags", len(tags)).Msg("starting backup run")

	err := s.run(ctx, logger, tags, result)
	result.FinishedAt = s.clock.Now()
	result.Err = err

	logger.Info().
		Int("completed", result.Count(OutcomeCompleted)).
		Int("skipped", result.SkippedCount()).
		Int("failed", result.Count(OutcomeFailed)).
		Int("missing_tags", len(result.Missing)).
		Dur("duration", result.FinishedAt.Sub(result.StartedAt)).
		Msg("backup run finished")
	return result, err
}

func (s *Service) run(ctx context.Context, logger zerolog.Logger, tags []targets.Target, result *RunResult) error {
	for _, tag := range tags {
		if err := ctx.Err(); err != nil {
			return err
		}

		logger.Info().Str("tag", tag.Name).Msgf("Processing instances with Name tag: '%s'", tag.Name)
		found, err := s.locator.Find(ctx, tag.Name)
		if err != nil {
			return fmt.Errorf("find instances for tag %q (row %d): %w", tag.Name, tag.Row, err)
		}
		if len(found) == 0 {
			logger.Info().Str("tag", tag.Name).Msgf("No instances found with Name tag: '%s'", tag.Name)
			result.Missing = append(result.Missing, tag.Name)
			continue
		}

		for _, inst := range found {
			logger.Info().Str("tag", tag.Name).Str("instance", inst.ID).Msgf("Found instance: %s", inst.ID)
			res := s.processInstance(ctx, logger, tag.Name, inst)
			result.Instances = append(result.Instances, res)

			if res.Outcome == OutcomeFailed && !s.opts.ContinueOnError {
				return fmt.Errorf("instance %s: %w", res.InstanceID, res.Err)
			}
		}
	}

	if failed := result.Failed(); len(failed) > 0 {
		return fmt.Errorf("%w: %d of %d", ErrInstancesFailed, len(failed), len(result.Instances))
	}
	return nil
}

// processInstance runs one instance end to end. Whatever happens after the
// instance is acquired, a started instance is stopped again before returning.
func (s *Service) processInstance(ctx context.Context, logger zerolog.Logger, tag string, inst instances.Instance) (res InstanceResult) {
	res = InstanceResult{
		Tag:        tag,
		InstanceID: inst.ID,
		PrivateIP:  inst.PrivateIP,
		StartedAt:  s.clock.Now(),
	}
	logger = logger.With().Str("instance", inst.ID).Logger()
	defer func() {
		res.Duration = s.clock.Now().Sub(res.StartedAt)
	}()

	guard, err := s.power.Acquire(ctx, inst.ID)
	if guard != nil {
		res.Started = guard.Started()
		defer func() {
			releaseErr := s.release(ctx, guard)
			res.Stopped = guard.Started() && releaseErr == nil
			if releaseErr != nil {
				logger.Error().Err(releaseErr).Msg("failed to restore instance power state")
				res.Outcome = OutcomeFailed
				res.Err = errors.Join(res.Err, releaseErr)
			}
		}()
	}
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		logger.Error().Err(err).Msg("failed to start instance")
		return res
	}

	// The private IP may only be assigned once the instance is running.
	if res.PrivateIP == "" || res.Started {
		current, err := s.power.Describe(ctx, inst.ID)
		switch {
		case err != nil:
			logger.Warn().Err(err).Str("private_ip", res.PrivateIP).Msg("failed to refresh private IP after start")
		case current.PrivateIP != "":
			res.PrivateIP = current.PrivateIP
		}
	}
	if res.PrivateIP == "" {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("%w: %s", ErrNoPrivateIP, inst.ID)
		logger.Error().Err(res.Err).Msg("cannot reach instance without a private IP")
		return res
	}

	keyPath, err := remote.FindKey(s.opts.KeyDir, inst.KeyName, s.opts.KeyExtension)
	if err != nil {
		logger.Warn().Err(err).Str("key_name", inst.KeyName).
			Msgf("No matching SSH key found for instance %s with KeyName %s", inst.ID, inst.KeyName)
		res.Outcome = OutcomeSkippedNoKey
		res.Err = err
		return res
	}
	res.KeyPath = keyPath

	target := remote.Target{
		Host:    res.PrivateIP,
		Port:    s.opts.SSHPort,
		User:    s.opts.SSHUser,
		KeyPath: keyPath,
	}

	if err := s.prober.WaitReady(ctx, target); err != nil {
		if ctx.Err() != nil {
			res.Outcome = OutcomeFailed
			res.Err = err
			return res
		}
		logger.Warn().Err(err).Msgf("Cannot perform backup as SSH is not available for instance %s.", inst.ID)
		res.Outcome = OutcomeSkippedUnreachable
		res.Err = err
		return res
	}

	for _, cmd := range []remote.Command{
		remote.MkdirCommand(s.opts.DestinationDir, s.opts.Sudo),
		remote.MirrorCommand(s.opts.SourceDir, s.opts.DestinationDir, s.opts.Sudo),
	} {
		out, err := s.transport.Run(ctx, target, cmd)
		if err != nil {
			logger.Error().Err(err).Str("command", cmd.String()).Msg("remote command failed")
			res.Outcome = OutcomeFailed
			res.Err = err
			return res
		}
		logger.Debug().Str("command", cmd.String()).Bytes("output", out).Msg("remote command finished")
	}

	logger.Info().Msg("Backup completed successfully.")
	res.Outcome = OutcomeCompleted
	return res
}

// release stops a started instance. It uses a fresh bounded context when the
// run context is already done so the stop is still issued after cancellation.
func (s *Service) release(ctx context.Context, guard *instances.Guard) error {
	if !guard.Started() {
		return guard.Release(ctx)
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ReleaseTimeout)
	defer cancel()
	return guard.Release(releaseCtx)
}
