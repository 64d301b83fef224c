package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MacJediWizard/ec2-home-backup/internal/targets"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// TargetSource loads the tags for one run. The scheduler calls it on every
// tick so edits to the targets file apply to the next run.
type TargetSource func() ([]targets.Target, error)

// RunFunc is called with the outcome of every scheduled run.
type RunFunc func(result *RunResult, err error)

// Runner is the part of Service the scheduler needs.
type Runner interface {
	Run(ctx context.Context, tags []targets.Target) (*RunResult, error)
}

// cronParser accepts standard five-field expressions, an optional leading
// seconds field, and descriptors such as @daily.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether expr is a valid schedule expression.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Scheduler runs backups on a cron schedule. A tick that fires while the
// previous run is still going is skipped.
type Scheduler struct {
	runner  Runner
	source  TargetSource
	onRun   RunFunc
	cron    *cron.Cron
	logger  zerolog.Logger
	mu      sync.Mutex
	ctx     context.Context
	entry   cron.EntryID
	running bool
}

// NewScheduler creates a scheduler. onRun is optional.
func NewScheduler(runner Runner, source TargetSource, onRun RunFunc, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger: logger}
	return &Scheduler{
		runner: runner,
		source: source,
		onRun:  onRun,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
	}
}

// Start registers expr and starts the cron loop. Runs use ctx, so cancelling
// it aborts an in-flight run.
func (s *Scheduler) Start(ctx context.Context, expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler already running")
	}

	s.ctx = ctx
	entryID, err := s.cron.AddFunc(expr, s.tick)
	if err != nil {
		return fmt.Errorf("add cron entry: %w", err)
	}
	s.entry = entryID
	s.running = true
	s.cron.Start()

	s.logger.Info().
		Str("cron_expression", expr).
		Time("next_run", s.cron.Entry(entryID).Next).
		Msg("backup scheduler started")
	return nil
}

// Stop stops the scheduler. The returned context is done once any running
// backup has finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping backup scheduler")
	return s.cron.Stop()
}

// tick runs one scheduled backup.
func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	tags, err := s.source()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load targets for scheduled run")
		s.notify(nil, err)
		return
	}

	s.logger.Info().Int("tags", len(tags)).Msg("starting scheduled backup")
	result, err := s.runner.Run(ctx, tags)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled backup failed")
	}
	s.notify(result, err)
}

func (s *Scheduler) notify(result *RunResult, err error) {
	if s.onRun != nil {
		s.onRun(result, err)
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
