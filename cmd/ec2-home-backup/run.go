package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MacJediWizard/ec2-home-backup/internal/backup"
	"github.com/MacJediWizard/ec2-home-backup/internal/config"
	"github.com/MacJediWizard/ec2-home-backup/internal/instances"
	"github.com/MacJediWizard/ec2-home-backup/internal/remote"
	"github.com/MacJediWizard/ec2-home-backup/internal/report"
	"github.com/MacJediWizard/ec2-home-backup/internal/targets"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// reportTimeout bounds writing the run report after the run itself.
const reportTimeout = 2 * time.Minute

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Back up every instance listed in the targets file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackupCommand(cmd, flags)
		},
	}
}

func runBackupCommand(cmd *cobra.Command, flags *globalFlags) error {
	cfg, _, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	tags, err := targets.Load(cfg.TargetsFile, cfg.NameColumn)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read targets")
		return err
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise")
		return err
	}

	result, runErr := a.service.Run(ctx, tags)
	a.writeReport(ctx, result)
	if runErr != nil {
		logger.Error().Err(runErr).Msg("backup run failed")
	}
	return runErr
}

func newPlanCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show what a run would do without starting or contacting any instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			tags, err := targets.Load(cfg.TargetsFile, cfg.NameColumn)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(logger)
			defer cancel()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}

			entries, missing, err := a.service.Plan(ctx, tags)
			if err != nil {
				return err
			}
			printPlan(cmd.OutOrStdout(), entries, missing)
			return nil
		},
	}
}

func printPlan(out io.Writer, entries []backup.PlanEntry, missing []string) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TAG\tINSTANCE\tSTATE\tPRIVATE IP\tKEY\tACTION")
	for _, e := range entries {
		action := "backup"
		if e.WillStart {
			action = "start, backup, stop"
		}
		key := e.KeyPath
		if e.Skip != "" {
			action = "skip: " + e.Skip
			if e.WillStart {
				action = "start, skip, stop: " + e.Skip
			}
			key = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", e.Tag, e.InstanceID, e.State, valueOr(e.PrivateIP, "-"), key, action)
	}
	tw.Flush()

	for _, tag := range missing {
		fmt.Fprintf(out, "No running or stopped instances with Name tag %q\n", tag)
	}
}

func newScheduleCmd(flags *globalFlags) *cobra.Command {
	var expr string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run backups on a cron schedule until interrupted",
		Long: `Run backups on a cron schedule until interrupted.

The targets file is re-read before every run. A run that is still going
when the next one is due causes that next run to be skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("cron") {
				cfg.Schedule.Cron = expr
			}
			if cfg.Schedule.Cron == "" {
				return errors.New("no schedule: set schedule.cron or pass --cron")
			}
			if err := backup.ValidateSchedule(cfg.Schedule.Cron); err != nil {
				return err
			}

			logger, err := newLogger(cfg.Log, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return runSchedule(cfg, logger)
		},
	}

	cmd.Flags().StringVar(&expr, "cron", "", `cron expression, e.g. "0 2 * * *" or "@daily"`)

	return cmd
}

func runSchedule(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	source := func() ([]targets.Target, error) {
		return targets.Load(cfg.TargetsFile, cfg.NameColumn)
	}
	scheduler := backup.NewScheduler(a.service, source, func(result *backup.RunResult, _ error) {
		a.writeReport(ctx, result)
	}, logger)

	if err := scheduler.Start(ctx, cfg.Schedule.Cron); err != nil {
		return err
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutting down scheduler")

	// Abort any in-flight run; started instances are still stopped.
	cancel()
	<-scheduler.Stop().Done()

	logger.Info().Msg("scheduler stopped")
	return nil
}

func newTargetsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List the Name tags read from the targets file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			tags, err := targets.Load(cfg.TargetsFile, cfg.NameColumn)
			if err != nil {
				return err
			}
			if cfg.Backup.DedupeTargets {
				tags = targets.Dedupe(tags)
			}

			out := cmd.OutOrStdout()
			for _, t := range tags {
				fmt.Fprintf(out, "%d\t%s\n", t.Row, t.Name)
			}
			fmt.Fprintf(out, "%d target(s) from %s\n", len(tags), cfg.TargetsFile)
			return nil
		},
	}
}

// app holds the wired components for one process.
type app struct {
	service *backup.Service
	reports *report.Writer
	logger  zerolog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	awsCfg, err := instances.LoadAWSConfig(ctx, instances.AWSOptions{
		Region:          cfg.AWS.Region,
		Profile:         cfg.AWS.Profile,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
	})
	if err != nil {
		return nil, err
	}

	provider := instances.NewEC2ProviderFromConfig(awsCfg, instances.EC2Options{
		WaitTimeout: cfg.AWS.WaitTimeout,
	}, logger)

	knownHosts, err := config.ExpandHome(cfg.SSH.KnownHostsFile)
	if err != nil {
		return nil, err
	}
	hostKeys := remote.HostKeyPolicy{Mode: cfg.SSH.HostKeyPolicy, KnownHostsFile: knownHosts}
	transport, err := remote.NewTransport(cfg.SSH.Transport, cfg.SSH.Binary, hostKeys, cfg.SSH.ConnectTimeout, logger)
	if err != nil {
		return nil, err
	}

	prober := remote.NewProber(transport, remote.Policy{
		Attempts: cfg.Readiness.Attempts,
		Delay:    cfg.Readiness.Delay,
		Backoff:  cfg.Readiness.Backoff,
		MaxDelay: cfg.Readiness.MaxDelay,
		Jitter:   cfg.Readiness.Jitter,
	}, clock.WallClock, logger)

	opts, err := backupOptions(cfg)
	if err != nil {
		return nil, err
	}

	service := backup.NewService(
		instances.NewLocator(provider, logger),
		instances.NewPowerController(provider, logger),
		transport,
		prober,
		opts,
		clock.WallClock,
		logger,
	)

	var uploader report.Uploader
	if cfg.Report.S3Bucket != "" {
		uploader = report.NewS3Uploader(awsCfg, cfg.Report.S3Endpoint)
	}
	reportPath, err := config.ExpandHome(cfg.Report.Path)
	if err != nil {
		return nil, err
	}
	reports := report.NewWriter(report.Options{
		Path:     reportPath,
		S3Bucket: cfg.Report.S3Bucket,
		S3Prefix: cfg.Report.S3Prefix,
	}, uploader, logger)

	return &app{service: service, reports: reports, logger: logger}, nil
}

// backupOptions maps settings to service options, expanding the key directory once.
func backupOptions(cfg *config.Config) (backup.Options, error) {
	keyDir, err := config.ExpandHome(cfg.SSH.KeyDir)
	if err != nil {
		return backup.Options{}, err
	}

	opts := backup.DefaultOptions()
	opts.KeyDir = keyDir
	opts.KeyExtension = cfg.SSH.KeyExtension
	opts.SSHUser = cfg.SSH.User
	opts.SSHPort = cfg.SSH.Port
	opts.SourceDir = cfg.Backup.SourceDir
	opts.DestinationDir = cfg.Backup.DestinationDir
	opts.Sudo = cfg.Backup.Sudo
	opts.ContinueOnError = cfg.Backup.ContinueOnError
	opts.DedupeTargets = cfg.Backup.DedupeTargets
	opts.ReleaseTimeout = cfg.AWS.WaitTimeout + time.Minute
	return opts, nil
}

// writeReport stores the run report. Failures are logged and never change
// the outcome of the run.
func (a *app) writeReport(ctx context.Context, result *backup.RunResult) {
	if result == nil || !a.reports.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	if err := a.reports.Write(ctx, report.FromRun(result)); err != nil {
		a.logger.Warn().Err(err).Str("run_id", result.ID.String()).Msg("failed to write run report")
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(logger zerolog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Warn().Str("signal", sig.String()).Msg("interrupted; restoring instance state before exit")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
