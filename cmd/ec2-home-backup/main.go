// Package main is the entrypoint for the ec2-home-backup CLI.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/MacJediWizard/ec2-home-backup/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath      string
	targetsFile     string
	nameColumn      string
	region          string
	profile         string
	logLevel        string
	logFormat       string
	continueOnError bool
	dedupe          bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "ec2-home-backup",
		Short: "Back up EC2 home directories by Name tag",
		Long: `ec2-home-backup mirrors the home directory of every EC2 instance whose
Name tag is listed in a CSV file. Stopped instances are started for the
backup and stopped again afterwards; running instances are left running.

With no subcommand it behaves like 'ec2-home-backup run'.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackupCommand(cmd, flags)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default ~/.ec2-home-backup/config.yml)")
	pf.StringVarP(&flags.targetsFile, "targets", "t", "", "CSV file listing Name tags (default instance_names.csv)")
	pf.StringVar(&flags.nameColumn, "column", "", "CSV column holding the Name tag (default Name)")
	pf.StringVar(&flags.region, "region", "", "AWS region")
	pf.StringVar(&flags.profile, "profile", "", "AWS shared config profile")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format (console, json)")
	pf.BoolVar(&flags.continueOnError, "continue-on-error", false, "keep going after an instance fails")
	pf.BoolVar(&flags.dedupe, "dedupe", false, "process each Name tag once even if listed repeatedly")

	rootCmd.AddCommand(
		newRunCmd(flags),
		newPlanCmd(flags),
		newScheduleCmd(flags),
		newTargetsCmd(flags),
		newConfigCmd(flags),
		newVersionCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ec2-home-backup %s\n", Version)
			fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			fmt.Fprintf(out, "  Built:      %s\n", BuildDate)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(
		newConfigShowCmd(flags),
		newConfigInitCmd(flags),
	)

	return cmd
}

func newConfigShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config file:     %s\n", path)
			fmt.Fprintf(out, "Targets file:    %s (column %q)\n", cfg.TargetsFile, cfg.NameColumn)
			fmt.Fprintf(out, "AWS region:      %s\n", valueOr(cfg.AWS.Region, "(from environment)"))
			fmt.Fprintf(out, "AWS profile:     %s\n", valueOr(cfg.AWS.Profile, "(default)"))
			fmt.Fprintf(out, "AWS access key:  %s\n", maskSecret(cfg.AWS.AccessKeyID))
			fmt.Fprintf(out, "Wait timeout:    %s\n", cfg.AWS.WaitTimeout)
			fmt.Fprintf(out, "SSH:             %s@<private-ip>:%d via %s\n", cfg.SSH.User, cfg.SSH.Port, cfg.SSH.Transport)
			fmt.Fprintf(out, "Keys:            %s/*%s\n", cfg.SSH.KeyDir, cfg.SSH.KeyExtension)
			fmt.Fprintf(out, "Host keys:       %s\n", cfg.SSH.HostKeyPolicy)
			fmt.Fprintf(out, "Readiness:       %d attempts, %s apart\n", cfg.Readiness.Attempts, cfg.Readiness.Delay)
			fmt.Fprintf(out, "Mirror:          %s -> %s (sudo %v)\n", cfg.Backup.SourceDir, cfg.Backup.DestinationDir, cfg.Backup.Sudo)
			fmt.Fprintf(out, "Continue on err: %v\n", cfg.Backup.ContinueOnError)
			fmt.Fprintf(out, "Dedupe targets:  %v\n", cfg.Backup.DedupeTargets)
			if cfg.Report.Path != "" {
				fmt.Fprintf(out, "Report file:     %s\n", cfg.Report.Path)
			}
			if cfg.Report.S3Bucket != "" {
				fmt.Fprintf(out, "Report bucket:   s3://%s/%s\n", cfg.Report.S3Bucket, cfg.Report.S3Prefix)
			}
			if cfg.Schedule.Cron != "" {
				fmt.Fprintf(out, "Schedule:        %s\n", cfg.Schedule.Cron)
			}
			return nil
		},
	}
}

func newConfigInitCmd(flags *globalFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the default settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(flags)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists; use --force to overwrite", path)
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}

func configPath(flags *globalFlags) (string, error) {
	if flags.configPath != "" {
		return config.ExpandHome(flags.configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config file, then applies environment variables and
// explicitly set flags, in that order.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, string, error) {
	path, err := configPath(flags)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyEnv()

	changed := cmd.Flags().Changed
	if changed("targets") {
		cfg.TargetsFile = flags.targetsFile
	}
	if changed("column") {
		cfg.NameColumn = flags.nameColumn
	}
	if changed("region") {
		cfg.AWS.Region = flags.region
	}
	if changed("profile") {
		cfg.AWS.Profile = flags.profile
	}
	if changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = flags.logFormat
	}
	if changed("continue-on-error") {
		cfg.Backup.ContinueOnError = flags.continueOnError
	}
	if changed("dedupe") {
		cfg.Backup.DedupeTargets = flags.dedupe
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger. Console output is meant for people
// watching a run; JSON is for log collectors.
func newLogger(cfg config.LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if cfg.Format != config.LogFormatJSON {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
	}
	return logger, nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// maskSecret shows only the last four characters of a credential.
func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
