// Package config provides configuration management for ec2-home-backup.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MacJediWizard/ec2-home-backup/internal/remote"
	"gopkg.in/yaml.v3"
)

// Log formats accepted in log.format.
const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// DefaultTargetsFile is the CSV read from the working directory when no path is given.
const DefaultTargetsFile = "instance_names.csv"

// DefaultConfigDir returns the default config directory (~/.ec2-home-backup).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".ec2-home-backup"), nil
}

// DefaultConfigPath returns the default config file path (~/.ec2-home-backup/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// Config holds the complete tool configuration.
type Config struct {
	TargetsFile string `yaml:"targets_file"`
	NameColumn  string `yaml:"name_column"`

	AWS       AWSConfig       `yaml:"aws"`
	SSH       SSHConfig       `yaml:"ssh"`
	Readiness ReadinessConfig `yaml:"readiness"`
	Backup    BackupConfig    `yaml:"backup"`
	Report    ReportConfig    `yaml:"report"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Log       LogConfig       `yaml:"log"`
}

// AWSConfig selects the account, region and waiter budget.
type AWSConfig struct {
	Region          string        `yaml:"region,omitempty"`
	Profile         string        `yaml:"profile,omitempty"`
	AccessKeyID     string        `yaml:"access_key_id,omitempty"`
	SecretAccessKey string        `yaml:"secret_access_key,omitempty"`
	WaitTimeout     time.Duration `yaml:"wait_timeout"`
}

// SSHConfig describes how instances are reached.
type SSHConfig struct {
	User           string        `yaml:"user"`
	Port           int           `yaml:"port"`
	KeyDir         string        `yaml:"key_dir"`
	KeyExtension   string        `yaml:"key_extension"`
	Transport      string        `yaml:"transport"`
	Binary         string        `yaml:"binary,omitempty"`
	HostKeyPolicy  string        `yaml:"host_key_policy"`
	KnownHostsFile string        `yaml:"known_hosts_file,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ReadinessConfig is the retry budget for the SSH readiness probe.
type ReadinessConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"max_delay,omitempty"`
	Backoff  float64       `yaml:"backoff,omitempty"` // multiplier, <= 1 means fixed delay
	Jitter   bool          `yaml:"jitter,omitempty"`
}

// BackupConfig describes the remote mirror and run policy.
type BackupConfig struct {
	SourceDir       string `yaml:"source_dir"`
	DestinationDir  string `yaml:"destination_dir"`
	Sudo            bool   `yaml:"sudo"`
	ContinueOnError bool   `yaml:"continue_on_error"`
	DedupeTargets   bool   `yaml:"dedupe_targets"`
}

// ReportConfig controls where run reports are written.
type ReportConfig struct {
	Path     string `yaml:"path,omitempty"`
	S3Bucket string `yaml:"s3_bucket,omitempty"`
	S3Prefix string `yaml:"s3_prefix,omitempty"`

	// S3Endpoint targets an S3-compatible service instead of AWS.
	S3Endpoint string `yaml:"s3_endpoint,omitempty"`
}

// ScheduleConfig holds the cron expression used by the schedule command.
type ScheduleConfig struct {
	Cron string `yaml:"cron,omitempty"`
}

// LogConfig controls logger level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		TargetsFile: DefaultTargetsFile,
		NameColumn:  "Name",
		AWS: AWSConfig{
			WaitTimeout: 10 * time.Minute,
		},
		SSH: SSHConfig{
			User:           "ec2-user",
			Port:           22,
			KeyDir:         "~/.ssh",
			KeyExtension:   ".pem",
			Transport:      remote.TransportNative,
			Binary:         "ssh",
			HostKeyPolicy:  remote.HostKeyInsecure,
			ConnectTimeout: 5 * time.Second,
		},
		Readiness: ReadinessConfig{
			Attempts: 5,
			Delay:    20 * time.Second,
		},
		Backup: BackupConfig{
			SourceDir:      "/home/ec2-user/",
			DestinationDir: "/data/backup/ec2-user-home/",
			Sudo:           true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: LogFormatConsole,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.TargetsFile == "" {
		errs = append(errs, errors.New("targets_file is required"))
	}
	if c.NameColumn == "" {
		errs = append(errs, errors.New("name_column is required"))
	}
	if c.AWS.WaitTimeout <= 0 {
		errs = append(errs, errors.New("aws.wait_timeout must be positive"))
	}
	if c.AWS.AccessKeyID != "" && c.AWS.SecretAccessKey == "" {
		errs = append(errs, errors.New("aws.secret_access_key is required with aws.access_key_id"))
	}

	if c.SSH.User == "" {
		errs = append(errs, errors.New("ssh.user is required"))
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		errs = append(errs, fmt.Errorf("ssh.port %d out of range", c.SSH.Port))
	}
	if c.SSH.KeyDir == "" {
		errs = append(errs, errors.New("ssh.key_dir is required"))
	}
	switch c.SSH.Transport {
	case remote.TransportNative, remote.TransportExec:
	default:
		errs = append(errs, fmt.Errorf("ssh.transport must be %q or %q", remote.TransportNative, remote.TransportExec))
	}
	switch c.SSH.HostKeyPolicy {
	case remote.HostKeyInsecure:
	case remote.HostKeyKnownHosts:
		if c.SSH.KnownHostsFile == "" {
			errs = append(errs, errors.New("ssh.known_hosts_file is required with host_key_policy known_hosts"))
		}
	default:
		errs = append(errs, fmt.Errorf("ssh.host_key_policy must be %q or %q", remote.HostKeyInsecure, remote.HostKeyKnownHosts))
	}
	if c.SSH.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("ssh.connect_timeout must be positive"))
	}

	if c.Readiness.Attempts < 1 {
		errs = append(errs, errors.New("readiness.attempts must be at least 1"))
	}
	if c.Readiness.Delay < 0 {
		errs = append(errs, errors.New("readiness.delay must not be negative"))
	}
	if c.Readiness.Backoff < 0 {
		errs = append(errs, errors.New("readiness.backoff must not be negative"))
	}

	if c.Backup.SourceDir == "" {
		errs = append(errs, errors.New("backup.source_dir is required"))
	}
	if c.Backup.DestinationDir == "" {
		errs = append(errs, errors.New("backup.destination_dir is required"))
	}

	if c.Report.S3Prefix != "" && c.Report.S3Bucket == "" {
		errs = append(errs, errors.New("report.s3_bucket is required with report.s3_prefix"))
	}

	switch c.Log.Format {
	case LogFormatConsole, LogFormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.format must be %q or %q", LogFormatConsole, LogFormatJSON))
	}

	return errors.Join(errs...)
}

// Load reads the configuration from the given path on top of Default().
// If the file does not exist, the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// May hold AWS secrets.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading "~" with the current user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
