package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment variables that override file settings.
const (
	EnvRegion          = "EC2_BACKUP_REGION"
	EnvProfile         = "EC2_BACKUP_PROFILE"
	EnvSSHUser         = "EC2_BACKUP_SSH_USER"
	EnvKeyDir          = "EC2_BACKUP_KEY_DIR"
	EnvLogLevel        = "EC2_BACKUP_LOG_LEVEL"
	EnvLogFormat       = "EC2_BACKUP_LOG_FORMAT"
	EnvContinueOnError = "EC2_BACKUP_CONTINUE_ON_ERROR"
	EnvDedupeTargets   = "EC2_BACKUP_DEDUPE_TARGETS"
	EnvReadinessTries  = "EC2_BACKUP_READINESS_ATTEMPTS"
)

// ApplyEnv overrides settings from EC2_BACKUP_* environment variables.
// Unset or invalid values leave the current setting in place.
func (c *Config) ApplyEnv() {
	c.AWS.Region = getEnvString(EnvRegion, c.AWS.Region)
	c.AWS.Profile = getEnvString(EnvProfile, c.AWS.Profile)
	c.SSH.User = getEnvString(EnvSSHUser, c.SSH.User)
	c.SSH.KeyDir = getEnvString(EnvKeyDir, c.SSH.KeyDir)
	c.Log.Level = getEnvString(EnvLogLevel, c.Log.Level)
	c.Log.Format = getEnvString(EnvLogFormat, c.Log.Format)
	c.Backup.ContinueOnError = getEnvBool(EnvContinueOnError, c.Backup.ContinueOnError)
	c.Backup.DedupeTargets = getEnvBool(EnvDedupeTargets, c.Backup.DedupeTargets)

	if n := getEnvInt(EnvReadinessTries, c.Readiness.Attempts); n > 0 {
		c.Readiness.Attempts = n
	}
}

func getEnvString(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
