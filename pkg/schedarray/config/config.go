// Package config loads SchedArray's optional YAML configuration file,
// pulls in .env files, expands environment references inside values, and
// resolves the database path from the flag/env/file/default precedence
// chain shared by every CLI invocation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvDBPath is the environment variable that overrides the database path.
const EnvDBPath = "SCHEDARRAY_DB"

// envVarPattern matches ${VAR_NAME} references in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Config holds every tunable the CLI and the service read.
type Config struct {
	// DBPath is the SQLite database file. Empty defers to the
	// ResolveDBPath precedence chain.
	DBPath string `yaml:"db_path"`

	// LogsDir receives per-job stdout/stderr files for jobs that do not
	// name their own. Empty means a logs directory beside the database
	// file.
	LogsDir string `yaml:"logs_dir"`

	// MaxWorkers is the pool size used by the service. Zero means the
	// machine's CPU count.
	MaxWorkers int `yaml:"max_workers"`

	// PollIntervalSeconds is how long an idle worker sleeps between
	// claim attempts. Zero means 1 second.
	PollIntervalSeconds float64 `yaml:"poll_interval_seconds"`

	// DrainTimeoutSeconds bounds how long a stopping service waits for
	// running jobs before killing them. Zero means 30 seconds.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is text or json.
	LogFormat string `yaml:"log_format"`

	// Cleanup configures the service's retention janitor.
	Cleanup CleanupConfig `yaml:"cleanup"`
}

// CleanupConfig schedules automatic deletion of old terminal jobs while
// the service runs.
type CleanupConfig struct {
	// Schedule is a cron expression in robfig/cron syntax (five fields
	// or a descriptor like "@daily"). Empty disables the janitor.
	Schedule string `yaml:"schedule"`

	// States lists the terminal states to delete. Empty means
	// completed, failed and cancelled.
	States []string `yaml:"states"`

	// OlderThanDays keeps jobs that ended within the window. Zero
	// deletes matching jobs regardless of age.
	OlderThanDays int `yaml:"older_than_days"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		MaxWorkers:          runtime.NumCPU(),
		PollIntervalSeconds: 1,
		DrainTimeoutSeconds: 30,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// LoadConfig reads the YAML file at path; an empty path means the default
// location. A missing file at the default location yields DefaultConfig,
// a missing explicit file is an error. .env files load first so ${VAR}
// references inside the YAML can see them.
func LoadConfig(path string) (*Config, error) {
	loadEnvFiles()

	explicit := path != ""
	if path == "" {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	cfg := DefaultConfig()
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	return cfg, nil
}

// DefaultConfigPath is $HOME/.schedarray/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(schedarrayDir(), "config.yaml")
}

// DefaultDBPath is $HOME/.schedarray/schedarray.db.
func DefaultDBPath() string {
	return filepath.Join(schedarrayDir(), "schedarray.db")
}

// ResolveDBPath picks the database file: the --db-path flag wins, then
// the SCHEDARRAY_DB environment variable, then the config file, then the
// default under $HOME/.schedarray.
func ResolveDBPath(flagValue string, cfg *Config) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvDBPath); env != "" {
		return env
	}
	if cfg != nil && cfg.DBPath != "" {
		return cfg.DBPath
	}
	return DefaultDBPath()
}

// ResolveLogsDir picks the per-job log directory: the config value wins,
// otherwise a logs directory beside the database file.
func ResolveLogsDir(cfg *Config, dbPath string) string {
	if cfg != nil && cfg.LogsDir != "" {
		return cfg.LogsDir
	}
	return filepath.Join(filepath.Dir(dbPath), "logs")
}

// PollInterval returns the poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return time.Second
	}
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

// DrainTimeout returns the drain timeout as a duration.
func (c *Config) DrainTimeout() time.Duration {
	if c.DrainTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// ---------- Internal ----------

func schedarrayDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".schedarray"
	}
	return filepath.Join(home, ".schedarray")
}

// loadEnvFiles loads .env files from the working directory. Existing
// process environment variables are never overwritten.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR} references with their environment values.
// Unset variables keep the literal reference so placeholders survive a
// round trip.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}
