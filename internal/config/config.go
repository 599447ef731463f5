package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/aqasim81/schema-migration-runner/internal/backfill"
	"github.com/aqasim81/schema-migration-runner/internal/coordinator"
	"github.com/aqasim81/schema-migration-runner/internal/ledger"
)

// Default values for configuration fields.
const (
	DefaultMigrationsDir    = "./migrations"
	DefaultLockTimeout      = 5 * time.Second
	DefaultStatementTimeout = 30 * time.Second
	DefaultTargetPGVersion  = 14
	DefaultFormat           = "text"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

// ErrInvalidConfig indicates a configuration value is out of range.
var ErrInvalidConfig = errors.New("invalid configuration")

// LockRetries configures the lock-retry loop used for lock_retries blocks
// and NOT VALID constraint additions.
type LockRetries struct {
	Attempts       int
	LockTimeout    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Backfill holds the window defaults for backfill operations that leave
// them unset.
type Backfill struct {
	BatchSize int
	Pause     time.Duration
}

// Config holds the application configuration loaded from file, environment, and flags.
type Config struct {
	DatabaseURL   string
	MigrationsDir string
	LedgerTable   string
	// Schemas lists the logical schemas this database serves. Empty serves all.
	Schemas          []string
	LockTimeout      time.Duration
	StatementTimeout time.Duration
	LockRetries      LockRetries
	Backfill         Backfill
	TargetPGVersion  int
	// DisabledRules lists analyzer rule IDs the safety gate ignores.
	DisabledRules    []string
	Format           string
	LogLevel         string
	LogFormat        string
}

// yamlConfig is the raw YAML file representation with string durations.
type yamlConfig struct {
	DatabaseURL      string   `yaml:"database_url"`
	MigrationsDir    string   `yaml:"migrations_dir"`
	LedgerTable      string   `yaml:"ledger_table"`
	Schemas          []string `yaml:"schemas"`
	LockTimeout      string   `yaml:"lock_timeout"`
	StatementTimeout string   `yaml:"statement_timeout"`
	LockRetries      struct {
		Attempts       int    `yaml:"attempts"`
		LockTimeout    string `yaml:"lock_timeout"`
		InitialBackoff string `yaml:"initial_backoff"`
		MaxBackoff     string `yaml:"max_backoff"`
	} `yaml:"lock_retries"`
	Backfill struct {
		BatchSize int    `yaml:"batch_size"`
		Pause     string `yaml:"pause"`
	} `yaml:"backfill"`
	TargetPGVersion int      `yaml:"target_pg_version"`
	DisabledRules   []string `yaml:"disabled_rules"`
	Format          string   `yaml:"format"`
	LogLevel        string   `yaml:"log_level"`
	LogFormat       string   `yaml:"log_format"`
}

// New returns a Config populated with default values.
func New() *Config {
	retries := coordinator.DefaultConfig()

	return &Config{
		MigrationsDir:    DefaultMigrationsDir,
		LedgerTable:      ledger.DefaultTable,
		LockTimeout:      DefaultLockTimeout,
		StatementTimeout: DefaultStatementTimeout,
		LockRetries: LockRetries{
			Attempts:       retries.Attempts,
			LockTimeout:    retries.LockTimeout,
			InitialBackoff: retries.InitialBackoff,
			MaxBackoff:     retries.MaxBackoff,
		},
		Backfill: Backfill{
			BatchSize: backfill.DefaultBatchSize,
			Pause:     backfill.DefaultPause,
		},
		TargetPGVersion: DefaultTargetPGVersion,
		Format:          DefaultFormat,
		LogLevel:        DefaultLogLevel,
		LogFormat:       DefaultLogFormat,
	}
}

// Load reads a YAML configuration file and returns a Config.
// If allowMissing is true and the file does not exist, defaults are returned.
func Load(path string, allowMissing bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return New(), nil
		}

		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return fromYAML(&raw)
}

// fromYAML converts the raw YAML representation to a Config with defaults applied.
func fromYAML(raw *yamlConfig) (*Config, error) {
	cfg := New()

	setString(&cfg.DatabaseURL, raw.DatabaseURL)
	setString(&cfg.MigrationsDir, raw.MigrationsDir)
	setString(&cfg.LedgerTable, raw.LedgerTable)
	setString(&cfg.Format, raw.Format)
	setString(&cfg.LogLevel, raw.LogLevel)
	setString(&cfg.LogFormat, raw.LogFormat)

	if len(raw.Schemas) > 0 {
		cfg.Schemas = raw.Schemas
	}

	if len(raw.DisabledRules) > 0 {
		cfg.DisabledRules = raw.DisabledRules
	}

	if raw.TargetPGVersion != 0 {
		cfg.TargetPGVersion = raw.TargetPGVersion
	}

	if raw.LockRetries.Attempts != 0 {
		cfg.LockRetries.Attempts = raw.LockRetries.Attempts
	}

	if raw.Backfill.BatchSize != 0 {
		cfg.Backfill.BatchSize = raw.Backfill.BatchSize
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"lock_timeout", raw.LockTimeout, &cfg.LockTimeout},
		{"statement_timeout", raw.StatementTimeout, &cfg.StatementTimeout},
		{"lock_retries.lock_timeout", raw.LockRetries.LockTimeout, &cfg.LockRetries.LockTimeout},
		{"lock_retries.initial_backoff", raw.LockRetries.InitialBackoff, &cfg.LockRetries.InitialBackoff},
		{"lock_retries.max_backoff", raw.LockRetries.MaxBackoff, &cfg.LockRetries.MaxBackoff},
		{"backfill.pause", raw.Backfill.Pause, &cfg.Backfill.Pause},
	}

	for _, d := range durations {
		if err := setDuration(d.dst, d.key, d.raw); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// MergeEnv overrides config fields from MIGRATE_* environment variables.
func MergeEnv(cfg *Config) error {
	setString(&cfg.DatabaseURL, os.Getenv("MIGRATE_DATABASE_URL"))
	setString(&cfg.MigrationsDir, os.Getenv("MIGRATE_MIGRATIONS_DIR"))
	setString(&cfg.LedgerTable, os.Getenv("MIGRATE_LEDGER_TABLE"))
	setString(&cfg.Format, os.Getenv("MIGRATE_FORMAT"))
	setString(&cfg.LogLevel, os.Getenv("MIGRATE_LOG_LEVEL"))
	setString(&cfg.LogFormat, os.Getenv("MIGRATE_LOG_FORMAT"))

	if v := os.Getenv("MIGRATE_SCHEMAS"); v != "" {
		cfg.Schemas = SplitList(v)
	}

	if v := os.Getenv("MIGRATE_DISABLED_RULES"); v != "" {
		cfg.DisabledRules = SplitList(v)
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"MIGRATE_LOCK_TIMEOUT", &cfg.LockTimeout},
		{"MIGRATE_STATEMENT_TIMEOUT", &cfg.StatementTimeout},
		{"MIGRATE_LOCK_RETRIES_LOCK_TIMEOUT", &cfg.LockRetries.LockTimeout},
		{"MIGRATE_LOCK_RETRIES_INITIAL_BACKOFF", &cfg.LockRetries.InitialBackoff},
		{"MIGRATE_LOCK_RETRIES_MAX_BACKOFF", &cfg.LockRetries.MaxBackoff},
		{"MIGRATE_BACKFILL_PAUSE", &cfg.Backfill.Pause},
	}

	for _, d := range durations {
		if err := setDuration(d.dst, d.env, os.Getenv(d.env)); err != nil {
			return err
		}
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"MIGRATE_LOCK_RETRIES_ATTEMPTS", &cfg.LockRetries.Attempts},
		{"MIGRATE_BACKFILL_BATCH_SIZE", &cfg.Backfill.BatchSize},
		{"MIGRATE_TARGET_PG_VERSION", &cfg.TargetPGVersion},
	}

	for _, i := range ints {
		v := os.Getenv(i.env)
		if v == "" {
			continue
		}

		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", i.env, v, err)
		}

		*i.dst = n
	}

	return nil
}

// Validate checks that every value is usable.
func (c *Config) Validate() error {
	switch {
	case c.Format != "text" && c.Format != "json":
		return fmt.Errorf("%w: format must be text or json, got %q", ErrInvalidConfig, c.Format)
	case c.LogFormat != "text" && c.LogFormat != "json":
		return fmt.Errorf("%w: log_format must be text or json, got %q", ErrInvalidConfig, c.LogFormat)
	case c.LedgerTable == "":
		return fmt.Errorf("%w: ledger_table is empty", ErrInvalidConfig)
	case c.LockRetries.Attempts < 1:
		return fmt.Errorf("%w: lock_retries.attempts must be at least 1", ErrInvalidConfig)
	case c.Backfill.BatchSize < 1:
		return fmt.Errorf("%w: backfill.batch_size must be at least 1", ErrInvalidConfig)
	case c.LockTimeout < 0, c.StatementTimeout < 0, c.Backfill.Pause < 0:
		return fmt.Errorf("%w: timeouts cannot be negative", ErrInvalidConfig)
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %w", ErrInvalidConfig, err)
	}

	return nil
}

// Coordinator returns the lock-retry settings in the coordinator's form.
func (c *Config) Coordinator() coordinator.Config {
	return coordinator.Config{
		Attempts:       c.LockRetries.Attempts,
		LockTimeout:    c.LockRetries.LockTimeout,
		InitialBackoff: c.LockRetries.InitialBackoff,
		MaxBackoff:     c.LockRetries.MaxBackoff,
	}
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string

	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key, v string) error {
	if v == "" {
		return nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", key, v, err)
	}

	*dst = d

	return nil
}
