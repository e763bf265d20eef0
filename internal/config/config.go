// Package config loads opsync configuration.
//
// Sources, lowest precedence first: built-in defaults, the config file
// (opsync.yaml or opsync.toml in the working directory or
// $HOME/.config/opsync, or an explicit path), OPSYNC_* environment variables
// (OPSYNC_SYNC_BATCH_SIZE for sync.batch_size) and command-line flags bound
// by the CLI.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/fieldops/opsync/internal/docstore"
	"github.com/fieldops/opsync/internal/fold"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "OPSYNC"

// Primary store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Config is the effective configuration.
type Config struct {
	Primary    PrimaryConfig    `mapstructure:"primary" yaml:"primary" toml:"primary"`
	Relational RelationalConfig `mapstructure:"relational" yaml:"relational" toml:"relational"`
	Sync       SyncConfig       `mapstructure:"sync" yaml:"sync" toml:"sync"`
	Lock       LockConfig       `mapstructure:"lock" yaml:"lock" toml:"lock"`
	Schedule   ScheduleConfig   `mapstructure:"schedule" yaml:"schedule" toml:"schedule"`
	Ingest     IngestConfig     `mapstructure:"ingest" yaml:"ingest" toml:"ingest"`
	Log        LogConfig        `mapstructure:"log" yaml:"log" toml:"log"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard" yaml:"dashboard" toml:"dashboard"`
	Families   []fold.Family    `mapstructure:"families" yaml:"families" toml:"families"`
}

type PrimaryConfig struct {
	// Driver is sqlite or mongo
	Driver string `mapstructure:"driver" yaml:"driver" toml:"driver"`

	// Path is the embedded store file (sqlite)
	Path string `mapstructure:"path" yaml:"path" toml:"path"`

	// URI and Database select the MongoDB deployment (mongo)
	URI      string `mapstructure:"uri" yaml:"uri" toml:"uri"`
	Database string `mapstructure:"database" yaml:"database" toml:"database"`
}

type RelationalConfig struct {
	// DSN is a file path, file: URI or libsql:// URL
	DSN string `mapstructure:"dsn" yaml:"dsn" toml:"dsn"`
}

type SyncConfig struct {
	BatchSize   int           `mapstructure:"batch_size" yaml:"batch_size" toml:"batch_size"`
	MaxBatches  int           `mapstructure:"max_batches" yaml:"max_batches" toml:"max_batches"`
	StepTimeout time.Duration `mapstructure:"step_timeout" yaml:"step_timeout" toml:"step_timeout"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency" toml:"concurrency"`

	// TimeZone is the business zone for exported dates
	TimeZone string `mapstructure:"time_zone" yaml:"time_zone" toml:"time_zone"`
}

type LockConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after" toml:"stale_after"`
}

type ScheduleConfig struct {
	Cron     []string `mapstructure:"cron" yaml:"cron" toml:"cron"`
	TimeZone string   `mapstructure:"time_zone" yaml:"time_zone" toml:"time_zone"`
}

type IngestConfig struct {
	// Dir is watched for staging feeds by the daemon (disabled when empty)
	Dir        string        `mapstructure:"dir" yaml:"dir" toml:"dir"`
	Debounce   time.Duration `mapstructure:"debounce" yaml:"debounce" toml:"debounce"`
	IDField    string        `mapstructure:"id_field" yaml:"id_field" toml:"id_field"`
	TimeFields []string      `mapstructure:"time_fields" yaml:"time_fields" toml:"time_fields"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" toml:"level"`
	Format     string `mapstructure:"format" yaml:"format" toml:"format"`
	File       string `mapstructure:"file" yaml:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" toml:"max_backups"`
}

type DashboardConfig struct {
	// Port of the status feed; 0 disables it
	Port int `mapstructure:"port" yaml:"port" toml:"port"`
}

// New returns a viper instance carrying the defaults and environment
// binding. The CLI binds its flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("primary.driver", DriverSQLite)
	v.SetDefault("primary.path", "opsync-primary.db")
	v.SetDefault("primary.database", "opsync")
	v.SetDefault("relational.dsn", "opsync-reporting.db")
	v.SetDefault("sync.batch_size", 499)
	v.SetDefault("sync.max_batches", 100)
	v.SetDefault("sync.step_timeout", 5*time.Minute)
	v.SetDefault("sync.concurrency", 8)
	v.SetDefault("sync.time_zone", "America/Edmonton")
	v.SetDefault("lock.stale_after", time.Hour)
	v.SetDefault("schedule.cron", []string{"0 7-18/3 * * 1-5"})
	v.SetDefault("schedule.time_zone", "America/Edmonton")
	v.SetDefault("ingest.debounce", 2*time.Second)
	v.SetDefault("ingest.id_field", "_id")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("dashboard.port", 0)
}

// Load reads the config file (path, or the first opsync.{yaml,toml} found
// when path is empty) into v and decodes the result. A missing default
// config file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("opsync")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "opsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if len(cfg.Families) == 0 {
		cfg.Families = fold.DefaultFamilies()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Primary.Driver {
	case DriverSQLite:
		if c.Primary.Path == "" {
			return fmt.Errorf("primary.path is required for the sqlite driver")
		}
	case DriverMongo:
		if c.Primary.URI == "" || c.Primary.Database == "" {
			return fmt.Errorf("primary.uri and primary.database are required for the mongo driver")
		}
	default:
		return fmt.Errorf("primary.driver must be %s or %s (got %q)", DriverSQLite, DriverMongo, c.Primary.Driver)
	}
	if c.Relational.DSN == "" {
		return fmt.Errorf("relational.dsn is required")
	}
	if c.Sync.BatchSize <= 0 || c.Sync.BatchSize > docstore.MaxBatchOps {
		return fmt.Errorf("sync.batch_size must be 1..%d (got %d)", docstore.MaxBatchOps, c.Sync.BatchSize)
	}
	if c.Sync.MaxBatches <= 0 {
		return fmt.Errorf("sync.max_batches must be positive (got %d)", c.Sync.MaxBatches)
	}
	if c.Sync.StepTimeout <= 0 {
		return fmt.Errorf("sync.step_timeout must be positive (got %v)", c.Sync.StepTimeout)
	}
	if c.Lock.StaleAfter <= 0 {
		return fmt.Errorf("lock.stale_after must be positive (got %v)", c.Lock.StaleAfter)
	}
	if _, err := time.LoadLocation(c.Sync.TimeZone); err != nil {
		return fmt.Errorf("sync.time_zone: %w", err)
	}
	if _, err := time.LoadLocation(c.Schedule.TimeZone); err != nil {
		return fmt.Errorf("schedule.time_zone: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json (got %q)", c.Log.Format)
	}
	return fold.ValidateFamilies(c.Families)
}

// Location returns the business time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Sync.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ScheduleLocation returns the zone schedules are evaluated in.
func (c *Config) ScheduleLocation() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Encode writes the configuration as yaml or toml.
func (c *Config) Encode(w io.Writer, format string) error {
	switch format {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case "toml":
		if err := toml.NewEncoder(w).Encode(c); err != nil {
			return fmt.Errorf("failed to encode toml: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (want yaml or toml)", format)
	}
}
