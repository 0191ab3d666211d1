// Package config loads and validates the daemon configuration. The config is
// read once at startup and treated as immutable for the daemon's lifetime;
// validation failures are fatal so the daemon never starts half-configured.
package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/communityview/cvmgr/internal/logger"
)

// Config is the top-level TOML structure.
type Config struct {
	LogLevel string            `mapstructure:"log_level"`
	DataDir  string            `mapstructure:"data_dir"`
	Log      logger.FileConfig `mapstructure:"log"`

	Services []ServiceConfig `mapstructure:"services"`
	Counties []string        `mapstructure:"counties"`

	Schedule ScheduleConfig `mapstructure:"schedule"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	RunLog   RunLogConfig   `mapstructure:"runlog"`
	Server   ServerConfig   `mapstructure:"server"`
}

// ServiceConfig describes one supervised backend service.
type ServiceConfig struct {
	Name          string            `mapstructure:"name"`
	Command       string            `mapstructure:"command"`
	WorkDir       string            `mapstructure:"workdir"`
	HealthURL     string            `mapstructure:"health_url"`
	ReloadURL     string            `mapstructure:"reload_url"`
	StopGrace     time.Duration     `mapstructure:"stop_grace"`
	StartRetries  int               `mapstructure:"start_retries"`
	StartInterval time.Duration     `mapstructure:"start_interval"`
	Required      *bool             `mapstructure:"required"`
	Log           logger.FileConfig `mapstructure:"log"`
}

// IsRequired reports whether the service participates in aggregate health.
// Defaults to true; optional services (e.g. a manually started tile server)
// set required = false.
func (s ServiceConfig) IsRequired() bool {
	return s.Required == nil || *s.Required
}

type ScheduleConfig struct {
	DailyAt        string        `mapstructure:"daily_at"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// CronSpec converts the HH:MM daily time into a standard cron expression.
func (s ScheduleConfig) CronSpec() (string, error) {
	hh, mm, err := parseClock(s.DailyAt)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", mm, hh), nil
}

type PipelineConfig struct {
	WorkDir         string        `mapstructure:"workdir"`
	ArtifactDir     string        `mapstructure:"artifact_dir"`
	DownloadCommand string        `mapstructure:"download_command"`
	ProcessCommand  string        `mapstructure:"process_command"`
	MigrateCommand  string        `mapstructure:"migrate_command"`
	IndexCommand    string        `mapstructure:"index_command"`
	StageTimeout    time.Duration `mapstructure:"stage_timeout"`
}

type StorageConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type NotifyConfig struct {
	Email        string `mapstructure:"email"`
	From         string `mapstructure:"from"`
	SMTPHost     string `mapstructure:"smtp_host"`
	SMTPPort     int    `mapstructure:"smtp_port"`
	SMTPUser     string `mapstructure:"smtp_user"`
	SMTPPassword string `mapstructure:"smtp_password"`
}

type RunLogConfig struct {
	DSN string `mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// Load reads the TOML config at path and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Schedule.HealthInterval <= 0 {
		c.Schedule.HealthInterval = 15 * time.Minute
	}
	if c.Schedule.DailyAt == "" {
		c.Schedule.DailyAt = "02:00"
	}
	if c.Pipeline.StageTimeout <= 0 {
		c.Pipeline.StageTimeout = 10 * time.Minute
	}
	if c.RunLog.DSN == "" && c.DataDir != "" {
		c.RunLog.DSN = "sqlite://" + filepath.Join(c.DataDir, "runs.db")
	}
	for i := range c.Services {
		s := &c.Services[i]
		if s.StopGrace <= 0 {
			s.StopGrace = 2 * time.Second
		}
		if s.StartRetries <= 0 {
			s.StartRetries = 30
		}
		if s.StartInterval <= 0 {
			s.StartInterval = time.Second
		}
		if s.Log.Dir == "" && s.Log.Path == "" {
			s.Log.Dir = c.Log.Dir
		}
	}
}

// Validate checks required fields; any error here must abort startup.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if len(c.Services) == 0 {
		return fmt.Errorf("at least one service must be configured")
	}
	seen := make(map[string]bool, len(c.Services))
	for _, s := range c.Services {
		if s.Name == "" {
			return fmt.Errorf("service requires a name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate service name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Command == "" {
			return fmt.Errorf("service %s requires a command", s.Name)
		}
		if s.HealthURL == "" {
			return fmt.Errorf("service %s requires a health_url", s.Name)
		}
	}
	if len(c.Counties) == 0 {
		return fmt.Errorf("at least one county must be configured")
	}
	if _, _, err := parseClock(c.Schedule.DailyAt); err != nil {
		return fmt.Errorf("schedule.daily_at: %w", err)
	}
	if c.Pipeline.DownloadCommand == "" || c.Pipeline.ProcessCommand == "" ||
		c.Pipeline.MigrateCommand == "" || c.Pipeline.IndexCommand == "" {
		return fmt.Errorf("pipeline requires download_command, process_command, migrate_command and index_command")
	}
	if c.Pipeline.ArtifactDir == "" {
		return fmt.Errorf("pipeline.artifact_dir is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Notify.Email != "" && c.Notify.SMTPHost == "" {
		return fmt.Errorf("notify.smtp_host is required when notify.email is set")
	}
	return nil
}

// MarkerPath returns where the process marker for a service is persisted.
func (c *Config) MarkerPath(service string) string {
	return filepath.Join(c.DataDir, service+".marker")
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "cvmgr.lock")
}

// parseClock parses "HH:MM" into hour and minute.
func parseClock(s string) (int, int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
