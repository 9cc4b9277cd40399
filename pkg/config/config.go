// Package config loads and validates taskgridd configuration from YAML
// files and TASKGRID_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/taskgrid/taskgrid/pkg/history"
	"github.com/taskgrid/taskgrid/pkg/monitoring"
)

// Config is the root daemon configuration.
type Config struct {
	Scheduler  SchedulerConfig          `yaml:"scheduler" mapstructure:"scheduler"`
	Parallel   ParallelConfig           `yaml:"parallel" mapstructure:"parallel"`
	Logging    LoggingConfig            `yaml:"logging" mapstructure:"logging"`
	Monitoring MonitoringConfig         `yaml:"monitoring" mapstructure:"monitoring"`
	Tracing    monitoring.TracingConfig `yaml:"tracing" mapstructure:"tracing"`
	History    HistoryConfig            `yaml:"history" mapstructure:"history"`
}

// SchedulerConfig configures the task scheduler.
type SchedulerConfig struct {
	Workers       int           `yaml:"workers" mapstructure:"workers"`
	IdleSleep     time.Duration `yaml:"idle_sleep" mapstructure:"idle_sleep"`
	Retention     time.Duration `yaml:"retention" mapstructure:"retention"`
	SweepSchedule string        `yaml:"sweep_schedule" mapstructure:"sweep_schedule"`
	PinWorkers    bool          `yaml:"pin_workers" mapstructure:"pin_workers"`
}

// ParallelConfig configures the parallel executor.
type ParallelConfig struct {
	Threads       int `yaml:"threads" mapstructure:"threads"`
	ItemSize      int `yaml:"item_size" mapstructure:"item_size"`
	StealAttempts int `yaml:"steal_attempts" mapstructure:"steal_attempts"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	OutputFile string `yaml:"output_file" mapstructure:"output_file"`
}

// MonitoringConfig configures the debug HTTP server.
type MonitoringConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	Address      string        `yaml:"address" mapstructure:"address"`
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// HistoryConfig configures the SQLite task history store.
type HistoryConfig struct {
	Enabled      bool   `yaml:"enabled" mapstructure:"enabled"`
	DatabasePath string `yaml:"database_path" mapstructure:"database_path"`
	BufferSize   int    `yaml:"buffer_size" mapstructure:"buffer_size"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	serverDefaults := monitoring.DefaultServerConfig()
	historyDefaults := history.DefaultConfig()
	return &Config{
		Scheduler: SchedulerConfig{
			Workers:       0, // heuristic worker count
			IdleSleep:     2 * time.Millisecond,
			Retention:     300 * time.Second,
			SweepSchedule: "@every 30s",
		},
		Parallel: ParallelConfig{
			Threads:  0, // NumCPU
			ItemSize: 64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Monitoring: MonitoringConfig{
			Enabled:      true,
			Address:      serverDefaults.Address,
			Port:         serverDefaults.Port,
			ReadTimeout:  serverDefaults.ReadTimeout,
			WriteTimeout: serverDefaults.WriteTimeout,
		},
		Tracing: monitoring.DefaultTracingConfig(),
		History: HistoryConfig{
			Enabled:      false,
			DatabasePath: historyDefaults.DatabasePath,
			BufferSize:   historyDefaults.BufferSize,
		},
	}
}

// LoadConfig reads configuration from configPath (or the default search
// paths when empty), layered over defaults, with TASKGRID_ environment
// overrides. A missing config file is not an error.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("taskgridd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/taskgrid")
		v.AddConfigPath("/etc/taskgrid")
	}

	v.SetEnvPrefix("TASKGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SaveConfig writes the configuration as YAML.
func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks field ranges and enumerations.
func (c *Config) Validate() error {
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.Retention < 0 {
		return fmt.Errorf("scheduler.retention must be >= 0, got %s", c.Scheduler.Retention)
	}
	if c.Parallel.Threads < 0 {
		return fmt.Errorf("parallel.threads must be >= 0, got %d", c.Parallel.Threads)
	}
	if c.Parallel.ItemSize < 0 {
		return fmt.Errorf("parallel.item_size must be >= 0, got %d", c.Parallel.ItemSize)
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of trace/debug/info/warn/error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	if c.Monitoring.Enabled {
		if c.Monitoring.Port <= 0 || c.Monitoring.Port > 65535 {
			return fmt.Errorf("monitoring.port must be in (0, 65535], got %d", c.Monitoring.Port)
		}
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case monitoring.TracingExporterStdout, monitoring.TracingExporterOTLP:
		default:
			return fmt.Errorf("tracing.exporter must be stdout or otlp, got %q", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
			return fmt.Errorf("tracing.sampling_ratio must be in [0, 1], got %g", c.Tracing.SamplingRatio)
		}
	}

	if c.History.Enabled && c.History.DatabasePath == "" {
		return fmt.Errorf("history.database_path is required when history is enabled")
	}

	return nil
}
