package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/taskgrid/taskgrid/pkg/config"
	"github.com/taskgrid/taskgrid/pkg/history"
	"github.com/taskgrid/taskgrid/pkg/monitoring"
	"github.com/taskgrid/taskgrid/pkg/parallel"
	"github.com/taskgrid/taskgrid/pkg/scheduler"
	"github.com/taskgrid/taskgrid/pkg/workload"
)

var (
	// Global flags
	configFile string
	logLevel   string
	logFormat  string
	workers    int
	httpPort   int

	// Build info (set by build system)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "taskgridd",
		Short: "TaskGrid scheduling daemon",
		Long: `TaskGrid runs a cooperative task scheduler with priority queues,
dependency gating and a capability-aware worker pool, plus a chunked
parallel-for executor with work stealing. The daemon exposes stats,
metrics and a live event stream over HTTP.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:    runDaemon,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", "", "log format (json, console)")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", 0, "scheduler worker count")
	rootCmd.PersistentFlags().IntVarP(&httpPort, "port", "p", 0, "debug HTTP server port")

	rootCmd.AddCommand(newBenchCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Command line flags win over file and environment.
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if workers > 0 {
		cfg.Scheduler.Workers = workers
	}
	if httpPort > 0 {
		cfg.Monitoring.Port = httpPort
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := setupLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Int("workers", cfg.Scheduler.Workers).
		Bool("monitoring_enabled", cfg.Monitoring.Enabled).
		Bool("history_enabled", cfg.History.Enabled).
		Msg("Starting TaskGrid daemon")

	sched := scheduler.New(scheduler.Config{
		Workers:       cfg.Scheduler.Workers,
		IdleSleep:     cfg.Scheduler.IdleSleep,
		Retention:     cfg.Scheduler.Retention,
		SweepSchedule: cfg.Scheduler.SweepSchedule,
		PinWorkers:    cfg.Scheduler.PinWorkers,
	})
	executor := parallel.New(parallel.Config{
		Threads:       cfg.Parallel.Threads,
		ItemSize:      cfg.Parallel.ItemSize,
		StealAttempts: cfg.Parallel.StealAttempts,
	})

	metrics := monitoring.NewMetrics()
	metrics.ObserveScheduler(sched)
	metrics.ObserveExecutor(executor)
	sched.AddObserver(metrics)

	bus := monitoring.NewEventBus()
	defer bus.Close()
	sched.AddObserver(bus)

	if cfg.History.Enabled {
		store, err := history.Open(history.Config{
			DatabasePath: cfg.History.DatabasePath,
			BufferSize:   cfg.History.BufferSize,
		}, bus)
		if err != nil {
			return fmt.Errorf("failed to open history store: %w", err)
		}
		defer store.Close()
	}

	if cfg.Tracing.Enabled {
		tm, err := monitoring.NewTracingManager(cfg.Tracing)
		if err != nil {
			return fmt.Errorf("failed to setup tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tm.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("Tracer shutdown failed")
			}
		}()
		sched.AddObserver(monitoring.NewSpanObserver(tm))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	var server *monitoring.Server
	if cfg.Monitoring.Enabled {
		server = monitoring.NewServer(monitoring.ServerConfig{
			Address:      cfg.Monitoring.Address,
			Port:         cfg.Monitoring.Port,
			ReadTimeout:  cfg.Monitoring.ReadTimeout,
			WriteTimeout: cfg.Monitoring.WriteTimeout,
		}, sched, executor, metrics, bus)
		go func() {
			errCh <- server.Start()
		}()
	}

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("Debug server error")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Debug server shutdown failed")
		}
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Scheduler drain timed out")
		return err
	}

	logger.Info().Msg("Daemon shutdown complete")
	return nil
}

func setupLogging(cfg config.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	var output *os.File
	if cfg.OutputFile != "" {
		logDir := filepath.Dir(cfg.OutputFile)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
	} else {
		output = os.Stderr
	}

	var logger zerolog.Logger
	switch cfg.Format {
	case "console":
		logger = log.Output(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339})
	default:
		logger = zerolog.New(output).With().Timestamp().Logger()
	}
	log.Logger = logger

	return logger, nil
}

func newBenchCmd() *cobra.Command {
	var (
		seed    int64
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "bench <workload.json>",
		Short: "Run a workload file and print a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := setupLogging(cfg.Logging); err != nil {
				return fmt.Errorf("failed to setup logging: %w", err)
			}

			w, err := workload.Load(args[0])
			if err != nil {
				return err
			}

			sched := scheduler.New(scheduler.Config{
				Workers:    cfg.Scheduler.Workers,
				IdleSleep:  cfg.Scheduler.IdleSleep,
				PinWorkers: cfg.Scheduler.PinWorkers,
			})
			executor := parallel.New(parallel.Config{
				Threads:       cfg.Parallel.Threads,
				ItemSize:      cfg.Parallel.ItemSize,
				StealAttempts: cfg.Parallel.StealAttempts,
			})

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			summary, err := workload.Run(ctx, w, sched, executor, seed)

			drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer drainCancel()
			if shutdownErr := sched.Shutdown(drainCtx); shutdownErr != nil && err == nil {
				err = shutdownErr
			}
			if err != nil {
				return err
			}

			out, jsonErr := json.MarshalIndent(summary, "", "  ")
			if jsonErr != nil {
				return jsonErr
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().Int64Var(&seed, "seed", 1, "seed for injected task failures")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall workload deadline")

	return cmd
}

func newConfigCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()

			if outputPath == "" {
				outputPath = "taskgridd.yaml"
			}

			if err := cfg.SaveConfig(outputPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Printf("Generated default configuration: %s\n", outputPath)
			return nil
		},
	}
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			fmt.Printf("Configuration is valid\n")
			fmt.Printf("Workers: %d\n", cfg.Scheduler.Workers)
			fmt.Printf("Parallel threads: %d\n", cfg.Parallel.Threads)
			fmt.Printf("Monitoring: %s:%d (enabled: %t)\n", cfg.Monitoring.Address, cfg.Monitoring.Port, cfg.Monitoring.Enabled)
			fmt.Printf("History: %s (enabled: %t)\n", cfg.History.DatabasePath, cfg.History.Enabled)

			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(validateCmd)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("TaskGrid scheduling daemon\n")
			fmt.Printf("Version: %s\n", version)
			fmt.Printf("Commit: %s\n", commit)
			fmt.Printf("Built: %s\n", date)
		},
	}
}
