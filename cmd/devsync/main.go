package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/devsync/internal/bus"
	"github.com/basket/devsync/internal/client"
	"github.com/basket/devsync/internal/config"
	otelPkg "github.com/basket/devsync/internal/otel"
	"github.com/basket/devsync/internal/persistence"
	"github.com/basket/devsync/internal/schema"
	"github.com/basket/devsync/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "devsync",
	Short: "devsync - task and state sync client for device-control backends",
	Long: `devsync assigns actions on a device-control backend, follows their
progress over the backend's WebSocket stream and mirrors named server states.`,
	SilenceUsage: true,
}

var (
	configPath      string
	definitionsPath string
	logLevel        string
	jsonLogs        bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $DEVSYNC_HOME/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&definitionsPath, "definitions", "", "definitions file, overrides definitions_path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides log_level")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "force JSON logs even on a terminal")

	rootCmd.AddCommand(watchCmd, assignCmd, callCmd, stateCmd, taskCmd,
		cancelCmd, pauseCmd, resumeCmd, stepCmd, historyCmd, definitionsCmd, doctorCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = config.ConfigPath(config.HomeDir())
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if definitionsPath != "" {
		cfg.DefinitionsPath = definitionsPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	useJSON := jsonLogs || !isatty.IsTerminal(os.Stderr.Fd())
	return telemetry.NewLogger(os.Stderr, telemetry.Options{Level: level, JSON: useJSON, Component: "devsync"})
}

func loadRegistry(path string) (*schema.Registry, error) {
	if path == "" {
		return schema.NewRegistry(nil, nil, nil)
	}
	return schema.LoadRegistry(path)
}

// session is everything a command needs, torn down by close.
type session struct {
	cfg      config.Config
	logger   *slog.Logger
	runtime  *client.Runtime
	journal  *persistence.Store
	provider *otelPkg.Provider
}

type sessionOptions struct {
	// connect opens the WebSocket; HTTP-only commands leave it off.
	connect bool
}

func openSession(ctx context.Context, opts sessionOptions) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	if cfg.GeneratedInstanceID {
		logger.Info("no instance_id configured, using a generated one", "instance_id", cfg.InstanceID)
	}

	reg, err := loadRegistry(cfg.DefinitionsPath)
	if err != nil {
		return nil, err
	}

	provider, err := otelPkg.Init(ctx, cfg.Telemetry, cfg.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("metrics: %w", err)
	}

	eventBus := bus.New()
	journal, err := persistence.Open(cfg.JournalPath, eventBus)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("journal: %w", err)
	}

	rt, err := client.New(client.Options{
		Config:   cfg,
		Registry: reg,
		Logger:   logger,
		Bus:      eventBus,
		Metrics:  metrics,
		Tracer:   provider.Tracer,
		Journal:  journal,
	})
	if err != nil {
		_ = journal.Close()
		_ = provider.Shutdown(ctx)
		return nil, err
	}

	s := &session{cfg: cfg, logger: logger, runtime: rt, journal: journal, provider: provider}
	if opts.connect {
		if err := rt.Start(ctx); err != nil {
			logger.Warn("websocket not connected yet, retrying in background", "error", err)
		}
	}
	return s, nil
}

func (s *session) close() {
	_ = s.runtime.Close()
	_ = s.journal.Close()
	_ = s.provider.Shutdown(context.Background())
}
