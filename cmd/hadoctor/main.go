// hadoctor is a Home Assistant add-on that diagnoses automations with
// an LLM: batch health checks, conflict detection, durable insights,
// and natural language automation generation.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	hadoctor serve       Start the API server and scheduler
//	hadoctor run         Run one batch diagnosis and print the report
//	hadoctor version     Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hadoctor/internal/api"
	"hadoctor/internal/buildinfo"
	"hadoctor/internal/config"
	"hadoctor/internal/diagnose"
	"hadoctor/internal/docstore"
	"hadoctor/internal/generate"
	"hadoctor/internal/homeassistant"
	"hadoctor/internal/insights"
	"hadoctor/internal/llm"
	"hadoctor/internal/mqtt"
	"hadoctor/internal/reports"
	"hadoctor/internal/repository"
	"hadoctor/internal/schedule"
)

// main constructs the OS-level environment and delegates to [run] so
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string

	// Parsed by hand to keep package-level flag state out of tests.
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	switch command {
	case "", "serve":
		return runServe(ctx, stdout, configPath)
	case "run":
		return runOnce(ctx, stdout, configPath)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprint(w, `hadoctor - Home Assistant automation doctor

Usage:
  hadoctor [flags] <command>

Commands:
  serve       Start the API server and scheduler (default)
  run         Run one batch diagnosis and print the report
  version     Print version and build information
  help        Show this help

Flags:
  -config <path>   Config file path (default: auto-discover)
`)
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// app holds everything both serve and run need wired.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	ds        *docstore.Store
	ha        *homeassistant.Client
	repo      *repository.Repository
	insights  *insights.Store
	reports   *reports.Store
	runner    *diagnose.Runner
	doctor    *diagnose.Doctor
	generator *generate.Generator
}

func buildApp(stdout io.Writer, configPath string) (*app, error) {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting hadoctor",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	// Reconfigure the logger now that the desired level is known.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Anthropic.Model,
		"ha_url", cfg.HomeAssistant.URL,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	ds, err := docstore.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DatabasePath(), err)
	}
	logger.Info("database opened", "path", cfg.DatabasePath())

	ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)

	llmClient := llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.Model, logger)

	repo := repository.New(cfg.HAConfigDir, ha, logger)
	insightStore := insights.NewStore(ds, logger)
	reportStore := reports.NewStore(ds, logger)

	return &app{
		cfg:       cfg,
		logger:    logger,
		ds:        ds,
		ha:        ha,
		repo:      repo,
		insights:  insightStore,
		reports:   reportStore,
		runner:    diagnose.NewRunner(repo, ha, llmClient, insightStore, reportStore, logger),
		doctor:    diagnose.NewDoctor(repo, ha, llmClient, logger),
		generator: generate.New(ha, llmClient, logger),
	}, nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	a, err := buildApp(stdout, configPath)
	if err != nil {
		return err
	}
	defer a.ds.Close()
	logger := a.logger

	// SIGINT/SIGTERM trigger graceful shutdown.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Startup connectivity check is advisory only; the add-on can come
	// up before Home Assistant does.
	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.ha.Ping(pingCtx); err != nil {
		logger.Warn("Home Assistant not reachable at startup", "error", err)
	} else {
		logger.Info("Home Assistant connected", "url", a.cfg.HomeAssistant.URL)
	}
	pingCancel()

	// --- Scheduler ---
	scheduleStore := schedule.NewStore(a.ds)
	scheduler := schedule.New(logger, scheduleStore, func(ctx context.Context, scheduled bool) error {
		_, err := a.runner.Run(ctx, scheduled)
		if errors.Is(err, diagnose.ErrCancelled) || errors.Is(err, diagnose.ErrAlreadyRunning) {
			logger.Info("scheduled diagnosis skipped", "reason", err)
			return nil
		}
		return err
	})
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Stop()

	// --- MQTT status publisher (optional) ---
	var publisher *mqtt.Publisher
	if a.cfg.MQTT.Enabled() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(a.cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance ID: %w", err)
		}
		publisher = mqtt.New(a.cfg.MQTT, instanceID, &statusAdapter{
			insights: a.insights,
			reports:  a.reports,
			runner:   a.runner,
		}, logger)
		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
	} else {
		logger.Debug("mqtt publisher disabled")
	}

	// --- API server ---
	server := api.NewServer(a.cfg.Listen.Address, a.cfg.Listen.Port, api.Deps{
		Runner:    a.runner,
		Doctor:    a.doctor,
		Generator: a.generator,
		Repo:      a.repo,
		HA:        a.ha,
		Insights:  a.insights,
		Reports:   a.reports,
		Scheduler: scheduler,
	}, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if publisher != nil {
		_ = publisher.Stop(shutdownCtx)
	}
	_ = server.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
	return nil
}

// runOnce executes a single batch diagnosis and prints the report as
// JSON, for cron-style use outside the add-on.
func runOnce(ctx context.Context, stdout io.Writer, configPath string) error {
	a, err := buildApp(stdout, configPath)
	if err != nil {
		return err
	}
	defer a.ds.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	report, err := a.runner.Run(ctx, false)
	if err != nil {
		return fmt.Errorf("batch diagnosis: %w", err)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// statusAdapter bridges the stores and runner to the MQTT publisher's
// StatusSource without coupling the packages.
type statusAdapter struct {
	insights *insights.Store
	reports  *reports.Store
	runner   *diagnose.Runner
}

func (s *statusAdapter) UnresolvedInsights() int {
	count, err := s.insights.UnresolvedCount()
	if err != nil {
		return 0
	}
	return count
}

func (s *statusAdapter) LastRun() (time.Time, bool) {
	latest, err := s.reports.GetLatest()
	if err != nil || latest == nil {
		return time.Time{}, false
	}
	return latest.RunAt, true
}

func (s *statusAdapter) AutomationsWithErrors() int {
	latest, err := s.reports.GetLatest()
	if err != nil || latest == nil {
		return 0
	}
	return latest.AutomationsWithErrors
}

func (s *statusAdapter) DiagnosisRunning() bool {
	return s.runner.IsRunning()
}
