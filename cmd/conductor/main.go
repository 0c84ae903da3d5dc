// Conductor server: loads ensemble documents, exposes the HTTP API and
// WebSocket event stream, and schedules cron-triggered ensembles.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/ensemble-edge/conductor/pkg/api"
	"github.com/ensemble-edge/conductor/pkg/ensemble"
	"github.com/ensemble-edge/conductor/pkg/events"
	"github.com/ensemble-edge/conductor/pkg/executor"
	"github.com/ensemble-edge/conductor/pkg/history"
	"github.com/ensemble-edge/conductor/pkg/member"
	"github.com/ensemble-edge/conductor/pkg/notify"
	"github.com/ensemble-edge/conductor/pkg/version"
)

// cronRunTimeout bounds a single scheduled ensemble run.
const cronRunTimeout = 10 * time.Minute

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envSnapshot captures the process environment as the flat map the engine
// components consume for ${env.*} bindings and credentials.
func envSnapshot() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok {
			env[key] = value
		}
	}
	return env
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	ensembleDir := flag.String("ensemble-dir",
		getEnv("ENSEMBLE_DIR", "./ensembles"),
		"Path to the directory of ensemble YAML documents")
	envFile := flag.String("env-file",
		getEnv("ENV_FILE", ".env"),
		"Path to the .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	logger := newLogger()
	slog.SetDefault(logger)

	httpPort := getEnv("HTTP_PORT", "8080")
	env := envSnapshot()

	logger.Info("Starting conductor",
		"version", version.Full(),
		"http_port", httpPort,
		"ensemble_dir", *ensembleDir)

	ctx := context.Background()

	resolver := member.NewResolver(env)
	notifier := notify.NewManager(env, logger)
	exec := executor.New(resolver, notifier, env, logger)

	// Execution history is optional: enabled only when a database host is
	// configured.
	var store api.Store
	if os.Getenv("DB_HOST") != "" {
		cfg, err := history.LoadConfigFromEnv()
		if err != nil {
			logger.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		pgStore, err := history.NewStore(ctx, cfg)
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pgStore.Close()
		store = pgStore
		logger.Info("Connected to PostgreSQL database", "host", cfg.Host, "database", cfg.Database)
	} else {
		logger.Info("No DB_HOST configured, execution history disabled")
	}

	stream := events.NewStream(10*time.Second, logger)
	exec.SetEventPublisher(stream)
	server := api.NewServer(exec, store, stream, env, logger)

	ensembles, err := loadEnsembles(*ensembleDir, resolver)
	if err != nil {
		logger.Error("Failed to load ensembles", "dir", *ensembleDir, "error", err)
		os.Exit(1)
	}
	for _, e := range ensembles {
		server.RegisterEnsemble(e)
	}
	logger.Info("Ensembles registered", "count", len(ensembles))

	scheduler := startCron(ctx, ensembles, exec, logger)

	httpServer := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Wait for scheduled runs that are already underway, then for
	// notification deliveries still in flight.
	<-scheduler.Stop().Done()
	exec.WaitNotifications()

	logger.Info("Shutdown complete")
}

// loadEnsembles parses every .yaml/.yml document under dir and validates its
// agent references against the resolver. A dir that does not exist yields an
// empty catalog; an invalid document is fatal.
func loadEnsembles(dir string, resolver *member.Resolver) ([]*ensemble.Ensemble, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ensembles []*ensemble.Ensemble
	names := resolver.AvailableNames()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		e, err := ensemble.Parse(data)
		if err != nil {
			return nil, err
		}
		if err := ensemble.ValidateAgentReferences(e, names); err != nil {
			return nil, err
		}
		ensembles = append(ensembles, e)
	}
	return ensembles, nil
}

// startCron schedules every cron-triggered ensemble and starts the scheduler.
func startCron(ctx context.Context, ensembles []*ensemble.Ensemble, exec *executor.Executor, logger *slog.Logger) *cron.Cron {
	scheduler := cron.New()
	for _, e := range ensembles {
		for _, trigger := range e.Triggers {
			if trigger.Type != ensemble.TriggerCron {
				continue
			}
			_, err := scheduler.AddFunc(trigger.Schedule, func() {
				runCtx, cancel := context.WithTimeout(ctx, cronRunTimeout)
				defer cancel()
				result, err := exec.ExecuteEnsemble(runCtx, e, nil)
				if err != nil {
					logger.Error("Scheduled run failed", "ensemble", e.Name, "error", err)
					return
				}
				logger.Info("Scheduled run completed",
					"ensemble", e.Name, "executionId", result.ExecutionID)
			})
			if err != nil {
				logger.Error("Failed to schedule ensemble",
					"ensemble", e.Name, "schedule", trigger.Schedule, "error", err)
			}
		}
	}
	scheduler.Start()
	return scheduler
}
