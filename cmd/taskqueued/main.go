// Command taskqueued runs the task queue engine daemon: it loads
// configuration, opens the configured Queue Store backend, runs crash
// recovery, and serves the Control API (C4) until interrupted.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/queueengine/agent"
	"github.com/taskmesh/queueengine/config"
	"github.com/taskmesh/queueengine/internal/version"
	"github.com/taskmesh/queueengine/queue"
	"github.com/taskmesh/queueengine/scheduler"
	"github.com/taskmesh/queueengine/server"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}
	cfg.LoadFromEnv()

	if cfg.LogLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
			logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
		}
	}
	if cfg.Queue.DebugMode {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	store := openStore(cfg.Queue.StoreEndpoint, logger)
	defer store.Close() //nolint:errcheck

	agents := agent.NewRegistry()
	for _, a := range cfg.Agents {
		agents.Register(agent.Agent{ID: a.ID, Endpoint: a.Endpoint})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	recovered, err := queue.NewCoordinator(store).Recover(ctx)
	if err != nil {
		logger.Error("recover interrupted queues", slog.Any("err", err))
		os.Exit(1)
	}
	if len(recovered) > 0 {
		logger.Info("recovered interrupted queues", slog.Any("queueIds", recovered))
	}

	invoker := agent.NewInvoker(&http.Client{Timeout: time.Duration(cfg.Queue.TimeoutPerTask+5000) * time.Millisecond})
	schedulers := scheduler.NewManager(store, agents, invoker)

	srv := server.New(*cfg, store, agents, schedulers, version.Version, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("taskqueued started", slog.String("addr", cfg.Server.Addr), slog.String("version", version.Version))

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server exited", slog.Any("err", err))
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Error("graceful shutdown", slog.Any("err", err))
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// openStore selects a Store backend from storeEndpoint's scheme: empty
// selects MemoryStore, "sqlite://path" selects SQLiteStore, and anything
// else is treated as a redis:// connection URL (spec §6's configuration
// input). Falls back to MemoryStore if a configured backend cannot be
// reached, per spec §4.2's "transparently degrades" failure model.
func openStore(endpoint string, logger *slog.Logger) queue.Store {
	switch {
	case endpoint == "":
		return queue.NewMemoryStore()
	case strings.HasPrefix(endpoint, "sqlite://"):
		path := strings.TrimPrefix(endpoint, "sqlite://")
		store, err := queue.NewSQLiteStore(path)
		if err != nil {
			logger.Warn("open sqlite store, falling back to memory", slog.Any("err", err))
			return queue.NewMemoryStore()
		}
		return store
	default:
		opts, err := redis.ParseURL(endpoint)
		if err != nil {
			logger.Warn("parse redis url, falling back to memory", slog.Any("err", err))
			return queue.NewMemoryStore()
		}
		client := redis.NewClient(opts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.Warn("connect redis, falling back to memory", slog.Any("err", err))
			return queue.NewMemoryStore()
		}
		return queue.NewRedisStore(client)
	}
}
