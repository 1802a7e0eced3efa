// Package main is the entry point for the llmgateway service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/httplog/v2"
	"golang.org/x/sync/errgroup"

	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/cooldown"
	"github.com/howard-nolan/llmgateway/internal/dispatch"
	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/router"
	"github.com/howard-nolan/llmgateway/internal/server"
	"github.com/howard-nolan/llmgateway/internal/transform"
	"github.com/howard-nolan/llmgateway/internal/usagelog"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("llmgateway exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	manager, err := config.NewManager(configPath, slog.Default())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := manager.Current()

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	aliases := router.New(cfg)
	manager.OnChange(func(next *config.Config) {
		aliases.Update(next)
		logger.Info("configuration reloaded")
	})

	collector := metrics.NewCollector(cfg.Metrics.Window)
	var cooldownStore cooldown.Store
	if cfg.Cooldown.StatePath != "" {
		cooldownStore = cooldown.NewFileStore(cfg.Cooldown.StatePath)
	}
	cooldowns := cooldown.NewManager(cooldown.Options{
		Store:       cooldownStore,
		Logger:      logger,
		MinDuration: cfg.Cooldown.MinDuration,
		MaxDuration: cfg.Cooldown.MaxDuration,
		Defaults:    cfg.Cooldown.Defaults,
		Override: func(providerName string, reason cooldown.Reason) (time.Duration, bool) {
			p, ok := manager.Current().Provider(providerName)
			if !ok {
				return 0, false
			}
			d, ok := p.CooldownOverrides[string(reason)]
			return d, ok
		},
	})

	bus := usagelog.NewBus()
	usageLogger := usagelog.NewLogger(
		usagelog.NewMemoryUsageStore(),
		usagelog.NewMemoryErrorStore(),
		bus,
		logger,
	)
	debugStore := usagelog.NewMemoryDebugStore()

	dispatcher := dispatch.New(dispatch.Options{
		Config:    manager,
		Router:    aliases,
		Registry:  transform.NewRegistry(),
		Cooldowns: cooldowns,
		Metrics:   collector,
		Client:    provider.NewClient(logger),
		Usage:     usageLogger,
		Debug:     debugStore,
		Logger:    logger,
	})

	srv := server.New(server.Options{
		Config:     manager,
		Aliases:    aliases,
		Dispatcher: dispatcher,
		Metrics:    collector,
		Bus:        bus,
		Logger:     logger,
		HTTPLog:    newRequestLogger(cfg.Log),
	})

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     srv,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays zero: streaming responses are open-ended.
	}

	if err := manager.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("llmgateway listening", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newRequestLogger(cfg config.LogConfig) *httplog.Logger {
	return httplog.NewLogger("llmgateway", httplog.Options{
		JSON:             cfg.Format == "json",
		Concise:          true,
		MessageFieldName: "message",
	})
}
