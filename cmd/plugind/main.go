// Command plugind runs the plugin orchestrator: it loads the configuration,
// discovers plugin manifests and serves the read-only admin API until it
// receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/leeforge/plugind/config"
	"github.com/leeforge/plugind/http/admin"
	"github.com/leeforge/plugind/isolation"
	"github.com/leeforge/plugind/loader"
	"github.com/leeforge/plugind/logging"
	"github.com/leeforge/plugind/metrics"
	"github.com/leeforge/plugind/plugin"
	"github.com/leeforge/plugind/registry"
	"github.com/leeforge/plugind/runtime"
)

const shutdownGrace = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "plugind:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgLoader, err := config.NewLoader(config.DefaultOptions(), nil)
	if err != nil {
		return err
	}
	cfg := cfgLoader.Current()

	collector := metrics.NewCollector(nil)
	logger := logging.WithHooks(logging.NewLogger(cfg.Log), collector.LogHook())
	defer func() { _ = logger.Sync() }()
	logger.Info("configuration loaded", zap.Strings("files", cfgLoader.Files()))

	backend, err := newBackend(cfg, logger)
	if err != nil {
		return err
	}

	var store registry.Store
	if cfg.Redis.Enabled {
		rs, err := registry.NewRedisStore(ctx, cfg.Redis.RedisConfig, logger)
		if err != nil {
			return fmt.Errorf("connect registry store: %w", err)
		}
		defer func() { _ = rs.Close() }()
		store = rs
	}

	rt, err := runtime.New(runtime.Config{
		Backend:        backend,
		Loader:         loader.NewDir(logger),
		Store:          store,
		Dirs:           cfg.PluginDirs,
		MaxInstances:   cfg.MaxInstances,
		EventBuffer:    cfg.EventBuffer,
		WorkerPoolSize: cfg.WorkerPoolSize,
		SampleInterval: cfg.SampleInterval,
		HealthInterval: cfg.HealthInterval,
		HealthCheck:    cfg.HealthCheck.Plugin(),
		RecoveryWindow: cfg.RecoveryWindow,
		StartTimeout:   cfg.StartTimeout,
		StopTimeout:    cfg.StopTimeout,
		SandboxTimeout: cfg.SandboxTimeout,
		DefaultLimits:  cfg.DefaultLimits.ResourceLimits(),
		Policy: runtime.Policy{
			AutoRecover: cfg.Policy.AutoRecover,
			AutoStop:    cfg.Policy.AutoStop,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	collector.Attach(rt)

	if err := rt.Start(ctx); err != nil {
		return err
	}
	ids, derr := rt.DiscoverPlugins(ctx)
	if derr != nil {
		logger.Warn("plugin discovery reported errors", zap.Error(derr))
	}
	logger.Info("plugins discovered", zap.Strings("plugin_ids", ids), zap.Strings("dirs", cfg.PluginDirs))

	var srv *http.Server
	serveErr := make(chan error, 1)
	if cfg.Admin.Enabled {
		router, err := admin.NewRouter(rt, admin.Options{
			Logger:          logger,
			Gatherer:        metrics.NewRegistry(collector),
			AllowedNetworks: cfg.Admin.AllowedNetworks,
		})
		if err != nil {
			_ = rt.Close(context.Background())
			return err
		}
		srv = &http.Server{
			Addr:         cfg.Admin.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Admin.ReadTimeout,
			WriteTimeout: cfg.Admin.WriteTimeout,
		}
		go func() {
			logger.Info("admin server listening", zap.String("addr", cfg.Admin.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	// Only the log level applies without a restart.
	if err := cfgLoader.Watch(ctx, func(next config.Orchestrator) {
		logger.SetLevel(next.Log.ZapLevel())
		logger.Info("configuration changed",
			zap.Strings("files", cfgLoader.Files()),
			zap.String("log_level", next.Log.ZapLevel().String()))
	}); err != nil {
		logger.Warn("configuration watch disabled", zap.Error(err))
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-serveErr:
		logger.Error("admin server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if srv != nil {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("admin server shutdown", zap.Error(serr))
		}
	}
	if cerr := rt.Close(shutdownCtx); cerr != nil {
		logger.Warn("runtime close", zap.Error(cerr))
	}
	return runErr
}

func newBackend(cfg config.Orchestrator, logger logging.Logger) (plugin.IsolationBackend, error) {
	switch cfg.Backend {
	case "memory":
		logger.Warn("using the in-memory isolation backend, plugins are not executed")
		return isolation.NewMemory(), nil
	default:
		return isolation.NewProcess(cfg.SandboxRoot, logger)
	}
}
