package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"codesandbox/internal/common/cache"
	"codesandbox/internal/execution/controller"
	"codesandbox/internal/execution/problemclient"
	"codesandbox/internal/execution/repository"
	"codesandbox/internal/execution/service"
	"codesandbox/internal/sandbox"
	"codesandbox/internal/sandbox/engine"
	"codesandbox/internal/sandbox/executor"
	"codesandbox/internal/sandbox/language"
	"codesandbox/internal/sandbox/observer"
	"codesandbox/internal/sandbox/workspace"
	"codesandbox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// components is the sandbox stack shared by every subcommand.
type components struct {
	workspace *workspace.Manager
	languages *language.Registry
	engine    engine.Engine
	worker    *sandbox.Worker
	registry  *prometheus.Registry
	metrics   *observer.Prometheus
}

func buildComponents(cfg *AppConfig) (*components, error) {
	languages, err := language.NewRegistry(cfg.Language.Supported, cfg.Language.Overrides)
	if err != nil {
		return nil, fmt.Errorf("init languages failed: %w", err)
	}
	engineCfg, err := cfg.engineConfig()
	if err != nil {
		return nil, fmt.Errorf("init engine config failed: %w", err)
	}
	eng, err := engine.New(engineCfg)
	if err != nil {
		return nil, fmt.Errorf("init sandbox engine failed: %w", err)
	}
	execCfg, err := cfg.executorConfig()
	if err != nil {
		return nil, fmt.Errorf("init executor config failed: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := observer.NewPrometheus(registry)
	if err != nil {
		return nil, fmt.Errorf("init metrics failed: %w", err)
	}

	ws := workspace.NewManager(cfg.Workspace)
	exec := executor.New(languages, ws, eng, metrics, execCfg)
	return &components{
		workspace: ws,
		languages: languages,
		engine:    eng,
		worker:    sandbox.NewWorker(exec, cfg.Worker.Concurrency),
		registry:  registry,
		metrics:   metrics,
	}, nil
}

func serve(ctx context.Context, cfg *AppConfig) error {
	if err := logger.Init(cfg.Logger); err != nil {
		return fmt.Errorf("init logger failed: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	gin.SetMode(gin.ReleaseMode)

	comps, err := buildComponents(cfg)
	if err != nil {
		return err
	}

	var problems repository.ProblemRepository
	if cfg.Catalog.BaseURL != "" {
		client := problemclient.New(cfg.Catalog.Config)
		var problemCache cache.Cache
		if cfg.Redis.Addr != "" {
			redisCache, err := cache.NewRedisCacheWithConfig(&cfg.Redis)
			if err != nil {
				logger.Error(ctx, "init redis failed", zap.Error(err))
				return err
			}
			defer func() {
				_ = redisCache.Close()
			}()
			problemCache = redisCache
		}
		problems = repository.NewProblemRepositoryWithTTL(client, problemCache, cfg.Catalog.CacheTTL, cfg.Catalog.EmptyCacheTTL)
	}

	executionService, err := service.NewExecutionService(service.Config{
		Judge:     comps.worker,
		Workspace: comps.workspace,
		Languages: comps.languages,
		Problems:  problems,
		Metrics:   comps.metrics,
		Backend:   comps.engine.Name(),
		Limits:    cfg.Limits,
	})
	if err != nil {
		return fmt.Errorf("init execution service failed: %w", err)
	}

	httpServer := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: controller.NewHandler(executionService, controller.RouterOptions{
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
			Metrics:      promhttp.HandlerFor(comps.registry, promhttp.HandlerOpts{Registry: comps.registry}),
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := workspace.NewSweeper(comps.workspace, cfg.Worker.CleanupInterval).
		OnSweep(func(ctx context.Context, removed int) {
			comps.metrics.ObserveCleanup(ctx, "periodic", removed)
		})
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		sweeper.Run(runCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "sandbox http server started",
			zap.String("addr", cfg.Server.Addr),
			zap.String("backend", comps.engine.Name()),
			zap.Strings("languages", comps.languages.Supported()),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "server stopped", zap.Error(err))
			serveErr = err
		}
	case <-runCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	if killed := comps.engine.KillAll(shutdownCtx); killed > 0 {
		logger.Warn(ctx, "killed in-flight sandboxes on shutdown", zap.Int("count", killed))
	}
	<-sweeperDone
	removed := comps.workspace.Cleanup(shutdownCtx)
	comps.metrics.ObserveCleanup(shutdownCtx, "shutdown", removed)
	logger.Info(ctx, "sandbox service stopped", zap.Int("removed", removed))
	return serveErr
}

func sweep(ctx context.Context, cfg *AppConfig, all bool, out io.Writer) error {
	if err := logger.Init(cfg.Logger); err != nil {
		return fmt.Errorf("init logger failed: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	manager := workspace.NewManager(cfg.Workspace)
	var removed int
	if all {
		removed = manager.Sweep(ctx, 0)
	} else {
		removed = manager.Cleanup(ctx)
	}
	_, err := fmt.Fprintf(out, "removed %d file(s) from %s\n", removed, manager.Root())
	return err
}

// waitTimeout bounds how long the run command waits for a verdict beyond its own limits.
func waitTimeout(cfg *AppConfig, timeLimitMs int) time.Duration {
	return cfg.Sandbox.CompileTimeout + time.Duration(timeLimitMs)*time.Millisecond + 30*time.Second
}
