package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserplane/internal/api"
	"github.com/shehryarbajwa/browserplane/internal/browser"
	"github.com/shehryarbajwa/browserplane/internal/config"
	"github.com/shehryarbajwa/browserplane/internal/logging"
	"github.com/shehryarbajwa/browserplane/internal/proxy"
	"github.com/shehryarbajwa/browserplane/internal/ratelimit"
	"github.com/shehryarbajwa/browserplane/internal/session"
	"github.com/shehryarbajwa/browserplane/internal/worker"
)

const (
	pruneInterval = 10 * time.Minute
	imagePullTime = 5 * time.Minute
)

type serveOptions struct {
	configPath string
	addr       string
	verbose    bool
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control plane",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to a YAML config file (default $BROWSERPLANE_CONFIG)")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address, overrides server.addr")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func runServe(parent context.Context, opts serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if !cfg.DotenvLoaded {
		logger.Info("No .env file found, using system environment variables")
	}
	logger.Info("Starting browserplane", zap.String("version", version))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	launcher, err := newLauncher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := launcher.Close(); err != nil {
			logger.Warn("Failed to close backends", zap.Error(err))
		}
	}()

	pool := worker.New(cfg.Pool.Workers)
	sessionMgr := session.NewManager(session.Config{
		DefaultTimeout:     cfg.Session.DefaultTimeout,
		MinTimeout:         cfg.Session.MinTimeout,
		MaxTimeout:         cfg.Session.MaxTimeout,
		CommandTimeout:     cfg.Session.CommandTimeout,
		ProbeTimeout:       cfg.Session.ProbeTimeout,
		ProjectConcurrency: cfg.Session.ProjectConcurrency,
		FailedRetention:    cfg.Session.FailedRetention,
		LaunchTimeout:      cfg.Engine.StartTimeout + cfg.Engine.ReadinessTimeout,
	}, launcher, pool, logger)
	logger.Info("Session manager initialized",
		zap.Int("workers", pool.Size()),
		zap.Strings("backends", launcher.Backends()))

	proxyServer := proxy.NewServer(sessionMgr, logger)

	var rateLimiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		rateLimiter = ratelimit.NewLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst)
		go pruneLimiter(ctx, rateLimiter)
		logger.Info("Rate limiter initialized",
			zap.Int("requests_per_hour", cfg.RateLimit.RequestsPerHour),
			zap.Int("burst", cfg.RateLimit.Burst))
	}

	router := api.NewHandler(sessionMgr, logger).SetupRoutes(proxyServer, rateLimiter)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down server gracefully")
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := sessionMgr.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("session shutdown: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		logger.Error("Shutdown incomplete", zap.Error(err))
		return err
	}

	logger.Info("Server stopped cleanly")
	return nil
}

func newLauncher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*browser.Launcher, error) {
	backends := []browser.Backend{
		browser.NewLocalBackend(cfg.Engine.ChromeBin, cfg.Engine.NoSandbox, logger),
	}

	if cfg.Docker.Enabled {
		docker, err := browser.NewDockerBackend(cfg.Docker.Image, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker backend: %w", err)
		}
		if cfg.Docker.PullOnStart {
			pullCtx, cancel := context.WithTimeout(ctx, imagePullTime)
			err := docker.EnsureImage(pullCtx)
			cancel()
			if err != nil {
				_ = docker.Close()
				return nil, fmt.Errorf("failed to ensure image: %w", err)
			}
		}
		backends = append(backends, docker)
	}

	return browser.NewLauncher(browser.LauncherConfig{
		DefaultBackend:   cfg.Engine.Backend,
		Headless:         cfg.Engine.Headless,
		ViewportWidth:    cfg.Engine.ViewportWidth,
		ViewportHeight:   cfg.Engine.ViewportHeight,
		StartTimeout:     cfg.Engine.StartTimeout,
		ReadinessTimeout: cfg.Engine.ReadinessTimeout,
	}, logger, backends...), nil
}

func pruneLimiter(ctx context.Context, l *ratelimit.Limiter) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune(time.Hour)
		}
	}
}
