package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	cli "github.com/urfave/cli/v2"

	"github.com/okian/vouch/internal/adapters/http/api"
	"github.com/okian/vouch/internal/adapters/http/swagger"
	"github.com/okian/vouch/internal/adapters/transport/ws"
	app "github.com/okian/vouch/internal/app"
	"github.com/okian/vouch/internal/config"
	"github.com/okian/vouch/pkg/logger"
	"github.com/okian/vouch/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readHeaderTimeout         = 5 * time.Second
	idleTimeout               = 60 * time.Second
	shutdownTimeout           = 30 * time.Second
	systemMetricsInterval     = 10 * time.Second
	nanosecondsPerMillisecond = 1e6
	// Echo frames carry the probe in base64 inside a JSON envelope.
	frameOverhead = 64 << 10
)

var version = "dev"

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "path to a YAML configuration file",
		EnvVars: []string{config.EnvConfigPath},
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error; overrides log_level from config",
	}
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "vouch",
		Version: version,
		Usage:   "measure client CPU and network reliability and publish scores",
		Flags:   []cli.Flag{configFlag, logLevelFlag},
		Action:  run,
	}
}

func run(cctx *cli.Context) error {
	if err := logger.Init(); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get()

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.LoadFile(ctx, cctx.String(configFlag.Name))
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if cctx.IsSet(logLevelFlag.Name) {
		level = cctx.String(logLevelFlag.Name)
	}
	if err := logger.SetLevelString(level); err != nil {
		log.Warn(ctx, "invalid log level; falling back to info", logger.String("log_level", level), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	svc, err := app.New(cfg, app.WithLogger(log.Named("service")))
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	go startSystemMetricsUpdater(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(svc, cfg),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr), logger.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error(ctx, "HTTP server failed", logger.Error(err))
		}
	}
	log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var result error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
		result = err
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		result = errors.Join(result, err)
	}
	log.Info(ctx, "server stopped")
	return result
}

// newRouter mounts the read API, the docs and the websocket entry point.
func newRouter(svc *app.Service, cfg *config.Config) chi.Router {
	sessions := ws.NewHandler(svc,
		ws.WithRetryable(app.ErrMaxSessions, app.ErrRateLimited),
		ws.WithConnOptions(ws.WithReadLimit(int64(cfg.ProbeSizeBytes)*2+frameOverhead)),
	)
	r := api.NewServer(svc, svc, api.WithSessionHandler(sessions)).Router()
	swagger.Register(r)
	return r
}

// startSystemMetricsUpdater starts a background goroutine that updates system metrics.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}
