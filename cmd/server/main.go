// @title           Agent Market API
// @version         1.0.0
// @description     Decentralized agent marketplace: registry, agents, escrowed jobs and the market token.
// @license.name    Apache-2.0
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "Session JWT or API key. For JWT: 'Bearer {token}'. For API Key: 'Bearer {api_key}'"
//
// @tag.name         System
// @tag.description  Health, readiness and version endpoints.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics and profiling are served on dedicated side-channel ports, not by the Gin router. Configure them with AGM_TELEMETRY_METRICS_PROMETHEUS_PORT and AGM_TELEMETRY_PROFILING_PORT.

// Command server runs the agent market API. Subcommands: serve (default),
// migrate <up|down> and version. serve migrates the database on startup when
// one is configured.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- pprof is only served on the dedicated profiling port.
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agent-market/agent-market/internal/api"
	"github.com/agent-market/agent-market/internal/auth"
	"github.com/agent-market/agent-market/internal/config"
	"github.com/agent-market/agent-market/internal/db"
	"github.com/agent-market/agent-market/internal/safego"
	"github.com/agent-market/agent-market/internal/telemetry"
)

var version = "0.1.0"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	if command == "version" {
		fmt.Printf("agent-market v%s\n", version)
		return nil
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(configPath, cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	default:
		return fmt.Errorf("unknown command %q (want serve, migrate or version)", command)
	}
}

func serve(configPath string, cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)
	gin.SetMode(gin.ReleaseMode)
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	}

	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("session signing key: %w", err)
	}

	// Only the log level is applied live; everything else needs a restart.
	watching, err := config.Watch(configPath, func(next *config.Config) {
		telemetry.SetLogLevel(next.Logging.Level)
	})
	switch {
	case err != nil:
		slog.Warn("config watch disabled", "error", err)
	case watching:
		slog.Info("watching config file", "path", configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		Enabled:     cfg.Telemetry.Enabled && cfg.Telemetry.Tracing.Enabled,
		Endpoint:    cfg.Telemetry.Tracing.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Tracing.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer withTimeout(5*time.Second, func(ctx context.Context) {
		if err := shutdownTracing(ctx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	})

	app, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		sideChannel("metrics", cfg.Telemetry.Metrics.PrometheusPort, mux, 10*time.Second)
	}
	if cfg.Telemetry.Profiling.Enabled {
		sideChannel("pprof", cfg.Telemetry.Profiling.Port, http.DefaultServeMux, 30*time.Second)
	}

	router, background := api.NewRouter(app.deps)
	defer background.Shutdown()

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	slog.Info("starting server",
		"addr", server.Addr,
		"base_url", cfg.Server.BaseURL,
		"tls", cfg.Security.TLS.Enabled,
		"ledger_store", cfg.Ledger.Store,
		"height", app.market.Height(),
		"operator", app.market.Deployment().Operator.Hex(),
	)

	select {
	case <-ctx.Done():
	case err := <-listen(server, cfg.Security.TLS):
		return fmt.Errorf("server failed: %w", err)
	}

	slog.Info("shutting down server")
	var shutdownErr error
	withTimeout(10*time.Second, func(ctx context.Context) {
		shutdownErr = server.Shutdown(ctx)
	})
	if shutdownErr != nil {
		return fmt.Errorf("server forced to shutdown: %w", shutdownErr)
	}
	slog.Info("server stopped")
	return nil
}

// listen serves until the server is shut down. The channel only receives
// unexpected listener errors.
func listen(server *http.Server, tls config.TLSConfig) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls.Enabled {
			err = server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// sideChannel serves h on its own port, away from the public API listener.
func sideChannel(name string, port int, h http.Handler, timeout time.Duration) {
	srv := &http.Server{ //nolint:gosec // #nosec G112 -- internal-only port
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      h,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	safego.Go(name+"-server", func() {
		slog.Info("starting side channel", "name", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("side channel stopped", "name", name, "error", err)
		}
	})
}

func withTimeout(d time.Duration, fn func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	fn(ctx)
}

func runMigrations(cfg *config.Config, direction string) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	dir, err := db.ParseDirection(direction)
	if err != nil {
		return err
	}
	database, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close()

	slog.Info("running migrations", "direction", dir)
	schema, err := db.Migrate(database.DB, dir)
	if err != nil {
		return err
	}
	slog.Info("migration completed", "version", schema.Version, "dirty", schema.Dirty)
	return nil
}
