package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/internal/logger"
	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/session"
	"github.com/rs/zerolog"
)

// runtime holds the process-wide pieces every command needs
type runtime struct {
	cfg    *config.Config
	log    *logger.Logger
	store  *session.Store
	logger zerolog.Logger

	metrics *http.Server
}

// loadConfig reads the config file and applies the --log-level override
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newRuntime loads configuration and starts logging, auditing, tracing and the optional
// metrics endpoint. Close must be called when the command finishes.
func newRuntime(cfg *config.Config) (*runtime, error) {
	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	rt := &runtime{
		cfg:    cfg,
		log:    lg,
		logger: lg.Component("cli"),
	}

	store, err := session.New(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		_ = lg.Close()
		return nil, err
	}
	rt.store = store

	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		rt.logger.Warn().Err(err).Msg("Audit log disabled")
	}
	if err := tracing.InitOpenTelemetry(tracing.Options{ServiceName: "parley", ServiceVersion: version}); err != nil {
		rt.logger.Warn().Err(err).Msg("Tracing disabled")
	}

	if cfg.MetricsAddr != "" {
		rt.startMetrics(cfg.MetricsAddr)
	}

	return rt, nil
}

func (rt *runtime) startMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	rt.metrics = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := rt.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error().Err(err).Str("addr", addr).Msg("Metrics server stopped")
		}
	}()
	rt.logger.Info().Str("addr", addr).Msg("Serving metrics")
}

// Close flushes and releases everything newRuntime started
func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if rt.metrics != nil {
		_ = rt.metrics.Shutdown(ctx)
	}
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		rt.logger.Debug().Err(err).Msg("Tracing shutdown failed")
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		rt.logger.Debug().Err(err).Msg("Audit log close failed")
	}
	_ = rt.log.Close()
}
