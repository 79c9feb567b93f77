// Package app wires the dstake server runtime around the user registry.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"dstake/cmd/internal/registry"
)

// App is the dstake server runtime: it owns the registry, its storage and the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	backend backend
	metrics *Metrics

	registry *registry.Registry
	api      *registry.Handler
	ws       *registry.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	metrics, err := NewMetrics()
	if err != nil {
		return nil, err
	}
	regMetrics, err := registry.NewMetrics(metrics.Registerer())
	if err != nil {
		return nil, err
	}

	be, err := newBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(be.store,
		registry.WithLogger(log),
		registry.WithMetrics(regMetrics),
	)
	if err != nil {
		_ = be.Close(ctx)
		return nil, err
	}
	if err := reg.SyncMetrics(ctx); err != nil {
		_ = be.Close(ctx)
		return nil, err
	}

	api, err := registry.NewHandler(log, reg, registry.HandlerConfig{MaxBodyBytes: cfg.MaxBodyBytes})
	if err != nil {
		_ = be.Close(ctx)
		return nil, err
	}

	ws, err := registry.NewWSGateway(log, reg, registry.GatewayConfig{
		OriginRequired:    cfg.WSOriginRequired,
		AllowedOrigins:    cfg.WSAllowedOrigins,
		DevInsecure:       cfg.WSDevInsecure,
		WriteTimeout:      cfg.WSWriteTimeout,
		ReadIdleTimeout:   cfg.WSReadIdleTimeout,
		SendQueueSize:     cfg.WSSendQueue,
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		HeartbeatTimeout:  cfg.WSHeartbeatTimeout,
		RateEvents:        cfg.WSRateEvents,
		RateWindow:        cfg.WSRateWindow,
	})
	if err != nil {
		_ = be.Close(ctx)
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		backend:  be,
		metrics:  metrics,
		registry: reg,
		api:      api,
		ws:       ws,
	}, nil
}

// Handler returns the fully wrapped HTTP handler (routes + request id + logging + metrics).
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRequestID(WithRequestLogging(mux, a.log, a.metrics))
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "store", a.backend.kind)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		_ = a.Close(context.Background())
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		_ = a.Close(shutdownCtx)
		return err
	}

	if err := a.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

// Close releases storage resources (pool, SQLite handle).
func (a *App) Close(ctx context.Context) error {
	return a.backend.Close(ctx)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
