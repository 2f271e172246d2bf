// Package app wires the store, core, and transports together and owns
// the process lifecycle.
package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vforte/gruppo/internal/auth"
	"github.com/vforte/gruppo/internal/config"
	"github.com/vforte/gruppo/internal/core"
	"github.com/vforte/gruppo/internal/stats"
	"github.com/vforte/gruppo/internal/store"
	"github.com/vforte/gruppo/internal/store/sqlite"
	transporthttp "github.com/vforte/gruppo/internal/transport/http"
	"github.com/vforte/gruppo/internal/transport/tcp"
	"github.com/vforte/gruppo/internal/transport/ws"
)

// App wires together core and transport layers.
type App struct {
	tcpServer       *tcp.Server
	wsServer        *stdhttp.Server
	opsServer       *stdhttp.Server
	monitor         *stats.Monitor
	store           store.Store
	registry        *core.Registry
	shutdownTimeout time.Duration
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	registry := core.NewRegistry()
	broadcaster := core.NewBroadcaster(registry, logger)
	authService := auth.NewService(st)
	handler := core.NewHandler(st, authService, registry, broadcaster, cfg.RecentLimit, logger)

	return &App{
		tcpServer:       tcp.NewServer(cfg.Addr, handler, logger),
		wsServer:        ws.NewServer(cfg.WSAddr, handler, cfg.ReadHeaderTimeout, logger),
		opsServer:       transporthttp.NewServer(cfg.HTTPAddr, st, registry, cfg.ReadHeaderTimeout, logger),
		monitor:         stats.NewMonitor(st, registry, cfg.StatsInterval, logger),
		store:           st,
		registry:        registry,
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             logger,
	}, nil
}

// Run starts all listeners and blocks until context cancellation or a
// fatal listener error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 3)

	go func() {
		serverErr <- a.tcpServer.Run(ctx)
	}()

	go func() {
		a.log.Info().Str("addr", a.wsServer.Addr).Msg("ws server listening")
		if err := a.wsServer.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	go func() {
		a.log.Info().Str("addr", a.opsServer.Addr).Msg("ops server listening")
		if err := a.opsServer.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	go func() {
		// Monitor exit is tied to ctx; it never fails the process.
		if err := a.monitor.Run(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn().Err(err).Msg("performance monitor stopped")
		}
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down")
		if err := a.wsServer.Shutdown(shutdownCtx); err != nil {
			a.log.Warn().Err(err).Msg("ws server shutdown")
		}
		if err := a.opsServer.Shutdown(shutdownCtx); err != nil {
			a.log.Warn().Err(err).Msg("ops server shutdown")
		}

		a.cleanup()
		return nil
	}
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
