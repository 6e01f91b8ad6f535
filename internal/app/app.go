// Package app wires the server together: logging, storage, the game
// module, the tick engine, and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"gridshard/server/internal/auth"
	"gridshard/server/internal/config"
	"gridshard/server/internal/engine"
	"gridshard/server/internal/game"
	"gridshard/server/internal/intent"
	servernet "gridshard/server/internal/net"
	"gridshard/server/internal/net/ws"
	"gridshard/server/internal/registry"
	"gridshard/server/internal/store"
	"gridshard/server/internal/telemetry"
)

// Run boots the server and blocks until ctx is cancelled or startup
// fails. Loss of the persistence connection at startup is fatal;
// afterwards, per-zone and per-connection failures stay scoped.
func Run(ctx context.Context, cfg config.Config) error {
	zapLogger, flush, err := telemetry.NewZapLogger(cfg.LogFile)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer flush()
	logger := telemetry.WrapZap(zapLogger)
	counters := telemetry.NewCounters()

	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	module, err := game.Resolve(cfg.GameModule)
	if err != nil {
		return fmt.Errorf("resolve game module: %w", err)
	}
	adapter := game.NewAdapter(module, logger, counters)
	if err := adapter.Init(ctx, game.NewStoreFramework(st)); err != nil {
		return fmt.Errorf("init game module %q: %w", cfg.GameModule, err)
	}
	logger.Printf("game module %q loaded", cfg.GameModule)

	reg := registry.NewRegistry(logger, counters)
	queue := intent.NewQueue(cfg.IntentQueueCapacity, cfg.IntentPerPlayerLimit, counters)
	authSvc := auth.NewService(st.DB(), cfg.SessionTimeout())

	eng := engine.New(st, queue, reg, adapter, engine.Config{
		TickInterval: cfg.TickInterval(),
		ZoneWorkers:  cfg.ZoneWorkers,
	}, logger, counters)

	wsHandler := ws.NewHandler(authSvc, reg, queue, st, ws.HandlerConfig{
		SendBuffer:          cfg.SendBuffer,
		WriteTimeout:        cfg.WriteTimeout(),
		IntentRatePerSecond: cfg.IntentRatePerSecond,
	}, logger, counters)

	mux := servernet.NewRouter(servernet.RouterConfig{
		Auth:      authSvc,
		Store:     st,
		Engine:    eng,
		Registry:  reg,
		Counters:  counters,
		Logger:    logger,
		WSHandler: wsHandler.Handle,
	})

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(ctx) }()

	serverDone := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.ListenAddr)
		serverDone <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serverDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Shutdown: stop accepting connections, then wait for the engine to
	// finish its tick boundary.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	if err := <-engineDone; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("tick engine: %w", err)
	}
	logger.Printf("shutdown complete")
	return nil
}
