package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/livepoll/livepoll/internal/api/http"
	"github.com/livepoll/livepoll/internal/application/coordinator"
	appPoll "github.com/livepoll/livepoll/internal/application/poll"
	appSession "github.com/livepoll/livepoll/internal/application/session"
	"github.com/livepoll/livepoll/internal/config"
	"github.com/livepoll/livepoll/internal/infrastructure/metrics"
	"github.com/livepoll/livepoll/internal/infrastructure/sse"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the polling server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				return errors.New("empty config")
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)
	logger.Info().Str("version", versionString()).Str("store", string(cfg.Store)).Msg("starting")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	polls := appPoll.NewService(store, m, logger)
	polls.SetHistoryLimit(cfg.HistoryLimit)
	registry := appSession.NewRegistry(m, logger)
	hub := sse.NewHub(m, logger)

	coord := coordinator.New(polls, registry, hub, m, logger)
	defer coord.Close()
	if err := coord.Recover(ctx); err != nil {
		return fmt.Errorf("recover active poll: %w", err)
	}

	var identity *httpapi.Identity
	if cfg.PresenterKeyHash != "" {
		identity = httpapi.NewIdentity([]byte(cfg.PresenterKeyHash))
	} else {
		identity = httpapi.NewIdentity(nil)
		logger.Warn().Msg("no presenter key configured, any connection may present")
	}

	api := httpapi.NewServer(
		coord,
		polls,
		registry,
		hub,
		identity,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		httpapi.Options{
			RequestTimeout:    cfg.RequestTimeout,
			SSEBuffer:         cfg.SSEBuffer,
			HeartbeatInterval: cfg.HeartbeatInterval,
			HistoryLimit:      cfg.HistoryLimit,
		},
		logger,
	)

	// no WriteTimeout: event streams stay open
	server := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		// close streams first so Shutdown is not held open by them
		hub.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
