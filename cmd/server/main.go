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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bullionops/dealer-ledger/internal/config"
	"github.com/bullionops/dealer-ledger/internal/logging"
	"github.com/bullionops/dealer-ledger/internal/metrics"
	"github.com/bullionops/dealer-ledger/internal/model"
	"github.com/bullionops/dealer-ledger/internal/tracing"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "dealer-ledger",
		Short:        "Precious-metals dealer trade execution and balance ledger",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default ./config.yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, event processor and WebSocket hub",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Replay every ledger chain and compare it with its current balance",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return verify(cmd.Context(), configPath)
			},
		},
	)
	return root
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, os.Stderr)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			log.Error().Err(err).Msg("tracing shutdown error")
		}
	}()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.Close()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"dealer-ledger"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for ledger notifications.
		r.Get("/ws", a.hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			a.trades.Routes(r)
		})
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.hub.Run(gctx) })
	g.Go(func() error { return a.processor.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("host", hostname()).Msg("dealer-ledger listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down dealer-ledger...")
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("dealer-ledger stopped with error")
		return err
	}
	log.Info().Msg("dealer-ledger stopped")
	return nil
}

// verify replays each cash and inventory chain from its first entry. A
// broken link or a replay that disagrees with the latest balance fails the
// command.
func verify(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	var failures []error
	for _, bt := range model.BalanceTypes {
		replayed, err := a.finance.Replay(ctx, bt)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		current, err := a.finance.Balance(ctx, bt)
		if err != nil {
			return err
		}
		if !replayed.Equal(current) {
			failures = append(failures, fmt.Errorf("%w: %s replays to %s, latest is %s", model.ErrChainBroken, bt, replayed, current))
			continue
		}
		log.Info().Str("balance_type", string(bt)).Str("balance", current.String()).Msg("cash chain verified")
	}

	keys, err := a.inventory.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		replayed, err := a.inventory.Replay(ctx, key)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		current, err := a.inventory.Balance(ctx, key)
		if err != nil {
			return err
		}
		if !replayed.Equal(current) {
			failures = append(failures, fmt.Errorf("%w: %s replays to %s, latest is %s", model.ErrChainBroken, key, replayed, current))
			continue
		}
		log.Info().Str("position", key.String()).Str("quantity", current.String()).Msg("inventory chain verified")
	}

	if len(failures) > 0 {
		for _, f := range failures {
			log.Error().Err(f).Msg("ledger verification failed")
		}
		return errors.Join(failures...)
	}
	log.Info().Int("inventory_chains", len(keys)).Msg("all ledger chains verified")
	return nil
}
