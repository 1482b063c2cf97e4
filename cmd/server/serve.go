package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/entitystore/internal/config"
	"github.com/zeusync/entitystore/internal/core/events/bus"
	"github.com/zeusync/entitystore/internal/core/observability/log"
	"github.com/zeusync/entitystore/internal/core/world"
	"github.com/zeusync/entitystore/internal/replication"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the world tick loop and the replication hub",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config (defaults apply when empty)")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and seed entities without serving",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			w, err := world.New(cfg.World.Name, cfg.SeedEntities(), world.WithLogger(log.NewNop()))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "world %q: %d entities, %d pending changes\n",
				w.Name(), len(w.IDs()), w.Changes(true).Len())
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.New(cfg.LogLevel())
	defer func() { _ = logger.Sync() }()

	events := bus.New()
	if _, err := events.Subscribe(bus.EntityDeleted, func(e bus.Event) error {
		logger.Debug("entity deleted", log.String("world", e.Source), log.String("entity", e.Subject))
		return nil
	}); err != nil {
		return err
	}

	w, err := world.New(cfg.World.Name, cfg.SeedEntities(), world.WithLogger(logger), world.WithBus(events))
	if err != nil {
		return err
	}
	logger.Info("world ready", log.String("world", w.Name()), log.Int("entities", len(w.IDs())))

	group, ctx := errgroup.WithContext(ctx)

	if cfg.World.TickInterval > 0 {
		group.Go(func() error { return tickLoop(ctx, w, cfg.World.TickInterval, logger) })
	}

	if cfg.Replication.Enabled {
		hub := replication.NewHub(w, replication.Options{
			IncludeLocal: cfg.Replication.IncludeLocal,
			WriteTimeout: cfg.Replication.WriteTimeout,
		}, logger)
		mux := http.NewServeMux()
		mux.Handle(cfg.Replication.Path, hub)
		srv := &http.Server{Addr: cfg.Replication.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		group.Go(func() error {
			logger.Info("replication listening", log.String("addr", srv.Addr), log.String("path", cfg.Replication.Path))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error { return hub.Run(ctx, cfg.Replication.FlushInterval) })
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return errors.Join(hub.Close(), srv.Shutdown(shutdownCtx))
		})
	}

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("server stopped")
	return err
}

func tickLoop(ctx context.Context, w *world.World, interval time.Duration, logger log.Log) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Tick(); err != nil {
				logger.Error("tick failed", log.Error(err))
			}
		}
	}
}
