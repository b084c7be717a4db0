package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/natsbus"
	"github.com/mtzanidakis/kypseli/internal/registry"
	"github.com/mtzanidakis/kypseli/internal/scheduler"
	"github.com/mtzanidakis/kypseli/internal/store"
	"github.com/mtzanidakis/kypseli/internal/swarm"
	"github.com/mtzanidakis/kypseli/internal/vault"
	"github.com/mtzanidakis/kypseli/internal/web"
	"golang.org/x/sync/errgroup"
)

func engineConfig(cfg *config.Config) swarm.Config {
	return swarm.Config{
		PollInterval:    cfg.Engine.PollInterval,
		ExecTimeout:     cfg.Engine.ExecTimeout,
		TimeoutFactor:   cfg.Engine.TimeoutFactor,
		CostPerSecond:   cfg.Engine.CostPerSecond,
		ContextEntries:  cfg.Engine.ContextEntries,
		DefaultTool:     cfg.Defaults.AITool,
		MemoryCapacity:  cfg.Engine.MemoryCapacity,
		RetentionPolicy: swarm.RetentionPolicy(cfg.Engine.RetentionPolicy),
	}
}

func openVault(cfg *config.Config) (*vault.Vault, error) {
	if cfg.Vault.Passphrase == "" {
		return nil, nil
	}
	return vault.New(cfg.Vault.Passphrase)
}

func runGateway(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting kypseli gateway", "version", version)

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer client.Close()
	slog.Info("nats started", "url", bus.ClientURL())

	v, err := openVault(cfg)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}
	if v == nil {
		slog.Warn("vault passphrase not set, tool api keys are kept in memory only")
	}

	// Tools
	reg := registry.New(db, v, client, cfg.Tools, cfg.Defaults)
	if err := reg.Sync(ctx); err != nil {
		return fmt.Errorf("sync tool registry: %w", err)
	}

	// Swarm coordinator
	events := natsbus.NewPublisher(client)
	coord := swarm.NewCoordinator(db, reg.Router(), events, engineConfig(cfg))
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("restore swarms: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := coord.Shutdown(shutdownCtx); err != nil {
			slog.Error("coordinator shutdown", "error", err)
		}
		slog.Info("gateway stopped")
	}()

	sched := scheduler.New(db, coord, events, cfg.Scheduler)

	var srv *web.Server
	if cfg.Web.Enabled {
		srv = web.NewServer(db, coord, reg, client, cfg.Web, cfg.Defaults, version)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})
	if srv != nil {
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil {
				return fmt.Errorf("web server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		err := config.Watch(gctx, cfg, time.Second, func(next *config.Config, diff config.ConfigDiff) {
			applyReload(gctx, next, diff, reg, coord, sched, srv)
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		}
		return nil
	})

	<-gctx.Done()
	slog.Info("shutting down")
	return g.Wait()
}

func applyReload(ctx context.Context, cfg *config.Config, diff config.ConfigDiff, reg *registry.Registry, coord *swarm.Coordinator, sched *scheduler.Scheduler, srv *web.Server) {
	if diff.ToolsDiffer() || diff.DefaultsChanged {
		if err := reg.Reload(ctx, cfg.Tools, cfg.Defaults); err != nil {
			slog.Error("reload tools", "error", err)
		}
	}
	if diff.EngineChanged || diff.DefaultsChanged {
		coord.UpdateConfig(engineConfig(cfg))
	}
	if diff.SchedulerChanged {
		sched.UpdateConfig(diff.NewPollInterval.PollInterval)
	}
	if diff.DefaultsChanged && srv != nil {
		srv.UpdateDefaults(cfg.Defaults)
	}
}
