package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mtzanidakis/swarmcrew/internal/config"
	"github.com/mtzanidakis/swarmcrew/internal/natsbus"
	"github.com/mtzanidakis/swarmcrew/internal/runner"
	"github.com/mtzanidakis/swarmcrew/internal/scheduler"
	"github.com/mtzanidakis/swarmcrew/internal/store"
	"github.com/mtzanidakis/swarmcrew/internal/swarm"
	"github.com/mtzanidakis/swarmcrew/internal/web"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

func newManagerCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "manager",
		Short: "Start the swarm manager with its scheduler and web API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runManager(load)
		},
	}
}

// connectBus returns a client for the configured NATS server, embedding one when no
// URL is set. The returned func releases both.
func connectBus(cfg config.NATSConfig, name string) (*natsbus.Client, func(), error) {
	if cfg.URL != "" {
		nc, err := natsbus.NewClientFromURL(cfg.URL, nats.Name(name))
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		return nc, nc.Close, nil
	}

	bus, err := natsbus.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init nats: %w", err)
	}
	nc, err := natsbus.NewClient(bus)
	if err != nil {
		bus.Close()
		return nil, nil, fmt.Errorf("nats client: %w", err)
	}
	slog.Info("nats started", "port", cfg.Port, "url", bus.ClientURL())
	return nc, func() {
		nc.Close()
		bus.Close()
	}, nil
}

func loadCrewDefs(dir string) ([]config.CrewDefinition, error) {
	crews, err := config.LoadCrews(dir)
	if err != nil {
		return nil, err
	}
	defs := make([]config.CrewDefinition, 0, len(crews))
	for _, c := range crews {
		defs = append(defs, *c)
	}
	return defs, nil
}

func runManager(load loader) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	slog.Info("starting swarmcrew manager", "version", version)

	stopTracing, err := startTracing(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer stopTracing()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// SQLite run history
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// NATS: node transport and event stream
	nc, closeBus, err := connectBus(cfg.NATS, "swarmcrew-manager")
	if err != nil {
		return err
	}
	defer closeBus()
	events := natsbus.NewEventPublisher(nc)

	// Swarm manager
	mgr := swarm.NewManager(cfg.Swarm, swarm.NewDialer(nc), swarm.WithEvents(events))
	defer mgr.Close()

	var bg sync.WaitGroup
	bg.Go(func() { mgr.Start(ctx) })
	bg.Go(func() {
		if err := mgr.RegisterNodes(ctx, cfg.Swarm.Nodes); err != nil {
			slog.Error("static node registration incomplete", "error", err)
		}
	})

	rn := runner.New(mgr, store.ModeSwarm, cfg.Crew, runner.WithStore(db), runner.WithEvents(events))

	// Scheduled crews
	sched := scheduler.New(rn, cfg.Scheduler, events)
	defs, err := loadCrewDefs(cfg.Crew.Dir)
	if err != nil {
		return fmt.Errorf("load crews: %w", err)
	}
	if err := sched.SetCrews(defs, time.Now()); err != nil {
		slog.Warn("some crews were not scheduled", "error", err)
	}
	bg.Go(func() { sched.Start(ctx) })
	slog.Info("crews loaded", "dir", cfg.Crew.Dir, "crews", len(defs), "scheduled", len(sched.Entries()))

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(mgr, db, rn, sched, nc, cfg.Web, version)
		bg.Go(func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		})
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			rn.Shutdown()
			bg.Wait()
			return nil
		case <-hup:
			next, err := load()
			if err != nil {
				slog.Error("config reload failed, keeping current config", "error", err)
				continue
			}
			reload(ctx, cfg, next, mgr, rn, sched, &bg)
			cfg = next
		}
	}
}

// reload applies the reloadable parts of next. Node registration runs in the
// background since unreachable nodes are retried.
func reload(ctx context.Context, cur, next *config.Config, mgr *swarm.Manager, rn *runner.Runner, sched *scheduler.Scheduler, bg *sync.WaitGroup) {
	d := config.Diff(cur, next)
	for _, field := range d.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}

	if d.SwarmTimingChanged {
		mgr.SetConfig(next.Swarm)
		slog.Info("swarm settings reloaded")
	}
	if len(d.NodesAdded)+len(d.NodesRemoved)+len(d.NodesChanged) > 0 {
		bg.Go(func() {
			if err := mgr.ApplyNodes(ctx, d); err != nil {
				slog.Error("node reload incomplete", "error", err)
			}
		})
	}
	if d.SchedulerChanged {
		sched.UpdateConfig(next.Scheduler.PollInterval)
	}
	if len(d.AgentsAdded)+len(d.AgentsRemoved)+len(d.AgentsChanged) > 0 {
		slog.Info("agent definitions changed, nodes pick them up on restart",
			"added", d.AgentsAdded, "removed", d.AgentsRemoved, "changed", d.AgentsChanged)
	}

	rn.SetConfig(next.Crew)
	defs, err := loadCrewDefs(next.Crew.Dir)
	if err != nil {
		slog.Error("crew reload failed", "error", err)
		return
	}
	if err := sched.SetCrews(defs, time.Now()); err != nil {
		slog.Warn("some crews were not scheduled", "error", err)
	}
	slog.Info("config reloaded", "crews", len(defs))
}
