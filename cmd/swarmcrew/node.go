package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/swarmcrew/internal/agent"
	"github.com/mtzanidakis/swarmcrew/internal/config"
	"github.com/mtzanidakis/swarmcrew/internal/natsbus"
	"github.com/mtzanidakis/swarmcrew/internal/swarm"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

func newNodeCmd(load loader) *cobra.Command {
	var id, listen, transport string
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Start a swarm node serving the configured agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if id != "" {
				cfg.Node.ID = id
			}
			if listen != "" {
				cfg.Node.Listen = listen
			}
			if transport != "" {
				cfg.Node.Transport = transport
			}
			return runNode(cfg)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "node id (default node.id or the hostname)")
	cmd.Flags().StringVar(&listen, "listen", "", "gRPC listen address")
	cmd.Flags().StringVar(&transport, "transport", "", "grpc or nats")
	return cmd
}

// natsURL is the server a node connects to: the configured URL or the manager's
// embedded server on this host.
func natsURL(cfg config.NATSConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	return fmt.Sprintf("nats://127.0.0.1:%d", cfg.Port)
}

func runNode(cfg *config.Config) error {
	id := cfg.Node.ID
	if id == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("node id: %w", err)
		}
		id = host
	}

	reg, err := agent.FromConfig(cfg.Agents, cfg.Defaults, cfg.Node.Agents)
	if err != nil {
		return fmt.Errorf("init agents: %w", err)
	}
	if len(reg.Names()) == 0 {
		return fmt.Errorf("node %s: no agents configured", id)
	}

	stopTracing, err := startTracing(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer stopTracing()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ns := swarm.NewNodeServer(id, reg, cfg.Node.MaxConcurrent)
	slog.Info("starting swarmcrew node", "version", version, "node", id, "transport", cfg.Node.Transport,
		"agents", reg.Names(), "max_concurrent", cfg.Node.MaxConcurrent)

	switch cfg.Node.Transport {
	case config.TransportNATS:
		nc, err := natsbus.NewClientFromURL(natsURL(cfg.NATS), nats.Name("swarmcrew-node-"+id))
		if err != nil {
			return err
		}
		defer nc.Close()
		sub, err := natsbus.ServeNode(nc, id, ns)
		if err != nil {
			return err
		}
		<-ctx.Done()
		slog.Info("shutting down")
		return sub.Drain()
	default:
		lis, err := net.Listen("tcp", cfg.Node.Listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Node.Listen, err)
		}
		slog.Info("node serving on grpc", "addr", lis.Addr().String())
		return swarm.ServeGRPC(ctx, lis, ns)
	}
}
