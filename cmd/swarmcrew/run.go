package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mtzanidakis/swarmcrew/internal/agent"
	"github.com/mtzanidakis/swarmcrew/internal/config"
	"github.com/mtzanidakis/swarmcrew/internal/crew"
	"github.com/mtzanidakis/swarmcrew/internal/registry"
	"github.com/mtzanidakis/swarmcrew/internal/runner"
	"github.com/mtzanidakis/swarmcrew/internal/store"
	"github.com/mtzanidakis/swarmcrew/internal/swarm"
	"github.com/spf13/cobra"
)

type runOptions struct {
	inputs   map[string]string
	nodes    int
	record   bool
	jsonOut  bool
	evaluate bool
}

func newRunCmd(load loader) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <crew.yaml>",
		Short: "Run a crew in this process",
		Long: "Run a crew in this process. With --nodes the tasks are spread over an\n" +
			"in-process swarm of that many nodes instead of running directly.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runCrewFile(cmd.Context(), cmd.OutOrStdout(), cfg, args[0], opts)
		},
	}
	cmd.Flags().StringToStringVarP(&opts.inputs, "input", "i", nil, "seed input key=value, repeatable")
	cmd.Flags().IntVarP(&opts.nodes, "nodes", "n", 0, "run on an in-process swarm of n nodes")
	cmd.Flags().BoolVar(&opts.record, "record", false, "record the run in the store")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print the full result as JSON")
	cmd.Flags().BoolVar(&opts.evaluate, "evaluate", false, "collect a parallelism report")
	return cmd
}

func runCrewFile(ctx context.Context, out io.Writer, cfg *config.Config, path string, opts runOptions) error {
	def, err := config.LoadCrew(path)
	if err != nil {
		return err
	}
	if opts.evaluate {
		def.Evaluate = true
	}

	stopTracing, err := startTracing(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer stopTracing()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := agent.FromConfig(cfg.Agents, cfg.Defaults, nil)
	if err != nil {
		return err
	}

	var ropts []runner.Option
	if opts.record {
		db, err := store.New(cfg.Store)
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		defer db.Close()
		ropts = append(ropts, runner.WithStore(db))
	}

	var (
		dispatcher crew.Dispatcher = reg
		mode                       = store.ModeLocal
	)
	if opts.nodes > 0 {
		m, err := localSwarm(ctx, cfg, reg, opts.nodes)
		if err != nil {
			return err
		}
		defer m.Close()
		dispatcher, mode = m, store.ModeSwarm
	}

	res, err := runner.New(dispatcher, mode, cfg.Crew, ropts...).Run(ctx, *def, toInputs(opts.inputs))
	if res != nil {
		if opts.jsonOut {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
		} else {
			printResult(out, def, res)
		}
	}
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("crew %s: %d of %d tasks did not complete", def.Name, len(res.Failures), len(res.Tasks))
	}
	return nil
}

// localSwarm starts n in-process nodes serving every agent in reg and registers them
// with a fresh manager.
func localSwarm(ctx context.Context, cfg *config.Config, reg *registry.Registry, n int) (*swarm.Manager, error) {
	servers := make([]*swarm.NodeServer, 0, n)
	for i := range n {
		servers = append(servers, swarm.NewNodeServer(fmt.Sprintf("node-%d", i+1), reg, cfg.Node.MaxConcurrent))
	}
	m := swarm.NewManager(cfg.Swarm, swarm.WithLocalNodes(nil, servers...))
	for _, ns := range servers {
		if _, err := m.RegisterNode(ctx, ns.ID(), swarm.LocalScheme+ns.ID(), reg.Names()); err != nil {
			_ = m.Close()
			return nil, err
		}
	}
	return m, nil
}

func toInputs(kv map[string]string) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	out := make(map[string]any, len(kv))
	for k, v := range kv {
		out[k] = v
	}
	return out
}

func printResult(out io.Writer, def *config.CrewDefinition, res *crew.Result) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tAGENT\tSTATUS\tNODE\tATTEMPTS\tERROR")
	for _, t := range def.Tasks {
		o := res.Tasks[t.Name]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", o.Name, o.Agent, o.Status, o.Node, o.Attempts, o.Error)
	}
	tw.Flush()

	var keys []string
	for _, t := range def.Tasks {
		if o := res.Tasks[t.Name]; o.Status == crew.StatusCompleted {
			keys = append(keys, t.Key())
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "\n[%s]\n%v\n", k, res.Outputs[k])
	}

	if res.Report != nil {
		fmt.Fprintf(out, "\nwall time %s, overlapping pairs %d\n", res.Report.Total.Round(time.Millisecond), len(res.Report.Overlaps))
	}
}
