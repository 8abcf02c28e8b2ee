package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/mtzanidakis/swarmcrew/internal/store"
	"github.com/spf13/cobra"
)

func newRunsCmd(load loader) *cobra.Command {
	var limit int

	withStore := func(fn func(db *store.Store, out io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			db, err := store.New(cfg.Store)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()
			return fn(db, cmd.OutOrStdout())
		}
	}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded crew runs",
		Args:  cobra.NoArgs,
		RunE: withStore(func(db *store.Store, out io.Writer) error {
			runs, err := db.ListRuns(limit)
			if err != nil {
				return err
			}
			printRuns(out, runs)
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of runs to list, 0 for all")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a recorded run with its result",
		Args:  cobra.ExactArgs(1),
	}
	show.RunE = func(cmd *cobra.Command, args []string) error {
		return withStore(func(db *store.Store, out io.Writer) error {
			r, err := db.GetRun(args[0])
			if err != nil {
				return err
			}
			if r == nil {
				return fmt.Errorf("run %s not found", args[0])
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(r)
		})(cmd, args)
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a recorded run",
		Args:  cobra.ExactArgs(1),
	}
	del.RunE = func(cmd *cobra.Command, args []string) error {
		return withStore(func(db *store.Store, out io.Writer) error {
			found, err := db.DeleteRun(args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("run %s not found", args[0])
			}
			fmt.Fprintf(out, "Deleted run %s\n", args[0])
			return nil
		})(cmd, args)
	}

	cmd.AddCommand(show, del)
	return cmd
}

func printRuns(out io.Writer, runs []store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMODE\tSTATUS\tTASKS\tFAILED\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\n",
			r.ID, r.Name, r.Mode, r.Status, r.Completed, r.Tasks, r.Failed,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), duration)
	}
	w.Flush()
}
