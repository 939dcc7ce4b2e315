package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chazu/heapcoord/history"
)

func newHistoryCmd(opts *Options) *cobra.Command {
	var (
		heap     string
		limit    int
		triggers bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded collection cycles and cross-runtime triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := opts.manifest
			if m.History.Driver == "" {
				return fmt.Errorf("history is disabled: set [history] driver in heapcoord.toml")
			}
			store, err := history.Open(m.History.Driver, m.HistoryDSN())
			if err != nil {
				return err
			}
			defer store.Close()

			if triggers {
				return writeTriggers(cmd.OutOrStdout(), store, limit)
			}
			return writeCycles(cmd.OutOrStdout(), store, heap, limit)
		},
	}
	cmd.Flags().StringVar(&heap, "heap", "", "Only show cycles of this heap")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of rows to show")
	cmd.Flags().BoolVar(&triggers, "triggers", false, "Show cross-runtime triggers instead of cycles")
	return cmd
}

func writeCycles(out io.Writer, store *history.Store, heap string, limit int) error {
	cycles, err := store.RecentCycles(heap, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HEAP\tSEQ\tTYPE\tREASON\tREQS\tPAUSE\tDURATION\tMARKED\tSWEPT\tMOVED\tFREED")
	for _, c := range cycles {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\t%s\t%d\t%d\t%d\t%d\n",
			c.Heap, c.Seq, c.Type, c.Reason, c.Requests,
			c.Pause.Round(time.Microsecond), c.Duration.Round(time.Microsecond),
			c.Marked, c.Swept, c.Moved, c.FreedBytes)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if heap != "" {
		sum, err := store.Summarize(heap)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %d cycles, total pause %s, max pause %s, %d bytes freed\n",
			heap, sum.Cycles, sum.TotalPause, sum.MaxPause, sum.FreedBytes)
	}
	return nil
}

func writeTriggers(out io.Writer, store *history.Store, limit int) error {
	triggers, err := store.RecentTriggers(limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATUS\tSTARTED\tDURATION\tCROSS\tHOST\tDEGRADED")
	for _, t := range triggers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			t.Session, t.Status, t.Started.Format(time.RFC3339Nano), t.Duration.Round(time.Microsecond),
			t.CrossRoots, t.HostRefs, t.Degraded)
	}
	return tw.Flush()
}
