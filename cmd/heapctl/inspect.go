package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chazu/heapcoord/vm"
	"github.com/chazu/heapcoord/vm/wire"
)

func readProfileFile(path string) (*wire.Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	prof, err := wire.ReadProfile(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return prof, nil
}

// StackCount is the number of samples that shared a stack.
type StackCount struct {
	Stack string
	Count int
}

// topStacks counts samples per stack, most frequent first. Ties sort by
// stack so output is stable.
func topStacks(prof *wire.Profile, leafOnly bool) []StackCount {
	counts := make(map[string]int)
	for _, s := range prof.Samples {
		key := vm.IdleFrame
		if len(s.Frames) > 0 {
			if leafOnly {
				key = s.Frames[len(s.Frames)-1]
			} else {
				key = strings.Join(s.Frames, ";")
			}
		}
		counts[key]++
	}
	out := make([]StackCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, StackCount{Stack: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Stack < out[j].Stack
	})
	return out
}

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect CPU profiles",
	}

	var (
		top      int
		leafOnly bool
	)
	show := &cobra.Command{
		Use:   "show FILE",
		Short: "Summarize a .cpuprofile file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prof, err := readProfileFile(args[0])
			if err != nil {
				return err
			}
			return writeProfileSummary(cmd.OutOrStdout(), prof, top, leafOnly)
		},
	}
	show.Flags().IntVarP(&top, "top", "n", 10, "Number of stacks to show")
	show.Flags().BoolVar(&leafOnly, "leaf", false, "Group by innermost frame only")
	cmd.AddCommand(show)
	return cmd
}

func writeProfileSummary(out io.Writer, prof *wire.Profile, top int, leafOnly bool) error {
	h := prof.Header
	fmt.Fprintf(out, "session %s on %s\n", h.SessionID, h.Target)
	fmt.Fprintf(out, "started %s, interval %s, %d samples (%d dropped)\n",
		time.Unix(0, h.Started).Format(time.RFC3339), time.Duration(h.Interval),
		prof.Trailer.Samples, prof.Trailer.Dropped)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SAMPLES\tPCT\tSTACK")
	total := len(prof.Samples)
	for i, sc := range topStacks(prof, leafOnly) {
		if top > 0 && i >= top {
			break
		}
		fmt.Fprintf(tw, "%d\t%.1f%%\t%s\n", sc.Count, 100*float64(sc.Count)/float64(total), sc.Stack)
	}
	return tw.Flush()
}

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect heap snapshots",
	}
	show := &cobra.Command{
		Use:   "show FILE",
		Short: "Summarize a heap snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			snap, err := wire.DecodeSnapshot(f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			return writeSnapshotSummary(cmd.OutOrStdout(), snap)
		},
	}
	cmd.AddCommand(show)
	return cmd
}

func writeSnapshotSummary(out io.Writer, snap *wire.Snapshot) error {
	var (
		bytes   uint64
		foreign int
		byClass = make(map[uint8][2]uint64) // class -> objects, bytes
	)
	for _, o := range snap.Objects {
		bytes += o.Size
		foreign += len(o.Foreign)
		c := byClass[o.SizeClass]
		c[0]++
		c[1] += o.Size
		byClass[o.SizeClass] = c
	}
	fmt.Fprintf(out, "heap %s at %s\n", snap.Heap, time.Unix(0, snap.Taken).Format(time.RFC3339))
	fmt.Fprintf(out, "%d objects, %d bytes of %d, %d roots, %d foreign refs\n",
		len(snap.Objects), bytes, snap.RegionSize, len(snap.Roots), foreign)

	classes := make([]int, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, int(c))
	}
	sort.Ints(classes)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLASS\tOBJECTS\tBYTES")
	for _, c := range classes {
		v := byClass[uint8(c)]
		label := fmt.Sprint(c)
		if c == 0 {
			label = "large"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\n", label, v[0], v[1])
	}
	return tw.Flush()
}
