package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStressCmd(opts *Options) *cobra.Command {
	var (
		workloadPath string
		duration     time.Duration
		profile      bool
		snapshot     string
		strict       bool
	)
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a mutator workload against a host and an embedded heap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := DefaultWorkload()
			if workloadPath != "" {
				var err error
				if w, err = LoadWorkload(workloadPath); err != nil {
					return err
				}
			}
			if duration > 0 {
				w.Duration = duration
			}
			if profile {
				w.Profile = true
			}
			if snapshot != "" {
				w.Snapshot = snapshot
			}

			report, err := RunWorkload(cmd.Context(), opts.manifest, w)
			if err != nil {
				return fmt.Errorf("stress %s: %w", w.Name, err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, report)
			if report.ProfilePath != "" {
				fmt.Fprintf(out, "  profile:  %s (%d samples)\n", report.ProfilePath, report.Samples)
			}
			if strict && report.Partial > 0 {
				return errWithCode(fmt.Errorf("%d cross-runtime triggers degraded to partial", report.Partial), exitPartial)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workloadPath, "workload", "w", "", "YAML workload file")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "Override the workload duration")
	cmd.Flags().BoolVar(&profile, "profile", false, "Sample the host heap and write a CPU profile")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "Write the final embedded heap snapshot to this file")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero if any cross-runtime trigger was partial")
	return cmd
}
