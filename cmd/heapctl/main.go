// heapctl drives and inspects coordinated heaps: it runs stress workloads
// against a host/embedded heap pair and reads back the profiles, snapshots
// and cycle history those runs leave behind.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/heapcoord/manifest"
)

const (
	exitError   = 1
	exitPartial = 3
)

var (
	// Set via ldflags during build.
	version   = "dev"
	gitCommit = "unknown"
)

// Options holds the flags shared by every command.
type Options struct {
	ConfigDir string
	Verbose   int
	LogFile   string

	manifest *manifest.Manifest
}

// codedError carries a process exit code.
type codedError struct {
	err  error
	code int
}

func (e codedError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e codedError) Unwrap() error { return e.err }

func errWithCode(err error, code int) error {
	return codedError{err: err, code: code}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if err.Error() != "" {
			fmt.Fprintln(os.Stderr, err.Error())
		}
		var cErr codedError
		if errors.As(err, &cErr) {
			os.Exit(cErr.code)
		}
		os.Exit(exitError)
	}
}

func newRootCmd() *cobra.Command {
	opts := &Options{}
	rootCmd := &cobra.Command{
		Use:   "heapctl",
		Short: "Drive and inspect coordinated garbage-collected heaps",
		Long: `heapctl runs stress workloads against a host heap and an embedded heap
joined by a cross-runtime collector, and inspects what those runs record.

Configuration is read from heapcoord.toml, found by walking up from the
current directory unless --config names a directory.`,
		Example: `  heapctl stress                         # Run the default workload
  heapctl stress -w mixed.yaml --profile  # Run a workload file and sample it
  heapctl profile show app.cpuprofile     # Summarize a CPU profile
  heapctl snapshot show embedded.snap     # Summarize a heap snapshot
  heapctl history --heap host -n 20       # Show the last 20 host cycles`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf("heapctl version %s\n  commit: %s\n", version, gitCommit))

	rootCmd.PersistentFlags().StringVarP(&opts.ConfigDir, "config", "c", "", "Directory containing heapcoord.toml")
	rootCmd.PersistentFlags().CountVarP(&opts.Verbose, "verbose", "v", "Increase log verbosity (repeatable)")
	rootCmd.PersistentFlags().StringVar(&opts.LogFile, "log", "", "Write logs to this file instead of stderr")

	rootCmd.AddCommand(
		newStressCmd(opts),
		newProfileCmd(),
		newSnapshotCmd(),
		newHistoryCmd(opts),
	)
	return rootCmd
}

// setup loads the manifest and configures logging. Flags override the
// manifest's [log] section.
func (o *Options) setup() error {
	var (
		m   *manifest.Manifest
		err error
	)
	if o.ConfigDir != "" {
		m, err = manifest.Load(o.ConfigDir)
	} else {
		var wd string
		if wd, err = os.Getwd(); err == nil {
			m, err = manifest.FindAndLoad(wd)
		}
	}
	if err != nil {
		return err
	}
	if m == nil {
		m = manifest.Default()
	}
	o.manifest = m

	verbosity := m.Log.Verbosity + o.Verbose
	logFile := m.Log.File
	if o.LogFile != "" {
		logFile = o.LogFile
	}
	var path *string
	if logFile != "" {
		path = &logFile
	}
	commonlog.Configure(verbosity, path)
	return nil
}
