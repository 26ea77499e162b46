// Command jobsyncctl runs the adaptive controller loop described in
// spec.md §4.4: it drives repeated scheduler rounds against a set of
// targets, adjusting each target's workload config between rounds to
// steer achieved latency toward a target value.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/deepstorage/jobsync/internal/controller"
	"github.com/deepstorage/jobsync/internal/history"
	"github.com/deepstorage/jobsync/internal/schedulerengine"
	"github.com/deepstorage/jobsync/internal/telemetry"
)

func main() {
	a := controller.DefaultArgs()
	var cfgFile string
	var historyDB string

	cmd := &cobra.Command{
		Use:   "jobsyncctl CONFIG-FILE CONFIG-DIR OUTPUT-PARENT WORK-FOLDER LOG-PATH TARGET-LATENCY",
		Short: "Run the adaptive controller loop against a set of targets",
		Args:  cobra.ExactArgs(6),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.ConfigFile = args[0]
			a.ConfigDir = args[1]
			a.OutputParent = args[2]
			a.WorkFolder = args[3]
			a.LogPath = args[4]
			var err error
			if _, err = fmt.Sscanf(args[5], "%f", &a.TargetLatency); err != nil {
				return fmt.Errorf("jobsyncctl: invalid target-latency %q: %w", args[5], err)
			}
			a.HistoryDBPath = historyDB
			if a.HistoryDBPath == "" {
				a.HistoryDBPath = a.WorkFolder + "/jobsync-history.sqlite3"
			}
			return runController(a)
		},
	}

	cmd.Flags().IntVar(&a.MaxRuns, "max-runs", a.MaxRuns, "maximum number of rounds before aborting")
	cmd.Flags().DurationVar(&a.Timeout, "timeout", a.Timeout, "per-round scheduler timeout (0 = none)")
	cmd.Flags().Float64Var(&a.SuccessMultiplier, "success-multiplier", a.SuccessMultiplier, "IO rate multiplier on a passing round")
	cmd.Flags().Float64Var(&a.FailureMultiplier, "failure-multiplier", a.FailureMultiplier, "IO rate multiplier on a failing round")
	cmd.Flags().IntVar(&a.ConsecutiveFailures, "consecutive-failures", a.ConsecutiveFailures, "abort after this many consecutive failing rounds")
	cmd.Flags().Float64Var(&a.Fuzziness, "fuzziness", a.Fuzziness, "acceptable fractional skew from target latency")
	cmd.Flags().Float64Var(&a.IOPSTolerance, "iops-tolerance", a.IOPSTolerance, "abort if achieved*tolerance < requested IOPS")
	cmd.Flags().BoolVar(&a.BinarySearch, "binary-search", a.BinarySearch, "enable binary-search convergence mode")
	cmd.Flags().IntVar(&a.BinarySearchIterations, "binary-search-iterations", a.BinarySearchIterations, "maximum binary-search iterations")
	cmd.Flags().BoolVarP(&a.Verbose, "verbose", "v", false, "enable verbose logging")
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (overrides flags via Viper)")
	cmd.Flags().StringVar(&historyDB, "history-db", "", "path to the SQLite round-history database (default <work-folder>/jobsync-history.sqlite3)")

	cobra.OnInitialize(func() {
		if cfgFile == "" {
			return
		}
		viper.SetConfigFile(cfgFile)
		viper.SetEnvPrefix("JOBSYNC")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if viper.IsSet(f.Name) {
				_ = f.Value.Set(viper.GetString(f.Name))
			}
		})
	})

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runController(a controller.Args) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("jobsyncctl: invalid arguments: %w", err)
	}

	logger := telemetry.NewLogger(os.Stderr, a.Verbose)
	fs := afero.NewOsFs()

	if err := fs.MkdirAll(a.ConfigDir, 0o755); err != nil {
		return err
	}
	if err := fs.MkdirAll(a.OutputParent, 0o755); err != nil {
		return err
	}
	if err := fs.MkdirAll(a.WorkFolder, 0o755); err != nil {
		return err
	}

	cfg, err := controller.ParseConfig(fs, a.ConfigFile)
	if err != nil {
		return err
	}

	store, err := history.Open(a.HistoryDBPath)
	if err != nil {
		return fmt.Errorf("jobsyncctl: open history db: %w", err)
	}
	defer store.Close()

	engine := schedulerengine.NewEngine(logger)
	engine.ConnectTimeout = 10 * time.Second

	c := &controller.Controller{
		Args:    a,
		Config:  cfg,
		Fs:      fs,
		Engine:  engine,
		History: store,
		Logger:  logger,
	}

	outcome, err := c.Run(context.Background())
	if err != nil {
		return err
	}
	logger.Info("controller finished", "rounds", outcome.Rounds, "reason", outcome.Reason)
	return nil
}
