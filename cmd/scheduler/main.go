// Command scheduler drives a plan file's Tests against their target
// agents, per spec.md §4.3 and §6's Scheduler CLI: flags -h, -s (simulate,
// no network), -v, -l (enable log), and a positional plan path.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/deepstorage/jobsync/internal/plan"
	"github.com/deepstorage/jobsync/internal/schedlog"
	"github.com/deepstorage/jobsync/internal/schedulerengine"
	"github.com/deepstorage/jobsync/internal/telemetry"
	"github.com/deepstorage/jobsync/internal/wire"
)

var (
	simulate  bool
	verbose   bool
	enableLog bool
	logDir    string
	port      int
)

func main() {
	cmd := &cobra.Command{
		Use:   "jobsync-scheduler PLAN",
		Short: "Run a plan file's tests against their target agents",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	cmd.Flags().BoolVarP(&simulate, "simulate", "s", false, "parse and print the plan without contacting any agent")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	cmd.Flags().BoolVarP(&enableLog, "log", "l", false, "write every test's results to one log file, scheduler_<timestamp>.log")
	cmd.Flags().StringVar(&logDir, "log-dir", ".", "directory for per-test result logs, used with -l")
	cmd.Flags().IntVar(&port, "port", wire.DefaultPort, "agent TCP port")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := telemetry.NewLogger(os.Stderr, verbose)
	fs := afero.NewOsFs()

	p, err := plan.ParseFile(fs, args[0])
	if err != nil {
		return err
	}
	logger.Info("plan parsed", "tests", len(p.Tests))

	if simulate {
		for _, test := range p.Tests {
			fmt.Printf("%s: minhosts=%s targets=%d\n", test.Label, test.MinHosts, len(test.Targets))
			for _, target := range test.Targets {
				for _, spec := range test.Specs[target] {
					fmt.Printf("  %s: %s (timeout=%s)\n", target, spec.Command, spec.Timeout)
				}
			}
		}
		return nil
	}

	engine := schedulerengine.NewEngine(logger)
	engine.Port = port
	engine.Emit = func(test, target string, r wire.Result) {
		logger.Info("result", "test", test, "target", target, "command", r.Command, "status", r.Status)
		fmt.Print(r.Encode())
	}

	// One uncompressed log file holds the rows of every test in the plan;
	// rows do not carry the test label.
	if enableLog {
		f, err := schedlog.OpenFile(fs, logDir, "scheduler", false, time.Now())
		if err != nil {
			return err
		}
		defer f.Close()
		engine.Log = schedlog.NewRowWriter(f)
	}

	reports, err := engine.RunPlan(context.Background(), p)
	if err != nil {
		return err
	}

	exitCode := 0
	for _, report := range reports {
		if report.Aborted {
			exitCode = 1
			logger.Warn("test aborted", "test", report.Label, "reason", report.Reason)
		}
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}
