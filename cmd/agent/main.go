// Command agent runs the jobsync agent: it listens for a scheduler
// connection, executes the commands the scheduler hands it, and reports
// results back over the wire protocol (spec.md §4.2). It takes no
// positional arguments and listens until signalled, per spec.md §6.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deepstorage/jobsync/internal/agentengine"
	"github.com/deepstorage/jobsync/internal/telemetry"
	"github.com/deepstorage/jobsync/internal/wire"
)

var (
	port       int
	verbose    bool
	graceDelay time.Duration
)

func main() {
	cmd := &cobra.Command{
		Use:   "jobsync-agent",
		Short: "Run the jobsync agent, listening for a scheduler connection",
		RunE:  run,
	}
	cmd.Flags().IntVarP(&port, "port", "p", wire.DefaultPort, "TCP port to listen on")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	cmd.Flags().DurationVar(&graceDelay, "grace-delay", 0, "pause between sending DONE and closing the connection (0 = 3s default)")
	_ = viper.BindPFlag("verbose", cmd.Flags().Lookup("verbose"))

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := telemetry.NewLogger(os.Stderr, verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := agentengine.NewServer(logger, graceDelay)
	addr := fmt.Sprintf(":%d", port)
	logger.Info("agent listening", "addr", addr)

	err := srv.ListenAndServe(ctx, addr)
	if err != nil && ctx.Err() != nil {
		logger.Info("agent shutting down")
		return nil
	}
	return err
}
