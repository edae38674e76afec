// Command jobstream serves and observes live coding-agent job event streams.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// rootOptions holds the global flags.
type rootOptions struct {
	Addr  string
	Debug bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "jobstream",
		Short:         "Live event streams for coding-agent jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", envOr("JOBSTREAM_ADDR", "http://127.0.0.1:8080"), "jobstream server base URL")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "enable debug logs")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newTailCommand(opts))
	cmd.AddCommand(newCreateCommand(opts))
	cmd.AddCommand(newControlCommand(opts, "approve", "Approve a job"))
	cmd.AddCommand(newControlCommand(opts, "cancel", "Cancel a job"))
	cmd.AddCommand(newDemoCommand(opts))
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
