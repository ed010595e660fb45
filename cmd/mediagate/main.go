// Command mediagate runs the media moderation pipeline: the HTTP front door,
// the queue workers, and operator tooling.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mediagate: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mediagate",
		Short: "MediaGate upload-to-publish moderation pipeline",
		Long: `MediaGate accepts user video uploads, stores them durably, runs visual and
transcript analysis, and publishes only what passes moderation.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newAPICmd(),
		newWorkerCmd(),
		newMigrateCmd(),
		newStatusCmd(),
	)
	return cmd
}
