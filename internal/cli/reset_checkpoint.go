package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var resetCheckpointCmd = &cobra.Command{
	Use:   "reset-checkpoint [block_height]",
	Short: "Reset the subscriber's block checkpoint to a given height",
	Args:  cobra.ExactArgs(1),
	Run:   runResetCheckpoint,
}

func init() {
	rootCmd.AddCommand(resetCheckpointCmd)
}

func runResetCheckpoint(cmd *cobra.Command, args []string) {
	height, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Invalid block height: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig()
	ctx := context.Background()

	app := newApp(ctx, cfg)
	defer app.Close()

	if err := app.ResetCheckpoint(ctx, height); err != nil {
		slog.Error("Failed to reset checkpoint", "error", err)
		app.Close()
		os.Exit(1)
	}
	fmt.Printf("Checkpoint reset to block %d\n", height)
}
