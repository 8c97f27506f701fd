package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var testConnectionCmd = &cobra.Command{
	Use:   "test-connection",
	Short: "Check that the active RPC endpoint answers",
	Run:   runTestConnection,
}

func init() {
	rootCmd.AddCommand(testConnectionCmd)
}

func runTestConnection(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	app := newApp(ctx, cfg)
	defer app.Close()

	block, err := app.TestConnection(ctx)
	if err != nil {
		slog.Error("Connection test failed", "error", err)
		app.Close()
		os.Exit(1)
	}
	fmt.Printf("OK: latest block %d\n", block)
}
