package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/polywatch/internal/core/domain"
)

var (
	statusLimit int
	statusSort  string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show top whales and trending markets",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "rows per table")
	statusCmd.Flags().StringVar(&statusSort, "sort", string(domain.SortByVolume), "whale ranking: volume, score or win_rate")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	app := newApp(ctx, cfg)
	defer app.Close()

	whales, err := app.TopWhales(ctx, statusLimit, domain.WhaleSort(statusSort))
	if err != nil {
		slog.Error("Failed to load top whales", "error", err)
		app.Close()
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "WALLET\tVOLUME\tTXS\tLARGEST\tSCORE\tWIN RATE\tLAST ACTIVE")
	for _, p := range whales {
		_, _ = fmt.Fprintf(w, "%s\t%.2f\t%d\t%.2f\t%.2f\t%.2f\t%s\n",
			p.Address, p.TotalVolume, p.TxCount, p.LargestBet, p.WhaleScore, p.WinRate,
			p.LastActiveAt.Format(time.RFC3339))
	}
	_ = w.Flush()
	fmt.Println()

	trending, err := app.TrendingMarkets(ctx, statusLimit)
	if err != nil {
		slog.Error("Failed to load trending markets", "error", err)
		app.Close()
		os.Exit(1)
	}

	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "MARKET\tLAST HOUR\tBASELINE\tINCREASE %")
	for _, m := range trending {
		_, _ = fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%.2f\n",
			m.MarketID, m.Spike.CurrentVolume, m.Spike.Baseline, m.Spike.Percentage)
	}
	_ = w.Flush()
}
