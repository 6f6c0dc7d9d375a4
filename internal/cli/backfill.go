package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"crypto-drop-alerts/internal/app"
)

var (
	backfillAsset  string
	backfillDays   int
	backfillDryRun bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Import historical prices for an asset into the price history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillAsset == "" {
			return fmt.Errorf("--asset must be provided")
		}
		if backfillDays <= 0 {
			return fmt.Errorf("--days must be greater than zero")
		}

		opts := app.BackfillOptions{
			Asset:  backfillAsset,
			Days:   backfillDays,
			DryRun: backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillAsset, "asset", "", "Asset id to import")
	backfillCmd.Flags().IntVar(&backfillDays, "days", 1, "How many days of history to import")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Fetch without writing to storage")
}
