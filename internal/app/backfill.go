package app

import (
	"context"
	"errors"

	"crypto-drop-alerts/internal/storage"
)

// Backfill imports historical prices for one asset from CoinGecko's market
// chart into the price history, so freshly created alerts have a baseline
// before the sampling loop has run for a full window.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.Asset == "" {
		return errors.New("--asset must be provided")
	}
	if opts.Days <= 0 {
		return errors.New("--days must be greater than zero")
	}

	gecko := a.newCoingecko()

	points, err := gecko.FetchHistory(ctx, opts.Asset, opts.Days)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		a.Logger.Warn().Str("asset", opts.Asset).Msg("market chart returned no points")
		return nil
	}

	if opts.DryRun {
		a.Logger.Info().Str("asset", opts.Asset).Int("points", len(points)).
			Msg("dry-run: would import points")
		return nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	imported := 0
	failed := 0
	for _, point := range points {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		sample := storage.PriceSample{Asset: opts.Asset, Price: point.Price, SampledAt: point.At}
		if err := store.InsertPriceSample(ctx, sample); err != nil {
			failed++
			a.Logger.Error().Err(err).Time("sampled_at", point.At).Msg("import failed for point")
			continue
		}
		imported++
	}

	a.Logger.Info().Str("asset", opts.Asset).Int("imported", imported).Int("failed", failed).
		Msg("backfill complete")
	if failed > 0 {
		return errors.New("some points failed to import; check the logs")
	}
	return nil
}
