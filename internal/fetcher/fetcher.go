package fetcher

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceFetcher batch-fetches current spot prices for a set of asset ids.
// Implementations omit assets they cannot price and return an error only on
// total unavailability.
type PriceFetcher interface {
	GetCurrentPrices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error)
}

// PricePoint is one historical price observation returned by a backfill.
type PricePoint struct {
	At    time.Time
	Price decimal.Decimal
}

// HistoryFetcher retrieves historical prices for a single asset.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, asset string, days int) ([]PricePoint, error)
}
