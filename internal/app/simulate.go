package app

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"crypto-drop-alerts/internal/fetcher"
	"crypto-drop-alerts/internal/service"
)

// SimulateAlert runs one evaluation tick against the real store with a
// forced price for a single asset. Alerts on other assets are skipped as
// unpriced, so this exercises exactly the alerts watching the given asset.
func (a *App) SimulateAlert(ctx context.Context, asset string, price decimal.Decimal) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	static := &staticFetcher{asset: asset, price: price}
	eval := service.New(a.Config, nil, static, store, store, store, store, a.newNotifier(), a.Logger)

	return eval.ProcessTick(ctx, time.Now().UTC())
}

type staticFetcher struct {
	asset string
	price decimal.Decimal
}

func (s *staticFetcher) GetCurrentPrices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, 1)
	for _, asset := range assets {
		if asset == s.asset {
			prices[asset] = s.price
		}
	}
	return prices, nil
}

var _ fetcher.PriceFetcher = (*staticFetcher)(nil)
