package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestCoingecko(baseURL string) *Coingecko {
	return NewCoingecko(CoingeckoOptions{
		BaseURL:    baseURL,
		VSCurrency: "usd",
		Timeout:    time.Second,
		UserAgent:  "test",
	}, noopLogger())
}

func TestGetCurrentPricesEmptySet(t *testing.T) {
	c := newTestCoingecko("http://localhost:0")
	prices, err := c.GetCurrentPrices(context.Background(), nil)
	if err != nil {
		t.Fatalf("empty asset set should not call out: %v", err)
	}
	if len(prices) != 0 {
		t.Fatalf("expected empty result, got %v", prices)
	}
}

func TestGetCurrentPricesPartialResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ids"); got != "bitcoin,nonsense" {
			t.Fatalf("unexpected ids param: %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]map[string]float64{
			"bitcoin": {"usd": 64000.5},
		})
	}))
	defer srv.Close()

	c := newTestCoingecko(srv.URL)
	prices, err := c.GetCurrentPrices(context.Background(), []string{"bitcoin", "nonsense"})
	if err != nil {
		t.Fatalf("a partial response is not an error: %v", err)
	}

	if len(prices) != 1 {
		t.Fatalf("expected 1 priced asset, got %d", len(prices))
	}
	if !prices["bitcoin"].Equal(decimal.NewFromFloat(64000.5)) {
		t.Fatalf("wrong price: %s", prices["bitcoin"].String())
	}
}

func TestGetCurrentPricesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": map[string]any{"error_code": 429, "error_message": "rate limited"},
		})
	}))
	defer srv.Close()

	c := newTestCoingecko(srv.URL)
	if _, err := c.GetCurrentPrices(context.Background(), []string{"bitcoin"}); err == nil {
		t.Fatal("HTTP 429 should surface an error")
	}
}

func TestFetchHistoryParsesChart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/coins/bitcoin/market_chart" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"prices": [][2]float64{
				{1700000000000, 35000.25},
				{1700000300000, 34900},
			},
		})
	}))
	defer srv.Close()

	c := newTestCoingecko(srv.URL)
	points, err := c.FetchHistory(context.Background(), "bitcoin", 1)
	if err != nil {
		t.Fatalf("FetchHistory should succeed: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	if !points[0].Price.Equal(decimal.NewFromFloat(35000.25)) {
		t.Fatalf("wrong first price: %s", points[0].Price.String())
	}
	if points[0].At != time.UnixMilli(1700000000000).UTC() {
		t.Fatalf("wrong first timestamp: %s", points[0].At)
	}
}

func TestFetchHistoryRequiresAsset(t *testing.T) {
	c := newTestCoingecko("http://localhost:0")
	if _, err := c.FetchHistory(context.Background(), "", 1); err == nil {
		t.Fatal("missing asset id should error")
	}
}
