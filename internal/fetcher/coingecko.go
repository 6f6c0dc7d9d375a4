package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	simplePricePath = "/simple/price"
	marketChartPath = "/coins/%s/market_chart"
)

// CoingeckoOptions parameterise the CoinGecko fetcher.
type CoingeckoOptions struct {
	BaseURL    string
	VSCurrency string
	Timeout    time.Duration
	UserAgent  string
	APIKey     string
}

// Coingecko fetches spot prices from the CoinGecko simple price API.
type Coingecko struct {
	opts    CoingeckoOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCoingecko constructs a CoinGecko fetcher.
func NewCoingecko(opts CoingeckoOptions, logger zerolog.Logger) *Coingecko {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}

	if opts.VSCurrency == "" {
		opts.VSCurrency = "usd"
	}

	return &Coingecko{
		opts:    opts,
		logger:  logger.With().Str("component", "coingecko_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// GetCurrentPrices retrieves spot prices for the given asset ids in one call.
// Assets CoinGecko cannot price are simply absent from the result.
func (c *Coingecko) GetCurrentPrices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	if len(assets) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	query := url.Values{}
	query.Set("ids", strings.Join(assets, ","))
	query.Set("vs_currencies", c.opts.VSCurrency)

	payload, err := c.get(ctx, c.baseURL+simplePricePath+"?"+query.Encode())
	if err != nil {
		return nil, err
	}

	var body map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode simple price response: %w", err)
	}

	prices := make(map[string]decimal.Decimal, len(body))
	for asset, quotes := range body {
		price, ok := quotes[c.opts.VSCurrency]
		if !ok || price.IsZero() {
			continue
		}
		prices[asset] = price
	}

	if missing := len(assets) - len(prices); missing > 0 {
		c.logger.Warn().Int("requested", len(assets)).Int("priced", len(prices)).
			Msg("some assets were not priced by coingecko")
	}

	return prices, nil
}

// FetchHistory retrieves up to the given number of days of historical prices
// for one asset via the market_chart endpoint.
func (c *Coingecko) FetchHistory(ctx context.Context, asset string, days int) ([]PricePoint, error) {
	if asset == "" {
		return nil, errors.New("asset id is required")
	}
	if days <= 0 {
		days = 1
	}

	query := url.Values{}
	query.Set("vs_currency", c.opts.VSCurrency)
	query.Set("days", fmt.Sprintf("%d", days))

	endpoint := c.baseURL + fmt.Sprintf(marketChartPath, url.PathEscape(asset)) + "?" + query.Encode()
	payload, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var body struct {
		Prices [][2]json.Number `json:"prices"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode market chart response: %w", err)
	}

	points := make([]PricePoint, 0, len(body.Prices))
	for _, pair := range body.Prices {
		ms, err := pair[0].Int64()
		if err != nil {
			return nil, fmt.Errorf("parse chart timestamp: %w", err)
		}
		price, err := decimal.NewFromString(pair[1].String())
		if err != nil {
			return nil, fmt.Errorf("parse chart price: %w", err)
		}
		points = append(points, PricePoint{
			At:    time.UnixMilli(ms).UTC(),
			Price: price,
		})
	}

	return points, nil
}

func (c *Coingecko) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if c.opts.APIKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	return payload, nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Status.ErrorMessage != "" {
			return fmt.Errorf("coingecko api error (%d): %s", status, apiErr.Status.ErrorMessage)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("coingecko api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("coingecko api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("coingecko api error (%d)", status)
}

var _ PriceFetcher = (*Coingecko)(nil)
var _ HistoryFetcher = (*Coingecko)(nil)
