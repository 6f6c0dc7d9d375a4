package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"crypto-drop-alerts/internal/config"
)

var errEmptyAsset = errors.New("asset id must not be empty")

// normalizeAsset canonicalises a user-supplied asset id. The id is not
// validated against the price source; an unknown id simply never prices.
func normalizeAsset(input string) (string, error) {
	asset := strings.ToLower(strings.TrimSpace(input))
	if asset == "" {
		return "", errEmptyAsset
	}
	if strings.ContainsAny(asset, " ,") {
		return "", fmt.Errorf("asset id must be a single identifier, got %q", input)
	}
	return asset, nil
}

// parseThreshold parses and bounds-checks a drop threshold percent.
func parseThreshold(input string, bounds config.AlertingConfig) (decimal.Decimal, error) {
	raw := strings.TrimSuffix(strings.TrimSpace(input), "%")
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("threshold must be a number, got %q", input)
	}

	min := decimal.NewFromFloat(bounds.MinThresholdPct)
	max := decimal.NewFromFloat(bounds.MaxThresholdPct)
	if value.LessThan(min) || value.GreaterThan(max) {
		return decimal.Decimal{}, fmt.Errorf("threshold must be between %s%% and %s%%", min.String(), max.String())
	}
	return value, nil
}

// parseWindow parses and bounds-checks a lookback window in minutes.
func parseWindow(input string, bounds config.AlertingConfig) (int, error) {
	raw := strings.TrimSpace(input)
	minutes, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("window must be a whole number of minutes, got %q", input)
	}
	if minutes < bounds.MinWindowMinutes || minutes > bounds.MaxWindowMinutes {
		return 0, fmt.Errorf("window must be between %d and %d minutes", bounds.MinWindowMinutes, bounds.MaxWindowMinutes)
	}
	return minutes, nil
}
