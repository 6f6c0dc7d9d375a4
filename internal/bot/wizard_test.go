package bot

import (
	"testing"

	"github.com/shopspring/decimal"

	"crypto-drop-alerts/internal/config"
)

func testBounds() config.AlertingConfig {
	return config.AlertingConfig{
		MinThresholdPct:  0.1,
		MaxThresholdPct:  100,
		MinWindowMinutes: 5,
		MaxWindowMinutes: 1440,
	}
}

func TestNormalizeAsset(t *testing.T) {
	asset, err := normalizeAsset("  Bitcoin ")
	if err != nil {
		t.Fatalf("valid asset should parse: %v", err)
	}
	if asset != "bitcoin" {
		t.Fatalf("expected lowercase trimmed id, got %q", asset)
	}

	if _, err := normalizeAsset("   "); err == nil {
		t.Fatal("blank input should be rejected")
	}
	if _, err := normalizeAsset("bitcoin, ethereum"); err == nil {
		t.Fatal("multiple ids should be rejected")
	}
}

func TestParseThresholdBounds(t *testing.T) {
	bounds := testBounds()

	value, err := parseThreshold("5", bounds)
	if err != nil {
		t.Fatalf("5 should parse: %v", err)
	}
	if !value.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("wrong value: %s", value.String())
	}

	if _, err := parseThreshold("2.5%", bounds); err != nil {
		t.Fatalf("a trailing %% sign should be tolerated: %v", err)
	}
	if _, err := parseThreshold("0.1", bounds); err != nil {
		t.Fatalf("the lower bound is inclusive: %v", err)
	}
	if _, err := parseThreshold("100", bounds); err != nil {
		t.Fatalf("the upper bound is inclusive: %v", err)
	}
	if _, err := parseThreshold("0.05", bounds); err == nil {
		t.Fatal("below the minimum should be rejected")
	}
	if _, err := parseThreshold("150", bounds); err == nil {
		t.Fatal("above the maximum should be rejected")
	}
	if _, err := parseThreshold("lots", bounds); err == nil {
		t.Fatal("non-numeric input should be rejected")
	}
}

func TestParseWindowBounds(t *testing.T) {
	bounds := testBounds()

	minutes, err := parseWindow(" 60 ", bounds)
	if err != nil {
		t.Fatalf("60 should parse: %v", err)
	}
	if minutes != 60 {
		t.Fatalf("wrong value: %d", minutes)
	}

	if _, err := parseWindow("5", bounds); err != nil {
		t.Fatalf("the lower bound is inclusive: %v", err)
	}
	if _, err := parseWindow("1440", bounds); err != nil {
		t.Fatalf("the upper bound is inclusive: %v", err)
	}
	if _, err := parseWindow("4", bounds); err == nil {
		t.Fatal("below the minimum should be rejected")
	}
	if _, err := parseWindow("2000", bounds); err == nil {
		t.Fatal("above the maximum should be rejected")
	}
	if _, err := parseWindow("1.5", bounds); err == nil {
		t.Fatal("fractional minutes should be rejected")
	}
}
