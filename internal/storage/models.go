package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a registered Telegram user who owns alerts.
type User struct {
	ID             int64
	TelegramChatID int64
	Username       string
	CreatedAt      time.Time
}

// Alert is a persisted price-drop alert definition.
type Alert struct {
	ID            int64
	UserID        int64
	Asset         string
	ThresholdPct  decimal.Decimal
	WindowMinutes int
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Window returns the lookback horizon as a duration.
func (a Alert) Window() time.Duration {
	return time.Duration(a.WindowMinutes) * time.Minute
}

// PriceSample is one append-only spot price observation.
type PriceSample struct {
	Asset     string
	Price     decimal.Decimal
	SampledAt time.Time
}

// TriggerEntry records a single alert firing. It is written before delivery
// is attempted and doubles as the cooldown source of truth.
type TriggerEntry struct {
	ID             int64
	AlertID        int64
	TriggeredAt    time.Time
	ChangePct      decimal.Decimal
	ReferencePrice decimal.Decimal
	CurrentPrice   decimal.Decimal
	Delivered      bool
}
