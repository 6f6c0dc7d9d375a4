package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification carries the context of a single alert firing.
type Notification struct {
	Asset          string
	ChangePct      decimal.Decimal
	ThresholdPct   decimal.Decimal
	WindowMinutes  int
	ReferencePrice decimal.Decimal
	CurrentPrice   decimal.Decimal
	TriggeredAt    time.Time
}

// Notifier delivers a rendered alert to one recipient.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, note Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls the sendMessage API with the rendered alert text.
func (n *TelegramNotifier) Notify(ctx context.Context, chatID int64, note Notification) error {
	payload := map[string]string{
		"chat_id": strconv.FormatInt(chatID, 10),
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Int64("chat_id", chatID).
		Str("asset", note.Asset).
		Str("change_pct", note.ChangePct.StringFixed(2)).
		Msg("alert delivered")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("📉 %s price drop\n", note.Asset))
	builder.WriteString(fmt.Sprintf("Change: %s%% over the last %s (threshold %s%%)\n",
		note.ChangePct.StringFixed(2), formatWindow(note.WindowMinutes), note.ThresholdPct.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Was: %s\n", note.ReferencePrice.String()))
	builder.WriteString(fmt.Sprintf("Now: %s\n", note.CurrentPrice.String()))
	builder.WriteString(fmt.Sprintf("At: %s UTC", note.TriggeredAt.UTC().Format(time.RFC3339)))
	return builder.String()
}

func formatWindow(minutes int) string {
	if minutes%60 == 0 {
		hours := minutes / 60
		if hours == 1 {
			return "1h"
		}
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dm", minutes)
}

var _ Notifier = (*TelegramNotifier)(nil)
