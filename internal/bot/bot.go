package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"crypto-drop-alerts/internal/config"
	"crypto-drop-alerts/internal/storage"
)

const helpText = `Commands:
/set - create a price-drop alert
/list - show your alerts
/pause <id> - pause an alert
/resume <id> - resume an alert
/delete <id> - delete an alert
/cancel - abandon the current /set wizard`

// Bot serves the interactive Telegram command surface: user registration,
// alert CRUD, and the three-step alert-creation wizard.
type Bot struct {
	api         *tgbotapi.BotAPI
	users       storage.UserStore
	alerts      storage.AlertStore
	sessions    SessionStore
	bounds      config.AlertingConfig
	pollTimeout int
	logger      zerolog.Logger
	limiter     *rateLimiter
}

// New connects to the Telegram Bot API and builds the command handler.
func New(cfg *config.Config, users storage.UserStore, alerts storage.AlertStore, sessions SessionStore, logger zerolog.Logger) (*Bot, error) {
	if cfg.Telegram.BotToken == "" {
		return nil, errors.New("telegram.bot_token is required")
	}

	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Telegram.BotToken, strings.TrimRight(cfg.Telegram.APIBase, "/")+"/bot%s/%s")
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot api: %w", err)
	}

	pollTimeout := cfg.Telegram.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 30
	}

	return &Bot{
		api:         api,
		users:       users,
		alerts:      alerts,
		sessions:    sessions,
		bounds:      cfg.Alerting,
		pollTimeout: pollTimeout,
		logger:      logger.With().Str("component", "bot").Logger(),
		limiter:     newRateLimiter(cfg.Telegram.RateLimitPerMin),
	}, nil
}

// Run consumes updates via long polling until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = b.pollTimeout
	updates := b.api.GetUpdatesChan(updateConfig)

	b.logger.Info().Str("bot", b.api.Self.UserName).Msg("telegram bot polling started")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}

	chatID := update.Message.Chat.ID
	if !b.limiter.allow(chatID) {
		b.logger.Warn().Int64("chat_id", chatID).Msg("rate limited")
		b.reply(chatID, "Too many commands; give it a minute.")
		return
	}

	if update.Message.IsCommand() {
		b.handleCommand(ctx, update)
		return
	}
	b.continueWizard(ctx, update)
}

func (b *Bot) handleCommand(ctx context.Context, update tgbotapi.Update) {
	command := update.Message.Command()
	args := strings.TrimSpace(update.Message.CommandArguments())
	chatID := update.Message.Chat.ID
	username := update.Message.From.UserName

	b.logger.Info().Int64("chat_id", chatID).Str("command", command).Msg("command received")

	switch command {
	case "start":
		if _, err := b.users.UpsertUser(ctx, chatID, username); err != nil {
			b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("user registration failed")
			b.reply(chatID, "Registration failed; please try again.")
			return
		}
		b.reply(chatID, "Welcome! I watch crypto prices and ping you on drops.\n\n"+helpText)
	case "help":
		b.reply(chatID, helpText)
	case "set":
		if _, err := b.users.UpsertUser(ctx, chatID, username); err != nil {
			b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("user registration failed")
			b.reply(chatID, "Something went wrong; please try again.")
			return
		}
		if err := b.sessions.Put(ctx, chatID, Session{Step: StepAsset}); err != nil {
			b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("session write failed")
			b.reply(chatID, "Something went wrong; please try again.")
			return
		}
		b.reply(chatID, "Which coin? Send its CoinGecko id (e.g. bitcoin).")
	case "list":
		b.handleList(ctx, chatID, username)
	case "delete":
		b.handleDelete(ctx, chatID, username, args)
	case "pause":
		b.handleToggle(ctx, chatID, username, args, false)
	case "resume":
		b.handleToggle(ctx, chatID, username, args, true)
	case "cancel":
		if err := b.sessions.Delete(ctx, chatID); err != nil {
			b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("session delete failed")
		}
		b.reply(chatID, "Cancelled.")
	default:
		b.reply(chatID, "Unknown command.\n\n"+helpText)
	}
}

// continueWizard advances an in-progress /set session with free-form input.
func (b *Bot) continueWizard(ctx context.Context, update tgbotapi.Update) {
	chatID := update.Message.Chat.ID
	text := update.Message.Text

	session, err := b.sessions.Get(ctx, chatID)
	if err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("session read failed")
		return
	}
	if session == nil {
		return
	}

	switch session.Step {
	case StepAsset:
		asset, err := normalizeAsset(text)
		if err != nil {
			b.reply(chatID, err.Error()+" Try again, or /cancel.")
			return
		}
		session.Asset = asset
		session.Step = StepThreshold
		if err := b.sessions.Put(ctx, chatID, *session); err != nil {
			b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("session write failed")
			return
		}
		b.reply(chatID, fmt.Sprintf("Watching %s. How big a drop should alert you, in percent (%.1f-%.0f)?",
			asset, b.bounds.MinThresholdPct, b.bounds.MaxThresholdPct))
	case StepThreshold:
		threshold, err := parseThreshold(text, b.bounds)
		if err != nil {
			b.reply(chatID, err.Error()+" Try again, or /cancel.")
			return
		}
		session.ThresholdPct = threshold.String()
		session.Step = StepWindow
		if err := b.sessions.Put(ctx, chatID, *session); err != nil {
			b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("session write failed")
			return
		}
		b.reply(chatID, fmt.Sprintf("Over what lookback window, in minutes (%d-%d)?",
			b.bounds.MinWindowMinutes, b.bounds.MaxWindowMinutes))
	case StepWindow:
		minutes, err := parseWindow(text, b.bounds)
		if err != nil {
			b.reply(chatID, err.Error()+" Try again, or /cancel.")
			return
		}
		b.finishWizard(ctx, update, *session, minutes)
	default:
		b.logger.Warn().Int64("chat_id", chatID).Int("step", int(session.Step)).Msg("unknown wizard step; resetting")
		_ = b.sessions.Delete(ctx, chatID)
	}
}

func (b *Bot) finishWizard(ctx context.Context, update tgbotapi.Update, session Session, minutes int) {
	chatID := update.Message.Chat.ID
	username := update.Message.From.UserName

	user, err := b.users.UpsertUser(ctx, chatID, username)
	if err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("user lookup failed")
		b.reply(chatID, "Something went wrong; please try again.")
		return
	}

	threshold, err := parseThreshold(session.ThresholdPct, b.bounds)
	if err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("stored threshold invalid; resetting wizard")
		_ = b.sessions.Delete(ctx, chatID)
		b.reply(chatID, "The wizard state was invalid; start over with /set.")
		return
	}

	alert := storage.Alert{
		UserID:        user.ID,
		Asset:         session.Asset,
		ThresholdPct:  threshold,
		WindowMinutes: minutes,
		Active:        true,
	}
	if err := b.alerts.CreateAlert(ctx, &alert); err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("alert creation failed")
		b.reply(chatID, "Could not save the alert; please try again.")
		return
	}

	if err := b.sessions.Delete(ctx, chatID); err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("session delete failed")
	}

	b.logger.Info().Int64("chat_id", chatID).Int64("alert_id", alert.ID).
		Str("asset", alert.Asset).Msg("alert created")
	b.reply(chatID, fmt.Sprintf("Alert #%d set: %s drops %s%% within %dm.",
		alert.ID, alert.Asset, alert.ThresholdPct.String(), alert.WindowMinutes))
}

func (b *Bot) handleList(ctx context.Context, chatID int64, username string) {
	user, err := b.users.UpsertUser(ctx, chatID, username)
	if err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("user lookup failed")
		b.reply(chatID, "Something went wrong; please try again.")
		return
	}

	alerts, err := b.alerts.ListAlertsByUser(ctx, user.ID)
	if err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("alert list failed")
		b.reply(chatID, "Something went wrong; please try again.")
		return
	}
	if len(alerts) == 0 {
		b.reply(chatID, "No alerts yet. Use /set to create one.")
		return
	}

	var builder strings.Builder
	builder.WriteString("Your alerts:\n")
	for _, alert := range alerts {
		status := "active"
		if !alert.Active {
			status = "paused"
		}
		builder.WriteString(fmt.Sprintf("#%d [%s] %s -%s%% / %dm\n",
			alert.ID, status, alert.Asset, alert.ThresholdPct.String(), alert.WindowMinutes))
	}
	b.reply(chatID, builder.String())
}

func (b *Bot) handleDelete(ctx context.Context, chatID int64, username, args string) {
	user, alertID, ok := b.resolveAlertArg(ctx, chatID, username, args, "/delete <id>")
	if !ok {
		return
	}

	if err := b.alerts.DeleteAlert(ctx, user.ID, alertID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			b.reply(chatID, fmt.Sprintf("No alert #%d.", alertID))
			return
		}
		b.logger.Error().Err(err).Int64("chat_id", chatID).Int64("alert_id", alertID).Msg("alert delete failed")
		b.reply(chatID, "Something went wrong; please try again.")
		return
	}
	b.reply(chatID, fmt.Sprintf("Alert #%d deleted.", alertID))
}

func (b *Bot) handleToggle(ctx context.Context, chatID int64, username, args string, active bool) {
	usage := "/pause <id>"
	if active {
		usage = "/resume <id>"
	}
	user, alertID, ok := b.resolveAlertArg(ctx, chatID, username, args, usage)
	if !ok {
		return
	}

	if err := b.alerts.SetAlertActive(ctx, user.ID, alertID, active); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			b.reply(chatID, fmt.Sprintf("No alert #%d.", alertID))
			return
		}
		b.logger.Error().Err(err).Int64("chat_id", chatID).Int64("alert_id", alertID).Msg("alert toggle failed")
		b.reply(chatID, "Something went wrong; please try again.")
		return
	}

	if active {
		b.reply(chatID, fmt.Sprintf("Alert #%d resumed.", alertID))
	} else {
		b.reply(chatID, fmt.Sprintf("Alert #%d paused.", alertID))
	}
}

func (b *Bot) resolveAlertArg(ctx context.Context, chatID int64, username, args, usage string) (storage.User, int64, bool) {
	alertID, err := strconv.ParseInt(strings.TrimPrefix(args, "#"), 10, 64)
	if err != nil || alertID <= 0 {
		b.reply(chatID, "Usage: "+usage)
		return storage.User{}, 0, false
	}

	user, err := b.users.UpsertUser(ctx, chatID, username)
	if err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("user lookup failed")
		b.reply(chatID, "Something went wrong; please try again.")
		return storage.User{}, 0, false
	}
	return user, alertID, true
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("reply failed")
	}
}

// rateLimiter caps commands per chat per minute.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	windows map[int64]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

func newRateLimiter(perMinute int) *rateLimiter {
	if perMinute <= 0 {
		perMinute = 20
	}
	return &rateLimiter{limit: perMinute, windows: make(map[int64]*rateWindow)}
}

func (r *rateLimiter) allow(chatID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	window, ok := r.windows[chatID]
	if !ok || now.Sub(window.start) >= time.Minute {
		r.windows[chatID] = &rateWindow{start: now, count: 1}
		return true
	}

	window.count++
	return window.count <= r.limit
}
