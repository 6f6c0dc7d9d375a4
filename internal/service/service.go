package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-drop-alerts/internal/alerting"
	"crypto-drop-alerts/internal/config"
	"crypto-drop-alerts/internal/fetcher"
	"crypto-drop-alerts/internal/scheduler"
	"crypto-drop-alerts/internal/storage"
)

// Evaluator runs the alert evaluation cycle: sample prices for every asset
// with an active alert, append them to the history, and fire alerts whose
// drop threshold is met and whose cooldown has expired.
type Evaluator struct {
	scheduler *scheduler.Scheduler
	prices    fetcher.PriceFetcher
	alerts    storage.AlertStore
	history   storage.PriceHistoryStore
	triggers  storage.TriggerLogStore
	users     storage.UserStore
	notifier  alerting.Notifier
	logger    zerolog.Logger

	cooldown time.Duration
	locker   storage.AdvisoryLocker
	lockKey  int64
}

// New constructs the evaluator.
func New(
	cfg *config.Config,
	sched *scheduler.Scheduler,
	prices fetcher.PriceFetcher,
	alerts storage.AlertStore,
	history storage.PriceHistoryStore,
	triggers storage.TriggerLogStore,
	users storage.UserStore,
	notifier alerting.Notifier,
	logger zerolog.Logger,
) *Evaluator {
	var locker storage.AdvisoryLocker
	var lockKey int64
	if cfg != nil {
		lockKey = cfg.Scheduler.AdvisoryLockKey
	}
	if l, ok := alerts.(storage.AdvisoryLocker); ok {
		locker = l
	}

	cooldown := 30 * time.Minute
	if cfg != nil && cfg.Alerting.Cooldown > 0 {
		cooldown = cfg.Alerting.Cooldown
	}

	return &Evaluator{
		scheduler: sched,
		prices:    prices,
		alerts:    alerts,
		history:   history,
		triggers:  triggers,
		users:     users,
		notifier:  notifier,
		logger:    logger.With().Str("component", "evaluator").Logger(),
		cooldown:  cooldown,
		locker:    locker,
		lockKey:   lockKey,
	}
}

// Run begins the scheduled evaluation loop.
func (e *Evaluator) Run(ctx context.Context) error {
	if e.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return e.scheduler.Run(ctx, e.ProcessTick)
}

// ProcessTick executes one full evaluation pass at the given time.
func (e *Evaluator) ProcessTick(ctx context.Context, now time.Time) error {
	unlock, proceed, err := e.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		e.logger.Debug().Time("tick", now).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return e.executeTick(ctx, now)
}

func (e *Evaluator) executeTick(ctx context.Context, now time.Time) error {
	active, err := e.alerts.ListActiveAlerts(ctx)
	if err != nil {
		return fmt.Errorf("list active alerts: %w", err)
	}
	if len(active) == 0 {
		e.logger.Debug().Msg("no active alerts; nothing to evaluate")
		return nil
	}

	assets, groups := groupByAsset(active)

	prices, err := e.prices.GetCurrentPrices(ctx, assets)
	if err != nil {
		return fmt.Errorf("fetch current prices: %w", err)
	}

	// History accumulates for every priced asset regardless of trigger
	// outcomes, and one failed insert must not stop the others.
	for _, asset := range assets {
		price, ok := prices[asset]
		if !ok {
			continue
		}
		sample := storage.PriceSample{Asset: asset, Price: price, SampledAt: now}
		if err := e.history.InsertPriceSample(ctx, sample); err != nil {
			e.logger.Error().Err(err).Str("asset", asset).Msg("failed to record price sample")
		}
	}

	evaluated := 0
	fired := 0
	for _, asset := range assets {
		price, ok := prices[asset]
		if !ok {
			e.logger.Warn().Str("asset", asset).Int("alerts", len(groups[asset])).
				Msg("asset missing from price response; skipping its alerts this tick")
			continue
		}

		for _, alert := range groups[asset] {
			evaluated++
			if e.evaluateAlert(ctx, alert, price, now) {
				fired++
			}
		}
	}

	e.logger.Info().Int("alerts", evaluated).Int("fired", fired).
		Int("assets", len(assets)).Time("tick", now).Msg("tick evaluated")
	return nil
}

// evaluateAlert decides and executes a single alert's firing. All failures
// are contained here so one alert cannot abort the rest of the tick.
func (e *Evaluator) evaluateAlert(ctx context.Context, alert storage.Alert, current decimal.Decimal, now time.Time) bool {
	logger := e.logger.With().Int64("alert_id", alert.ID).Str("asset", alert.Asset).Logger()

	recently, err := e.triggers.TriggeredSince(ctx, alert.ID, now.Add(-e.cooldown))
	if err != nil {
		logger.Error().Err(err).Msg("cooldown lookup failed")
		return false
	}
	if recently {
		logger.Debug().Msg("suppressed by cooldown")
		return false
	}

	baseline, err := e.history.OldestSampleWithinWindow(ctx, alert.Asset, alert.Window())
	if err != nil {
		logger.Error().Err(err).Msg("baseline lookup failed")
		return false
	}
	if baseline == nil || baseline.Price.IsZero() {
		logger.Debug().Int("window_minutes", alert.WindowMinutes).Msg("insufficient history; skipping")
		return false
	}

	change := current.Sub(baseline.Price).Div(baseline.Price).Mul(decimal.NewFromInt(100))

	// A drop of at least threshold percent fires; equality fires, rises never do.
	if change.GreaterThan(alert.ThresholdPct.Neg()) {
		return false
	}

	entry := storage.TriggerEntry{
		AlertID:        alert.ID,
		TriggeredAt:    now,
		ChangePct:      change,
		ReferencePrice: baseline.Price,
		CurrentPrice:   current,
		Delivered:      false,
	}

	// The trigger row is what enforces the cooldown, so it must be durable
	// before any delivery attempt. If it cannot be written, do not notify.
	triggerID, err := e.triggers.InsertTrigger(ctx, entry)
	if err != nil {
		logger.Error().Err(err).Msg("trigger log write failed; notification aborted")
		return false
	}

	owner, err := e.users.GetUserByID(ctx, alert.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Error().Int64("user_id", alert.UserID).Msg("alert owner not found")
		} else {
			logger.Error().Err(err).Int64("user_id", alert.UserID).Msg("owner lookup failed")
		}
		return true
	}

	note := alerting.Notification{
		Asset:          alert.Asset,
		ChangePct:      change,
		ThresholdPct:   alert.ThresholdPct,
		WindowMinutes:  alert.WindowMinutes,
		ReferencePrice: baseline.Price,
		CurrentPrice:   current,
		TriggeredAt:    now,
	}

	if e.notifier == nil {
		logger.Warn().Msg("no notifier configured; trigger recorded without delivery")
		return true
	}

	if err := e.notifier.Notify(ctx, owner.TelegramChatID, note); err != nil {
		// Cooldown already took effect from the trigger row; delivery is
		// not retried within the tick.
		logger.Error().Err(err).Msg("alert delivery failed")
		return true
	}

	if err := e.triggers.MarkTriggerDelivered(ctx, triggerID); err != nil {
		logger.Warn().Err(err).Msg("failed to mark trigger delivered")
	}

	logger.Info().Str("change_pct", change.StringFixed(2)).
		Str("threshold_pct", alert.ThresholdPct.StringFixed(2)).
		Msg("alert fired")
	return true
}

// groupByAsset partitions alerts so each asset is fetched and recorded once
// per tick no matter how many alerts share it. Asset order follows first
// appearance in the input.
func groupByAsset(alerts []storage.Alert) ([]string, map[string][]storage.Alert) {
	assets := make([]string, 0)
	groups := make(map[string][]storage.Alert)
	for _, alert := range alerts {
		if _, seen := groups[alert.Asset]; !seen {
			assets = append(assets, alert.Asset)
		}
		groups[alert.Asset] = append(groups[alert.Asset], alert)
	}
	return assets, groups
}

func (e *Evaluator) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.lockKey == 0 || e.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.locker.TryAdvisoryLock(ctx, e.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
