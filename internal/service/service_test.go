package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-drop-alerts/internal/alerting"
	"crypto-drop-alerts/internal/config"
	"crypto-drop-alerts/internal/storage"
)

type fakeStore struct {
	activeAlerts   []storage.Alert
	listActiveErr  error
	baselines      map[string]*storage.PriceSample
	baselineErr    error
	samples        []storage.PriceSample
	sampleErrs     map[string]error
	fired          map[int64]bool
	triggers       []storage.TriggerEntry
	insertTrigErrs map[int64]error
	delivered      []int64
	users          map[int64]storage.User
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		baselines:      map[string]*storage.PriceSample{},
		sampleErrs:     map[string]error{},
		fired:          map[int64]bool{},
		insertTrigErrs: map[int64]error{},
		users:          map[int64]storage.User{},
	}
}

func (f *fakeStore) CreateAlert(ctx context.Context, alert *storage.Alert) error { return nil }
func (f *fakeStore) UpdateAlert(ctx context.Context, alert storage.Alert) error  { return nil }
func (f *fakeStore) SetAlertActive(ctx context.Context, userID, alertID int64, active bool) error {
	return nil
}
func (f *fakeStore) DeleteAlert(ctx context.Context, userID, alertID int64) error { return nil }
func (f *fakeStore) ListAlertsByUser(ctx context.Context, userID int64) ([]storage.Alert, error) {
	return nil, nil
}

func (f *fakeStore) ListActiveAlerts(ctx context.Context) ([]storage.Alert, error) {
	return f.activeAlerts, f.listActiveErr
}

func (f *fakeStore) InsertPriceSample(ctx context.Context, sample storage.PriceSample) error {
	if err, ok := f.sampleErrs[sample.Asset]; ok {
		return err
	}
	f.samples = append(f.samples, sample)
	return nil
}

func (f *fakeStore) OldestSampleWithinWindow(ctx context.Context, asset string, window time.Duration) (*storage.PriceSample, error) {
	if f.baselineErr != nil {
		return nil, f.baselineErr
	}
	return f.baselines[asset], nil
}

func (f *fakeStore) ListSamplesBetween(ctx context.Context, asset string, from, to time.Time) ([]storage.PriceSample, error) {
	return nil, nil
}

func (f *fakeStore) ListRecentSamples(ctx context.Context, asset string, limit int) ([]storage.PriceSample, error) {
	return nil, nil
}

func (f *fakeStore) InsertTrigger(ctx context.Context, entry storage.TriggerEntry) (int64, error) {
	if err, ok := f.insertTrigErrs[entry.AlertID]; ok {
		return 0, err
	}
	entry.ID = int64(len(f.triggers) + 1)
	f.triggers = append(f.triggers, entry)
	return entry.ID, nil
}

func (f *fakeStore) MarkTriggerDelivered(ctx context.Context, id int64) error {
	f.delivered = append(f.delivered, id)
	return nil
}

func (f *fakeStore) TriggeredSince(ctx context.Context, alertID int64, since time.Time) (bool, error) {
	return f.fired[alertID], nil
}

func (f *fakeStore) ListRecentTriggers(ctx context.Context, limit int) ([]storage.TriggerEntry, error) {
	return f.triggers, nil
}

func (f *fakeStore) UpsertUser(ctx context.Context, chatID int64, username string) (storage.User, error) {
	return storage.User{}, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, id int64) (storage.User, error) {
	user, ok := f.users[id]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return user, nil
}

type fakePrices struct {
	prices map[string]decimal.Decimal
	err    error
	calls  int
}

func (f *fakePrices) GetCurrentPrices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]decimal.Decimal)
	for _, asset := range assets {
		if price, ok := f.prices[asset]; ok {
			out[asset] = price
		}
	}
	return out, nil
}

type fakeNotifier struct {
	notes []alerting.Notification
	chats []int64
	err   error
}

func (f *fakeNotifier) Notify(ctx context.Context, chatID int64, note alerting.Notification) error {
	if f.err != nil {
		return f.err
	}
	f.chats = append(f.chats, chatID)
	f.notes = append(f.notes, note)
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Alerting.Cooldown = 30 * time.Minute
	return cfg
}

func newTestEvaluator(store *fakeStore, prices *fakePrices, notifier *fakeNotifier) *Evaluator {
	return New(testConfig(), nil, prices, store, store, store, store, notifier, zerolog.Nop())
}

func alertFixture(id int64, asset string, threshold float64, windowMinutes int) storage.Alert {
	return storage.Alert{
		ID:            id,
		UserID:        id,
		Asset:         asset,
		ThresholdPct:  decimal.NewFromFloat(threshold),
		WindowMinutes: windowMinutes,
		Active:        true,
	}
}

func price(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestDropBeyondThresholdTriggers(t *testing.T) {
	store := newFakeStore()
	store.activeAlerts = []storage.Alert{alertFixture(1, "bitcoin", 5, 60)}
	store.baselines["bitcoin"] = &storage.PriceSample{Asset: "bitcoin", Price: price(100)}
	store.users[1] = storage.User{ID: 1, TelegramChatID: 42}

	prices := &fakePrices{prices: map[string]decimal.Decimal{"bitcoin": price(94)}}
	notifier := &fakeNotifier{}
	eval := newTestEvaluator(store, prices, notifier)

	if err := eval.ProcessTick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("tick should succeed: %v", err)
	}

	if len(store.triggers) != 1 {
		t.Fatalf("expected 1 trigger, got %d", len(store.triggers))
	}
	if got := store.triggers[0].ChangePct; !got.Equal(price(-6)) {
		t.Fatalf("expected change -6%%, got %s", got.String())
	}
	if len(notifier.chats) != 1 || notifier.chats[0] != 42 {
		t.Fatalf("expected delivery to chat 42, got %v", notifier.chats)
	}
	if len(store.delivered) != 1 {
		t.Fatalf("expected trigger marked delivered, got %v", store.delivered)
	}
}

func TestDropWithinThresholdDoesNotTrigger(t *testing.T) {
	store := newFakeStore()
	store.activeAlerts = []storage.Alert{alertFixture(1, "bitcoin", 5, 60)}
	store.baselines["bitcoin"] = &storage.PriceSample{Asset: "bitcoin", Price: price(100)}
	store.users[1] = storage.User{ID: 1, TelegramChatID: 42}

	prices := &fakePrices{prices: map[string]decimal.Decimal{"bitcoin": price(96)}}
	notifier := &fakeNotifier{}
	eval := newTestEvaluator(store, prices, notifier)

	if err := eval.ProcessTick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("tick should succeed: %v", err)
	}

	if len(store.triggers) != 0 {
		t.Fatalf("a -4%% change must not trigger a 5%% alert")
	}
	// History still accumulates on a no-fire tick.
	if len(store.samples) != 1 || store.samples[0].Asset != "bitcoin" {
		t.Fatalf("expected one recorded sample, got %v", store.samples)
	}
}

func TestExactThresholdDropTriggers(t *testing.T) {
	store := newFakeStore()
	store.activeAlerts = []storage.Alert{alertFixture(1, "bitcoin", 5, 60)}
	store.baselines["bitcoin"] = &storage.PriceSample{Asset: "bitcoin", Price: price(100)}
	store.users[1] = storage.User{ID: 1, TelegramChatID: 42}

	prices := &fakePrices{prices: map[string]decimal.Decimal{"bitcoin": price(95)}}
	notifier := &fakeNotifier{}
	eval := newTestEvaluator(store, prices, notifier)

	if err := eval.ProcessTick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("tick should succeed: %v", err)
	}
	if len(store.triggers) != 1 {
		t.Fatalf("an exact -5%% change must trigger a 5%% alert")
	}
}

func TestRiseNeverTriggers(t *testing.T) {
	store := newFakeStore()
	store.activeAlerts = []storage.Alert{alertFixture(1, "bitcoin", 5, 60)}
	store.baselines["bitcoin"] = &storage.PriceSample{Asset: "bitcoin", Price: price(100)}
	store.users[1] = storage.User{ID: 1, TelegramChatID: 42}

	prices := &fakePrices{prices: map[string]decimal.Decimal{"bitcoin": price(120)}}
	notifier := &fakeNotifier{}
	eval := newTestEvaluator(store, prices, notifier)

	if err := eval.ProcessTick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("tick should succeed: %v", err)
	}
	if len(store.triggers) != 0 {
		t.Fatal("a rise must never trigger")
	}
}

func TestCooldownSuppressesFurtherDrops(t *testing.T) {
	store := newFakeStore()
	store.activeAlerts = []storage.Alert{alertFixture(1, "bitcoin", 5, 60)}
	store.baselines["bitcoin"] = &storage.PriceSample{Asset: "bitcoin", Price: price(100)}
	store.users[1] = storage.User{ID: 1, TelegramChatID: 42}
	store.fired[1] = true

	prices := &fakePrices{prices: map[string]decimal.Decimal{"bitcoin": price(50)}}
	notifier := &fakeNotifier{}
	eval := newTestEvaluator(store, prices, notifier)

	if err := eval.ProcessTick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("tick should succeed: %v", err)
	}

	if len(store.triggers) != 0 || len(notifier.notes) != 0 {
		t.Fatal("an alert in cooldown must not fire however far price drops")
	}
	// The sample is still recorded while suppressed.
	if len(store.samples) != 1 {
		t.Fatalf("expected one recorded sample, got %d", len(store.samples))
	}
}

func TestNoHistorySkipsWithoutError(t *testing.T) {
	store := newFakeStore()
	store.activeAlerts = []storage.Alert{alertFixture(1, "bitcoin", 5, 60)}
	store.users[1] = storage.User{ID: 1, TelegramChatID: 42}

	prices := &fakePrices{prices: map[string]decimal.Decimal{"bitcoin": price(94)}}
	notifier := &fakeNotifier{}
	eval := newTestEvaluator(store, prices, notifier)

	if err := eval.ProcessTick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("missing history must not surface an error: %v", err)
	}
	if len(store.triggers) != 0 || len(notifier.notes) != 0 {
		t.Fatal("no baseline means no trigger")
	}
}

func TestSharedAssetFiresOnlyCrossedThresholds(t *testing.T) {
	store := newFakeStore()
	store.activeAlerts = []storage.Alert{
		alertFixture(1, "ethereum", 3, 60),
		alertFixture(2, "ethereum", 8, 60),
	}
	store.baselines["ethereum"] = &storage.PriceSample{Asset: "ethereum", Price: price(100)}
	store.users[1] = storage.User{ID: 1, TelegramChatID: 11}
	store.users[2] = storage.User{ID: 2, TelegramChatID: 22}

	prices := &fakePrices{prices: map[string]decimal.Decimal{"ethereum": price(95)}}
	notifier := &fakeNotifier{}
	eval := newTestEvaluator(store, prices, notifier)

	if err := eval.ProcessTick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("tick should succeed: %v", err)
	}

	if prices.calls != 1 {
		t.Fatalf("shared asset must be fetched once per tick, got %d calls", prices.calls)
	}
	if len(store.samples) != 1 {
		t.Fatalf("shared asset must be recorded once per tick, got %d samples", len(store.samples))
	}
	if len(store.triggers) != 1 || store.triggers[0].AlertID != 1 {
		t.Fatalf("only the 3%% alert should fire on a -5%% change, got %v", store.triggers)
	}
}

func TestPartialFetchSkipsUnpricedAssets(t *testing.T) {
	store := newFakeStore()
	store.activeAlerts = []storage.Alert{
		alertFixture(1, "bitcoin", 5, 60),
		alertFixture(2, "dogecoin", 5, 60),
	}
	store.baselines["bitcoin"] = &storage.PriceSample{Asset: "bitcoin", Price: price(100)}
	store.baselines["dogecoin"] = &storage.PriceSample{Asset: "dogecoin", Price: price(1)}
	store.users[1] = storage.User{ID: 1, TelegramChatID: 11}
	store.users[2] = storage.User{ID: 2, TelegramChatID: 22}

	prices := &fakePrices{prices: map[string]decimal.Decimal{"bitcoin": price(90)}}
	notifier := &fakeNotifier{}
	eval := newTestEvaluator(store, prices, notifier)

	if err := eval.ProcessTick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("a partial price response must not abort the tick: %v", err)
	}

	if len(store.samples) != 1 || store.samples[0].Asset != "bitcoin" {
		t.Fatalf("only the priced asset should be recorded, got %v", store.samples)
	}
	if len(store.triggers) != 1 || store.triggers[0].AlertID != 1 {
		t.Fatalf("only the priced asset's alert should be evaluated, got %v", store.triggers)
	}
}

func TestTotalFetchFailureAbortsTick(t *testing.T) {
	store := newFakeStore()
	store.activeAlerts = []storage.Alert{alertFixture(1, "bitcoin", 5, 60)}

	prices := &fakePrices{err: errors.New("price source unreachable")}
	eval := newTestEvaluator(store, prices, &fakeNotifier{})

	if err := eval.ProcessTick(context.Background(), time.Now().UTC()); err == nil {
		t.Fatal("whole-batch fetch failure must abort the tick")
	}
	if len(store.samples) != 0 || len(store.triggers) != 0 {
		t.Fatal("an aborted tick must not write samples or triggers")
	}
}

func TestNoActiveAlertsSkipsFetch(t *testing.T) {
	store := newFakeStore()
	prices := &fakePrices{}
	eval := newTestEvaluator(store, prices, &fakeNotifier{})

	if err := eval.ProcessTick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("tick should succeed: %v", err)
	}
	if prices.calls != 0 {
		t.Fatal("no active alerts means no fetch")
	}
}

func TestTriggerWriteFailureSuppressesNotification(t *testing.T) {
	store := newFakeStore()
	store.activeAlerts = []storage.Alert{
		alertFixture(1, "bitcoin", 5, 60),
		alertFixture(2, "bitcoin", 5, 60),
	}
	store.baselines["bitcoin"] = &storage.PriceSample{Asset: "bitcoin", Price: price(100)}
	store.users[1] = storage.User{ID: 1, TelegramChatID: 11}
	store.users[2] = storage.User{ID: 2, TelegramChatID: 22}
	store.insertTrigErrs[1] = errors.New("disk full")

	prices := &fakePrices{prices: map[string]decimal.Decimal{"bitcoin": price(90)}}
	notifier := &fakeNotifier{}
	eval := newTestEvaluator(store, prices, notifier)

	if err := eval.ProcessTick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("a per-alert failure must not abort the tick: %v", err)
	}

	// Alert 1's write failed: no notification for it. Alert 2 proceeds.
	if len(notifier.chats) != 1 || notifier.chats[0] != 22 {
		t.Fatalf("expected only chat 22 to be notified, got %v", notifier.chats)
	}
	if len(store.triggers) != 1 || store.triggers[0].AlertID != 2 {
		t.Fatalf("expected only alert 2's trigger recorded, got %v", store.triggers)
	}
}

func TestMissingOwnerSkipsDeliveryButKeepsTrigger(t *testing.T) {
	store := newFakeStore()
	store.activeAlerts = []storage.Alert{alertFixture(1, "bitcoin", 5, 60)}
	store.baselines["bitcoin"] = &storage.PriceSample{Asset: "bitcoin", Price: price(100)}

	prices := &fakePrices{prices: map[string]decimal.Decimal{"bitcoin": price(90)}}
	notifier := &fakeNotifier{}
	eval := newTestEvaluator(store, prices, notifier)

	if err := eval.ProcessTick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("a missing owner must not abort the tick: %v", err)
	}

	if len(store.triggers) != 1 {
		t.Fatal("the trigger row is written before owner resolution")
	}
	if len(notifier.notes) != 0 {
		t.Fatal("no delivery without a resolvable owner")
	}
}

func TestDeliveryFailureLeavesCooldownInEffect(t *testing.T) {
	store := newFakeStore()
	store.activeAlerts = []storage.Alert{alertFixture(1, "bitcoin", 5, 60)}
	store.baselines["bitcoin"] = &storage.PriceSample{Asset: "bitcoin", Price: price(100)}
	store.users[1] = storage.User{ID: 1, TelegramChatID: 42}

	prices := &fakePrices{prices: map[string]decimal.Decimal{"bitcoin": price(90)}}
	notifier := &fakeNotifier{err: errors.New("telegram down")}
	eval := newTestEvaluator(store, prices, notifier)

	if err := eval.ProcessTick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("delivery failure must not abort the tick: %v", err)
	}

	if len(store.triggers) != 1 {
		t.Fatal("the trigger row must exist despite the failed delivery")
	}
	if len(store.delivered) != 0 {
		t.Fatal("a failed delivery must not be marked delivered")
	}
}

func TestNotificationCarriesAlertContext(t *testing.T) {
	store := newFakeStore()
	store.activeAlerts = []storage.Alert{alertFixture(1, "bitcoin", 5, 120)}
	store.baselines["bitcoin"] = &storage.PriceSample{Asset: "bitcoin", Price: price(200)}
	store.users[1] = storage.User{ID: 1, TelegramChatID: 42}

	prices := &fakePrices{prices: map[string]decimal.Decimal{"bitcoin": price(100)}}
	notifier := &fakeNotifier{}
	eval := newTestEvaluator(store, prices, notifier)

	if err := eval.ProcessTick(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("tick should succeed: %v", err)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifier.notes))
	}

	note := notifier.notes[0]
	if note.Asset != "bitcoin" || note.WindowMinutes != 120 {
		t.Fatalf("notification context wrong: %+v", note)
	}
	if !note.ChangePct.Equal(price(-50)) {
		t.Fatalf("expected -50%% change, got %s", note.ChangePct.String())
	}
	if !note.ReferencePrice.Equal(price(200)) || !note.CurrentPrice.Equal(price(100)) {
		t.Fatalf("prices wrong: %+v", note)
	}
}

func TestGroupByAssetPreservesFirstAppearance(t *testing.T) {
	alerts := []storage.Alert{
		alertFixture(1, "bitcoin", 5, 60),
		alertFixture(2, "ethereum", 5, 60),
		alertFixture(3, "bitcoin", 2, 60),
	}

	assets, groups := groupByAsset(alerts)
	if len(assets) != 2 || assets[0] != "bitcoin" || assets[1] != "ethereum" {
		t.Fatalf("unexpected asset order: %v", assets)
	}
	if len(groups["bitcoin"]) != 2 || len(groups["ethereum"]) != 1 {
		t.Fatalf("unexpected grouping: %v", groups)
	}
}
