package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

const (
	upsertUserSQL = `INSERT INTO users (telegram_chat_id, username)
    VALUES ($1, $2)
    ON CONFLICT (telegram_chat_id) DO UPDATE
    SET username = EXCLUDED.username
    RETURNING id, telegram_chat_id, username, created_at;`

	getUserByIDSQL = `SELECT id, telegram_chat_id, username, created_at
    FROM users
    WHERE id = $1;`

	insertAlertSQL = `INSERT INTO alerts (user_id, asset, threshold_pct, window_minutes, active)
    VALUES ($1, $2, $3, $4, $5)
    RETURNING id, created_at, updated_at;`

	updateAlertSQL = `UPDATE alerts
    SET threshold_pct = $3,
        window_minutes = $4,
        active = $5,
        updated_at = now()
    WHERE id = $1 AND user_id = $2;`

	setAlertActiveSQL = `UPDATE alerts
    SET active = $3, updated_at = now()
    WHERE id = $1 AND user_id = $2;`

	deleteAlertSQL = `DELETE FROM alerts WHERE id = $1 AND user_id = $2;`

	listAlertsByUserSQL = `SELECT id, user_id, asset, threshold_pct, window_minutes, active, created_at, updated_at
    FROM alerts
    WHERE user_id = $1
    ORDER BY id;`

	listActiveAlertsSQL = `SELECT id, user_id, asset, threshold_pct, window_minutes, active, created_at, updated_at
    FROM alerts
    WHERE active
    ORDER BY asset, id;`

	insertPriceSampleSQL = `INSERT INTO price_samples (asset, price, sampled_at)
    VALUES ($1, $2, $3);`

	oldestSampleWithinWindowSQL = `SELECT asset, price, sampled_at
    FROM price_samples
    WHERE asset = $1
      AND sampled_at >= $2
    ORDER BY sampled_at ASC
    LIMIT 1;`

	listSamplesBetweenSQL = `SELECT asset, price, sampled_at
    FROM price_samples
    WHERE asset = $1
      AND sampled_at >= $2
      AND sampled_at < $3
    ORDER BY sampled_at;`

	listRecentSamplesSQL = `SELECT asset, price, sampled_at
    FROM price_samples
    WHERE asset = $1
    ORDER BY sampled_at DESC
    LIMIT $2;`

	insertTriggerSQL = `INSERT INTO alert_triggers (alert_id, triggered_at, change_pct, reference_price, current_price, delivered)
    VALUES ($1, $2, $3, $4, $5, $6)
    RETURNING id;`

	markTriggerDeliveredSQL = `UPDATE alert_triggers
    SET delivered = true
    WHERE id = $1;`

	triggeredSinceSQL = `SELECT EXISTS (
        SELECT 1 FROM alert_triggers
        WHERE alert_id = $1
          AND triggered_at >= $2
    );`

	listRecentTriggersSQL = `SELECT id, alert_id, triggered_at, change_pct, reference_price, current_price, delivered
    FROM alert_triggers
    ORDER BY triggered_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// UserStore defines operations over registered users.
type UserStore interface {
	UpsertUser(ctx context.Context, chatID int64, username string) (User, error)
	GetUserByID(ctx context.Context, id int64) (User, error)
}

// AlertStore defines CRUD over alert definitions.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *Alert) error
	UpdateAlert(ctx context.Context, alert Alert) error
	SetAlertActive(ctx context.Context, userID, alertID int64, active bool) error
	DeleteAlert(ctx context.Context, userID, alertID int64) error
	ListAlertsByUser(ctx context.Context, userID int64) ([]Alert, error)
	ListActiveAlerts(ctx context.Context) ([]Alert, error)
}

// PriceHistoryStore defines the append-only price time series.
type PriceHistoryStore interface {
	InsertPriceSample(ctx context.Context, sample PriceSample) error
	OldestSampleWithinWindow(ctx context.Context, asset string, window time.Duration) (*PriceSample, error)
	ListSamplesBetween(ctx context.Context, asset string, from, to time.Time) ([]PriceSample, error)
	ListRecentSamples(ctx context.Context, asset string, limit int) ([]PriceSample, error)
}

// TriggerLogStore records alert firings and answers the cooldown query.
type TriggerLogStore interface {
	InsertTrigger(ctx context.Context, entry TriggerEntry) (int64, error)
	MarkTriggerDelivered(ctx context.Context, id int64) error
	TriggeredSince(ctx context.Context, alertID int64, since time.Time) (bool, error)
	ListRecentTriggers(ctx context.Context, limit int) ([]TriggerEntry, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to users, alerts, price history, and trigger logs.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// UpsertUser registers or refreshes a Telegram user.
func (s *Store) UpsertUser(ctx context.Context, chatID int64, username string) (User, error) {
	pool, err := s.getPool()
	if err != nil {
		return User{}, err
	}

	var user User
	row := pool.QueryRow(ctx, upsertUserSQL, chatID, username)
	if scanErr := row.Scan(&user.ID, &user.TelegramChatID, &user.Username, &user.CreatedAt); scanErr != nil {
		return User{}, fmt.Errorf("upsert user: %w", scanErr)
	}
	return user, nil
}

// GetUserByID resolves a user by internal id.
func (s *Store) GetUserByID(ctx context.Context, id int64) (User, error) {
	pool, err := s.getPool()
	if err != nil {
		return User{}, err
	}

	var user User
	row := pool.QueryRow(ctx, getUserByIDSQL, id)
	if scanErr := row.Scan(&user.ID, &user.TelegramChatID, &user.Username, &user.CreatedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", scanErr)
	}
	return user, nil
}

// CreateAlert persists a new alert definition and fills in generated fields.
func (s *Store) CreateAlert(ctx context.Context, alert *Alert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.UserID,
		alert.Asset,
		alert.ThresholdPct.String(),
		alert.WindowMinutes,
		alert.Active,
	)
	if scanErr := row.Scan(&alert.ID, &alert.CreatedAt, &alert.UpdatedAt); scanErr != nil {
		return fmt.Errorf("create alert: %w", scanErr)
	}
	return nil
}

// UpdateAlert rewrites the mutable fields of an alert owned by its user.
func (s *Store) UpdateAlert(ctx context.Context, alert Alert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tag, execErr := pool.Exec(ctx, updateAlertSQL,
		alert.ID,
		alert.UserID,
		alert.ThresholdPct.String(),
		alert.WindowMinutes,
		alert.Active,
	)
	if execErr != nil {
		return fmt.Errorf("update alert: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAlertActive toggles the active flag.
func (s *Store) SetAlertActive(ctx context.Context, userID, alertID int64, active bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, setAlertActiveSQL, alertID, userID, active)
	if execErr != nil {
		return fmt.Errorf("set alert active: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAlert removes an alert; its trigger log rows cascade.
func (s *Store) DeleteAlert(ctx context.Context, userID, alertID int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertSQL, alertID, userID)
	if execErr != nil {
		return fmt.Errorf("delete alert: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAlertsByUser lists a user's alerts, active or not.
func (s *Store) ListAlertsByUser(ctx context.Context, userID int64) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAlertsByUserSQL, userID)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts by user: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows)
}

// ListActiveAlerts lists every alert eligible for evaluation, ordered by asset.
func (s *Store) ListActiveAlerts(ctx context.Context) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveAlertsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active alerts: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows)
}

// InsertPriceSample appends one spot price observation.
func (s *Store) InsertPriceSample(ctx context.Context, sample PriceSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertPriceSampleSQL, sample.Asset, sample.Price.String(), sample.SampledAt); execErr != nil {
		return fmt.Errorf("insert price sample: %w", execErr)
	}
	return nil
}

// OldestSampleWithinWindow returns the oldest sample no older than window,
// the baseline used for percentage-change computation. Nil when the window
// holds no samples.
func (s *Store) OldestSampleWithinWindow(ctx context.Context, asset string, window time.Duration) (*PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-window)
	row := pool.QueryRow(ctx, oldestSampleWithinWindowSQL, asset, cutoff)

	sample, scanErr := scanPriceSampleRow(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("oldest sample within window: %w", scanErr)
	}
	return &sample, nil
}

// ListSamplesBetween lists one asset's samples within a time range.
func (s *Store) ListSamplesBetween(ctx context.Context, asset string, from, to time.Time) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, asset, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]PriceSample, 0)
	for rows.Next() {
		sample, scanErr := scanPriceSampleRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// ListRecentSamples lists one asset's most recent samples, newest first.
func (s *Store) ListRecentSamples(ctx context.Context, asset string, limit int) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, asset, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]PriceSample, 0, limit)
	for rows.Next() {
		sample, scanErr := scanPriceSampleRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// InsertTrigger records an alert firing and returns the new entry id.
func (s *Store) InsertTrigger(ctx context.Context, entry TriggerEntry) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var id int64
	row := pool.QueryRow(ctx, insertTriggerSQL,
		entry.AlertID,
		entry.TriggeredAt,
		entry.ChangePct.String(),
		entry.ReferencePrice.String(),
		entry.CurrentPrice.String(),
		entry.Delivered,
	)
	if scanErr := row.Scan(&id); scanErr != nil {
		return 0, fmt.Errorf("insert trigger: %w", scanErr)
	}
	return id, nil
}

// MarkTriggerDelivered flips the delivered flag after a successful send.
func (s *Store) MarkTriggerDelivered(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, markTriggerDeliveredSQL, id)
	if execErr != nil {
		return fmt.Errorf("mark trigger delivered: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TriggeredSince reports whether the alert fired at or after the given time.
func (s *Store) TriggeredSince(ctx context.Context, alertID int64, since time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var fired bool
	if scanErr := pool.QueryRow(ctx, triggeredSinceSQL, alertID, since).Scan(&fired); scanErr != nil {
		return false, fmt.Errorf("triggered since: %w", scanErr)
	}
	return fired, nil
}

// ListRecentTriggers lists the latest trigger log entries.
func (s *Store) ListRecentTriggers(ctx context.Context, limit int) ([]TriggerEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentTriggersSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent triggers: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]TriggerEntry, 0, limit)
	for rows.Next() {
		var (
			entry        TriggerEntry
			changeStr    string
			referenceStr string
			currentStr   string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.AlertID,
			&entry.TriggeredAt,
			&changeStr,
			&referenceStr,
			&currentStr,
			&entry.Delivered,
		); err != nil {
			return nil, err
		}

		var convErr error
		entry.ChangePct, convErr = decimal.NewFromString(changeStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse change pct: %w", convErr)
		}
		entry.ReferencePrice, convErr = decimal.NewFromString(referenceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse reference price: %w", convErr)
		}
		entry.CurrentPrice, convErr = decimal.NewFromString(currentStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse current price: %w", convErr)
		}

		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

func collectAlerts(rows pgx.Rows) ([]Alert, error) {
	alerts := make([]Alert, 0)
	for rows.Next() {
		var (
			alert        Alert
			thresholdStr string
		)
		if err := rows.Scan(
			&alert.ID,
			&alert.UserID,
			&alert.Asset,
			&thresholdStr,
			&alert.WindowMinutes,
			&alert.Active,
			&alert.CreatedAt,
			&alert.UpdatedAt,
		); err != nil {
			return nil, err
		}

		threshold, convErr := decimal.NewFromString(thresholdStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse threshold pct: %w", convErr)
		}
		alert.ThresholdPct = threshold

		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanPriceSampleRow(row pgx.Row) (PriceSample, error) {
	var (
		sample   PriceSample
		priceStr string
	)
	if err := row.Scan(&sample.Asset, &priceStr, &sample.SampledAt); err != nil {
		return PriceSample{}, err
	}

	price, convErr := decimal.NewFromString(priceStr)
	if convErr != nil {
		return PriceSample{}, fmt.Errorf("parse price: %w", convErr)
	}
	sample.Price = price
	return sample, nil
}
