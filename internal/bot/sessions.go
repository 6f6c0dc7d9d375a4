package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Step identifies the wizard stage awaiting user input.
type Step int

const (
	// StepAsset waits for the asset id.
	StepAsset Step = iota + 1
	// StepThreshold waits for the drop threshold percent.
	StepThreshold
	// StepWindow waits for the lookback window in minutes.
	StepWindow
)

// Session is the in-progress state of one user's alert-creation wizard.
type Session struct {
	Step         Step   `json:"step"`
	Asset        string `json:"asset"`
	ThresholdPct string `json:"threshold_pct"`
}

// SessionStore keeps wizard sessions keyed by chat id. Sessions expire after
// the store's TTL so an abandoned wizard does not linger.
type SessionStore interface {
	Get(ctx context.Context, chatID int64) (*Session, error)
	Put(ctx context.Context, chatID int64, session Session) error
	Delete(ctx context.Context, chatID int64) error
}

// RedisSessionStore backs wizard sessions with redis, surviving restarts.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSessionStore connects a redis-backed session store.
func NewRedisSessionStore(addr string, db int, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisSessionStore{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		ttl:    ttl,
	}
}

func sessionKey(chatID int64) string {
	return fmt.Sprintf("wizard:%d", chatID)
}

// Get loads a session, nil when none exists.
func (s *RedisSessionStore) Get(ctx context.Context, chatID int64) (*Session, error) {
	payload, err := s.client.Get(ctx, sessionKey(chatID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

// Put stores a session with the configured TTL.
func (s *RedisSessionStore) Put(ctx context.Context, chatID int64, session Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(chatID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// Delete drops a session.
func (s *RedisSessionStore) Delete(ctx context.Context, chatID int64) error {
	if err := s.client.Del(ctx, sessionKey(chatID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Close releases the redis client.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

// MemorySessionStore is the fallback used when redis is not configured.
type MemorySessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[int64]memorySession
}

type memorySession struct {
	session Session
	expires time.Time
}

// NewMemorySessionStore builds an in-process session store.
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MemorySessionStore{
		ttl:      ttl,
		sessions: make(map[int64]memorySession),
	}
}

// Get loads a session, nil when none exists or it has expired.
func (s *MemorySessionStore) Get(ctx context.Context, chatID int64) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[chatID]
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expires) {
		delete(s.sessions, chatID)
		return nil, nil
	}

	session := entry.session
	return &session, nil
}

// Put stores a session, resetting its expiry.
func (s *MemorySessionStore) Put(ctx context.Context, chatID int64, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[chatID] = memorySession{session: session, expires: time.Now().Add(s.ttl)}
	return nil
}

// Delete drops a session.
func (s *MemorySessionStore) Delete(ctx context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, chatID)
	return nil
}

var _ SessionStore = (*RedisSessionStore)(nil)
var _ SessionStore = (*MemorySessionStore)(nil)
