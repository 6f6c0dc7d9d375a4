package bot

import (
	"context"
	"testing"
	"time"
)

func TestMemorySessionStoreRoundTrip(t *testing.T) {
	store := NewMemorySessionStore(time.Minute)
	ctx := context.Background()

	if session, err := store.Get(ctx, 1); err != nil || session != nil {
		t.Fatalf("fresh store should be empty, got %v / %v", session, err)
	}

	want := Session{Step: StepThreshold, Asset: "bitcoin"}
	if err := store.Put(ctx, 1, want); err != nil {
		t.Fatalf("Put should succeed: %v", err)
	}

	session, err := store.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get should succeed: %v", err)
	}
	if session == nil || *session != want {
		t.Fatalf("expected %+v, got %+v", want, session)
	}

	if err := store.Delete(ctx, 1); err != nil {
		t.Fatalf("Delete should succeed: %v", err)
	}
	if session, _ := store.Get(ctx, 1); session != nil {
		t.Fatal("deleted session should be gone")
	}
}

func TestMemorySessionStoreExpiry(t *testing.T) {
	store := NewMemorySessionStore(10 * time.Millisecond)
	ctx := context.Background()

	if err := store.Put(ctx, 7, Session{Step: StepAsset}); err != nil {
		t.Fatalf("Put should succeed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if session, err := store.Get(ctx, 7); err != nil || session != nil {
		t.Fatalf("expired session should read as absent, got %v / %v", session, err)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	limiter := newRateLimiter(2)

	if !limiter.allow(1) || !limiter.allow(1) {
		t.Fatal("the first two commands should pass")
	}
	if limiter.allow(1) {
		t.Fatal("the third command within a minute should be limited")
	}
	if !limiter.allow(2) {
		t.Fatal("another chat has its own window")
	}
}
