package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bsm/redislock"

	"github.com/ehr/tracking/internal/platform/db"
)

type fakeLock struct {
	mu         sync.Mutex
	released   int
	refreshed  int
	err        error
	refreshErr error
}

func (f *fakeLock) Refresh(context.Context, time.Duration, *redislock.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed++
	return f.refreshErr
}

func (f *fakeLock) Release(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return f.err
}

func (f *fakeLock) refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshed
}

func TestBatchLock_AcquireRelease(t *testing.T) {
	held := &fakeLock{}
	var gotKey string
	var gotTTL time.Duration
	b := &BatchLock{ttl: time.Minute, obtain: func(_ context.Context, key string, ttl time.Duration) (heldLock, error) {
		gotKey, gotTTL = key, ttl
		return held, nil
	}}

	_, release, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if gotKey != keyPrefix || gotTTL != time.Minute {
		t.Errorf("obtain(%q, %s)", gotKey, gotTTL)
	}
	if err := release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if held.released != 1 {
		t.Errorf("released %d times", held.released)
	}
}

func TestBatchLock_Busy(t *testing.T) {
	b := &BatchLock{ttl: time.Second, obtain: func(context.Context, string, time.Duration) (heldLock, error) {
		return nil, redislock.ErrNotObtained
	}}
	if _, _, err := b.Acquire(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestBatchLock_ExpiredLockReleaseIsNotAnError(t *testing.T) {
	held := &fakeLock{err: redislock.ErrLockNotHeld}
	b := &BatchLock{ttl: time.Second, obtain: func(context.Context, string, time.Duration) (heldLock, error) {
		return held, nil
	}}
	_, release, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := release(context.Background()); err != nil {
		t.Errorf("unexpected release error: %v", err)
	}
}

func TestBatchLock_RefreshesWhileHeld(t *testing.T) {
	held := &fakeLock{}
	b := &BatchLock{ttl: time.Second, refreshEvery: 5 * time.Millisecond,
		obtain: func(context.Context, string, time.Duration) (heldLock, error) { return held, nil }}

	ctx, release, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for held.refreshes() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if held.refreshes() < 2 {
		t.Fatalf("expected the lock to be refreshed, got %d refreshes", held.refreshes())
	}
	if ctx.Err() != nil {
		t.Fatalf("batch context cancelled while the lock was held: %v", context.Cause(ctx))
	}

	if err := release(context.Background()); err != nil {
		t.Fatal(err)
	}
	after := held.refreshes()
	time.Sleep(20 * time.Millisecond)
	if held.refreshes() != after {
		t.Error("refresh continued after release")
	}
}

func TestBatchLock_LostLockCancelsContext(t *testing.T) {
	held := &fakeLock{refreshErr: redislock.ErrNotObtained}
	b := &BatchLock{ttl: time.Second, refreshEvery: 5 * time.Millisecond,
		obtain: func(context.Context, string, time.Duration) (heldLock, error) { return held, nil }}

	ctx, release, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer release(context.Background())

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected the batch context to be cancelled")
	}
	if !errors.Is(context.Cause(ctx), ErrLockLost) {
		t.Errorf("cause = %v, want ErrLockLost", context.Cause(ctx))
	}
}

func TestKey_PerTenant(t *testing.T) {
	ctx := context.WithValue(context.Background(), db.TenantIDKey, "acme")
	if got := Key(ctx); got != keyPrefix+":acme" {
		t.Errorf("Key = %q", got)
	}
}
