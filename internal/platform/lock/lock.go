package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/ehr/tracking/internal/platform/db"
)

const keyPrefix = "lock:tracking-batch"

// ErrBusy is returned when another process holds the batch lock past the
// retry window.
var ErrBusy = errors.New("batch lock held by another process")

// ErrLockLost is the cancellation cause of a batch context whose lock could
// not be refreshed.
var ErrLockLost = errors.New("batch lock lost")

type heldLock interface {
	Refresh(ctx context.Context, ttl time.Duration, opt *redislock.Options) error
	Release(ctx context.Context) error
}

type obtainFunc func(ctx context.Context, key string, ttl time.Duration) (heldLock, error)

// BatchLock serialises tracking batches per tenant across replicas. A held
// lock is refreshed every third of its TTL until released.
type BatchLock struct {
	obtain       obtainFunc
	ttl          time.Duration
	refreshEvery time.Duration
}

// NewClient parses a redis:// URL and verifies the connection.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func NewBatchLock(rdb *redis.Client, ttl time.Duration) *BatchLock {
	locker := redislock.New(rdb)
	// Retry for up to one TTL so a queued batch waits out the running one.
	retry := redislock.LimitRetry(redislock.LinearBackoff(250*time.Millisecond), int(ttl/(250*time.Millisecond)))
	return &BatchLock{
		ttl:          ttl,
		refreshEvery: ttl / 3,
		obtain: func(ctx context.Context, key string, ttl time.Duration) (heldLock, error) {
			l, err := locker.Obtain(ctx, key, ttl, &redislock.Options{RetryStrategy: retry})
			if err != nil {
				return nil, err
			}
			return l, nil
		},
	}
}

// Key returns the lock key for the tenant on ctx.
func Key(ctx context.Context) string {
	tenant := db.TenantFromContext(ctx)
	if tenant == "" {
		return keyPrefix
	}
	return keyPrefix + ":" + tenant
}

// Acquire blocks until the tenant's batch lock is held. The returned context
// is cancelled with ErrLockLost when a refresh fails; the returned func stops
// refreshing and releases the lock.
func (b *BatchLock) Acquire(ctx context.Context) (context.Context, func(context.Context) error, error) {
	key := Key(ctx)
	l, err := b.obtain(ctx, key, b.ttl)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, nil, ErrBusy
	}
	if err != nil {
		return nil, nil, fmt.Errorf("obtain %s: %w", key, err)
	}

	lctx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		b.keepAlive(lctx, l, cancel, stop)
	}()

	var once sync.Once
	release := func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			<-stopped
			cancel(nil)
		})
		if err := l.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return err
		}
		return nil
	}
	return lctx, release, nil
}

func (b *BatchLock) keepAlive(ctx context.Context, l heldLock, cancel context.CancelCauseFunc, stop <-chan struct{}) {
	if b.refreshEvery <= 0 {
		return
	}
	ticker := time.NewTicker(b.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Refresh(ctx, b.ttl, nil); err != nil {
				cancel(fmt.Errorf("%w: %v", ErrLockLost, err))
				return
			}
		}
	}
}
