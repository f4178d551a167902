package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned when another worker holds the lock.
var ErrNotObtained = errors.New("platform/locks: lock held elsewhere")

// Locker serialises critical sections across worker processes through redis.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
}

// New builds a Locker on the given redis client. ttl bounds how long a crashed
// holder keeps the lock.
func New(rdb redis.UniversalClient, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Locker{client: redislock.New(rdb), ttl: ttl}
}

// With runs fn while holding key. The lock is refreshed at half its ttl until
// fn returns.
func (l *Locker) With(ctx context.Context, key string, fn func(context.Context) error) error {
	if l == nil {
		return fn(ctx)
	}
	lock, err := l.client.Obtain(ctx, key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	if err != nil {
		return fmt.Errorf("platform/locks: obtain %s: %w", key, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := lock.Refresh(runCtx, l.ttl, nil); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	fnErr := fn(runCtx)
	cancel()
	<-done

	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer releaseCancel()
	if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) && fnErr == nil {
		return fmt.Errorf("platform/locks: release %s: %w", key, err)
	}
	return fnErr
}
