package redlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrLockHeld is returned when another holder owns the key.
var ErrLockHeld = errors.New("lock is already held")

const (
	releaseScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript  = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

// Lease is a single-key redis lock owned by holder. Only the holder can extend or release it.
type Lease struct {
	client redis.UniversalClient
	key    string
	holder string
}

func NewLease(client redis.UniversalClient, key, holder string) *Lease {
	return &Lease{client: client, key: key, holder: holder}
}

// Acquire takes the key for ttl without waiting. A held key yields ErrLockHeld.
func (l *Lease) Acquire(ctx context.Context, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.key, l.holder, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockHeld, l.key)
	}
	return nil
}

func (l *Lease) Release(ctx context.Context) error {
	return l.script(ctx, releaseScript, "release")
}

// Extend resets the expiry of a held lease to ttl.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	return l.script(ctx, extendScript, "extend", ttl.Milliseconds())
}

func (l *Lease) script(ctx context.Context, src, op string, args ...interface{}) error {
	result, err := l.client.Eval(ctx, src, []string{l.key}, append([]interface{}{l.holder}, args...)...).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return fmt.Errorf("cannot %s %s: lease expired or held by someone else", op, l.key)
	}
	return nil
}

// Exclusive runs fn while holding the lease, extending it every ttl/2 until fn returns.
// A ttl of zero takes the key without expiry.
// It reports false without calling fn when the key is held elsewhere.
func (l *Lease) Exclusive(ctx context.Context, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	if err := l.Acquire(ctx, ttl); err != nil {
		if errors.Is(err, ErrLockHeld) {
			return false, nil
		}
		return false, err
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go l.keepAlive(ctx, ttl, done, stopped)

	err := fn(ctx)
	close(done)
	<-stopped

	if releaseErr := l.Release(context.WithoutCancel(ctx)); releaseErr != nil {
		logrus.WithField("key", l.key).Warnf("failed to release lease: %v", releaseErr)
	}
	return true, err
}

func (l *Lease) keepAlive(ctx context.Context, ttl time.Duration, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	if ttl < 2*time.Millisecond {
		return
	}

	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Extend(ctx, ttl); err != nil {
				logrus.WithField("key", l.key).Warnf("failed to extend lease: %v", err)
			}
		}
	}
}
