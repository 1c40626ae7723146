package redlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

// ErrLockHeld is returned when another holder owns the key.
var ErrLockHeld = errors.New("lock is held by another owner")

type Locker struct {
	client redis.UniversalClient
	key    string
	value  string // Used for ensuring that only the lock holder can unlock or renew the lock
}

func NewLocker(client redis.UniversalClient, key, value string) *Locker {
	return &Locker{
		client: client,
		key:    key,
		value:  value,
	}
}

// SessionKey is the lease key guarding the portal session of one insurer.
func SessionKey(insurerID int64) string {
	return fmt.Sprintf("vigia:session:%d", insurerID)
}

// NewSessionLease returns a locker for the insurer's portal session owned by
// a fresh holder id.
func NewSessionLease(client redis.UniversalClient, insurerID int64) *Locker {
	return NewLocker(client, SessionKey(insurerID), uuid.NewString())
}

func (l *Locker) Key() string {
	return l.key
}

func (l *Locker) Lock(ctx context.Context, timeout time.Duration) error {
	success, err := l.client.SetNX(ctx, l.key, l.value, timeout).Result()
	if err != nil {
		return err
	}
	if !success {
		return fmt.Errorf("lock for key %s: %w", l.key, ErrLockHeld)
	}
	return nil
}

func (l *Locker) Unlock(ctx context.Context) error {
	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("unlock failed, either lock expired or you're not the lock holder for key %s", l.key)
	}
	return nil
}

func (l *Locker) ExtendLock(ctx context.Context, extension time.Duration) error {
	result, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.value, fmt.Sprintf("%d", extension.Milliseconds())).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("lock extension failed for key %s, either lock expired or you're not the holder", l.key)
	}
	return nil
}

// WaitLock retries Lock with exponential backoff until it succeeds, ctx ends
// or waitTimeout elapses. Redis errors stop the wait immediately.
func (l *Locker) WaitLock(ctx context.Context, lockTimeout, waitTimeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = waitTimeout

	err := backoff.Retry(func() error {
		err := l.Lock(ctx, lockTimeout)
		if err != nil && !errors.Is(err, ErrLockHeld) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if errors.Is(err, ErrLockHeld) {
		return fmt.Errorf("failed to acquire lock for key %s within the wait timeout", l.key)
	}
	return err
}
