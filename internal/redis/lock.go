package redisclient

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockNotAcquired = errors.New("slot lock not acquired")

// Locker guards the booking critical section per slot across process
// instances. The storage-level CAS remains the correctness backstop; the lock
// only keeps concurrent claimants from burning a transaction each.
type Locker interface {
	WithSlotLock(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error
}

type slotLock struct {
	key   string
	token string
}

type redisSlotLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSlotLocker creates a locker backed by one Redis key per slot.
func NewSlotLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisSlotLocker{client: client, ttl: ttl}
}

func (l *redisSlotLocker) WithSlotLock(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error {
	lock, err := l.acquire(ctx, slotID)
	if err != nil {
		return err
	}
	defer l.release(ctx, lock)

	// Bound the critical section by the lock TTL so fn cannot outlive its
	// exclusivity.
	fnCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(fnCtx)
}

func (l *redisSlotLocker) acquire(ctx context.Context, slotID uuid.UUID) (slotLock, error) {
	lock := slotLock{
		key:   "clinic:lock:slot:" + slotID.String(),
		token: uuid.NewString(),
	}

	ok, err := l.client.SetNX(ctx, lock.key, lock.token, l.ttl).Result()
	if err != nil {
		return slotLock{}, err
	}
	if !ok {
		return slotLock{}, ErrLockNotAcquired
	}
	return lock, nil
}

// unlockScript deletes the lock key only while it still holds our token, so a
// lock that expired and was reacquired elsewhere is never released from here.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *redisSlotLocker) release(ctx context.Context, lock slotLock) {
	// Worst case the key lives until TTL expiry.
	_, _ = unlockScript.Run(ctx, l.client, []string{lock.key}, lock.token).Result()
}
