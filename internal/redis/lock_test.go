package redisclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, ttl time.Duration) (Locker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewSlotLocker(client, ttl), mr
}

func TestWithSlotLockRunsFn(t *testing.T) {
	locker, mr := newTestLocker(t, 5*time.Second)
	slotID := uuid.New()

	ran := false
	err := locker.WithSlotLock(context.Background(), slotID, func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists("clinic:lock:slot:"+slotID.String()))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// Released on the way out.
	assert.False(t, mr.Exists("clinic:lock:slot:"+slotID.String()))
}

func TestWithSlotLockContention(t *testing.T) {
	locker, _ := newTestLocker(t, 5*time.Second)
	slotID := uuid.New()

	err := locker.WithSlotLock(context.Background(), slotID, func(ctx context.Context) error {
		// A second claimant inside the critical section is turned away.
		inner := locker.WithSlotLock(ctx, slotID, func(context.Context) error {
			t.Fatal("contended fn must not run")
			return nil
		})
		assert.ErrorIs(t, inner, ErrLockNotAcquired)
		return nil
	})
	require.NoError(t, err)

	// A different slot is independent.
	err = locker.WithSlotLock(context.Background(), uuid.New(), func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestWithSlotLockReleasedAfterUse(t *testing.T) {
	locker, _ := newTestLocker(t, 5*time.Second)
	slotID := uuid.New()

	for i := 0; i < 3; i++ {
		err := locker.WithSlotLock(context.Background(), slotID, func(context.Context) error { return nil })
		require.NoError(t, err, "iteration %d", i)
	}
}

func TestWithSlotLockPropagatesFnError(t *testing.T) {
	locker, mr := newTestLocker(t, 5*time.Second)
	slotID := uuid.New()
	boom := errors.New("boom")

	err := locker.WithSlotLock(context.Background(), slotID, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	// Released even when fn fails.
	assert.False(t, mr.Exists("clinic:lock:slot:"+slotID.String()))
}

func TestWithSlotLockReacquirableAfterTTL(t *testing.T) {
	locker, mr := newTestLocker(t, time.Second)
	slotID := uuid.New()

	err := locker.WithSlotLock(context.Background(), slotID, func(ctx context.Context) error {
		mr.FastForward(2 * time.Second)
		// The original lock expired mid-section; a new claimant may take it.
		return locker.WithSlotLock(ctx, slotID, func(context.Context) error { return nil })
	})
	require.NoError(t, err)
}
