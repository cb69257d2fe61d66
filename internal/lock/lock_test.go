package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func testLocker(t *testing.T, l Locker) {
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "settle:class")
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "settle:class")
	assert.ErrorIs(t, err, ErrLocked)

	// Other keys are independent.
	unlockOther, err := l.TryLock(ctx, "settle:other")
	require.NoError(t, err)
	require.NoError(t, unlockOther(ctx))

	require.NoError(t, unlock(ctx))

	unlock, err = l.TryLock(ctx, "settle:class")
	require.NoError(t, err, "lock should be free after release")
	require.NoError(t, unlock(ctx))
}

func TestLocalLocker(t *testing.T) {
	testLocker(t, NewLocalLocker())
}

func TestLocalLocker_DoubleUnlockIsHarmless(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, unlock(ctx))

	second, err := l.TryLock(ctx, "k")
	require.NoError(t, err)

	// A stale release must not free the new holder's lock.
	require.NoError(t, unlock(ctx))
	_, err = l.TryLock(ctx, "k")
	assert.ErrorIs(t, err, ErrLocked)
	require.NoError(t, second(ctx))
}

func TestRedisLocker(t *testing.T) {
	testLocker(t, NewRedisLocker(setupTestRedis(t), time.Minute))
}

func TestRedisLocker_SharedAcrossInstances(t *testing.T) {
	rdb := setupTestRedis(t)
	a := NewRedisLocker(rdb, time.Minute)
	b := NewRedisLocker(rdb, time.Minute)
	ctx := context.Background()

	unlock, err := a.TryLock(ctx, "settle:class")
	require.NoError(t, err)

	_, err = b.TryLock(ctx, "settle:class")
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, unlock(ctx))
	unlock, err = b.TryLock(ctx, "settle:class")
	require.NoError(t, err)
	require.NoError(t, unlock(ctx))
}
