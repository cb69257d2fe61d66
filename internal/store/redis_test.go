package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/econsim/day-engine/internal/model"
)

// setupCachedStore creates a CachedStore over a memory primary and a
// miniredis server.
func setupCachedStore(t *testing.T) (*CachedStore, *MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := NewMemoryStore()
	return NewCachedStore(primary, rdb, time.Minute), primary, mr
}

func TestCachedStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, _, _ := setupCachedStore(t)
		return s
	})
}

func TestCachedStore_ReadThroughPopulatesCache(t *testing.T) {
	ctx := context.Background()
	s, _, mr := setupCachedStore(t)
	require.NoError(t, s.CreateParticipant(ctx, newLedger("alice")))
	mr.Del(participantKey("alice"))

	_, err := s.GetParticipant(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, mr.Exists(participantKey("alice")), "participant should be cached after a miss")

	_, err = s.ListTransactionRecords(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, mr.Exists(recordsKey("alice")))
}

func TestCachedStore_ServesFromCache(t *testing.T) {
	ctx := context.Background()
	s, primary, _ := setupCachedStore(t)
	require.NoError(t, s.CreateParticipant(ctx, newLedger("alice")))

	// Bypass the cache: the cached copy still answers.
	_, err := primary.UpdateParticipant(ctx, "alice", func(l *model.ParticipantLedger) error {
		l.Name = "changed behind the cache"
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetParticipant(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Student alice", got.Name)
}

func TestCachedStore_WritesInvalidate(t *testing.T) {
	ctx := context.Background()
	s, _, mr := setupCachedStore(t)
	require.NoError(t, s.CreateParticipant(ctx, newLedger("alice")))
	_, err := s.ListTransactionRecords(ctx, "alice")
	require.NoError(t, err)

	_, err = s.UpdateParticipant(ctx, "alice", func(l *model.ParticipantLedger) error {
		l.AbsentToday = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists(participantKey("alice")))

	got, err := s.GetParticipant(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, got.AbsentToday)

	require.NoError(t, s.CommitSettlement(ctx, newLedger("alice"), newRecord("alice", 0, 1050)))
	assert.False(t, mr.Exists(participantKey("alice")))
	assert.False(t, mr.Exists(recordsKey("alice")))

}

func TestCachedStore_RedisDownFallsBackToPrimary(t *testing.T) {
	ctx := context.Background()
	s, _, mr := setupCachedStore(t)
	require.NoError(t, s.CreateParticipant(ctx, newLedger("alice")))

	mr.Close()

	got, err := s.GetParticipant(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.ID)
}

// slowSettingsStore holds the first GetMarketSettings call after it has read
// the primary, until release is closed.
type slowSettingsStore struct {
	Store
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (s *slowSettingsStore) GetMarketSettings(ctx context.Context) (*model.MarketSettings, error) {
	settings, err := s.Store.GetMarketSettings(ctx)
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.read)
		<-s.release
	}
	return settings, err
}

func TestCachedStore_SettingsReadRacingUpdateIsNotCached(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := &slowSettingsStore{
		Store:   NewMemoryStore(),
		read:    make(chan struct{}),
		release: make(chan struct{}),
	}
	s := NewCachedStore(primary, rdb, time.Minute)

	// A reader picks up the old settings and stalls before returning.
	done := make(chan *model.MarketSettings)
	go func() {
		got, err := s.GetMarketSettings(ctx)
		assert.NoError(t, err)
		done <- got
	}()
	<-primary.read

	_, err := s.UpdateMarketSettings(ctx, func(m *model.MarketSettings) error {
		m.Rent = decimal.NewFromInt(10)
		return nil
	})
	require.NoError(t, err)

	close(primary.release)
	stale := <-done
	assert.True(t, stale.Rent.Equal(model.DefaultRent), "the stalled reader saw the old row")

	got, err := s.GetMarketSettings(ctx)
	require.NoError(t, err)
	assert.True(t, got.Rent.Equal(decimal.NewFromInt(10)), "got rent %s", got.Rent)
	assert.Empty(t, mr.Keys(), "market settings must not be cached")
}

func TestCachedStore_SettingsFollowPrimary(t *testing.T) {
	ctx := context.Background()
	s, primary, _ := setupCachedStore(t)

	_, err := s.GetMarketSettings(ctx)
	require.NoError(t, err)
	_, err = primary.UpdateMarketSettings(ctx, AdvanceDay(0))
	require.NoError(t, err)

	got, err := s.GetMarketSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Day)
}
