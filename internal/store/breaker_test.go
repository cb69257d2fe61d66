package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/econsim/day-engine/internal/model"
)

// downStore fails every read with a connection-style error while down is set.
type downStore struct {
	*MemoryStore
	down  bool
	calls int
}

var errConnRefused = errors.New("dial tcp: connection refused")

func (s *downStore) GetParticipant(ctx context.Context, id string) (*model.ParticipantLedger, error) {
	s.calls++
	if s.down {
		return nil, errConnRefused
	}
	return s.MemoryStore.GetParticipant(ctx, id)
}

func TestBreakerStore(t *testing.T) {
	runStoreSuite(t, func(*testing.T) Store {
		return NewBreakerStore(NewMemoryStore(), BreakerConfig{})
	})
}

func TestBreakerStore_TripsOnInfrastructureErrors(t *testing.T) {
	ctx := context.Background()
	inner := &downStore{MemoryStore: NewMemoryStore(), down: true}
	s := NewBreakerStore(inner, BreakerConfig{ConsecutiveFailures: 3, Timeout: time.Hour})

	for i := 0; i < 3; i++ {
		_, err := s.GetParticipant(ctx, "alice")
		require.ErrorIs(t, err, ErrStoreUnavailable)
		assert.ErrorIs(t, err, errConnRefused)
	}
	assert.Equal(t, gobreaker.StateOpen, s.State())

	// Open: rejected without reaching the backend.
	_, err := s.GetParticipant(ctx, "alice")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, inner.calls)
}

func TestBreakerStore_DomainErrorsDoNotTrip(t *testing.T) {
	ctx := context.Background()
	s := NewBreakerStore(NewMemoryStore(), BreakerConfig{ConsecutiveFailures: 2, Timeout: time.Hour})
	require.NoError(t, s.CreateParticipant(ctx, newLedger("alice")))

	boom := errors.New("rejected by caller")
	for i := 0; i < 5; i++ {
		_, err := s.GetParticipant(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NotErrorIs(t, err, ErrStoreUnavailable)

		_, err = s.UpdateParticipant(ctx, "alice", func(*model.ParticipantLedger) error { return boom })
		assert.Equal(t, boom, err, "callback errors are returned unwrapped")

		_, err = s.UpdateMarketSettings(ctx, AdvanceDay(42))
		assert.ErrorIs(t, err, ErrDayMismatch)
	}
	assert.Equal(t, gobreaker.StateClosed, s.State())
}
