package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/econsim/day-engine/internal/model"
)

// BreakerStore guards a Store with a circuit breaker. Once the backend fails
// repeatedly, calls are rejected immediately with ErrStoreUnavailable until
// the breaker half-opens. Domain outcomes (not found, already settled, ...)
// and errors returned by mutation callbacks never count as failures.
type BreakerStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker
}

// BreakerConfig tunes a BreakerStore.
type BreakerConfig struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration // how long the breaker stays open
	MaxRequests         uint32        // probes allowed while half-open
}

// NewBreakerStore wraps inner with a circuit breaker.
func NewBreakerStore(inner Store, cfg BreakerConfig) *BreakerStore {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}

	settings := gobreaker.Settings{
		Name:        "store",
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: isHealthyOutcome,
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerStore{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State returns the breaker's current state.
func (s *BreakerStore) State() gobreaker.State {
	return s.cb.State()
}

// callbackError marks an error produced by a caller-supplied mutator.
type callbackError struct{ err error }

func (e callbackError) Error() string { return e.err.Error() }
func (e callbackError) Unwrap() error { return e.err }

func isHealthyOutcome(err error) bool {
	if err == nil {
		return true
	}
	var cbErr callbackError
	switch {
	case errors.As(err, &cbErr),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrAlreadySettled),
		errors.Is(err, ErrDayMismatch),
		errors.Is(err, context.Canceled):
		return true
	}
	return false
}

func guard[T any](s *BreakerStore, fn func() (T, error)) (T, error) {
	out, err := s.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		var cbErr callbackError
		if errors.As(err, &cbErr) {
			return zero, cbErr.err
		}
		if isHealthyOutcome(err) {
			return zero, err
		}
		return zero, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return out.(T), nil
}

func guardErr(s *BreakerStore, fn func() error) error {
	_, err := guard(s, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func markCallback[T any](fn func(T) error) func(T) error {
	return func(v T) error {
		if err := fn(v); err != nil {
			return callbackError{err: err}
		}
		return nil
	}
}

func (s *BreakerStore) CreateParticipant(ctx context.Context, l *model.ParticipantLedger) error {
	return guardErr(s, func() error { return s.inner.CreateParticipant(ctx, l) })
}

func (s *BreakerStore) GetParticipant(ctx context.Context, id string) (*model.ParticipantLedger, error) {
	return guard(s, func() (*model.ParticipantLedger, error) { return s.inner.GetParticipant(ctx, id) })
}

func (s *BreakerStore) ListParticipants(ctx context.Context) ([]model.ParticipantLedger, error) {
	return guard(s, func() ([]model.ParticipantLedger, error) { return s.inner.ListParticipants(ctx) })
}

func (s *BreakerStore) UpdateParticipant(ctx context.Context, id string, fn func(*model.ParticipantLedger) error) (*model.ParticipantLedger, error) {
	return guard(s, func() (*model.ParticipantLedger, error) {
		return s.inner.UpdateParticipant(ctx, id, markCallback(fn))
	})
}

func (s *BreakerStore) GetMarketSettings(ctx context.Context) (*model.MarketSettings, error) {
	return guard(s, func() (*model.MarketSettings, error) { return s.inner.GetMarketSettings(ctx) })
}

func (s *BreakerStore) UpdateMarketSettings(ctx context.Context, fn func(*model.MarketSettings) error) (*model.MarketSettings, error) {
	return guard(s, func() (*model.MarketSettings, error) {
		return s.inner.UpdateMarketSettings(ctx, markCallback(fn))
	})
}

func (s *BreakerStore) CommitSettlement(ctx context.Context, l *model.ParticipantLedger, rec *model.TransactionRecord) error {
	return guardErr(s, func() error { return s.inner.CommitSettlement(ctx, l, rec) })
}

func (s *BreakerStore) ListTransactionRecords(ctx context.Context, participantID string) ([]model.TransactionRecord, error) {
	return guard(s, func() ([]model.TransactionRecord, error) {
		return s.inner.ListTransactionRecords(ctx, participantID)
	})
}

func (s *BreakerStore) SettledParticipants(ctx context.Context, day int) (map[string]bool, error) {
	return guard(s, func() (map[string]bool, error) { return s.inner.SettledParticipants(ctx, day) })
}
