// Package store defines the persistence interface for the day engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), a circuit-breaker wrapper and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/econsim/day-engine/internal/model"
)

var (
	// ErrNotFound is returned when a participant does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a participant whose id is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrAlreadySettled is returned when a transaction record for the same
	// (participant, day) has already been written.
	ErrAlreadySettled = errors.New("store: participant already settled for day")

	// ErrDayMismatch is returned by a conditional day advance when the stored
	// day is not the expected one.
	ErrDayMismatch = errors.New("store: market day changed concurrently")

	// ErrStoreUnavailable is returned when the backing store cannot be
	// reached. Callers retry with backoff; it is never swallowed.
	ErrStoreUnavailable = errors.New("store: unavailable")
)

// Store is the persistence interface. Every method is atomic with respect to
// a single entity; CommitSettlement is atomic for one participant's ledger
// and its record together. There is no cross-participant transaction.
type Store interface {
	// --- Participants ---

	// CreateParticipant persists a new ledger. Fails with ErrAlreadyExists.
	CreateParticipant(ctx context.Context, l *model.ParticipantLedger) error

	// GetParticipant retrieves a ledger by id. Fails with ErrNotFound.
	GetParticipant(ctx context.Context, id string) (*model.ParticipantLedger, error)

	// ListParticipants returns every ledger, sorted by id.
	ListParticipants(ctx context.Context) ([]model.ParticipantLedger, error)

	// UpdateParticipant applies fn to the current ledger under a row lock and
	// persists the result. If fn returns an error nothing is written and
	// that error is returned.
	UpdateParticipant(ctx context.Context, id string, fn func(*model.ParticipantLedger) error) (*model.ParticipantLedger, error)

	// --- Market settings ---

	// GetMarketSettings returns the settings, creating the defaults
	// (day 0, zero returns, rent 50) if none exist yet.
	GetMarketSettings(ctx context.Context) (*model.MarketSettings, error)

	// UpdateMarketSettings applies fn to the current settings under a lock
	// and persists the result, with the same error contract as
	// UpdateParticipant.
	UpdateMarketSettings(ctx context.Context, fn func(*model.MarketSettings) error) (*model.MarketSettings, error)

	// --- Immutable transaction log ---

	// CommitSettlement writes the settled ledger and appends its record in
	// one step. Fails with ErrAlreadySettled, writing nothing, if a record
	// for (rec.ParticipantID, rec.Day) exists.
	CommitSettlement(ctx context.Context, l *model.ParticipantLedger, rec *model.TransactionRecord) error

	// ListTransactionRecords returns a participant's records, newest day first.
	ListTransactionRecords(ctx context.Context, participantID string) ([]model.TransactionRecord, error)

	// SettledParticipants returns the ids holding a record for day.
	SettledParticipants(ctx context.Context, day int) (map[string]bool, error)
}

// AdvanceDay returns a settings mutator moving the day from `from` to
// from+1, failing with ErrDayMismatch if another settlement got there first.
func AdvanceDay(from int) func(*model.MarketSettings) error {
	return func(s *model.MarketSettings) error {
		if s.Day != from {
			return ErrDayMismatch
		}
		s.Day = from + 1
		return nil
	}
}
