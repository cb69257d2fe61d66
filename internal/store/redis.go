package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/econsim/day-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only display reads are cached. Market settings, ListParticipants and
// SettledParticipants always hit the primary, so submissions and settlement
// never act on a cached copy.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateParticipant(ctx context.Context, l *model.ParticipantLedger) error {
	if err := s.primary.CreateParticipant(ctx, l); err != nil {
		return err
	}
	s.set(ctx, participantKey(l.ID), l)
	return nil
}

func (s *CachedStore) UpdateParticipant(ctx context.Context, id string, fn func(*model.ParticipantLedger) error) (*model.ParticipantLedger, error) {
	l, err := s.primary.UpdateParticipant(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, participantKey(id))
	return l, nil
}

func (s *CachedStore) UpdateMarketSettings(ctx context.Context, fn func(*model.MarketSettings) error) (*model.MarketSettings, error) {
	return s.primary.UpdateMarketSettings(ctx, fn)
}

func (s *CachedStore) CommitSettlement(ctx context.Context, l *model.ParticipantLedger, rec *model.TransactionRecord) error {
	err := s.primary.CommitSettlement(ctx, l, rec)
	// A rejected duplicate may still mean the cached ledger is stale (the
	// earlier attempt committed), so invalidate either way.
	s.rdb.Del(ctx, participantKey(l.ID), recordsKey(rec.ParticipantID))
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetParticipant(ctx context.Context, id string) (*model.ParticipantLedger, error) {
	var l model.ParticipantLedger
	if s.get(ctx, participantKey(id), &l) {
		return &l, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetParticipant(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, participantKey(id), got)
	return got, nil
}

func (s *CachedStore) ListTransactionRecords(ctx context.Context, participantID string) ([]model.TransactionRecord, error) {
	var records []model.TransactionRecord
	if s.get(ctx, recordsKey(participantID), &records) {
		return records, nil
	}

	records, err := s.primary.ListTransactionRecords(ctx, participantID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, recordsKey(participantID), records)
	return records, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListParticipants(ctx context.Context) ([]model.ParticipantLedger, error) {
	return s.primary.ListParticipants(ctx)
}

// GetMarketSettings is never cached: submissions and settlement take their
// day and returns from it.
func (s *CachedStore) GetMarketSettings(ctx context.Context) (*model.MarketSettings, error) {
	return s.primary.GetMarketSettings(ctx)
}

func (s *CachedStore) SettledParticipants(ctx context.Context, day int) (map[string]bool, error) {
	return s.primary.SettledParticipants(ctx, day)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func participantKey(id string) string { return fmt.Sprintf("participant:%s", id) }
func recordsKey(id string) string     { return fmt.Sprintf("records:%s", id) }
