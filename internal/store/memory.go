package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/econsim/day-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	participants map[string]*model.ParticipantLedger
	settings     *model.MarketSettings
	records      map[string][]model.TransactionRecord // participant id → records
	now          func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		participants: make(map[string]*model.ParticipantLedger),
		records:      make(map[string][]model.TransactionRecord),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateParticipant(_ context.Context, l *model.ParticipantLedger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[l.ID]; ok {
		return fmt.Errorf("participant %s: %w", l.ID, ErrAlreadyExists)
	}

	// Store a copy to avoid external mutation.
	copy := l.Clone()
	s.participants[l.ID] = &copy
	return nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, id string) (*model.ParticipantLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, ErrNotFound)
	}
	copy := l.Clone()
	return &copy, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context) ([]model.ParticipantLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ledgers := make([]model.ParticipantLedger, 0, len(s.participants))
	for _, l := range s.participants {
		ledgers = append(ledgers, l.Clone())
	}
	sort.Slice(ledgers, func(i, j int) bool { return ledgers[i].ID < ledgers[j].ID })
	return ledgers, nil
}

func (s *MemoryStore) UpdateParticipant(_ context.Context, id string, fn func(*model.ParticipantLedger) error) (*model.ParticipantLedger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, ErrNotFound)
	}

	next := l.Clone()
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.ID = id
	next.UpdatedAt = s.now()

	s.participants[id] = &next
	out := next.Clone()
	return &out, nil
}

func (s *MemoryStore) GetMarketSettings(_ context.Context) (*model.MarketSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *s.settingsLocked()
	return &copy, nil
}

func (s *MemoryStore) UpdateMarketSettings(_ context.Context, fn func(*model.MarketSettings) error) (*model.MarketSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.settingsLocked()
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()

	s.settings = &next
	out := next
	return &out, nil
}

// settingsLocked lazily creates the default settings. Caller holds s.mu.
func (s *MemoryStore) settingsLocked() *model.MarketSettings {
	if s.settings == nil {
		def := model.DefaultMarketSettings()
		def.UpdatedAt = s.now()
		s.settings = &def
	}
	return s.settings
}

func (s *MemoryStore) CommitSettlement(_ context.Context, l *model.ParticipantLedger, rec *model.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[l.ID]; !ok {
		return fmt.Errorf("participant %s: %w", l.ID, ErrNotFound)
	}
	for _, existing := range s.records[rec.ParticipantID] {
		if existing.Day == rec.Day {
			return fmt.Errorf("participant %s day %d: %w", rec.ParticipantID, rec.Day, ErrAlreadySettled)
		}
	}

	next := l.Clone()
	next.UpdatedAt = s.now()
	s.participants[l.ID] = &next
	s.records[rec.ParticipantID] = append(s.records[rec.ParticipantID], cloneRecord(*rec))
	return nil
}

func (s *MemoryStore) ListTransactionRecords(_ context.Context, participantID string) ([]model.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[participantID]
	result := make([]model.TransactionRecord, 0, len(recs))
	for _, r := range recs {
		result = append(result, cloneRecord(r))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Day > result[j].Day })
	return result, nil
}

func (s *MemoryStore) SettledParticipants(_ context.Context, day int) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settled := make(map[string]bool)
	for id, recs := range s.records {
		for _, r := range recs {
			if r.Day == day {
				settled[id] = true
				break
			}
		}
	}
	return settled, nil
}

func cloneRecord(r model.TransactionRecord) model.TransactionRecord {
	out := r
	out.InitialPortfolio = r.InitialPortfolio.Clone()
	out.FinalPortfolio = r.FinalPortfolio.Clone()
	out.SubmittedAllocation = r.SubmittedAllocation.Clone()
	if r.InvestmentReturns != nil {
		out.InvestmentReturns = make(map[model.AssetClass]decimal.Decimal, len(r.InvestmentReturns))
		for k, v := range r.InvestmentReturns {
			out.InvestmentReturns[k] = v
		}
	}
	return out
}
