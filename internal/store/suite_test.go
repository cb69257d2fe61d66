package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/econsim/day-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newLedger(id string) *model.ParticipantLedger {
	l := model.NewParticipant(id, "Student "+id, time.Now().UTC())
	return &l
}

func newRecord(participantID string, day int, final float64) *model.TransactionRecord {
	return &model.TransactionRecord{
		ID:                  uuid.NewString(),
		ParticipantID:       participantID,
		Day:                 day,
		Salary:              d(100),
		RentCharged:         d(50),
		InitialBalance:      d(1000),
		FinalBalance:        d(final),
		InitialPortfolio:    model.StartingPortfolio(),
		FinalPortfolio:      model.StartingPortfolio(),
		InvestmentReturns:   map[model.AssetClass]decimal.Decimal{model.Stocks: d(0), model.Cash: d(0)},
		SubmittedAllocation: model.DefaultAllocation().Normalized(),
		SettledAt:           time.Now().UTC().Truncate(time.Microsecond),
	}
}

// runStoreSuite checks the Store contract against any implementation.
// newStore must return an empty store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		if err := s.CreateParticipant(ctx, newLedger("alice")); err != nil {
			t.Fatalf("create: %v", err)
		}

		got, err := s.GetParticipant(ctx, "alice")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.Balance.Equal(d(1000)) {
			t.Errorf("expected balance 1000, got %s", got.Balance)
		}
		if got.LastSubmissionDay != model.NeverSubmitted {
			t.Errorf("expected lastSubmissionDay -1, got %d", got.LastSubmissionDay)
		}
		if !got.Portfolio[model.Cash].Equal(d(1000)) || len(got.Portfolio) != len(model.AssetClasses) {
			t.Errorf("unexpected portfolio: %v", got.Portfolio)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := newStore(t)
		if err := s.CreateParticipant(ctx, newLedger("alice")); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.CreateParticipant(ctx, newLedger("alice")); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetParticipant(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.UpdateParticipant(ctx, "ghost", func(*model.ParticipantLedger) error { return nil }); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on update, got %v", err)
		}
	})

	t.Run("ListSortedByID", func(t *testing.T) {
		s := newStore(t)
		for _, id := range []string{"carol", "alice", "bob"} {
			if err := s.CreateParticipant(ctx, newLedger(id)); err != nil {
				t.Fatalf("create %s: %v", id, err)
			}
		}
		list, err := s.ListParticipants(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 3 || list[0].ID != "alice" || list[1].ID != "bob" || list[2].ID != "carol" {
			t.Errorf("unexpected order: %+v", list)
		}
	})

	t.Run("UpdateParticipant", func(t *testing.T) {
		s := newStore(t)
		if err := s.CreateParticipant(ctx, newLedger("alice")); err != nil {
			t.Fatalf("create: %v", err)
		}

		updated, err := s.UpdateParticipant(ctx, "alice", func(l *model.ParticipantLedger) error {
			l.SubmittedAllocation = model.Allocation{model.Stocks: d(100)}
			l.LastSubmissionDay = 3
			l.AbsentToday = true
			return nil
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.LastSubmissionDay != 3 || !updated.AbsentToday {
			t.Errorf("update not applied: %+v", updated)
		}

		got, err := s.GetParticipant(ctx, "alice")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.SubmittedAllocation[model.Stocks].Equal(d(100)) || got.LastSubmissionDay != 3 {
			t.Errorf("update not persisted: %+v", got)
		}
	})

	t.Run("UpdateCallbackErrorWritesNothing", func(t *testing.T) {
		s := newStore(t)
		if err := s.CreateParticipant(ctx, newLedger("alice")); err != nil {
			t.Fatalf("create: %v", err)
		}

		boom := errors.New("boom")
		_, err := s.UpdateParticipant(ctx, "alice", func(l *model.ParticipantLedger) error {
			l.AbsentToday = true
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected callback error, got %v", err)
		}

		got, _ := s.GetParticipant(ctx, "alice")
		if got.AbsentToday {
			t.Error("failed update must not be persisted")
		}
	})

	t.Run("DefaultSettings", func(t *testing.T) {
		s := newStore(t)
		settings, err := s.GetMarketSettings(ctx)
		if err != nil {
			t.Fatalf("get settings: %v", err)
		}
		if settings.Day != 0 || !settings.Rent.Equal(d(50)) || !settings.StockReturn.IsZero() {
			t.Errorf("unexpected defaults: %+v", settings)
		}
	})

	t.Run("UpdateSettingsAndAdvance", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpdateMarketSettings(ctx, func(m *model.MarketSettings) error {
			m.StockReturn = d(12.5)
			m.Rent = d(75)
			return nil
		})
		if err != nil {
			t.Fatalf("update settings: %v", err)
		}

		if _, err := s.UpdateMarketSettings(ctx, AdvanceDay(0)); err != nil {
			t.Fatalf("advance: %v", err)
		}
		if _, err := s.UpdateMarketSettings(ctx, AdvanceDay(0)); !errors.Is(err, ErrDayMismatch) {
			t.Errorf("expected ErrDayMismatch on stale advance, got %v", err)
		}

		got, err := s.GetMarketSettings(ctx)
		if err != nil {
			t.Fatalf("get settings: %v", err)
		}
		if got.Day != 1 || !got.StockReturn.Equal(d(12.5)) || !got.Rent.Equal(d(75)) {
			t.Errorf("unexpected settings: %+v", got)
		}
	})

	t.Run("CommitSettlement", func(t *testing.T) {
		s := newStore(t)
		if err := s.CreateParticipant(ctx, newLedger("alice")); err != nil {
			t.Fatalf("create: %v", err)
		}

		settled := newLedger("alice")
		settled.Balance = d(1050)
		if err := s.CommitSettlement(ctx, settled, newRecord("alice", 0, 1050)); err != nil {
			t.Fatalf("commit: %v", err)
		}

		got, _ := s.GetParticipant(ctx, "alice")
		if !got.Balance.Equal(d(1050)) {
			t.Errorf("expected balance 1050, got %s", got.Balance)
		}

		// A second commit for the same day is rejected and writes nothing.
		again := newLedger("alice")
		again.Balance = d(9999)
		if err := s.CommitSettlement(ctx, again, newRecord("alice", 0, 9999)); !errors.Is(err, ErrAlreadySettled) {
			t.Fatalf("expected ErrAlreadySettled, got %v", err)
		}
		got, _ = s.GetParticipant(ctx, "alice")
		if !got.Balance.Equal(d(1050)) {
			t.Errorf("duplicate commit overwrote ledger: %s", got.Balance)
		}
		records, _ := s.ListTransactionRecords(ctx, "alice")
		if len(records) != 1 {
			t.Errorf("expected 1 record, got %d", len(records))
		}
	})

	t.Run("RecordsNewestFirst", func(t *testing.T) {
		s := newStore(t)
		if err := s.CreateParticipant(ctx, newLedger("alice")); err != nil {
			t.Fatalf("create: %v", err)
		}
		for day := 0; day < 3; day++ {
			if err := s.CommitSettlement(ctx, newLedger("alice"), newRecord("alice", day, 1000+float64(day))); err != nil {
				t.Fatalf("commit day %d: %v", day, err)
			}
		}

		records, err := s.ListTransactionRecords(ctx, "alice")
		if err != nil {
			t.Fatalf("list records: %v", err)
		}
		if len(records) != 3 || records[0].Day != 2 || records[2].Day != 0 {
			t.Fatalf("unexpected order: %+v", records)
		}
		if !records[0].FinalBalance.Equal(d(1002)) {
			t.Errorf("expected final 1002, got %s", records[0].FinalBalance)
		}
		if !records[0].SubmittedAllocation[model.Cash].Equal(d(100)) {
			t.Errorf("allocation not round-tripped: %v", records[0].SubmittedAllocation)
		}

		none, err := s.ListTransactionRecords(ctx, "nobody")
		if err != nil || len(none) != 0 {
			t.Errorf("expected no records, got %v (%v)", none, err)
		}
	})

	t.Run("SettledParticipants", func(t *testing.T) {
		s := newStore(t)
		for _, id := range []string{"alice", "bob"} {
			if err := s.CreateParticipant(ctx, newLedger(id)); err != nil {
				t.Fatalf("create: %v", err)
			}
		}
		if err := s.CommitSettlement(ctx, newLedger("alice"), newRecord("alice", 4, 1000)); err != nil {
			t.Fatalf("commit: %v", err)
		}

		settled, err := s.SettledParticipants(ctx, 4)
		if err != nil {
			t.Fatalf("settled: %v", err)
		}
		if !settled["alice"] || settled["bob"] || len(settled) != 1 {
			t.Errorf("unexpected settled set: %v", settled)
		}
		other, _ := s.SettledParticipants(ctx, 5)
		if len(other) != 0 {
			t.Errorf("expected no settlements for day 5, got %v", other)
		}
	})
}
