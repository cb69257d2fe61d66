package client_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/econsim/day-engine/internal/api"
	"github.com/econsim/day-engine/internal/client"
	"github.com/econsim/day-engine/internal/day"
	"github.com/econsim/day-engine/internal/model"
	"github.com/econsim/day-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type failingStore struct {
	store.Store
	failID string
}

func (s *failingStore) CommitSettlement(ctx context.Context, l *model.ParticipantLedger, rec *model.TransactionRecord) error {
	if l.ID == s.failID {
		return fmt.Errorf("%w: injected", store.ErrStoreUnavailable)
	}
	return s.Store.CommitSettlement(ctx, l, rec)
}

func newServer(t *testing.T, st store.Store) *client.Client {
	t.Helper()
	ctrl := day.NewController(st, nil, nil, day.Options{Timeout: 5 * time.Second, RetryBase: time.Millisecond})
	r := chi.NewRouter()
	r.Route("/api/v1", api.NewService(ctrl, nil).Routes)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return client.NewClient(srv.URL + "/")
}

func TestClient_DayLifecycle(t *testing.T) {
	c := newServer(t, store.NewMemoryStore())
	ctx := context.Background()

	l, err := c.Register(ctx, "alice", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", l.ID)

	rent := d(50)
	settings, err := c.UpdateSettings(ctx, client.SettingsUpdate{StockReturn: d(10), BondReturn: d(-4), Rent: &rent})
	require.NoError(t, err)
	assert.True(t, settings.StockReturn.Equal(d(10)))

	_, err = c.Submit(ctx, "alice", model.Allocation{model.Stocks: d(50), model.Bonds: d(50)})
	require.NoError(t, err)

	res, err := c.AdvanceDay(ctx)
	require.NoError(t, err)
	assert.Equal(t, client.AdvanceResult{Day: 0, NextDay: 1, ParticipantsProcessed: 1}, res)

	l, err = c.Participant(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, l.Balance.Equal(d(1080)))

	history, err := c.History(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, history, 1)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Day)
	assert.Equal(t, "open", status.Phase)

	l, err = c.ToggleAbsence(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, l.AbsentToday)

	list, err := c.Participants(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	got, err := c.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Day)
}

func TestClient_APIErrors(t *testing.T) {
	c := newServer(t, store.NewMemoryStore())
	ctx := context.Background()

	_, err := c.Participant(ctx, "ghost")
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Contains(t, apiErr.Message, "not found")

	_, err = c.Register(ctx, "alice", "")
	require.NoError(t, err)
	_, err = c.Submit(ctx, "alice", model.Allocation{model.Stocks: d(99)})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
}

func TestClient_PartialSettlement(t *testing.T) {
	c := newServer(t, &failingStore{Store: store.NewMemoryStore(), failID: "bob"})
	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		_, err := c.Register(ctx, id, "")
		require.NoError(t, err)
	}

	_, err := c.AdvanceDay(ctx)
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, []string{"bob"}, apiErr.Failed)
}
