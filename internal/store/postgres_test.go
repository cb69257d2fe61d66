package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// setupTestDatabase starts a PostgreSQL container, applies the migrations
// and returns a connected pool. Each call to the returned reset function
// empties every table.
func setupTestDatabase(t *testing.T) (*PostgresStore, func(t *testing.T)) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("dayengine_test"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		postgres.BasicWaitStrategies(),
		testcontainers.WithLabels(map[string]string{
			"test":      "day-engine-store",
			"test-name": t.Name(),
			"cleanup":   "auto",
		}),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate test container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, MigrateUp(connStr))
	version, dirty, err := MigrationStatus(connStr)
	require.NoError(t, err)
	require.False(t, dirty)
	require.Equal(t, uint(1), version)

	pool, err := Connect(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	reset := func(t *testing.T) {
		_, err := pool.Exec(ctx,
			`TRUNCATE transaction_records, participants, market_settings`)
		require.NoError(t, err)
	}
	return NewPostgresStore(pool), reset
}

func TestPostgresStore(t *testing.T) {
	s, reset := setupTestDatabase(t)

	runStoreSuite(t, func(t *testing.T) Store {
		reset(t)
		return s
	})
}
