package history

import (
	"context"
	"net/url"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestStore creates a store with CI/local environment detection.
// In CI (when CI_DATABASE_URL is set): connects to the external PostgreSQL
// service container. In local dev: spins up a testcontainer.
func newTestStore(t *testing.T) *Store {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	cfg := configFromURL(t, connStr)
	store, err := NewStore(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func configFromURL(t *testing.T, connStr string) Config {
	t.Helper()
	u, err := url.Parse(connStr)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	password, _ := u.User.Password()
	return Config{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		Database: u.Path[1:],
		SSLMode:  "disable",
		MaxConns: 5,
	}
}

func TestStoreSaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Microsecond)
	rec := &Record{
		ExecutionID: "run-1",
		Ensemble:    "greet",
		Status:      StatusCompleted,
		Input:       map[string]any{"name": "sam"},
		Output:      map[string]any{"text": "hi sam"},
		Metrics:     map[string]any{"cacheHits": float64(0)},
		StartedAt:   started,
		FinishedAt:  started.Add(120 * time.Millisecond),
	}
	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "greet", got.Ensemble)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, map[string]any{"name": "sam"}, got.Input)
	assert.Equal(t, map[string]any{"text": "hi sam"}, got.Output)
	assert.WithinDuration(t, started, got.StartedAt, time.Millisecond)
}

func TestStoreGetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "no-such-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "no-such-run")
}

func TestStoreSaveOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &Record{
		ExecutionID:  "run-2",
		Ensemble:     "greet",
		Status:       StatusFailed,
		ErrorMessage: "agent exploded",
		StartedAt:    now,
		FinishedAt:   now,
	}
	require.NoError(t, store.Save(ctx, rec))

	rec.Status = StatusCompleted
	rec.ErrorMessage = ""
	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Get(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestStoreListByEnsemble(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(ctx, &Record{
			ExecutionID: "list-run-" + strconv.Itoa(i),
			Ensemble:    "listed",
			Status:      StatusCompleted,
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
			FinishedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.Save(ctx, &Record{
		ExecutionID: "other-run",
		Ensemble:    "other",
		Status:      StatusCompleted,
		StartedAt:   base,
		FinishedAt:  base,
	}))

	records, err := store.ListByEnsemble(ctx, "listed", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "list-run-2", records[0].ExecutionID, "newest first")
	assert.Equal(t, "list-run-1", records[1].ExecutionID)
}

func TestStorePing(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}
