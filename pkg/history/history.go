// Package history persists completed ensemble runs to PostgreSQL. It is an
// optional host capability: the engine itself stays non-durable and the API
// layer records runs here after they finish.
package history

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for the migration connection
)

//go:embed migrations
var migrationsFS embed.FS

// ErrNotFound marks a lookup for an execution that was never recorded.
var ErrNotFound = errors.New("execution not found")

// Status of a recorded run.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Record is one persisted run.
type Record struct {
	ExecutionID  string    `json:"executionId"`
	Ensemble     string    `json:"ensemble"`
	Status       string    `json:"status"`
	Input        any       `json:"input,omitempty"`
	Output       any       `json:"output,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Metrics      any       `json:"metrics,omitempty"`
	Scoring      any       `json:"scoring,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// Store is the execution-history repository backed by a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the history database, applies pending migrations,
// and returns the repository.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if err := runMigrations(cfg); err != nil {
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// runMigrations applies the embedded migration files through a short-lived
// database/sql connection. The pgx pool is opened afterwards, so closing
// the migration instance cannot break it.
func runMigrations(cfg Config) error {
	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return sourceDriver.Close()
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Save upserts a run record. Re-saving the same execution id overwrites the
// previous row; runs are recorded once, after they finish.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	input, err := encodeJSON(rec.Input)
	if err != nil {
		return fmt.Errorf("encoding input: %w", err)
	}
	output, err := encodeJSON(rec.Output)
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	metrics, err := encodeJSON(rec.Metrics)
	if err != nil {
		return fmt.Errorf("encoding metrics: %w", err)
	}
	scoring, err := encodeJSON(rec.Scoring)
	if err != nil {
		return fmt.Errorf("encoding scoring: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO executions
			(execution_id, ensemble, status, input, output, error_message,
			 metrics, scoring, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (execution_id) DO UPDATE SET
			ensemble = EXCLUDED.ensemble,
			status = EXCLUDED.status,
			input = EXCLUDED.input,
			output = EXCLUDED.output,
			error_message = EXCLUDED.error_message,
			metrics = EXCLUDED.metrics,
			scoring = EXCLUDED.scoring,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at`,
		rec.ExecutionID, rec.Ensemble, rec.Status, input, output,
		rec.ErrorMessage, metrics, scoring, rec.StartedAt, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("saving execution %s: %w", rec.ExecutionID, err)
	}
	return nil
}

// Get returns one recorded run by execution id.
func (s *Store) Get(ctx context.Context, executionID string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT execution_id, ensemble, status, input, output, error_message,
		       metrics, scoring, started_at, finished_at
		FROM executions WHERE execution_id = $1`, executionID)

	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading execution %s: %w", executionID, err)
	}
	return rec, nil
}

// ListByEnsemble returns the most recent runs of one ensemble, newest
// first.
func (s *Store) ListByEnsemble(ctx context.Context, ensemble string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT execution_id, ensemble, status, input, output, error_message,
		       metrics, scoring, started_at, finished_at
		FROM executions WHERE ensemble = $1
		ORDER BY started_at DESC LIMIT $2`, ensemble, limit)
	if err != nil {
		return nil, fmt.Errorf("listing executions for %s: %w", ensemble, err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*Record, error) {
	var (
		rec                            Record
		input, output, metrics, scores []byte
	)
	err := row.Scan(&rec.ExecutionID, &rec.Ensemble, &rec.Status,
		&input, &output, &rec.ErrorMessage, &metrics, &scores,
		&rec.StartedAt, &rec.FinishedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(input, &rec.Input); err != nil {
		return nil, err
	}
	if err := decodeJSON(output, &rec.Output); err != nil {
		return nil, err
	}
	if err := decodeJSON(metrics, &rec.Metrics); err != nil {
		return nil, err
	}
	if err := decodeJSON(scores, &rec.Scoring); err != nil {
		return nil, err
	}
	return &rec, nil
}

func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func decodeJSON(data []byte, dst *any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
