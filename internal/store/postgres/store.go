// Package postgres provides Postgres-backed persistence for capture results
// and batch aggregates.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelproof/adcapture/internal/capture"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for result rows.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	CaptureTable    string        `mapstructure:"capture_table"`
	BatchTable      string        `mapstructure:"batch_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Store writes capture and batch rows into Postgres.
type Store struct {
	pool         execCloser
	captureTable string
	batchTable   string
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	captureTable, batchTable, err := tableNames(cfg.CaptureTable, cfg.BatchTable)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{
		pool:         pool,
		captureTable: captureTable,
		batchTable:   batchTable,
	}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, captureTable, batchTable string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	ct, bt, err := tableNames(captureTable, batchTable)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, captureTable: ct, batchTable: bt}, nil
}

func tableNames(captureTable, batchTable string) (string, string, error) {
	if captureTable == "" {
		captureTable = "captures"
	}
	if batchTable == "" {
		batchTable = "batches"
	}
	for _, table := range []string{captureTable, batchTable} {
		if !validTableName.MatchString(table) {
			return "", "", fmt.Errorf("invalid table name %q", table)
		}
	}
	return captureTable, batchTable, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// SaveCapture inserts one per-job capture outcome row.
func (s *Store) SaveCapture(ctx context.Context, job capture.Job, result capture.CaptureResult) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("result store is not configured")
	}
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	batch_id,
	pid,
	uid,
	website_url,
	ad_type,
	device,
	success,
	artifact_ref,
	error_class,
	error_message,
	retry_count,
	captured_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)`, s.captureTable)

	args := []any{
		job.ID,
		job.BatchID,
		job.Record.PID,
		job.Record.UID,
		job.Record.WebsiteURL,
		job.Record.AdType,
		string(result.Metadata.Device),
		result.Success,
		result.ArtifactRef,
		string(result.Class),
		result.Error,
		job.RetryCount,
		result.Metadata.Timestamp,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert capture row: %w", err)
	}
	return nil
}

// SaveBatch inserts one batch aggregate row. Per-record errors are stored as
// a JSON column rather than normalized; the handoff stage reads them whole.
func (s *Store) SaveBatch(ctx context.Context, result capture.BatchResult) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("result store is not configured")
	}
	if result.BatchID == "" {
		return fmt.Errorf("batch id is required")
	}
	errorsJSON, err := json.Marshal(normalizeErrors(result.Errors))
	if err != nil {
		return fmt.Errorf("marshal batch errors: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	batch_id,
	total_records,
	success_count,
	error_count,
	errors,
	duration_ms
) VALUES (
	$1,$2,$3,$4,$5,$6
)`, s.batchTable)

	args := []any{
		result.BatchID,
		result.TotalRecords,
		result.SuccessCount,
		result.ErrorCount,
		errorsJSON,
		result.Duration.Milliseconds(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert batch row: %w", err)
	}
	return nil
}

func normalizeErrors(errs []capture.BatchError) []capture.BatchError {
	if len(errs) == 0 {
		return []capture.BatchError{}
	}
	return errs
}

var _ capture.ResultStore = (*Store)(nil)
