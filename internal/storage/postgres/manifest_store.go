// Package postgres records crawl runs and their persisted artifacts in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/markdown-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultArtifactTable = "artifacts"
	defaultRunTable      = "crawl_runs"
)

// Run statuses stored in the runs table.
const (
	RunRunning   = "running"
	RunFinished  = "finished"
	RunCancelled = "cancelled"
)

// ManifestStoreConfig controls the Postgres connection pool used for manifest rows.
type ManifestStoreConfig struct {
	DSN             string
	Table           string
	RunTable        string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ManifestStore writes artifact and run rows into Postgres.
type ManifestStore struct {
	pool     execCloser
	table    string
	runTable string
}

// RunRecord summarizes one crawl run.
type RunRecord struct {
	ID         string
	BaseURL    string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Processed  int64
	Saved      int64
}

// NewManifestStore connects a pool using cfg.
func NewManifestStore(ctx context.Context, cfg ManifestStoreConfig) (*ManifestStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, runTable, err := tableNames(cfg.Table, cfg.RunTable)
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
	return &ManifestStore{pool: pool, table: table, runTable: runTable}, nil
}

// NewManifestStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewManifestStoreWithPool(pool execCloser, table, runTable string) (*ManifestStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, runTable, err := tableNames(table, runTable)
	if err != nil {
		return nil, err
	}
	return &ManifestStore{pool: pool, table: table, runTable: runTable}, nil
}

func tableNames(table, runTable string) (string, string, error) {
	if table == "" {
		table = defaultArtifactTable
	}
	if runTable == "" {
		runTable = defaultRunTable
	}
	for _, name := range []string{table, runTable} {
		if !validTableName.MatchString(name) {
			return "", "", fmt.Errorf("invalid table name %q", name)
		}
	}
	return table, runTable, nil
}

// Close releases the underlying pool resources.
func (s *ManifestStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordArtifact implements crawler.ManifestStore.
func (s *ManifestStore) RecordArtifact(ctx context.Context, record crawler.ManifestRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("manifest store is not configured")
	}
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	run_id,
	url,
	location,
	source,
	classification,
	content_hash,
	bytes,
	saved_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)`, s.table)

	args := []any{
		record.ID,
		record.RunID,
		record.URL,
		record.Location,
		record.Source,
		record.Classification,
		record.ContentHash,
		record.Bytes,
		record.SavedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// StartRun inserts a running row for run. Re-starting an existing run is a
// no-op.
func (s *ManifestStore) StartRun(ctx context.Context, run RunRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("manifest store is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, base_url, status, started_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`, s.runTable)
	if _, err := s.pool.Exec(ctx, query, run.ID, run.BaseURL, RunRunning, run.StartedAt); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stores the final status and totals of run.
func (s *ManifestStore) FinishRun(ctx context.Context, run RunRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("manifest store is not configured")
	}
	status := run.Status
	if status == "" {
		status = RunFinished
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, finished_at = $2, processed = $3, saved = $4
WHERE id = $5`, s.runTable)
	tag, err := s.pool.Exec(ctx, query, status, run.FinishedAt, run.Processed, run.Saved, run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}
