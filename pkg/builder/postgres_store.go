package builder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists build records to Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS app_builds (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    phase TEXT NOT NULL DEFAULT '',
    progress INTEGER NOT NULL DEFAULT 0,
    platform TEXT NOT NULL,
    prompt TEXT NOT NULL,
    app_history_id TEXT NOT NULL DEFAULT '',
    downstream_id TEXT NOT NULL DEFAULT '',
    download_url TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    version BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS app_builds_owner_idx ON app_builds (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS app_builds_active_idx ON app_builds (status) WHERE status IN ('pending', 'building');
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const buildColumns = `id, owner_id, status, phase, progress, platform, prompt, app_history_id, downstream_id, download_url, error_message, created_at, updated_at, version`

func (s *PostgresStore) Create(ctx context.Context, job Job) error {
	query := `INSERT INTO app_builds (` + buildColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,1)
ON CONFLICT (id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.OwnerID,
		job.Status,
		job.Phase,
		job.Progress,
		job.Platform,
		job.Prompt,
		job.AppHistoryID,
		job.DownstreamID,
		job.DownloadURL,
		job.ErrorMessage,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert build: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM app_builds WHERE id=$1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return job, err
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, expected, next Job) (Job, error) {
	query := `UPDATE app_builds SET status=$1, phase=$2, progress=$3, downstream_id=$4, download_url=$5, error_message=$6, updated_at=$7, version=version+1
WHERE id=$8 AND version=$9
RETURNING ` + buildColumns
	row := s.db.QueryRowContext(ctx, query,
		next.Status,
		next.Phase,
		next.Progress,
		next.DownstreamID,
		next.DownloadURL,
		next.ErrorMessage,
		next.UpdatedAt,
		expected.ID,
		expected.Version,
	)
	stored, err := scanJob(row)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("update build: %w", err)
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM app_builds WHERE id=$1)`, expected.ID).Scan(&exists); err != nil {
		return Job{}, err
	}
	if !exists {
		return Job{}, ErrNotFound
	}
	return Job{}, ErrConflict
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]Job, error) {
	return s.list(ctx, `SELECT `+buildColumns+` FROM app_builds WHERE owner_id=$1 ORDER BY created_at DESC`, ownerID)
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]Job, error) {
	return s.list(ctx, `SELECT `+buildColumns+` FROM app_builds WHERE status IN ('pending', 'building') ORDER BY created_at DESC`)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID,
		&j.OwnerID,
		&j.Status,
		&j.Phase,
		&j.Progress,
		&j.Platform,
		&j.Prompt,
		&j.AppHistoryID,
		&j.DownstreamID,
		&j.DownloadURL,
		&j.ErrorMessage,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.Version,
	)
	if err != nil {
		return Job{}, err
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return j, nil
}
