package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Peterbackson-desing/dashboard/pkg/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS firmware_artifacts (
	seq           BIGSERIAL PRIMARY KEY,
	filename      TEXT NOT NULL UNIQUE,
	original_name TEXT NOT NULL,
	size          BIGINT NOT NULL,
	sha256        TEXT NOT NULL DEFAULT '',
	uploaded_at   TIMESTAMPTZ NOT NULL,
	uploaded_by   TEXT NOT NULL,
	path          TEXT NOT NULL
)`

// PostgresIndex stores one row per artifact. Update holds an exclusive table
// lock for the read-modify-write, so replicas sharing the database serialise
// their appends while plain reads continue.
type PostgresIndex struct {
	pool *sql.DB
}

// NewPostgresIndex opens a connection pool for dsn and creates the table if
// needed. The caller must call Close when finished.
func NewPostgresIndex(ctx context.Context, dsn string) (*PostgresIndex, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	pool.SetMaxOpenConns(10)
	pool.SetMaxIdleConns(2)
	pool.SetConnMaxIdleTime(5 * time.Minute)
	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.ExecContext(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: create schema: %w", err)
	}
	return &PostgresIndex{pool: pool}, nil
}

// Close closes the connection pool.
func (p *PostgresIndex) Close() error {
	return p.pool.Close()
}

// Load implements Index.
func (p *PostgresIndex) Load(ctx context.Context) ([]model.Artifact, error) {
	return queryArtifacts(ctx, p.pool)
}

// Update implements Index. Records fn keeps in place are left untouched and
// only the appended tail is inserted; any other change rewrites the table.
func (p *PostgresIndex) Update(ctx context.Context, fn func([]model.Artifact) ([]model.Artifact, error)) error {
	tx, err := p.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "LOCK TABLE firmware_artifacts IN EXCLUSIVE MODE"); err != nil {
		return fmt.Errorf("postgres: lock: %w", err)
	}
	list, err := queryArtifacts(ctx, tx)
	if err != nil {
		return err
	}
	next, err := fn(list)
	if err != nil {
		return err
	}

	tail := next
	if hasPrefix(next, list) {
		tail = next[len(list):]
	} else if _, err := tx.ExecContext(ctx, "DELETE FROM firmware_artifacts"); err != nil {
		return fmt.Errorf("postgres: rewrite: %w", err)
	}
	for _, a := range tail {
		_, err := tx.ExecContext(ctx, `INSERT INTO firmware_artifacts
			(filename, original_name, size, sha256, uploaded_at, uploaded_by, path)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.Filename, a.OriginalName, a.Size, a.SHA256, a.UploadedAt, a.UploadedBy, a.Path)
		if err != nil {
			return fmt.Errorf("postgres: insert %q: %w", a.Filename, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryArtifacts(ctx context.Context, q queryer) ([]model.Artifact, error) {
	rows, err := q.QueryContext(ctx, `SELECT filename, original_name, size, sha256, uploaded_at, uploaded_by, path
		FROM firmware_artifacts ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("postgres: select: %w", err)
	}
	defer rows.Close()

	list := []model.Artifact{}
	for rows.Next() {
		var a model.Artifact
		if err := rows.Scan(&a.Filename, &a.OriginalName, &a.Size, &a.SHA256, &a.UploadedAt, &a.UploadedBy, &a.Path); err != nil {
			return nil, fmt.Errorf("postgres: scan: %w", err)
		}
		a.UploadedAt = a.UploadedAt.UTC()
		list = append(list, a)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("postgres: rows: %w", err)
	}
	return list, nil
}

// hasPrefix reports whether next starts with the records of prev, compared
// by filename.
func hasPrefix(next, prev []model.Artifact) bool {
	if len(next) < len(prev) {
		return false
	}
	for i := range prev {
		if next[i].Filename != prev[i].Filename {
			return false
		}
	}
	return true
}
