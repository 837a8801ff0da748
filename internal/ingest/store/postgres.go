package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// schema is the transcript persistence DDL, applied idempotently at startup.
const schema = `
CREATE TABLE IF NOT EXISTS transcript_segments (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT        NOT NULL,
    uid        TEXT        NOT NULL,
    speaker    TEXT        NOT NULL DEFAULT '',
    text       TEXT        NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_segments_session
    ON transcript_segments (session_id, id);
`

// PostgresStore is a [Store] backed by PostgreSQL via a pgx connection pool.
// All operations are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at dsn, verifies the connection,
// and ensures the transcript schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// SaveSegment implements [Store].
func (p *PostgresStore) SaveSegment(ctx context.Context, seg Segment) error {
	createdAt := seg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO transcript_segments (session_id, uid, speaker, text, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		seg.SessionID, seg.UID, seg.Speaker, seg.Text, createdAt,
	)
	if err != nil {
		return fmt.Errorf("store: save segment: %w", err)
	}
	return nil
}

// SessionSegments implements [Store].
func (p *PostgresStore) SessionSegments(ctx context.Context, sessionID string) ([]Segment, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT session_id, uid, speaker, text, created_at
		 FROM transcript_segments
		 WHERE session_id = $1
		 ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query segments: %w", err)
	}
	defer rows.Close()

	var segs []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.SessionID, &seg.UID, &seg.Speaker, &seg.Text, &seg.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan segment: %w", err)
		}
		segs = append(segs, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate segments: %w", err)
	}
	if len(segs) == 0 {
		return nil, ErrNotFound
	}
	return segs, nil
}

// Ping implements [Store].
func (p *PostgresStore) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close implements [Store].
func (p *PostgresStore) Close() {
	p.pool.Close()
}
