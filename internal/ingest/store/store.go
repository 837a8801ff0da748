// Package store persists finished transcript segments produced by the ingest
// service.
//
// Two implementations are provided: [MemStore], an in-memory store for tests
// and single-process deployments, and [PostgresStore], backed by a pgx
// connection pool.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session has no stored segments.
var ErrNotFound = errors.New("store: session not found")

// Segment is one finalized transcript segment of a session.
type Segment struct {
	// SessionID is the socket session continuity identifier.
	SessionID string

	// UID identifies the user the session belongs to.
	UID string

	// Speaker is the diarization label (e.g. "SPEAKER_00").
	Speaker string

	// Text is the transcribed segment text.
	Text string

	// CreatedAt is when the segment was finalized.
	CreatedAt time.Time
}

// Store persists transcript segments. Implementations must be safe for
// concurrent use.
type Store interface {
	// SaveSegment appends one finalized segment to its session's record.
	SaveSegment(ctx context.Context, seg Segment) error

	// SessionSegments returns a session's segments in insertion order.
	// Returns [ErrNotFound] when the session has no segments.
	SessionSegments(ctx context.Context, sessionID string) ([]Segment, error)

	// Ping verifies the store is reachable. Used by readiness checks.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close()
}
