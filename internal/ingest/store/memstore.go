package store

import (
	"context"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. Segments live only as long as the
// process; suitable for tests and single-instance deployments without a
// database.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string][]Segment
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string][]Segment)}
}

// SaveSegment implements [Store].
func (m *MemStore) SaveSegment(_ context.Context, seg Segment) error {
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[seg.SessionID] = append(m.sessions[seg.SessionID], seg)
	return nil
}

// SessionSegments implements [Store].
func (m *MemStore) SessionSegments(_ context.Context, sessionID string) ([]Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	segs, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Segment, len(segs))
	copy(out, segs)
	return out, nil
}

// Ping implements [Store]. A MemStore is always reachable.
func (m *MemStore) Ping(context.Context) error { return nil }

// Close implements [Store].
func (m *MemStore) Close() {}
