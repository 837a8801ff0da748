// Package mock provides in-memory mock implementations of the
// [ingest.Transcriber] and [ingest.Stream] interfaces for use in unit tests.
//
// The mocks record written audio and let tests script transcript events:
//
//	stream := mock.NewStream()
//	tr := &mock.Transcriber{Stream: stream}
//	stream.Emit(types.TranscriptEvent{Text: "hello", IsFinal: true})
package mock

import (
	"context"
	"sync"

	"github.com/echolabs/echostream/internal/ingest"
	"github.com/echolabs/echostream/pkg/types"
)

// Stream is a mock [ingest.Stream].
type Stream struct {
	mu sync.Mutex

	// WriteError, when non-nil, is returned by Write.
	WriteError error

	written [][]byte
	events  chan types.TranscriptEvent
	closed  bool
}

// Compile-time interface check.
var _ ingest.Stream = (*Stream)(nil)

// NewStream creates a mock stream with a buffered event channel.
func NewStream() *Stream {
	return &Stream{events: make(chan types.TranscriptEvent, 16)}
}

// Write implements [ingest.Stream].
func (s *Stream) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteError != nil {
		return s.WriteError
	}
	chunk := make([]byte, len(pcm))
	copy(chunk, pcm)
	s.written = append(s.written, chunk)
	return nil
}

// Events implements [ingest.Stream].
func (s *Stream) Events() <-chan types.TranscriptEvent { return s.events }

// Close implements [ingest.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Emit delivers a scripted transcript event. No-op after Close.
func (s *Stream) Emit(ev types.TranscriptEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Written returns a snapshot of all audio written so far.
func (s *Stream) Written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.written))
	copy(out, s.written)
	return out
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Transcriber is a mock [ingest.Transcriber] handing out a fixed Stream.
type Transcriber struct {
	mu sync.Mutex

	// Stream is returned by NewStream when NewStreamError is nil.
	Stream *Stream

	// NewStreamError, when non-nil, is returned by NewStream.
	NewStreamError error

	// Configs records the config of every NewStream call in order.
	Configs []ingest.StreamConfig
}

// Compile-time interface check.
var _ ingest.Transcriber = (*Transcriber)(nil)

// NewStream implements [ingest.Transcriber].
func (t *Transcriber) NewStream(_ context.Context, cfg ingest.StreamConfig) (ingest.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Configs = append(t.Configs, cfg)
	if t.NewStreamError != nil {
		return nil, t.NewStreamError
	}
	return t.Stream, nil
}

// ConfigsSnapshot returns a copy of the recorded stream configs.
func (t *Transcriber) ConfigsSnapshot() []ingest.StreamConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ingest.StreamConfig, len(t.Configs))
	copy(out, t.Configs)
	return out
}
