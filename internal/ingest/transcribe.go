// Package ingest implements the backend side of the EchoStream protocol: it
// accepts socket sessions on /v1/listen, decodes audio frames per the
// negotiated codec, forwards PCM to a speech-to-text engine, and emits
// transcript events back over the same connection.
package ingest

import (
	"context"

	"github.com/echolabs/echostream/pkg/types"
)

// StreamConfig selects the recognition parameters for one transcription
// stream. Audio written to the stream is always PCM16 mono.
type StreamConfig struct {
	// SampleRate of the PCM audio in Hz.
	SampleRate int

	// Language is the BCP-47 language tag, e.g. "en".
	Language string

	// Diarize asks the engine to label speakers.
	Diarize bool
}

// Stream is one live transcription stream.
type Stream interface {
	// Write feeds PCM16 mono audio into the engine. Must not block
	// indefinitely.
	Write(pcm []byte) error

	// Events returns the engine's transcript events in emission order.
	// Closed when the stream ends.
	Events() <-chan types.TranscriptEvent

	// Close flushes pending audio and ends the stream. Idempotent.
	Close() error
}

// Transcriber opens transcription streams. Implementations must be safe for
// concurrent use; each socket session gets its own Stream.
type Transcriber interface {
	NewStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}
