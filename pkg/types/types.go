// Package types defines the shared types used across all EchoStream packages.
//
// These types form the lingua franca between device links, the capture
// engine, the transport socket, and the ingest service. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// Codec identifies the encoding of audio payload bytes. The codec for a
// session is fixed at session-open time and never carried per frame.
type Codec string

const (
	// CodecPCM16 is uncompressed little-endian 16-bit PCM.
	CodecPCM16 Codec = "pcm16"

	// CodecOpus is Opus-encoded audio as emitted by wearable firmware.
	CodecOpus Codec = "opus"
)

// IsValid reports whether c is a recognised codec.
func (c Codec) IsValid() bool {
	return c == CodecPCM16 || c == CodecOpus
}

// AudioFrame is a single validated frame of audio flowing from a device link
// towards the backend. The payload has already been stripped of any
// device-family link padding.
//
// Frames are immutable once created. Ownership transfers to the transport
// socket on send; callers must not retain or mutate Data afterwards.
type AudioFrame struct {
	// Data is the codec payload, without link-protocol padding.
	Data []byte

	// Codec is the encoding of Data. Fixed per device family.
	Codec Codec

	// Seq is the monotonically increasing sequence number assigned at
	// capture time. Strictly increasing within one socket session; a gap
	// indicates frame loss.
	Seq uint64
}

// SignalKind classifies out-of-band events delivered alongside transcript
// segments on the event stream.
type SignalKind string

const (
	// SignalConversationTimeout warns that the server-side conversation
	// window for the session is about to expire.
	SignalConversationTimeout SignalKind = "conversation_timeout"
)

// TranscriptEvent is a structured message received from the ingest service:
// either a transcript segment (Speaker/Text/IsFinal) or an out-of-band
// signal (Signal non-empty). The capture engine relays these unmodified.
type TranscriptEvent struct {
	Speaker string     `json:"speaker,omitempty"`
	Text    string     `json:"text,omitempty"`
	IsFinal bool       `json:"is_final,omitempty"`
	Signal  SignalKind `json:"signal,omitempty"`
}

// IsSignal reports whether the event is an out-of-band signal rather than a
// transcript segment.
func (e TranscriptEvent) IsSignal() bool {
	return e.Signal != ""
}

// SessionParams carry the negotiated metadata for one ingest session. They
// are exchanged once at socket open (query parameters on the handshake) and
// remain fixed for the session's lifetime, including across reconnects.
type SessionParams struct {
	// ID is the session continuity identifier. Reused verbatim on every
	// reconnect so the backend can resume rather than open a new
	// conversation. When empty, the transport mints one at open time.
	ID string

	// UID identifies the capturing user/device to the backend.
	UID string

	// Language is the BCP-47 language tag for transcription (e.g. "en").
	Language string

	// SampleRate of the audio payload in Hz.
	SampleRate int

	// Codec is the encoding of every audio frame in the session.
	Codec Codec

	// IncludeSpeechProfile asks the backend to apply the user's stored
	// speaker profile for diarization.
	IncludeSpeechProfile bool

	// ConversationTimeout is the server-side conversation window. Zero
	// means the backend default applies.
	ConversationTimeout time.Duration
}
