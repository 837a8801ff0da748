// Package frame turns raw link payloads into validated audio frames.
//
// Decoding is pure and stateless per call: the device family fully determines
// the fixed link-padding length to strip and the codec tag to apply. Malformed
// or truncated chunks are dropped, never propagated and never a panic —
// counting drops is the caller's concern.
package frame

import (
	"sync/atomic"

	"github.com/echolabs/echostream/pkg/device"
	"github.com/echolabs/echostream/pkg/types"
)

// Decode strips the family's link padding from raw and returns the resulting
// audio frame with the family's codec tag. The frame carries no sequence
// number; sequencing happens at capture time via [Sequencer].
//
// Returns false — a drop — when the family is unknown, or when raw is shorter
// than the family's padding (nothing decodable remains). A chunk of exactly
// padding length decodes to an empty payload and is also dropped: an empty
// frame carries no audio.
func Decode(raw []byte, family device.Family) (types.AudioFrame, bool) {
	spec, ok := family.Spec()
	if !ok {
		return types.AudioFrame{}, false
	}
	if len(raw) <= spec.Padding {
		return types.AudioFrame{}, false
	}

	payload := make([]byte, len(raw)-spec.Padding)
	copy(payload, raw[spec.Padding:])
	return types.AudioFrame{
		Data:  payload,
		Codec: spec.Codec,
	}, true
}

// Sequencer assigns the monotonically increasing sequence numbers frames
// carry for the lifetime of one socket session. Safe for concurrent use,
// though the capture engine drives it from a single goroutine.
type Sequencer struct {
	n atomic.Uint64
}

// Next returns the next sequence number, starting at 1.
func (s *Sequencer) Next() uint64 {
	return s.n.Add(1)
}

// Reset rewinds the sequencer for a fresh session.
func (s *Sequencer) Reset() {
	s.n.Store(0)
}
