package ingest

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/echolabs/echostream/pkg/types"
)

// Wearable firmware encodes Opus at 16 kHz mono with 20 ms frames.
const (
	opusChannels    = 1
	opusFrameSizeMs = 20
)

// frameDecoder turns one wire frame into PCM16 mono bytes. The codec is
// fixed for the session, so the decoder is chosen once at session accept.
type frameDecoder interface {
	Decode(frame []byte) ([]byte, error)
}

// newFrameDecoder selects the decoder for the session's negotiated codec.
func newFrameDecoder(codec types.Codec, sampleRate int) (frameDecoder, error) {
	switch codec {
	case types.CodecPCM16:
		return pcmPassthrough{}, nil
	case types.CodecOpus:
		return newOpusDecoder(sampleRate)
	default:
		return nil, fmt.Errorf("ingest: unsupported codec %q", codec)
	}
}

// pcmPassthrough handles sessions whose frames are already PCM16.
type pcmPassthrough struct{}

func (pcmPassthrough) Decode(frame []byte) ([]byte, error) {
	if len(frame)%2 != 0 {
		return nil, fmt.Errorf("ingest: odd pcm16 frame length %d", len(frame))
	}
	return frame, nil
}

// opusDecoder decodes the wearable's Opus packets to PCM16. Decoder state
// carries across consecutive packets, so each session owns one decoder.
type opusDecoder struct {
	dec       *gopus.Decoder
	frameSize int
}

func newOpusDecoder(sampleRate int) (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("ingest: create opus decoder: %w", err)
	}
	return &opusDecoder{
		dec:       dec,
		frameSize: sampleRate * opusFrameSizeMs / 1000,
	}, nil
}

func (d *opusDecoder) Decode(frame []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(frame, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("ingest: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// int16sToBytes converts PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
