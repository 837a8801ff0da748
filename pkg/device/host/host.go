// Package host captures audio from the machine EchoStream runs on: the
// microphone, or (desktop only) the system audio loopback.
//
// Capture is abstracted behind the [Context] and [CaptureDevice] interfaces
// so the link layer can be tested without real hardware; [NewContext] returns
// the malgo-backed production implementation.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/echolabs/echostream/pkg/device"
)

// DataCallback receives raw PCM16 bytes from a capture device, on the audio
// stack's own goroutine. Implementations must not block.
type DataCallback func(data []byte)

// CaptureConfig selects the capture format.
type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32

	// Loopback captures system audio output instead of the microphone.
	Loopback bool
}

// Context enumerates and opens capture devices.
type Context interface {
	// NewCapture opens a capture device with the given config. A nil
	// callback is invalid.
	NewCapture(cfg CaptureConfig, cb DataCallback) (CaptureDevice, error)

	// Close releases the audio backend. Call after all capture devices
	// are closed.
	Close()
}

// CaptureDevice is one open capture stream.
type CaptureDevice interface {
	Start() error
	Stop()
	Close()
}

// Option is a functional option for configuring the [Source].
type Option func(*Source)

// WithStallWindow sets the liveness window after which a silent capture
// stream is reported as stalled. Defaults to 10 s.
func WithStallWindow(d time.Duration) Option {
	return func(s *Source) {
		s.stallWindow = d
	}
}

// Source opens [device.Link] streams for the host's own audio. It is the
// host-side counterpart of a BLE connector: the engine asks it for a mic or
// system-audio link instead of dialling a descriptor.
type Source struct {
	ctx         Context
	stallWindow time.Duration
}

// NewSource creates a Source over the given capture context.
func NewSource(ctx Context, opts ...Option) *Source {
	s := &Source{ctx: ctx}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OpenMic opens a microphone link.
func (s *Source) OpenMic(ctx context.Context) (device.Link, error) {
	return s.open(ctx, device.FamilyHostMic, false)
}

// OpenSystemAudio opens a system-audio loopback link. Fails with
// [device.ErrUnsupported] on platforms whose audio backend has no loopback.
func (s *Source) OpenSystemAudio(ctx context.Context) (device.Link, error) {
	return s.open(ctx, device.FamilySystemAudio, true)
}

func (s *Source) open(_ context.Context, family device.Family, loopback bool) (device.Link, error) {
	spec, _ := family.Spec()

	l := &link{
		family:   family,
		audio:    make(chan []byte, 256),
		watchdog: device.NewWatchdog(s.stallWindow),
	}

	cap, err := s.ctx.NewCapture(CaptureConfig{
		SampleRate: uint32(spec.SampleRate),
		Channels:   1,
		Loopback:   loopback,
	}, l.onData)
	if err != nil {
		l.watchdog.Stop()
		return nil, fmt.Errorf("host: open %s: %w", family, err)
	}
	l.capture = cap

	if err := cap.Start(); err != nil {
		l.watchdog.Stop()
		cap.Close()
		return nil, fmt.Errorf("host: start %s: %w", family, err)
	}

	slog.Info("host capture started", "family", family, "sample_rate", spec.SampleRate)
	return l, nil
}

// link is the host implementation of [device.Link]. Host sources have no
// button or battery, so those streams are nil channels that never deliver.
type link struct {
	family   device.Family
	capture  CaptureDevice
	watchdog *device.Watchdog

	audio chan []byte

	mu     sync.Mutex
	closed bool
}

// Compile-time interface check.
var _ device.Link = (*link)(nil)

func (l *link) AudioBytes() <-chan []byte                { return l.audio }
func (l *link) ButtonEvents() <-chan device.ButtonAction { return nil }
func (l *link) BatteryLevel() <-chan device.BatteryLevel { return nil }
func (l *link) Stalled() <-chan struct{}                 { return l.watchdog.Stalled() }

// Disconnect implements [device.Link]. Idempotent.
func (l *link) Disconnect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.watchdog.Stop()
	l.capture.Stop()
	l.capture.Close()

	l.mu.Lock()
	close(l.audio)
	l.mu.Unlock()
	return nil
}

// onData forwards captured PCM to the audio stream, dropping the oldest
// buffered chunk under backpressure: live capture prefers freshness.
func (l *link) onData(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.watchdog.Touch()

	chunk := make([]byte, len(data))
	copy(chunk, data)
	select {
	case l.audio <- chunk:
	default:
		select {
		case <-l.audio:
		default:
		}
		select {
		case l.audio <- chunk:
		default:
		}
	}
}
