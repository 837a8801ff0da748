// Package mock provides in-memory mock implementations of the [device.Link],
// [device.Connector], and [device.Discoverer] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	link := mock.NewLink()
//	connector := &mock.Connector{ConnectResult: link}
//	got, err := connector.Connect(ctx, desc)
//	link.EmitAudio([]byte{0x01, 0x02, 0x03, 0xAA})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/echolabs/echostream/pkg/device"
)

// ─── Link ─────────────────────────────────────────────────────────────────────

// Link is a mock implementation of [device.Link]. Create it with [NewLink];
// feed it with the Emit* methods; inspect the CallCount* fields afterwards.
type Link struct {
	mu sync.Mutex

	// DisconnectError is returned by [Link.Disconnect].
	DisconnectError error

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	audio   chan []byte
	buttons chan device.ButtonAction
	battery chan device.BatteryLevel
	backlog chan uint32
	stalled chan struct{}
	closed  bool
}

// Compile-time interface checks.
var (
	_ device.Link            = (*Link)(nil)
	_ device.StorageReporter = (*Link)(nil)
)

// NewLink creates a mock link with buffered streams.
func NewLink() *Link {
	return &Link{
		audio:   make(chan []byte, 64),
		buttons: make(chan device.ButtonAction, 8),
		battery: make(chan device.BatteryLevel, 8),
		backlog: make(chan uint32, 8),
		stalled: make(chan struct{}),
	}
}

// AudioBytes implements [device.Link].
func (l *Link) AudioBytes() <-chan []byte { return l.audio }

// ButtonEvents implements [device.Link].
func (l *Link) ButtonEvents() <-chan device.ButtonAction { return l.buttons }

// BatteryLevel implements [device.Link].
func (l *Link) BatteryLevel() <-chan device.BatteryLevel { return l.battery }

// Stalled implements [device.Link].
func (l *Link) Stalled() <-chan struct{} { return l.stalled }

// StorageBacklog implements [device.StorageReporter].
func (l *Link) StorageBacklog() <-chan uint32 { return l.backlog }

// EmitStall simulates the liveness watchdog firing. Safe to call once.
func (l *Link) EmitStall() {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.stalled:
	default:
		close(l.stalled)
	}
}

// Disconnect implements [device.Link]. The first call closes all streams;
// later calls are no-ops that still return DisconnectError.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.CallCountDisconnect++
	if !l.closed {
		l.closed = true
		close(l.audio)
		close(l.buttons)
		close(l.battery)
		close(l.backlog)
	}
	return l.DisconnectError
}

// EmitAudio delivers a raw chunk on the audio stream. No-op after Disconnect.
func (l *Link) EmitAudio(chunk []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.audio <- chunk
}

// EmitButton delivers a button press. No-op after Disconnect.
func (l *Link) EmitButton(a device.ButtonAction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.buttons <- a
}

// EmitBattery delivers a battery reading. No-op after Disconnect.
func (l *Link) EmitBattery(b device.BatteryLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.battery <- b
}

// EmitBacklog delivers a storage backlog reading. No-op after Disconnect.
func (l *Link) EmitBacklog(pending uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.backlog <- pending
}

// ─── Connector ────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of one Connect invocation.
type ConnectCall struct {
	Desc device.Descriptor
}

// Connector is a mock implementation of [device.Connector].
type Connector struct {
	mu sync.Mutex

	// ConnectResult is returned by Connect when ConnectError is nil.
	ConnectResult device.Link

	// ConnectError, when non-nil, is returned by Connect.
	ConnectError error

	// ConnectDelay, when positive, makes Connect wait before returning —
	// useful for driving the engine through its Initializing state.
	ConnectDelay time.Duration

	// ConnectCalls records every invocation in order.
	ConnectCalls []ConnectCall
}

// Compile-time interface check.
var _ device.Connector = (*Connector)(nil)

// Connect implements [device.Connector].
func (c *Connector) Connect(ctx context.Context, desc device.Descriptor) (device.Link, error) {
	c.mu.Lock()
	c.ConnectCalls = append(c.ConnectCalls, ConnectCall{Desc: desc})
	delay := c.ConnectDelay
	result, err := c.ConnectResult, c.ConnectError
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ─── Discoverer ───────────────────────────────────────────────────────────────

// Discoverer is a mock implementation of [device.Discoverer]. It emits the
// configured descriptors (dedupe applied, as real implementations do) and
// closes the stream.
type Discoverer struct {
	// Descriptors are emitted in order on every Discover call.
	Descriptors []device.Descriptor

	// DiscoverError, when non-nil, is returned by Discover.
	DiscoverError error
}

// Compile-time interface check.
var _ device.Discoverer = (*Discoverer)(nil)

// Discover implements [device.Discoverer].
func (d *Discoverer) Discover(ctx context.Context, timeout time.Duration) (<-chan device.Descriptor, error) {
	if d.DiscoverError != nil {
		return nil, d.DiscoverError
	}
	raw := make(chan device.Descriptor)
	go func() {
		defer close(raw)
		for _, desc := range d.Descriptors {
			select {
			case raw <- desc:
			case <-ctx.Done():
				return
			}
		}
	}()
	return device.Dedupe(raw), nil
}
