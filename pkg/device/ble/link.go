package ble

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/echolabs/echostream/pkg/device"
	"github.com/echolabs/echostream/pkg/types"
)

// Option is a functional option for configuring the [Connector].
type Option func(*Connector)

// WithStallWindow sets the audio liveness window after which a silent link is
// reported as stalled. Defaults to 10 s.
func WithStallWindow(d time.Duration) Option {
	return func(c *Connector) {
		c.stallWindow = d
	}
}

// Connector establishes [device.Link] connections to BLE wearables through an
// injected [Central].
type Connector struct {
	central     Central
	stallWindow time.Duration
}

// Compile-time interface check.
var _ device.Connector = (*Connector)(nil)

// NewConnector creates a Connector backed by the given GATT central.
func NewConnector(central Central, opts ...Option) *Connector {
	c := &Connector{central: central}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect implements [device.Connector]. It dials the peripheral, verifies
// the advertised codec against the family contract, and subscribes to the
// audio, button and battery characteristics.
func (c *Connector) Connect(ctx context.Context, desc device.Descriptor) (device.Link, error) {
	spec, ok := desc.Family.Spec()
	if !ok {
		return nil, fmt.Errorf("ble: family %q: %w", desc.Family, device.ErrUnsupported)
	}

	p, err := c.central.Dial(ctx, desc.Address)
	if err != nil {
		return nil, fmt.Errorf("ble: dial %s: %w", desc.Address, err)
	}

	// The codec characteristic is the firmware's declaration of what it
	// streams. It must agree with the family table; a mismatch means
	// incompatible firmware, not a negotiation opportunity.
	raw, err := p.Read(ctx, CharAudioCodec)
	if err != nil {
		_ = p.Disconnect()
		return nil, fmt.Errorf("ble: read codec characteristic: %w", err)
	}
	if got, ok := codecFromByte(raw); !ok || got != spec.Codec {
		_ = p.Disconnect()
		return nil, fmt.Errorf("ble: firmware declares codec %v, family %q requires %q: %w",
			raw, desc.Family, spec.Codec, device.ErrUnsupported)
	}

	l := &link{
		peripheral: p,
		desc:       desc,
		audio:      make(chan []byte, 256),
		buttons:    make(chan device.ButtonAction, 8),
		battery:    make(chan device.BatteryLevel, 8),
		backlog:    make(chan uint32, 4),
		watchdog:   device.NewWatchdog(c.stallWindow),
	}

	if err := p.Subscribe(CharAudioData, l.onAudio); err != nil {
		l.watchdog.Stop()
		_ = p.Disconnect()
		return nil, fmt.Errorf("ble: subscribe audio: %w", err)
	}
	if desc.Features.Button {
		if err := p.Subscribe(CharButton, l.onButton); err != nil {
			l.watchdog.Stop()
			_ = p.Disconnect()
			return nil, fmt.Errorf("ble: subscribe button: %w", err)
		}
	}
	if err := p.Subscribe(CharBatteryLevel, l.onBattery); err != nil {
		l.watchdog.Stop()
		_ = p.Disconnect()
		return nil, fmt.Errorf("ble: subscribe battery: %w", err)
	}
	if desc.Features.Storage {
		if err := p.Subscribe(CharStorageControl, l.onStorageControl); err != nil {
			l.watchdog.Stop()
			_ = p.Disconnect()
			return nil, fmt.Errorf("ble: subscribe storage control: %w", err)
		}
	}

	slog.Info("ble link established",
		"address", desc.Address,
		"name", desc.Name,
		"family", desc.Family,
	)
	return l, nil
}

// codecFromByte maps a codec characteristic value to its codec tag.
func codecFromByte(raw []byte) (types.Codec, bool) {
	if len(raw) == 0 {
		return "", false
	}
	switch raw[0] {
	case codecBytePCM16:
		return types.CodecPCM16, true
	case codecByteOpus:
		return types.CodecOpus, true
	default:
		return "", false
	}
}

// link is the wearable implementation of [device.Link].
type link struct {
	peripheral Peripheral
	desc       device.Descriptor
	watchdog   *device.Watchdog

	audio   chan []byte
	buttons chan device.ButtonAction
	battery chan device.BatteryLevel
	backlog chan uint32

	mu     sync.Mutex
	closed bool
}

// Compile-time interface check.
var (
	_ device.Link            = (*link)(nil)
	_ device.StorageReporter = (*link)(nil)
)

func (l *link) AudioBytes() <-chan []byte                 { return l.audio }
func (l *link) ButtonEvents() <-chan device.ButtonAction  { return l.buttons }
func (l *link) BatteryLevel() <-chan device.BatteryLevel  { return l.battery }
func (l *link) Stalled() <-chan struct{}                  { return l.watchdog.Stalled() }

// StorageBacklog returns the stream of on-device storage backlog readings
// (buffered audio bytes awaiting retrieval). Only meaningful for devices
// advertising the storage feature; otherwise the channel never delivers.
func (l *link) StorageBacklog() <-chan uint32 { return l.backlog }

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
	err := l.peripheral.Disconnect()

	l.mu.Lock()
	close(l.audio)
	close(l.buttons)
	close(l.battery)
	close(l.backlog)
	l.mu.Unlock()

	if err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", l.desc.Address, err)
	}
	return nil
}

// onAudio handles an audio-data notification. Chunks are forwarded raw —
// padding stripping is the frame decoder's job, not the link's. When the
// consumer lags behind the notification rate, the oldest unread chunk is
// dropped in favour of the new one: live audio prefers freshness.
func (l *link) onAudio(data []byte) {
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

// onButton handles a button notification.
func (l *link) onButton(data []byte) {
	if len(data) == 0 {
		return
	}
	var action device.ButtonAction
	switch data[0] {
	case buttonByteSingleTap:
		action = device.ButtonSingleTap
	case buttonByteDoubleTap:
		action = device.ButtonDoubleTap
	case buttonByteLongPress:
		action = device.ButtonLongPress
	default:
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.buttons <- action:
	default:
		// Consumer is not keeping up with a low-frequency stream; drop.
	}
}

// onBattery handles a battery-level notification (single byte, percent).
func (l *link) onBattery(data []byte) {
	if len(data) == 0 || data[0] > 100 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.battery <- device.BatteryLevel(data[0]):
	default:
	}
}

// onStorageControl handles a storage-control notification: a little-endian
// uint32 of buffered bytes awaiting retrieval.
func (l *link) onStorageControl(data []byte) {
	if len(data) < 4 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.backlog <- binary.LittleEndian.Uint32(data):
	default:
	}
}
