package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/echolabs/echostream/pkg/device"
)

// MemCentral is an in-memory [Central] for tests and local development. It
// "dials" peripherals registered via [MemCentral.AddPeripheral] and scans the
// registered advertisement list.
//
// Safe for concurrent use.
type MemCentral struct {
	mu          sync.Mutex
	peripherals map[string]*MemPeripheral
	adverts     []device.Descriptor

	// DialError, when non-nil, is returned by every Dial.
	DialError error
}

// Compile-time interface check.
var _ Central = (*MemCentral)(nil)

// NewMemCentral creates an empty in-memory central.
func NewMemCentral() *MemCentral {
	return &MemCentral{peripherals: make(map[string]*MemPeripheral)}
}

// AddPeripheral registers p as reachable at address and includes desc in scan
// results.
func (c *MemCentral) AddPeripheral(desc device.Descriptor, p *MemPeripheral) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peripherals[desc.Address] = p
	c.adverts = append(c.adverts, desc)
}

// Dial implements [Central].
func (c *MemCentral) Dial(_ context.Context, address string) (Peripheral, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DialError != nil {
		return nil, c.DialError
	}
	p, ok := c.peripherals[address]
	if !ok {
		return nil, fmt.Errorf("mem central: %s: %w", address, device.ErrUnreachable)
	}
	return p, nil
}

// Scan implements [Central]. Every registered advertisement is reported
// twice to mimic real re-sightings; callers are expected to dedupe.
func (c *MemCentral) Scan(ctx context.Context, timeout time.Duration, found func(device.Descriptor)) error {
	c.mu.Lock()
	adverts := append([]device.Descriptor(nil), c.adverts...)
	c.mu.Unlock()

	for _, d := range adverts {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		found(d)
		found(d)
	}
	return nil
}

// MemPeripheral is an in-memory [Peripheral]. Tests preload characteristic
// values with [MemPeripheral.SetValue] and push notifications with
// [MemPeripheral.Notify].
//
// Safe for concurrent use.
type MemPeripheral struct {
	mu       sync.Mutex
	values   map[string][]byte
	handlers map[string]func([]byte)
	writes   map[string][][]byte
	closed   bool
}

// Compile-time interface check.
var _ Peripheral = (*MemPeripheral)(nil)

// NewMemPeripheral creates an empty in-memory peripheral.
func NewMemPeripheral() *MemPeripheral {
	return &MemPeripheral{
		values:   make(map[string][]byte),
		handlers: make(map[string]func([]byte)),
		writes:   make(map[string][][]byte),
	}
}

// SetValue sets the value returned by reads of the characteristic.
func (p *MemPeripheral) SetValue(characteristic string, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[characteristic] = value
}

// Notify delivers a notification to the subscribed handler, if any.
func (p *MemPeripheral) Notify(characteristic string, data []byte) {
	p.mu.Lock()
	h := p.handlers[characteristic]
	closed := p.closed
	p.mu.Unlock()
	if h != nil && !closed {
		h(data)
	}
}

// Writes returns the values written to the characteristic, in order.
func (p *MemPeripheral) Writes(characteristic string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes[characteristic]...)
}

// Read implements [Peripheral].
func (p *MemPeripheral) Read(_ context.Context, characteristic string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, device.ErrUnreachable
	}
	v, ok := p.values[characteristic]
	if !ok {
		return nil, fmt.Errorf("mem peripheral: no value for characteristic %s", characteristic)
	}
	return append([]byte(nil), v...), nil
}

// Subscribe implements [Peripheral].
func (p *MemPeripheral) Subscribe(characteristic string, notify func(data []byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return device.ErrUnreachable
	}
	p.handlers[characteristic] = notify
	return nil
}

// Write implements [Peripheral].
func (p *MemPeripheral) Write(_ context.Context, characteristic string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return device.ErrUnreachable
	}
	p.writes[characteristic] = append(p.writes[characteristic], append([]byte(nil), data...))
	return nil
}

// Disconnect implements [Peripheral]. Idempotent.
func (p *MemPeripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
