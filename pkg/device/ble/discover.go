package ble

import (
	"context"
	"fmt"
	"time"

	"github.com/echolabs/echostream/pkg/device"
)

// Discoverer scans for wearables through an injected [Central].
type Discoverer struct {
	central Central
}

// Compile-time interface check.
var _ device.Discoverer = (*Discoverer)(nil)

// NewDiscoverer creates a Discoverer backed by the given GATT central.
func NewDiscoverer(central Central) *Discoverer {
	return &Discoverer{central: central}
}

// Discover implements [device.Discoverer]. The scan runs in the background;
// the returned channel closes when the timeout elapses or ctx is cancelled.
// Re-sightings of an already-emitted address are suppressed.
func (d *Discoverer) Discover(ctx context.Context, timeout time.Duration) (<-chan device.Descriptor, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("ble: discover timeout must be positive, got %v", timeout)
	}

	raw := make(chan device.Descriptor)
	go func() {
		defer close(raw)
		scanCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		_ = d.central.Scan(scanCtx, timeout, func(desc device.Descriptor) {
			select {
			case raw <- desc:
			case <-scanCtx.Done():
			}
		})
	}()
	return device.Dedupe(raw), nil
}
