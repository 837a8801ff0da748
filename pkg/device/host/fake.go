package host

import (
	"errors"
	"sync"
)

// FakeContext is an in-memory [Context] for tests. Captures opened from it
// deliver whatever tests push via [FakeCapture.Feed].
type FakeContext struct {
	mu       sync.Mutex
	captures []*FakeCapture

	// NewCaptureError, when non-nil, is returned by NewCapture.
	NewCaptureError error

	// LoopbackUnsupported makes loopback captures fail, mimicking
	// platforms without system-audio support.
	LoopbackUnsupported bool
}

// NewFakeContext creates an empty fake context.
func NewFakeContext() *FakeContext {
	return &FakeContext{}
}

// Captures returns every capture opened so far, in order.
func (f *FakeContext) Captures() []*FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeCapture(nil), f.captures...)
}

// NewCapture implements [Context].
func (f *FakeContext) NewCapture(cfg CaptureConfig, cb DataCallback) (CaptureDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewCaptureError != nil {
		return nil, f.NewCaptureError
	}
	if cfg.Loopback && f.LoopbackUnsupported {
		return nil, errors.New("fake: loopback not supported")
	}
	c := &FakeCapture{cb: cb, Config: cfg}
	f.captures = append(f.captures, c)
	return c, nil
}

// Close implements [Context].
func (f *FakeContext) Close() {}

// FakeCapture is the capture device returned by [FakeContext].
type FakeCapture struct {
	// Config records the capture configuration it was opened with.
	Config CaptureConfig

	// StartError, when non-nil, is returned by Start.
	StartError error

	mu      sync.Mutex
	cb      DataCallback
	started bool
	stopped bool
}

// Feed delivers PCM bytes through the data callback, as the audio stack
// would. No-op when the capture is not running.
func (c *FakeCapture) Feed(data []byte) {
	c.mu.Lock()
	cb, running := c.cb, c.started && !c.stopped
	c.mu.Unlock()
	if running && cb != nil {
		cb(data)
	}
}

// Stopped reports whether Stop has been called.
func (c *FakeCapture) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *FakeCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StartError != nil {
		return c.StartError
	}
	c.started = true
	return nil
}

func (c *FakeCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}

func (c *FakeCapture) Close() {}
