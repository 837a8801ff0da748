package host

import (
	"errors"
	"fmt"

	"github.com/gen2brain/malgo"
)

// malgoContext is the production [Context] backed by the miniaudio bindings.
type malgoContext struct {
	ctx *malgo.AllocatedContext
}

// NewContext initialises the platform audio backend.
func NewContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("host: init audio backend: %w", err)
	}
	return &malgoContext{ctx: ctx}, nil
}

// NewCapture implements [Context].
func (m *malgoContext) NewCapture(cfg CaptureConfig, cb DataCallback) (CaptureDevice, error) {
	if cb == nil {
		return nil, errors.New("host: nil data callback")
	}

	deviceType := malgo.Capture
	if cfg.Loopback {
		deviceType = malgo.Loopback
	}

	deviceConfig := malgo.DefaultDeviceConfig(deviceType)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = cfg.Channels
	deviceConfig.SampleRate = cfg.SampleRate

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, _ uint32) {
			cb(data)
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("host: init capture device: %w", err)
	}
	return &malgoCapture{device: dev}, nil
}

// Close implements [Context].
func (m *malgoContext) Close() {
	_ = m.ctx.Uninit()
	m.ctx.Free()
}

type malgoCapture struct {
	device *malgo.Device
}

func (c *malgoCapture) Start() error { return c.device.Start() }
func (c *malgoCapture) Stop()        { _ = c.device.Stop() }
func (c *malgoCapture) Close()       { c.device.Uninit() }
