// Package device defines the interfaces and types for audio source
// connectivity within EchoStream.
//
// The two primary abstractions are:
//
//   - [Connector] — establishes a link to a discovered device and returns a [Link].
//   - [Link] — represents an active connection to one audio source, exposing
//     the raw audio byte stream plus low-frequency auxiliary streams.
//
// Implementations are provided by source-specific adapter packages
// (device/ble for wearables, device/host for the host microphone and system
// audio). The interfaces are intentionally narrow to keep the capture engine
// decoupled from hardware details.
//
// This package lives under pkg/ because external code (alternative hardware
// adapters) is expected to implement [Link] and [Connector].
package device

import (
	"context"
	"errors"
	"time"

	"github.com/echolabs/echostream/pkg/types"
)

// Connection errors returned by [Connector.Connect]. All are terminal for the
// current capture attempt; callers match with errors.Is.
var (
	// ErrUnreachable indicates the device could not be reached over its
	// transport (out of range, powered off, address gone).
	ErrUnreachable = errors.New("device: unreachable")

	// ErrUnsupported indicates the device was reached but its feature
	// flags or firmware declare an incompatible contract.
	ErrUnsupported = errors.New("device: unsupported firmware")

	// ErrAuthRejected indicates the device refused the pairing or bonding
	// credential.
	ErrAuthRejected = errors.New("device: authentication rejected")

	// ErrStalled indicates a link that is nominally connected but has
	// delivered no audio bytes for longer than the liveness window.
	ErrStalled = errors.New("device: link stalled")
)

// Family tags the closed set of supported device variants. Each family
// carries its own link-framing and codec properties as data (see [Family.Spec])
// rather than scattering per-device conditionals through the pipeline.
type Family string

const (
	// FamilyWearableV1 is the first-generation Echo wearable. Its firmware
	// prepends 3 bytes of link metadata to every audio notification and
	// streams Opus at 16 kHz.
	FamilyWearableV1 Family = "wearable-v1"

	// FamilyGenericBLE is any standards-shaped BLE audio source that
	// streams bare PCM16 notifications with no link padding.
	FamilyGenericBLE Family = "generic-ble-audio"

	// FamilyHostMic is the host machine's microphone.
	FamilyHostMic Family = "host-mic"

	// FamilySystemAudio is the host machine's system audio loopback
	// (desktop only).
	FamilySystemAudio Family = "system-audio"
)

// Spec holds the per-family framing and codec properties. Padding is the
// number of link-protocol bytes prepended to every raw audio chunk; it is a
// property of the family, never negotiated per session.
type Spec struct {
	// Padding is the fixed link-metadata prefix length in bytes.
	Padding int

	// Codec is the encoding of the payload that follows the padding.
	Codec types.Codec

	// SampleRate is the native sample rate of the family's audio in Hz.
	SampleRate int
}

// familySpecs is the closed variant table. Adding a device family means
// adding exactly one row here.
var familySpecs = map[Family]Spec{
	FamilyWearableV1:  {Padding: 3, Codec: types.CodecOpus, SampleRate: 16000},
	FamilyGenericBLE:  {Padding: 0, Codec: types.CodecPCM16, SampleRate: 16000},
	FamilyHostMic:     {Padding: 0, Codec: types.CodecPCM16, SampleRate: 16000},
	FamilySystemAudio: {Padding: 0, Codec: types.CodecPCM16, SampleRate: 16000},
}

// Spec returns the framing spec for the family. The second return value is
// false for unknown families.
func (f Family) Spec() (Spec, bool) {
	s, ok := familySpecs[f]
	return s, ok
}

// IsValid reports whether f is a recognised device family.
func (f Family) IsValid() bool {
	_, ok := familySpecs[f]
	return ok
}

// Features describe the optional capabilities a device advertises at
// discovery time.
type Features struct {
	// Button indicates the device has a physical trigger button.
	Button bool

	// Storage indicates the device can buffer audio on-device while
	// offline and replay it later.
	Storage bool

	// DualMic indicates the device captures from two microphones.
	DualMic bool
}

// Descriptor is the stable identity of one discovered device. It is created
// on discovery and owned exclusively by the discovering link layer; the
// capture engine treats it as an opaque handle.
type Descriptor struct {
	// Address is the transport address (BLE MAC or platform device ID).
	Address string

	// Name is the human-readable advertised name.
	Name string

	// Family selects the device variant.
	Family Family

	// Features are the capabilities advertised by the device.
	Features Features
}

// ButtonAction classifies presses of the device's physical button.
type ButtonAction int

const (
	ButtonSingleTap ButtonAction = iota + 1
	ButtonDoubleTap
	ButtonLongPress
)

// String returns the human-readable name of the button action.
func (a ButtonAction) String() string {
	switch a {
	case ButtonSingleTap:
		return "SINGLE_TAP"
	case ButtonDoubleTap:
		return "DOUBLE_TAP"
	case ButtonLongPress:
		return "LONG_PRESS"
	default:
		return "UNKNOWN"
	}
}

// BatteryLevel is a charge percentage in [0, 100].
type BatteryLevel uint8

// Link represents an active connection to one audio source.
//
// A Link is obtained from [Connector.Connect] and remains valid until
// [Link.Disconnect] is called or the underlying transport drops. All channels
// returned by Link methods are closed when the link terminates. The audio
// stream is not restartable — a dropped link requires a fresh Connect.
//
// Button and battery streams are independent of the audio stream and of each
// other: no ordering is guaranteed between them, and neither may block or be
// blocked by audio delivery. Implementations for sources without a button or
// battery return nil channels, which never deliver.
//
// Implementations must be safe for concurrent use.
type Link interface {
	// AudioBytes returns the stream of raw link payload chunks, exactly as
	// received from the transport (family padding still attached).
	AudioBytes() <-chan []byte

	// ButtonEvents returns the low-frequency stream of button presses.
	ButtonEvents() <-chan ButtonAction

	// BatteryLevel returns the low-frequency stream of charge readings.
	BatteryLevel() <-chan BatteryLevel

	// Stalled returns a channel that is closed when the background
	// liveness check detects a silent drop: the link is still nominally
	// connected but no audio bytes have arrived for the liveness window.
	// Consumers treat a fired stall as [ErrStalled].
	Stalled() <-chan struct{}

	// Disconnect tears the link down and closes all streams. Idempotent;
	// always safe to call, including on an already-dead link.
	Disconnect() error
}

// StorageReporter is implemented by links to devices that buffer audio
// on-device while offline. The stream carries backlog readings in bytes
// from the storage-control characteristic; it follows the same contract as
// the button and battery streams: low frequency, independent of audio, and
// closed when the link terminates.
//
// Consumers discover it with a type assertion on [Link].
type StorageReporter interface {
	StorageBacklog() <-chan uint32
}

// Connector establishes links to devices of one family.
//
// Implementations must be safe for concurrent use.
type Connector interface {
	// Connect opens a link to the described device. The ctx governs the
	// connection attempt only; once established, the Link lives until
	// Disconnect. Fails with [ErrUnreachable], [ErrUnsupported] or
	// [ErrAuthRejected].
	Connect(ctx context.Context, desc Descriptor) (Link, error)
}

// Discoverer scans for nearby devices.
type Discoverer interface {
	// Discover produces a lazy, finite stream of descriptors. The channel
	// closes when timeout elapses or ctx is cancelled. Re-sightings of an
	// address already emitted are suppressed.
	Discover(ctx context.Context, timeout time.Duration) (<-chan Descriptor, error)
}
