// Package ble binds the Echo wearable's fixed GATT characteristic layout to
// the [device.Link] contract.
//
// The characteristic UUIDs below are an immutable external hardware contract:
// firmware ships with them baked in, and this package simply binds to them.
// The actual GATT stack is injected through the [Central] and [Peripheral]
// interfaces so the link logic stays testable without hardware and portable
// across platform BLE bindings.
package ble

import (
	"context"
	"time"

	"github.com/echolabs/echostream/pkg/device"
)

// GATT characteristic UUIDs for the wearable-v1 family. Audio data streams as
// notifications; the codec characteristic is read once at connect time; the
// storage pair exists only on devices that advertise on-device storage.
const (
	// CharAudioData delivers raw audio notifications: 3 bytes of link
	// metadata followed by the codec payload.
	CharAudioData = "5ec0a001-91b8-4f03-9f2c-6e80d1a6b734"

	// CharAudioCodec is a single read-once byte declaring the stream codec.
	CharAudioCodec = "5ec0a002-91b8-4f03-9f2c-6e80d1a6b734"

	// CharButton notifies physical button presses.
	CharButton = "5ec0a003-91b8-4f03-9f2c-6e80d1a6b734"

	// CharStorageData streams offline-buffered audio during retrieval.
	CharStorageData = "5ec0a004-91b8-4f03-9f2c-6e80d1a6b734"

	// CharStorageControl is read for the backlog size and written to start
	// or abort retrieval.
	CharStorageControl = "5ec0a005-91b8-4f03-9f2c-6e80d1a6b734"

	// CharBatteryLevel is the Bluetooth SIG standard battery level
	// characteristic (a single byte, percent).
	CharBatteryLevel = "00002a19-0000-1000-8000-00805f9b34fb"
)

// Codec byte values reported by the CharAudioCodec characteristic.
const (
	codecBytePCM16 = 0x00
	codecByteOpus  = 0x01
)

// Button press byte values notified on CharButton.
const (
	buttonByteSingleTap = 0x01
	buttonByteDoubleTap = 0x02
	buttonByteLongPress = 0x03
)

// Peripheral is an established GATT connection to one device. Implementations
// wrap a platform BLE stack; [MemPeripheral] is an in-memory implementation
// for tests and local development.
//
// Implementations must be safe for concurrent use. Notification callbacks are
// invoked on the stack's own goroutines and must not be blocked by consumers.
type Peripheral interface {
	// Read performs a single characteristic read.
	Read(ctx context.Context, characteristic string) ([]byte, error)

	// Subscribe registers notify as the notification handler for the
	// characteristic. One handler per characteristic; a second Subscribe
	// replaces the first.
	Subscribe(characteristic string, notify func(data []byte)) error

	// Write performs a characteristic write without response.
	Write(ctx context.Context, characteristic string, data []byte) error

	// Disconnect drops the GATT connection. Idempotent.
	Disconnect() error
}

// Central dials and scans. Implementations map stack-level failures onto the
// device error taxonomy: [device.ErrUnreachable], [device.ErrAuthRejected].
type Central interface {
	// Dial establishes a GATT connection to the given transport address.
	Dial(ctx context.Context, address string) (Peripheral, error)

	// Scan runs an advertisement scan for at most timeout, invoking found
	// for every sighting (duplicates included). Returns when the timeout
	// elapses or ctx is cancelled.
	Scan(ctx context.Context, timeout time.Duration, found func(device.Descriptor)) error
}
