package frame

import (
	"bytes"
	"testing"

	"github.com/echolabs/echostream/pkg/device"
	"github.com/echolabs/echostream/pkg/types"
)

func TestDecode_WearableStripsPadding(t *testing.T) {
	raw := []byte{0x01, 0x02, 0x03, 0xAA, 0xBB}

	f, ok := Decode(raw, device.FamilyWearableV1)
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	if !bytes.Equal(f.Data, []byte{0xAA, 0xBB}) {
		t.Errorf("payload = %v, want [AA BB]", f.Data)
	}
	if f.Codec != types.CodecOpus {
		t.Errorf("codec = %q, want opus", f.Codec)
	}
}

func TestDecode_ShortChunkDrops(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"one byte", []byte{0x01}},
		{"below padding", []byte{0x01, 0x02}},
		{"exactly padding", []byte{0x01, 0x02, 0x03}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Decode(tt.raw, device.FamilyWearableV1); ok {
				t.Errorf("Decode(%v) succeeded, want drop", tt.raw)
			}
		})
	}
}

func TestDecode_GenericBLEPassthrough(t *testing.T) {
	raw := []byte{0x11, 0x22, 0x33}

	f, ok := Decode(raw, device.FamilyGenericBLE)
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	if !bytes.Equal(f.Data, raw) {
		t.Errorf("payload = %v, want %v (no padding for this family)", f.Data, raw)
	}
	if f.Codec != types.CodecPCM16 {
		t.Errorf("codec = %q, want pcm16", f.Codec)
	}
}

func TestDecode_CopiesPayload(t *testing.T) {
	raw := []byte{0x11, 0x22}
	f, ok := Decode(raw, device.FamilyHostMic)
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	raw[0] = 0xFF
	if f.Data[0] != 0x11 {
		t.Error("frame payload aliases the raw chunk")
	}
}

func TestDecode_UnknownFamilyDrops(t *testing.T) {
	if _, ok := Decode([]byte{0x01, 0x02, 0x03, 0x04}, device.Family("bogus")); ok {
		t.Error("expected unknown family to drop")
	}
}

func TestDecode_AllDeclaredFamiliesCovered(t *testing.T) {
	// Every declared family must decode a sufficiently long chunk.
	families := []device.Family{
		device.FamilyWearableV1,
		device.FamilyGenericBLE,
		device.FamilyHostMic,
		device.FamilySystemAudio,
	}
	raw := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	for _, fam := range families {
		if _, ok := Decode(raw, fam); !ok {
			t.Errorf("family %q failed to decode a full-size chunk", fam)
		}
	}
}

func TestSequencer(t *testing.T) {
	var s Sequencer
	for want := uint64(1); want <= 5; want++ {
		if got := s.Next(); got != want {
			t.Fatalf("Next() = %d, want %d", got, want)
		}
	}
	s.Reset()
	if got := s.Next(); got != 1 {
		t.Errorf("Next() after Reset = %d, want 1", got)
	}
}
