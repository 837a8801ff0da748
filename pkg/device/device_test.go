package device

import (
	"testing"

	"github.com/echolabs/echostream/pkg/types"
)

func TestFamilySpec(t *testing.T) {
	tests := []struct {
		family  Family
		padding int
		codec   types.Codec
	}{
		{FamilyWearableV1, 3, types.CodecOpus},
		{FamilyGenericBLE, 0, types.CodecPCM16},
		{FamilyHostMic, 0, types.CodecPCM16},
		{FamilySystemAudio, 0, types.CodecPCM16},
	}

	for _, tt := range tests {
		t.Run(string(tt.family), func(t *testing.T) {
			spec, ok := tt.family.Spec()
			if !ok {
				t.Fatalf("Spec() not found for declared family %q", tt.family)
			}
			if spec.Padding != tt.padding {
				t.Errorf("padding = %d, want %d", spec.Padding, tt.padding)
			}
			if spec.Codec != tt.codec {
				t.Errorf("codec = %q, want %q", spec.Codec, tt.codec)
			}
			if spec.SampleRate <= 0 {
				t.Errorf("sample rate = %d, want > 0", spec.SampleRate)
			}
		})
	}
}

func TestFamilySpec_Unknown(t *testing.T) {
	if _, ok := Family("teapot").Spec(); ok {
		t.Error("expected unknown family to have no spec")
	}
	if Family("teapot").IsValid() {
		t.Error("expected unknown family to be invalid")
	}
}

func TestButtonActionString(t *testing.T) {
	tests := []struct {
		action ButtonAction
		want   string
	}{
		{ButtonSingleTap, "SINGLE_TAP"},
		{ButtonDoubleTap, "DOUBLE_TAP"},
		{ButtonLongPress, "LONG_PRESS"},
		{ButtonAction(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.action.String(); got != tt.want {
			t.Errorf("ButtonAction(%d).String() = %q, want %q", tt.action, got, tt.want)
		}
	}
}

func TestDedupe(t *testing.T) {
	raw := make(chan Descriptor, 8)
	raw <- Descriptor{Address: "aa:bb", Name: "Echo One"}
	raw <- Descriptor{Address: "cc:dd", Name: "Echo Two"}
	raw <- Descriptor{Address: "aa:bb", Name: "Echo One (re-seen)"}
	raw <- Descriptor{Address: "cc:dd", Name: "Echo Two (re-seen)"}
	close(raw)

	var got []Descriptor
	for d := range Dedupe(raw) {
		got = append(got, d)
	}

	if len(got) != 2 {
		t.Fatalf("got %d descriptors, want 2: %+v", len(got), got)
	}
	if got[0].Address != "aa:bb" || got[1].Address != "cc:dd" {
		t.Errorf("unexpected order or addresses: %+v", got)
	}
	// First sighting wins.
	if got[0].Name != "Echo One" {
		t.Errorf("expected first sighting to be kept, got %q", got[0].Name)
	}
}
