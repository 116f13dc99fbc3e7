package protocol

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"testing"
)

// bitsTransform builds a Transform whose ten fields all carry the same raw bit pattern.
func bitsTransform(bits uint32) Transform {
	f := math.Float32frombits(bits)
	return Transform{
		Translation: [3]float32{f, f, f},
		Rotation:    [4]float32{f, f, f, f},
		Scale:       [3]float32{f, f, f},
	}
}

// sameBits reports whether two transforms are bit-for-bit identical; == would
// treat NaN as unequal to itself.
func sameBits(a, b Transform) bool {
	fa := append(append(a.Translation[:], a.Rotation[:]...), a.Scale[:]...)
	fb := append(append(b.Translation[:], b.Rotation[:]...), b.Scale[:]...)
	for i := range fa {
		if math.Float32bits(fa[i]) != math.Float32bits(fb[i]) {
			return false
		}
	}
	return true
}

func assertPacketEqual(t *testing.T, got, want *Packet) {
	t.Helper()
	if got.Tag != want.Tag {
		t.Fatalf("Tag mismatch: got %s, want %s", TagName(got.Tag), TagName(want.Tag))
	}
	if got.ID != want.ID {
		t.Errorf("ID mismatch: got %016x, want %016x", uint64(got.ID), uint64(want.ID))
	}
	if len(got.Pos) != len(want.Pos) {
		t.Fatalf("Pos length mismatch: got %d, want %d", len(got.Pos), len(want.Pos))
	}
	for i := range want.Pos {
		if got.Pos[i].ID != want.Pos[i].ID {
			t.Errorf("Pos[%d].ID mismatch: got %016x, want %016x", i, uint64(got.Pos[i].ID), uint64(want.Pos[i].ID))
		}
		if !sameBits(got.Pos[i].Transform, want.Pos[i].Transform) {
			t.Errorf("Pos[%d].Transform bits differ: got %v, want %v", i, got.Pos[i].Transform, want.Pos[i].Transform)
		}
	}
	if !sameBits(got.Transform, want.Transform) {
		t.Errorf("Transform bits differ: got %v, want %v", got.Transform, want.Transform)
	}
	if !reflect.DeepEqual(got.State, want.State) {
		t.Errorf("State mismatch: got %+v, want %+v", got.State, want.State)
	}
}

// TestEncodeDecodeRoundTrip verifies that decoding inverts encoding for every
// packet variant, including the edge values the wire format must carry exactly.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	card := ObjectState{
		Kind:     "card",
		Name:     "Lightning Bolt",
		Cards:    []string{"lea-161"},
		FaceUp:   true,
		Counters: map[string]int{"+1/+1": 2},
	}

	testCases := []struct {
		name string
		pkt  *Packet
	}{
		{"Pos empty list", PosPacket(nil)},
		{"Pos single entry", PosPacket([]PosEntry{{ID: 42, Transform: Identity()}})},
		{"Pos id zero", PosPacket([]PosEntry{{ID: 0, Transform: Identity()}})},
		{"Pos max id", PosPacket([]PosEntry{{ID: math.MaxUint64, Transform: bitsTransform(0x7f7fffff)}})},
		{"Pos many entries", PosPacket([]PosEntry{
			{ID: 1, Transform: bitsTransform(0x00000001)}, // smallest denormal
			{ID: 2, Transform: bitsTransform(0x80000000)}, // negative zero
			{ID: 3, Transform: bitsTransform(0xff7fffff)}, // most negative finite
			{ID: 4, Transform: bitsTransform(0x7f800000)}, // +Inf
		})},
		{"Pos NaN payloads", PosPacket([]PosEntry{
			{ID: 7, Transform: bitsTransform(0x7fc00001)},
			{ID: 8, Transform: bitsTransform(0xffffffff)},
		})},
		{"Request", RequestPacket(42)},
		{"Request id zero", RequestPacket(0)},
		{"Received max id", ReceivedPacket(math.MaxUint64)},
		{"New card", NewPacket(42, card, Identity())},
		{"New minimal state", NewPacket(0, ObjectState{Kind: "token"}, bitsTransform(0x7fc00000))},
		{"New empty state", NewPacket(9, ObjectState{}, Transform{})},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Encode(tc.pkt)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			assertPacketEqual(t, decoded, tc.pkt)

			// a second pass must be byte-identical
			again, err := Encode(decoded)
			if err != nil {
				t.Fatalf("re-Encode failed: %v", err)
			}
			if !bytes.Equal(again, encoded) {
				t.Errorf("re-encoded bytes differ:\n got %x\nwant %x", again, encoded)
			}
		})
	}
}

// TestEncodedSizes pins the fixed-width layout.
func TestEncodedSizes(t *testing.T) {
	testCases := []struct {
		name string
		pkt  *Packet
		want int
	}{
		{"empty Pos", PosPacket(nil), TagSize + 4},
		{"Pos x3", PosPacket(make([]PosEntry, 3)), TagSize + 4 + 3*PosEntrySize},
		{"Request", RequestPacket(1), TagSize + IDSize},
		{"Received", ReceivedPacket(1), TagSize + IDSize},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Encode(tc.pkt)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if len(encoded) != tc.want {
				t.Errorf("encoded size = %d, want %d", len(encoded), tc.want)
			}
		})
	}
}

// TestHandleNeverSerialized verifies that the external resource handle stays local.
func TestHandleNeverSerialized(t *testing.T) {
	state := ObjectState{Kind: "card", Handle: &struct{ texture int }{texture: 3}}

	encoded, err := Encode(NewPacket(5, state, Identity()))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.State.Handle != nil {
		t.Errorf("Handle crossed the wire: %v", decoded.State.Handle)
	}
	if decoded.State.Kind != "card" {
		t.Errorf("Kind = %q, want card", decoded.State.Kind)
	}
}

// TestDecodeMalformed verifies that truncated or corrupted input is rejected
// with the matching sentinel error instead of panicking.
func TestDecodeMalformed(t *testing.T) {
	request, _ := Encode(RequestPacket(42))
	pos, _ := Encode(PosPacket([]PosEntry{{ID: 1, Transform: Identity()}}))
	newPkt, _ := Encode(NewPacket(42, ObjectState{Kind: "card"}, Identity()))

	hugeCount := []byte{TagPos, 0xff, 0xff, 0xff, 0xff}

	testCases := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", []byte{}, ErrShortPacket},
		{"unknown tag", []byte{0x7f, 0, 0}, ErrUnknownTag},
		{"Request missing id byte", request[:len(request)-1], ErrShortPacket},
		{"Request trailing byte", append(append([]byte{}, request...), 0), ErrTrailingBytes},
		{"Pos missing count", []byte{TagPos, 1}, ErrShortPacket},
		{"Pos truncated entry", pos[:len(pos)-1], ErrShortPacket},
		{"Pos count overflow", hugeCount, ErrShortPacket},
		{"New truncated transform", newPkt[:len(newPkt)-1], ErrShortPacket},
		{"New only id", newPkt[:TagSize+IDSize], ErrShortPacket},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

// TestEncodeUnknownTag verifies that Encode refuses to emit an unknown variant.
func TestEncodeUnknownTag(t *testing.T) {
	if _, err := Encode(&Packet{Tag: 0x42}); !errors.Is(err, ErrUnknownTag) {
		t.Errorf("error = %v, want ErrUnknownTag", err)
	}
}
