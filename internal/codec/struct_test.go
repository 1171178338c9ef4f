package codec

import "testing"

type voiceProfile struct {
	ID       uint32
	Name     string
	Tags     []string
	Embedded []byte
}

func TestEncodeDecodeStructRoundTrip(t *testing.T) {
	in := voiceProfile{
		ID:       7,
		Name:     "narrator",
		Tags:     []string{"calm", "low-pitch"},
		Embedded: []byte{0x01, 0x02, 0x03},
	}

	buf := EncodeStruct(nil, in)

	c := NewCursor(buf)

	var out voiceProfile
	if err := DecodeStruct(c, &out); err != nil {
		t.Fatalf("DecodeStruct: %v", err)
	}

	if out.ID != in.ID || out.Name != in.Name || len(out.Tags) != len(in.Tags) ||
		out.Tags[0] != in.Tags[0] || out.Tags[1] != in.Tags[1] || string(out.Embedded) != string(in.Embedded) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}

	if c.Remaining() != 0 {
		t.Fatalf("cursor has %d bytes remaining, want 0", c.Remaining())
	}
}

type boundingBox struct {
	X, Y, W, H float32
}

type detectionBatch struct {
	FrameIndex uint64
	Boxes      []boundingBox
}

func TestEncodeDecodeStructWithNestedStructSlice(t *testing.T) {
	in := detectionBatch{
		FrameIndex: 42,
		Boxes: []boundingBox{
			{X: 1, Y: 2, W: 3, H: 4},
			{X: 5, Y: 6, W: 7, H: 8},
		},
	}

	buf := EncodeStruct(nil, in)

	var out detectionBatch
	if err := DecodeStruct(NewCursor(buf), &out); err != nil {
		t.Fatalf("DecodeStruct: %v", err)
	}

	if out.FrameIndex != in.FrameIndex || len(out.Boxes) != 2 || out.Boxes[1] != in.Boxes[1] {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

type maybeVoice struct {
	Override *uint32
}

func TestEncodeDecodeStructWithNilPointerField(t *testing.T) {
	in := maybeVoice{}

	buf := EncodeStruct(nil, in)

	var out maybeVoice
	if err := DecodeStruct(NewCursor(buf), &out); err != nil {
		t.Fatalf("DecodeStruct: %v", err)
	}

	if out.Override != nil {
		t.Fatalf("Override = %v, want nil", out.Override)
	}
}

func TestEncodeDecodeStructWithPresentPointerField(t *testing.T) {
	v := uint32(9)
	in := maybeVoice{Override: &v}

	buf := EncodeStruct(nil, in)

	var out maybeVoice
	if err := DecodeStruct(NewCursor(buf), &out); err != nil {
		t.Fatalf("DecodeStruct: %v", err)
	}

	if out.Override == nil || *out.Override != v {
		t.Fatalf("Override = %v, want pointer to %d", out.Override, v)
	}
}

func TestEncodeDecodeStructUnexportedFieldSkipped(t *testing.T) {
	type withUnexported struct {
		Public  uint32
		private uint32
	}

	in := withUnexported{Public: 1, private: 2}

	buf := EncodeStruct(nil, in)

	var out withUnexported
	if err := DecodeStruct(NewCursor(buf), &out); err != nil {
		t.Fatalf("DecodeStruct: %v", err)
	}

	if out.Public != 1 {
		t.Fatalf("Public = %d, want 1", out.Public)
	}

	if out.private != 0 {
		t.Fatalf("private = %d, want 0 (unexported fields are never written or read)", out.private)
	}
}
