package codec

import "testing"

// tokenOutput and eosOutput model the two variants of a toy "generation
// output" sum type, the shape Union is meant for: a caller expresses a Go
// sum type as an interface, wires one discriminant per concrete variant.
type genOutput interface{ isGenOutput() }

type tokenOutput struct {
	TokenID int64
	Text    string
}

func (tokenOutput) isGenOutput() {}

type eosOutput struct{}

func (eosOutput) isGenOutput() {}

func genOutputDiscriminant(v genOutput) uint32 {
	switch v.(type) {
	case tokenOutput:
		return 0
	case eosOutput:
		return 1
	default:
		panic("unreachable")
	}
}

var genOutputCodec = Union(genOutputDiscriminant, []UnionArm[genOutput]{
	{
		Encode: func(buf []byte, v genOutput) []byte {
			t := v.(tokenOutput)
			buf = Int64.Encode(buf, t.TokenID)

			return String.Encode(buf, t.Text)
		},
		Decode: func(c *Cursor) (genOutput, error) {
			id, err := Int64.Decode(c)
			if err != nil {
				return nil, err
			}

			text, err := String.Decode(c)
			if err != nil {
				return nil, err
			}

			return tokenOutput{TokenID: id, Text: text}, nil
		},
	},
	{
		Encode: func(buf []byte, _ genOutput) []byte { return buf },
		Decode: func(_ *Cursor) (genOutput, error) { return eosOutput{}, nil },
	},
})

func TestUnionRoundTripTokenVariant(t *testing.T) {
	in := tokenOutput{TokenID: 17, Text: "hi"}

	buf := genOutputCodec.Encode(nil, in)

	c := NewCursor(buf)

	out, err := genOutputCodec.Decode(c)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	got, ok := out.(tokenOutput)
	if !ok || got != in {
		t.Fatalf("Decode = %#v, want %#v", out, in)
	}

	if c.Remaining() != 0 {
		t.Fatalf("cursor has %d bytes remaining, want 0", c.Remaining())
	}
}

func TestUnionRoundTripEosVariant(t *testing.T) {
	buf := genOutputCodec.Encode(nil, eosOutput{})

	out, err := genOutputCodec.Decode(NewCursor(buf))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if _, ok := out.(eosOutput); !ok {
		t.Fatalf("Decode = %#v, want eosOutput", out)
	}

	if len(buf) != 4 {
		t.Fatalf("encoded eos variant is %d bytes, want 4 (discriminant only)", len(buf))
	}
}

func TestUnionRejectsOutOfRangeDiscriminant(t *testing.T) {
	c := NewCursor(Uint32.Encode(nil, 5))

	_, err := genOutputCodec.Decode(c)

	var decErr *DecodeError
	if !errorsAs(err, &decErr) || decErr.Kind != KindInvalidVariant {
		t.Fatalf("Decode error = %v, want InvalidVariant", err)
	}
}
