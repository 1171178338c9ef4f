package llm

import "github.com/mcsp-io/mcsp/internal/codec"

// Output is the wire form of a generation result: Token carries decoded
// text only (the raw token id is an implementation detail of the decode
// loop, not something a remote client needs), Eos carries nothing. It is
// Piece stripped of Err, which never crosses the wire.
type Output interface{ isOutput() }

// TokenOutput is one generated text fragment.
type TokenOutput struct{ Text string }

func (TokenOutput) isOutput() {}

// EosOutput signals the generation ended on a real end-of-text token.
type EosOutput struct{}

func (EosOutput) isOutput() {}

// ToOutput converts a Piece to its wire form. It panics if p.Err is set;
// callers must check Err before a Piece is allowed to cross the wire.
func (p Piece) ToOutput() Output {
	if p.Err != nil {
		panic("llm: ToOutput called on a Piece carrying an error")
	}

	if p.Kind == PieceEos {
		return EosOutput{}
	}

	return TokenOutput{Text: p.Text}
}

func outputDiscriminant(v Output) uint32 {
	switch v.(type) {
	case TokenOutput:
		return 0
	case EosOutput:
		return 1
	default:
		panic("llm: unknown Output variant")
	}
}

// OutputCodec is the wire Codec for Output — a u32 discriminant (0 for
// Token, 1 for Eos) followed by that variant's payload, matching every
// other hand-written sum-type Codec in internal/codec.
var OutputCodec codec.Codec[Output] = codec.Union(outputDiscriminant, []codec.UnionArm[Output]{
	{
		Encode: func(buf []byte, v Output) []byte {
			return codec.String.Encode(buf, v.(TokenOutput).Text)
		},
		Decode: func(c *codec.Cursor) (Output, error) {
			text, err := codec.String.Decode(c)
			if err != nil {
				return nil, err
			}

			return TokenOutput{Text: text}, nil
		},
	},
	{
		Encode: func(buf []byte, _ Output) []byte { return buf },
		Decode: func(_ *codec.Cursor) (Output, error) { return EosOutput{}, nil },
	},
})
