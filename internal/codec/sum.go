package codec

// EncodeDiscriminant appends a sum type's u32 discriminant. Discriminants
// are assigned by source declaration order starting at 0; this is the one
// piece every hand-written sum-type Encode method shares.
func EncodeDiscriminant(buf []byte, discriminant uint32) []byte {
	return Uint32.Encode(buf, discriminant)
}

// DecodeDiscriminant reads a sum-type discriminant and validates it against
// numVariants, the variant count declared for that type.
func DecodeDiscriminant(c *Cursor, numVariants uint32) (uint32, error) {
	d, err := Uint32.Decode(c)
	if err != nil {
		return 0, err
	}

	if d >= numVariants {
		return 0, InvalidVariant(d)
	}

	return d, nil
}

// UnionArm encodes and decodes one variant's payload, excluding the
// discriminant itself, which Union writes and reads on the arm's behalf.
type UnionArm[U any] struct {
	Encode func(buf []byte, v U) []byte
	Decode func(c *Cursor) (U, error)
}

type unionCodec[U any] struct {
	discriminantOf func(v U) uint32
	arms           []UnionArm[U]
}

// Union builds a Codec for a sum type represented in Go as an interface (or
// any other single type U covering every variant), the way a Rust
// `#[derive(Codec)] enum` is represented on the wire: a u32 discriminant
// assigned by arms' position, followed by that variant's own payload
// encoding with no further framing. discriminantOf must return the index
// into arms matching v's variant.
func Union[U any](discriminantOf func(v U) uint32, arms []UnionArm[U]) Codec[U] {
	return &unionCodec[U]{discriminantOf: discriminantOf, arms: arms}
}

func (u *unionCodec[U]) Encode(buf []byte, v U) []byte {
	d := u.discriminantOf(v)
	buf = EncodeDiscriminant(buf, d)

	return u.arms[d].Encode(buf, v)
}

func (u *unionCodec[U]) Decode(c *Cursor) (U, error) {
	d, err := DecodeDiscriminant(c, uint32(len(u.arms)))
	if err != nil {
		var zero U

		return zero, err
	}

	return u.arms[d].Decode(c)
}
