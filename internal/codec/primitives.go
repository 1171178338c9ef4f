package codec

import (
	"encoding/binary"
	"math"
	"unicode/utf8"
)

type boolCodec struct{}

func (boolCodec) Encode(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}

	return append(buf, 0)
}

func (boolCodec) Decode(c *Cursor) (bool, error) {
	b, err := c.take(1)
	if err != nil {
		return false, err
	}

	switch b[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, InvalidBool(b[0])
	}
}

// Bool is the Codec for the wire bool (1 byte, 0 or 1).
var Bool Codec[bool] = boolCodec{}

type uint8Codec struct{}

func (uint8Codec) Encode(buf []byte, v uint8) []byte { return append(buf, v) }
func (uint8Codec) Decode(c *Cursor) (uint8, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}

	return b[0], nil
}

// Uint8 is the Codec for u8.
var Uint8 Codec[uint8] = uint8Codec{}

type int8Codec struct{}

func (int8Codec) Encode(buf []byte, v int8) []byte { return append(buf, byte(v)) }
func (int8Codec) Decode(c *Cursor) (int8, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}

	return int8(b[0]), nil
}

// Int8 is the Codec for i8.
var Int8 Codec[int8] = int8Codec{}

type uint16Codec struct{}

func (uint16Codec) Encode(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)

	return append(buf, tmp[:]...)
}

func (uint16Codec) Decode(c *Cursor) (uint16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

// Uint16 is the Codec for u16.
var Uint16 Codec[uint16] = uint16Codec{}

type int16Codec struct{}

func (int16Codec) Encode(buf []byte, v int16) []byte { return Uint16.Encode(buf, uint16(v)) }
func (int16Codec) Decode(c *Cursor) (int16, error) {
	v, err := Uint16.Decode(c)

	return int16(v), err
}

// Int16 is the Codec for i16.
var Int16 Codec[int16] = int16Codec{}

type uint32Codec struct{}

func (uint32Codec) Encode(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)

	return append(buf, tmp[:]...)
}

func (uint32Codec) Decode(c *Cursor) (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

// Uint32 is the Codec for u32 — also the framing length prefix and the
// sum-type discriminant width.
var Uint32 Codec[uint32] = uint32Codec{}

type int32Codec struct{}

func (int32Codec) Encode(buf []byte, v int32) []byte { return Uint32.Encode(buf, uint32(v)) }
func (int32Codec) Decode(c *Cursor) (int32, error) {
	v, err := Uint32.Decode(c)

	return int32(v), err
}

// Int32 is the Codec for i32.
var Int32 Codec[int32] = int32Codec{}

type uint64Codec struct{}

func (uint64Codec) Encode(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)

	return append(buf, tmp[:]...)
}

func (uint64Codec) Decode(c *Cursor) (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

// Uint64 is the Codec for u64.
var Uint64 Codec[uint64] = uint64Codec{}

type int64Codec struct{}

func (int64Codec) Encode(buf []byte, v int64) []byte { return Uint64.Encode(buf, uint64(v)) }
func (int64Codec) Decode(c *Cursor) (int64, error) {
	v, err := Uint64.Decode(c)

	return int64(v), err
}

// Int64 is the Codec for i64.
var Int64 Codec[int64] = int64Codec{}

type float32Codec struct{}

func (float32Codec) Encode(buf []byte, v float32) []byte {
	return Uint32.Encode(buf, math.Float32bits(v))
}

func (float32Codec) Decode(c *Cursor) (float32, error) {
	bits, err := Uint32.Decode(c)
	if err != nil {
		return 0, err
	}

	return math.Float32frombits(bits), nil
}

// Float32 is the Codec for f32.
var Float32 Codec[float32] = float32Codec{}

type float64Codec struct{}

func (float64Codec) Encode(buf []byte, v float64) []byte {
	return Uint64.Encode(buf, math.Float64bits(v))
}

func (float64Codec) Decode(c *Cursor) (float64, error) {
	bits, err := Uint64.Decode(c)
	if err != nil {
		return 0, err
	}

	return math.Float64frombits(bits), nil
}

// Float64 is the Codec for f64.
var Float64 Codec[float64] = float64Codec{}

type stringCodec struct{}

func (stringCodec) Encode(buf []byte, v string) []byte {
	buf = Uint32.Encode(buf, uint32(len(v)))

	return append(buf, v...)
}

func (stringCodec) Decode(c *Cursor) (string, error) {
	n, err := Uint32.Decode(c)
	if err != nil {
		return "", err
	}

	b, err := c.take(int(n))
	if err != nil {
		return "", err
	}

	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}

	return string(b), nil
}

// String is the Codec for string: a u32 byte length followed by UTF-8 bytes.
var String Codec[string] = stringCodec{}

// sliceCodec adapts an element Codec[T] into a Codec for []T: a u32 element
// count followed by the elements encoded in order.
type sliceCodec[T any] struct{ elem Codec[T] }

func (s sliceCodec[T]) Encode(buf []byte, v []T) []byte {
	buf = Uint32.Encode(buf, uint32(len(v)))
	for _, item := range v {
		buf = s.elem.Encode(buf, item)
	}

	return buf
}

func (s sliceCodec[T]) Decode(c *Cursor) ([]T, error) {
	n, err := Uint32.Decode(c)
	if err != nil {
		return nil, err
	}

	// Cap preallocation by remaining bytes so a corrupt huge count cannot
	// force an enormous allocation before decoding actually fails.
	capacity := int(n)
	if c.Remaining() < capacity {
		capacity = c.Remaining()
	}

	out := make([]T, 0, capacity)

	for range n {
		item, err := s.elem.Decode(c)
		if err != nil {
			return nil, err
		}

		out = append(out, item)
	}

	return out, nil
}

// Slice builds the Codec for Sequence⟨T⟩ given T's element Codec.
func Slice[T any](elem Codec[T]) Codec[[]T] {
	return sliceCodec[T]{elem: elem}
}

// Bytes is the Codec for a raw byte sequence (Sequence⟨u8⟩ specialized to
// avoid the per-element call overhead of Slice(Uint8)).
var Bytes Codec[[]byte] = bytesCodec{}

type bytesCodec struct{}

func (bytesCodec) Encode(buf []byte, v []byte) []byte {
	buf = Uint32.Encode(buf, uint32(len(v)))

	return append(buf, v...)
}

func (bytesCodec) Decode(c *Cursor) ([]byte, error) {
	n, err := Uint32.Decode(c)
	if err != nil {
		return nil, err
	}

	b, err := c.take(int(n))
	if err != nil {
		return nil, err
	}

	return append([]byte(nil), b...), nil
}
