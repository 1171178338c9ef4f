package transport

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/mcsp-io/mcsp/internal/codec"
)

// MaxMessageSize is the hard cap on a single framed message's payload, both
// on write and on read. 64 MiB.
const MaxMessageSize = 64 * 1024 * 1024

// WriteMessage encodes v with c and writes it to w as a length-prefixed
// frame: a 4-byte little-endian length followed by the payload. Both writes
// must fully complete for this to return nil.
func WriteMessage[T any](w io.Writer, c codec.Codec[T], v T) error {
	payload := codec.ToBytes(c, v)

	if len(payload) > MaxMessageSize {
		return messageTooLarge(uint32(len(payload)))
	}

	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(payload)))

	if _, err := w.Write(lenPrefix[:]); err != nil {
		return wrapWriteErr(err)
	}

	if _, err := w.Write(payload); err != nil {
		return wrapWriteErr(err)
	}

	return nil
}

// ReadMessage reads one length-prefixed frame from r and decodes it with c.
// A short read on the length prefix or the payload is reported as
// ErrConnectionClosed, since both original_source and the in-process TCP
// producers only ever see that shape of failure when the peer goes away
// mid-frame.
func ReadMessage[T any](r io.Reader, c codec.Codec[T]) (T, error) {
	var zero T

	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return zero, wrapReadErr(err)
	}

	n := binary.LittleEndian.Uint32(lenPrefix[:])
	if n > MaxMessageSize {
		return zero, messageTooLarge(n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return zero, wrapReadErr(err)
	}

	v, err := codec.FromBytes(c, payload)
	if err != nil {
		return zero, decodeError(err)
	}

	return v, nil
}

func wrapWriteErr(err error) error {
	return ioError(err)
}

func wrapReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnectionClosed
	}

	return ioError(err)
}
