package transport

import (
	"net"

	"github.com/mcsp-io/mcsp/internal/codec"
)

// DuplexClient is a single TCP connection to a BroadcastServer (or another
// DuplexClient), framed with the same Codec on both sides. It is not
// internally thread-safe: a caller that reads and writes from separate
// goroutines must serialize each half itself, exactly as a single
// connection's read and write halves are independent but each is only
// safe for one concurrent caller.
type DuplexClient[T any] struct {
	conn  net.Conn
	codec codec.Codec[T]
}

// Connect dials addr and returns a client ready to Send/Recv frames encoded
// with c.
func Connect[T any](addr string, c codec.Codec[T]) (*DuplexClient[T], error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, ioError(err)
	}

	return &DuplexClient[T]{conn: conn, codec: c}, nil
}

// NewDuplexClient wraps an already-established connection.
func NewDuplexClient[T any](conn net.Conn, c codec.Codec[T]) *DuplexClient[T] {
	return &DuplexClient[T]{conn: conn, codec: c}
}

// Send writes one framed value.
func (c *DuplexClient[T]) Send(v T) error {
	return WriteMessage(c.conn, c.codec, v)
}

// Recv reads and decodes one framed value, blocking until a full frame
// arrives or the connection closes.
func (c *DuplexClient[T]) Recv() (T, error) {
	return ReadMessage(c.conn, c.codec)
}

// Close closes the underlying connection.
func (c *DuplexClient[T]) Close() error {
	return c.conn.Close()
}
