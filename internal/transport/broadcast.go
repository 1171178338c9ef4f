package transport

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/mcsp-io/mcsp/internal/codec"
)

// acceptRetryBackoff is how long the accept loop sleeps after a transient
// Accept error before trying again.
const acceptRetryBackoff = 100 * time.Millisecond

// BroadcastServer fans a single stream of T values out to every connected
// client, and pulls inbound T values from all clients into one Recv
// channel. One producer, N receivers — clients that can't keep up or have
// gone away are evicted individually; a slow or dead client never blocks a
// broadcast to the others.
type BroadcastServer[T any] struct {
	codec    codec.Codec[T]
	listener net.Listener

	mu      sync.RWMutex
	clients map[net.Conn]struct{}

	recv chan T

	closeOnce sync.Once
	closed    chan struct{}
	// wg is a conc.WaitGroup rather than sync.WaitGroup so a panic in the
	// accept loop or any one client's reader goroutine surfaces through
	// Close's Wait instead of silently killing that goroutine.
	wg conc.WaitGroup
}

// NewBroadcastServer binds addr and starts accepting connections. Each
// accepted connection gets its own reader goroutine that decodes inbound
// frames onto Recv and is dropped from the client set on any read error.
func NewBroadcastServer[T any](addr string, c codec.Codec[T]) (*BroadcastServer[T], error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, ioError(err)
	}

	s := &BroadcastServer[T]{
		codec:    c,
		listener: ln,
		clients:  make(map[net.Conn]struct{}),
		recv:     make(chan T, 64),
		closed:   make(chan struct{}),
	}

	s.wg.Go(s.acceptLoop)

	return s, nil
}

// Addr returns the server's bound listen address.
func (s *BroadcastServer[T]) Addr() net.Addr { return s.listener.Addr() }

// ClientCount returns the number of currently connected clients.
func (s *BroadcastServer[T]) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.clients)
}

// Send broadcasts v to every connected client. A per-client send failure
// evicts that client and is logged; Send itself always returns nil as long
// as the server is still open, matching a broadcast's best-effort contract.
func (s *BroadcastServer[T]) Send(v T) error {
	select {
	case <-s.closed:
		return ErrConnectionClosed
	default:
	}

	s.mu.RLock()
	targets := make([]net.Conn, 0, len(s.clients))
	for conn := range s.clients {
		targets = append(targets, conn)
	}
	s.mu.RUnlock()

	for _, conn := range targets {
		if err := WriteMessage(conn, s.codec, v); err != nil {
			slog.Debug("broadcast: dropping client after write failure", "remote", conn.RemoteAddr(), "err", err)
			s.evict(conn)
		}
	}

	return nil
}

// Recv returns the channel of values decoded from any connected client.
func (s *BroadcastServer[T]) Recv() <-chan T { return s.recv }

// Close stops accepting new connections, closes every client connection,
// and waits for all reader goroutines to exit.
func (s *BroadcastServer[T]) Close() error {
	var err error

	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.listener.Close()

		s.mu.Lock()
		for conn := range s.clients {
			conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		close(s.recv)
	})

	return err
}

func (s *BroadcastServer[T]) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			slog.Warn("broadcast: accept error, retrying", "err", err)
			time.Sleep(acceptRetryBackoff)

			continue
		}

		s.mu.Lock()
		s.clients[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Go(func() { s.readLoop(conn) })
	}
}

func (s *BroadcastServer[T]) readLoop(conn net.Conn) {
	for {
		v, err := ReadMessage(conn, s.codec)
		if err != nil {
			s.evict(conn)

			return
		}

		select {
		case s.recv <- v:
		case <-s.closed:
			return
		}
	}
}

func (s *BroadcastServer[T]) evict(conn net.Conn) {
	s.mu.Lock()
	if _, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		conn.Close()
	}
	s.mu.Unlock()
}
