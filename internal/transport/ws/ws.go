// Package ws mirrors the BroadcastServer/DuplexClient contract of the
// parent transport package over WebSocket binary frames instead of raw TCP,
// for callers that need to sit behind an HTTP reverse proxy or talk to a
// browser.
package ws

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mcsp-io/mcsp/internal/codec"
	"github.com/mcsp-io/mcsp/internal/transport"
)

const bufferSize = 4096

var upgrader = websocket.Upgrader{
	ReadBufferSize:  bufferSize,
	WriteBufferSize: bufferSize,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// BroadcastServer is the WebSocket counterpart of transport.BroadcastServer:
// an http.Handler that upgrades every request to a WebSocket connection and
// fans a single stream of T values out to all of them.
type BroadcastServer[T any] struct {
	codec codec.Codec[T]

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex // per-conn write mutex, gorilla conns aren't write-safe for concurrent callers

	recv chan T

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewBroadcastServer builds a handler ready to be mounted on an *http.ServeMux.
func NewBroadcastServer[T any](c codec.Codec[T]) *BroadcastServer[T] {
	return &BroadcastServer[T]{
		codec:   c,
		clients: make(map[*websocket.Conn]*sync.Mutex),
		recv:    make(chan T, 64),
		closed:  make(chan struct{}),
	}
}

// ServeHTTP upgrades the connection and runs its reader loop until the
// connection closes or the server does.
func (s *BroadcastServer[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws broadcast: upgrade failed", "err", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = &sync.Mutex{}
	s.mu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()

	s.readLoop(conn)
}

// ClientCount returns the number of currently connected clients.
func (s *BroadcastServer[T]) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.clients)
}

// Send broadcasts v to every connected client, best-effort, evicting any
// client whose write fails.
func (s *BroadcastServer[T]) Send(v T) error {
	select {
	case <-s.closed:
		return transport.ErrConnectionClosed
	default:
	}

	payload := codec.ToBytes(s.codec, v)

	s.mu.RLock()
	type target struct {
		conn *websocket.Conn
		mu   *sync.Mutex
	}
	targets := make([]target, 0, len(s.clients))
	for conn, mu := range s.clients {
		targets = append(targets, target{conn, mu})
	}
	s.mu.RUnlock()

	for _, tgt := range targets {
		tgt.mu.Lock()
		err := tgt.conn.WriteMessage(websocket.BinaryMessage, payload)
		tgt.mu.Unlock()

		if err != nil {
			slog.Debug("ws broadcast: dropping client after write failure", "err", err)
			s.evict(tgt.conn)
		}
	}

	return nil
}

// Recv returns the channel of values decoded from any connected client.
func (s *BroadcastServer[T]) Recv() <-chan T { return s.recv }

// Close closes every client connection and waits for their reader loops to exit.
func (s *BroadcastServer[T]) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		for conn := range s.clients {
			conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		close(s.recv)
	})

	return nil
}

func (s *BroadcastServer[T]) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.evict(conn)
			return
		}

		// Non-binary frames (text, ping/pong control frames already handled
		// by gorilla internally) carry no codec payload; ignore them.
		if msgType != websocket.BinaryMessage {
			continue
		}

		v, err := codec.FromBytes(s.codec, data)
		if err != nil {
			slog.Debug("ws broadcast: dropping malformed frame", "err", err)
			continue
		}

		select {
		case s.recv <- v:
		case <-s.closed:
			return
		}
	}
}

func (s *BroadcastServer[T]) evict(conn *websocket.Conn) {
	s.mu.Lock()
	if _, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		conn.Close()
	}
	s.mu.Unlock()
}

// DuplexClient is a WebSocket-dialed counterpart of transport.DuplexClient.
// Like its TCP sibling it is not internally thread-safe.
type DuplexClient[T any] struct {
	conn  *websocket.Conn
	codec codec.Codec[T]
}

// Dial connects to a ws:// or wss:// URL and returns a client ready to
// Send/Recv values encoded with c.
func Dial[T any](url string, c codec.Codec[T]) (*DuplexClient[T], error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	return &DuplexClient[T]{conn: conn, codec: c}, nil
}

// Send writes one value as a binary WebSocket frame.
func (c *DuplexClient[T]) Send(v T) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, codec.ToBytes(c.codec, v))
}

// Recv reads frames until a binary frame arrives, decodes it, and returns
// it. Non-binary frames are skipped, matching the server's readLoop.
func (c *DuplexClient[T]) Recv() (T, error) {
	var zero T

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return zero, transport.ErrConnectionClosed
			}

			return zero, err
		}

		if msgType != websocket.BinaryMessage {
			continue
		}

		return codec.FromBytes(c.codec, data)
	}
}

// Close closes the underlying WebSocket connection.
func (c *DuplexClient[T]) Close() error {
	return c.conn.Close()
}
