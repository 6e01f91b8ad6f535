package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSinkClosed is returned by TrySend after the sink shut down.
var ErrSinkClosed = errors.New("ws: sink closed")

// ErrSinkFull is returned when the outbound buffer has no room. The
// caller treats the subscriber as too slow rather than blocking a tick.
var ErrSinkFull = errors.New("ws: sink buffer full")

// Sink decouples broadcast emission from socket writes: TrySend stages
// a message without blocking and a dedicated write pump drains the
// buffer under a write deadline.
type Sink struct {
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// NewSink wraps an upgraded connection. Callers must start the write
// pump with Run in its own goroutine.
func NewSink(conn *websocket.Conn, buffer int, writeTimeout time.Duration) *Sink {
	if buffer < 1 {
		buffer = 1
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Sink{
		conn:         conn,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

// TrySend stages data for the write pump. It never blocks: a full
// buffer or a closed sink fails immediately.
func (s *Sink) TrySend(data []byte) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrSinkClosed
	default:
		return ErrSinkFull
	}
}

// Close shuts the sink down and closes the underlying connection.
// Idempotent: the registry, the handler, and the write pump may all
// race to call it.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Run drains the send buffer to the socket until the sink closes or a
// write fails. Each write carries a bounded deadline.
func (s *Sink) Run() {
	defer s.Close()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
