// Package wslink carries chunkflow protocol messages over WebSocket
// connections, one binary WebSocket message per protocol message. Each
// connection is one direction's persistent stream on an endpoint link; the
// pairing of connections into a link is the host process's business.
package wslink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	sendBacklog  = 64
)

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Stream adapts one WebSocket connection to a transfer message stream.
// Writes are pumped through a single goroutine so concurrent senders never
// interleave on the connection.
type Stream struct {
	conn   *websocket.Conn
	logger *slog.Logger

	sendCh  chan []byte
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// NewStream wraps an established connection (either side of the upgrade).
func NewStream(conn *websocket.Conn, logger *slog.Logger) *Stream {
	s := &Stream{
		conn:   conn,
		logger: logger,
		sendCh: make(chan []byte, sendBacklog),
		done:   make(chan struct{}),
	}
	go s.writePump()
	return s
}

// Dial connects to a chunkflow WebSocket endpoint.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Stream, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	return NewStream(conn, logger), nil
}

// WriteMessage enqueues one protocol message for transmission. The message
// bytes are copied; callers may reuse their buffer immediately.
func (s *Stream) WriteMessage(msg []byte) error {
	out := make([]byte, len(msg))
	copy(out, msg)
	select {
	case s.sendCh <- out:
		return nil
	case <-s.done:
		return fmt.Errorf("stream closed")
	}
}

func (s *Stream) writePump() {
	for {
		select {
		case msg := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				s.logger.Warn("websocket write failed", "error", err)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// Run reads messages until the connection fails or is closed by the peer,
// delivering each to handle. It blocks the calling goroutine.
func (s *Stream) Run(handle func(msg []byte)) error {
	for {
		kind, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.Close()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		if kind != websocket.BinaryMessage {
			s.logger.Warn("non-binary websocket message dropped", "kind", kind)
			continue
		}
		handle(msg)
	}
}

// Close tears down the connection. The protocol core never calls this; it
// is for the host process shutting a link down.
func (s *Stream) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return s.conn.Close()
}
