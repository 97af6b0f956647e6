// Package quiclink carries chunkflow protocol messages over QUIC streams.
// A link uses one bidirectional QUIC stream per transfer direction; each
// protocol message is framed with a uint32 length prefix. The opener of a
// stream announces its direction with a single header byte so the accepting
// side can route it.
package quiclink

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPNProtocol is the Application-Layer Protocol Negotiation identifier.
const ALPNProtocol = "chunkflow-v1"

// Direction header bytes written by the stream opener.
const (
	HeaderRead  = byte(0x01)
	HeaderWrite = byte(0x02)
)

// maxMessageSize bounds a framed message; anything larger is a framing
// error, not a legitimate chunk.
const maxMessageSize = 1 << 20

// DefaultQUICConfig returns the QUIC tuning used by both sides.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
}

// Stream adapts one QUIC stream to a transfer message stream.
type Stream struct {
	stream  *quic.Stream
	logger  *slog.Logger
	writeMu sync.Mutex
}

func newStream(stream *quic.Stream, logger *slog.Logger) *Stream {
	return &Stream{stream: stream, logger: logger}
}

// Open opens a directed stream on conn, announcing the direction header.
func Open(ctx context.Context, conn *quic.Conn, header byte, logger *slog.Logger) (*Stream, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open quic stream: %w", err)
	}
	if _, err := stream.Write([]byte{header}); err != nil {
		return nil, fmt.Errorf("write stream header: %w", err)
	}
	logger.Debug("quic stream opened", "stream_id", stream.StreamID(), "header", header)
	return newStream(stream, logger), nil
}

// Accept accepts one directed stream on conn and returns its header byte.
func Accept(ctx context.Context, conn *quic.Conn, logger *slog.Logger) (*Stream, byte, error) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("accept quic stream: %w", err)
	}
	var header [1]byte
	if _, err := io.ReadFull(stream, header[:]); err != nil {
		return nil, 0, fmt.Errorf("read stream header: %w", err)
	}
	if header[0] != HeaderRead && header[0] != HeaderWrite {
		return nil, 0, fmt.Errorf("unknown stream header 0x%02x", header[0])
	}
	logger.Debug("quic stream accepted", "stream_id", stream.StreamID(), "header", header[0])
	return newStream(stream, logger), header[0], nil
}

// WriteMessage frames and sends one protocol message.
func (s *Stream) WriteMessage(msg []byte) error {
	if len(msg) > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds frame limit", len(msg))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(msg)))
	if _, err := s.stream.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := s.stream.Write(msg); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Run reads framed messages until the stream ends, delivering each to
// handle. A clean end of stream returns nil.
func (s *Stream) Run(handle func(msg []byte)) error {
	for {
		var prefix [4]byte
		if _, err := io.ReadFull(s.stream, prefix[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read frame length: %w", err)
		}
		length := binary.BigEndian.Uint32(prefix[:])
		if length > maxMessageSize {
			return fmt.Errorf("frame of %d bytes exceeds limit", length)
		}
		msg := make([]byte, length)
		if _, err := io.ReadFull(s.stream, msg); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		handle(msg)
	}
}
