package transfer

import (
	"fmt"
	"log/slog"

	"github.com/chunkflow/chunkflow/pkg/protocol"
)

// Transfer-wide defaults when the deployment does not configure them.
const (
	DefaultMaxChunkSize = 4096
	DefaultWindowBytes  = 32 * 1024
)

// MessageStream is one direction's persistent stream on the underlying
// channel: it frames and sends one protocol message at a time. Sending may
// fail (for example if the peer went away); the stream itself is never
// closed by this side.
type MessageStream interface {
	WriteMessage(msg []byte) error
}

// Link holds the two long-lived streams (one per transfer direction) and the
// transfer-wide defaults seeded into every session.
type Link struct {
	// ReadStream carries read-transfer traffic, WriteStream write-transfer
	// traffic. Either may be nil if the deployment only serves one kind.
	ReadStream  MessageStream
	WriteStream MessageStream

	// MaxChunkSize bounds the payload of a single data chunk.
	MaxChunkSize uint32
	// DefaultWindow seeds the very first receive window of a transfer.
	DefaultWindow uint32
	// MinDelayMicros, when nonzero, is announced to transmitting peers as
	// the minimum spacing between their data chunks.
	MinDelayMicros uint32

	buf []byte // encode scratch, grown on demand
}

func NewLink(read, write MessageStream, maxChunkSize, defaultWindow uint32) *Link {
	if maxChunkSize == 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	if defaultWindow == 0 {
		defaultWindow = DefaultWindowBytes
	}
	return &Link{
		ReadStream:    read,
		WriteStream:   write,
		MaxChunkSize:  maxChunkSize,
		DefaultWindow: defaultWindow,
	}
}

func (l *Link) stream(dir Direction) (MessageStream, error) {
	var s MessageStream
	if dir == DirRead {
		s = l.ReadStream
	} else {
		s = l.WriteStream
	}
	if s == nil {
		return nil, fmt.Errorf("no %s stream on link", dir)
	}
	return s, nil
}

// SendChunk encodes the chunk into the link's scratch buffer and writes it
// to the stream for the given direction. A too-small scratch buffer is
// recoverable: the encode leaves it untouched and is retried larger.
func (l *Link) SendChunk(dir Direction, c *protocol.Chunk) error {
	s, err := l.stream(dir)
	if err != nil {
		return err
	}
	if l.buf == nil {
		l.buf = make([]byte, int(l.MaxChunkSize)+128)
	}
	msg, err := c.MarshalTo(l.buf)
	if err == protocol.ErrBufferTooSmall {
		l.buf = make([]byte, c.EncodedSize())
		msg, err = c.MarshalTo(l.buf)
	}
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	return s.WriteMessage(msg)
}

// logChunk is shared debug logging for inbound and outbound chunks.
func logChunk(logger *slog.Logger, event string, c *protocol.Chunk) {
	logger.Debug(event,
		"session", c.SessionID,
		"type", c.ResolvedType().String(),
		"offset", c.Offset,
		"window_end", c.WindowEndOffset,
		"payload", len(c.Payload),
		"version", c.Version.String(),
	)
}
