package transfer

import (
	"bytes"
	"errors"
	"io"

	"github.com/chunkflow/chunkflow/pkg/protocol"
)

// MockStream is an in-memory MessageStream for testing. It records every
// message written to it, both raw and decoded.
type MockStream struct {
	Msgs   [][]byte
	Chunks []protocol.Chunk
	// FailWrites makes every WriteMessage fail, simulating a dead channel.
	FailWrites bool
}

var _ MessageStream = (*MockStream)(nil)

func (m *MockStream) WriteMessage(msg []byte) error {
	if m.FailWrites {
		return errors.New("mock stream: write failed")
	}
	cp := append([]byte(nil), msg...)
	m.Msgs = append(m.Msgs, cp)
	if c, err := protocol.Parse(cp); err == nil {
		m.Chunks = append(m.Chunks, c)
	}
	return nil
}

// LastChunk returns the most recently recorded chunk, or nil if none.
func (m *MockStream) LastChunk() *protocol.Chunk {
	if len(m.Chunks) == 0 {
		return nil
	}
	return &m.Chunks[len(m.Chunks)-1]
}

// Reset discards everything recorded so far.
func (m *MockStream) Reset() {
	m.Msgs = nil
	m.Chunks = nil
}

// MemWriter is a growable in-memory io.WriterAt.
type MemWriter struct {
	Buf    []byte
	Writes int
	// FailWrites makes every WriteAt fail, simulating a broken sink.
	FailWrites bool
}

var _ io.WriterAt = (*MemWriter)(nil)

func (w *MemWriter) WriteAt(p []byte, off int64) (int, error) {
	if w.FailWrites {
		return 0, errors.New("mem writer: write failed")
	}
	end := int(off) + len(p)
	if end > len(w.Buf) {
		grown := make([]byte, end)
		copy(grown, w.Buf)
		w.Buf = grown
	}
	copy(w.Buf[off:], p)
	w.Writes++
	return len(p), nil
}

// MockHandler is an in-memory handler supporting both transfer directions.
// Read transfers serve Data; write transfers land in Sink.
type MockHandler struct {
	Data []byte
	Sink MemWriter

	PrepareErr  error
	FinalizeErr error

	PrepareReads  int
	PrepareWrites int
	Finalized     []protocol.Status
}

var (
	_ ReadHandler  = (*MockHandler)(nil)
	_ WriteHandler = (*MockHandler)(nil)
)

func (h *MockHandler) PrepareRead() (io.ReadSeeker, error) {
	if h.PrepareErr != nil {
		return nil, h.PrepareErr
	}
	h.PrepareReads++
	return bytes.NewReader(h.Data), nil
}

func (h *MockHandler) PrepareWrite() (io.WriterAt, error) {
	if h.PrepareErr != nil {
		return nil, h.PrepareErr
	}
	h.PrepareWrites++
	return &h.Sink, nil
}

func (h *MockHandler) Finalize(status protocol.Status) error {
	h.Finalized = append(h.Finalized, status)
	return h.FinalizeErr
}

// readOnlyHandler supports only read transfers.
type readOnlyHandler struct {
	data []byte
}

var _ ReadHandler = (*readOnlyHandler)(nil)

func (h *readOnlyHandler) PrepareRead() (io.ReadSeeker, error) { return bytes.NewReader(h.data), nil }
func (h *readOnlyHandler) Finalize(protocol.Status) error      { return nil }
