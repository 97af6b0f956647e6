// Package transfer implements the per-transfer session state machine, the
// fixed-capacity session pool, and the endpoint link they ride on. One
// session drives a single transfer from start to completion: windowed flow
// control, loss recovery by retransmit request, and a completion handshake
// that survives a dropped final chunk.
//
// The state machine is single-threaded by contract: all entry points are
// serialized by the Service owning the pool, and a session is never
// re-entered while a call into it is in flight.
package transfer

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/chunkflow/chunkflow/pkg/protocol"
)

type sessionState uint8

const (
	stateInactive sessionState = iota
	stateActive
	stateCompleted
)

type sessionPhase uint8

const (
	phaseData sessionPhase = iota
	phaseRecovery
)

// Session is the state machine for one in-flight or recently-completed
// transfer. A completed session retains only its terminal status; the
// handler reference and direction capability are released on completion so
// a finished slot never pins a handler.
type Session struct {
	link   *Link
	logger *slog.Logger

	state       sessionState
	phase       sessionPhase
	direction   Direction
	finalStatus protocol.Status // valid once state == stateCompleted

	sessionID  uint32
	resourceID uint32
	version    protocol.Version

	// Bound only while active.
	handler Handler
	reader  io.ReadSeeker // read transfers only
	writer  io.WriterAt   // write transfers only

	offset         uint32 // next byte offset to send (read) or accept (write)
	windowEnd      uint32
	maxChunkSize   uint32
	minDelay       time.Duration // peer-requested pacing between data chunks
	lastPeerOffset uint32        // offset of the last accepted peer chunk
	sawPeerChunk   bool

	readBuf []byte
}

func (s *Session) active() bool { return s.state == stateActive }

// completed returns the cached terminal status of a finished session.
func (s *Session) completed() (protocol.Status, bool) {
	return s.finalStatus, s.state == stateCompleted
}

// Start transitions an inactive or completed session to active for a new
// transfer, binding the handler's capability for the requested direction.
// The transition is all-or-nothing: if the handler does not support the
// direction or its prepare hook fails, the session keeps its prior state.
func (s *Session) Start(dir Direction, sessionID, resourceID uint32, version protocol.Version, h Handler, link *Link, logger *slog.Logger) error {
	if s.state == stateActive {
		return fmt.Errorf("session %d already active", s.sessionID)
	}

	var reader io.ReadSeeker
	var writer io.WriterAt
	switch dir {
	case DirRead:
		rh, ok := h.(ReadHandler)
		if !ok {
			return fmt.Errorf("resource %d: %w", resourceID, ErrUnsupported)
		}
		r, err := rh.PrepareRead()
		if err != nil {
			return fmt.Errorf("prepare read for resource %d: %w", resourceID, err)
		}
		reader = r
	case DirWrite:
		wh, ok := h.(WriteHandler)
		if !ok {
			return fmt.Errorf("resource %d: %w", resourceID, ErrUnsupported)
		}
		w, err := wh.PrepareWrite()
		if err != nil {
			return fmt.Errorf("prepare write for resource %d: %w", resourceID, err)
		}
		writer = w
	}

	s.link = link
	s.logger = logger.With("session", sessionID, "resource", resourceID, "dir", dir.String())
	s.state = stateActive
	s.phase = phaseData
	s.direction = dir
	s.sessionID = sessionID
	s.resourceID = resourceID
	s.version = version
	s.handler = h
	s.reader = reader
	s.writer = writer
	s.offset = 0
	s.windowEnd = 0
	s.maxChunkSize = link.MaxChunkSize
	s.minDelay = 0
	s.lastPeerOffset = 0
	s.sawPeerChunk = false

	s.logger.Info("transfer started", "version", version.String())
	return nil
}

// Finish drives the transfer to completion from the local side: the
// finalize hook runs exactly once, the handler is released, and a terminal
// Completion chunk carrying the status is sent to the peer. Cancellation is
// Finish(StatusCancelled); there is no separate cancel path.
func (s *Session) Finish(status protocol.Status) error {
	if s.state != stateActive {
		return fmt.Errorf("finish on %s session %d", s.stateName(), s.sessionID)
	}
	s.finalize(status)
	return s.sendCompletion()
}

// finalize runs the handler's finalize hook once and transitions to
// completed. A finalize failure downgrades the recorded status so the peer
// learns the transfer did not land, but never leaves the session active.
func (s *Session) finalize(status protocol.Status) {
	if err := s.handler.Finalize(status); err != nil {
		s.logger.Warn("finalize failed", "status", status.String(), "error", err)
		if status.OK() {
			status = protocol.StatusDataLoss
		}
	}
	s.handler = nil
	s.reader = nil
	s.writer = nil
	s.state = stateCompleted
	s.finalStatus = status
	s.logger.Info("transfer completed", "status", status.String())
}

func (s *Session) stateName() string {
	switch s.state {
	case stateActive:
		if s.phase == phaseRecovery {
			return "active/recovery"
		}
		return "active/data"
	case stateCompleted:
		return "completed"
	}
	return "inactive"
}

// HandleChunk processes one inbound chunk in arrival order. The peer's
// chunks may be retried, duplicated, or reordered; every path here is safe
// to re-run without double-invoking handler I/O.
func (s *Session) HandleChunk(c *protocol.Chunk) error {
	if s.state == stateInactive {
		// Never started, so no logger or link is bound yet.
		return nil
	}
	logChunk(s.logger, "chunk received", c)

	if s.state == stateCompleted {
		return s.replayCompletion(c)
	}

	if c.HasType {
		switch c.Type {
		case protocol.TypeCompletion:
			return s.handlePeerCompletion(c)
		case protocol.TypeCompletionAck:
			// Stray ack while active; nothing to confirm.
			return nil
		}
	} else if c.HasStatus {
		// Legacy terminal chunk: status present, no type field.
		return s.handlePeerCompletion(c)
	}

	if s.direction == DirRead {
		return s.handleReadChunk(c)
	}
	return s.handleWriteChunk(c)
}

// replayCompletion answers retried traffic for an already-finished transfer
// from the cached status, without re-running finalization.
func (s *Session) replayCompletion(c *protocol.Chunk) error {
	if c.HasType && c.Type == protocol.TypeCompletionAck {
		return nil
	}
	if c.HasType && c.Type == protocol.TypeCompletion {
		// The peer did not see our ack.
		return s.sendCompletionAck()
	}
	// The peer did not see our Completion; say it again.
	return s.sendCompletion()
}

// handlePeerCompletion finishes the transfer with the peer-reported status
// and acknowledges, so the peer can release its own state.
func (s *Session) handlePeerCompletion(c *protocol.Chunk) error {
	status := protocol.StatusOK
	if c.HasStatus {
		status = c.Status
	}
	s.finalize(status)
	return s.sendCompletionAck()
}

// handleReadChunk processes a chunk on a read transfer, where this endpoint
// is the data source. Inbound chunks are transfer parameters: they either
// rewind the transmit position (Start, ParametersRetransmit) or extend the
// window (ParametersContinue). Either way the response is to keep
// transmitting until the window closes or the data runs out.
func (s *Session) handleReadChunk(c *protocol.Chunk) error {
	if c.RequestsTransmissionFromOffset() {
		if c.Offset != s.offset {
			if _, err := s.reader.Seek(int64(c.Offset), io.SeekStart); err != nil {
				s.logger.Warn("rewind failed", "offset", c.Offset, "error", err)
				s.finalize(protocol.StatusInternal)
				return s.sendCompletion()
			}
			s.offset = c.Offset
		}
		s.windowEnd = c.WindowEndOffset
	} else {
		// Continue: never moves the window backwards.
		if c.WindowEndOffset > s.windowEnd {
			s.windowEnd = c.WindowEndOffset
		}
	}

	if c.MaxChunkSizeBytes != 0 && c.MaxChunkSizeBytes < s.link.MaxChunkSize {
		s.maxChunkSize = c.MaxChunkSizeBytes
	}
	if c.MinDelayMicros != 0 {
		s.minDelay = time.Duration(c.MinDelayMicros) * time.Microsecond
	}

	return s.sendNextReadChunk()
}

// sendNextReadChunk transmits data chunks until the granted window is
// exhausted (pause, not an error) or the reader reports end of data (final
// chunk with zero remaining bytes). Reads block on the backing store.
func (s *Session) sendNextReadChunk() error {
	first := true
	for s.offset < s.windowEnd {
		if !first && s.minDelay > 0 {
			time.Sleep(s.minDelay)
		}
		first = false

		n := s.windowEnd - s.offset
		if n > s.maxChunkSize {
			n = s.maxChunkSize
		}
		if uint32(cap(s.readBuf)) < n {
			s.readBuf = make([]byte, n)
		}
		read, eof, err := readChunkFull(s.reader, s.readBuf[:n])
		if err != nil {
			s.logger.Warn("handler read failed", "offset", s.offset, "error", err)
			s.finalize(protocol.StatusDataLoss)
			return s.sendCompletion()
		}

		out := protocol.Chunk{
			SessionID: s.sessionID,
			Offset:    s.offset,
			Payload:   s.readBuf[:read],
			Version:   s.version,
		}
		if s.version == protocol.VersionTwo {
			out.HasType = true
			out.Type = protocol.TypeData
		}
		if eof {
			out.HasRemainingBytes = true
			out.RemainingBytes = 0
		}
		if err := s.send(&out); err != nil {
			return err
		}
		s.offset += uint32(read)
		if eof {
			return nil
		}
	}
	return nil
}

// handleWriteChunk processes a chunk on a write transfer, where this
// endpoint is the data sink. A retried initial chunk re-issues the opening
// window grant; a duplicate of the previous data chunk gets a fresh
// acknowledgement but no handler I/O; a gap performs no I/O and requests
// retransmission from the still-expected offset.
func (s *Session) handleWriteChunk(c *protocol.Chunk) error {
	if c.IsInitialChunk() {
		return s.sendWriteParameters(protocol.TypeParametersRetransmit)
	}

	if s.sawPeerChunk && c.Offset == s.lastPeerOffset {
		return s.sendWriteParameters(protocol.TypeParametersContinue)
	}

	if c.Offset != s.offset {
		s.phase = phaseRecovery
		s.logger.Debug("offset gap, requesting retransmit", "got", c.Offset, "want", s.offset)
		return s.sendWriteParameters(protocol.TypeParametersRetransmit)
	}
	s.phase = phaseData

	if len(c.Payload) > 0 {
		if _, err := s.writer.WriteAt(c.Payload, int64(s.offset)); err != nil {
			s.logger.Warn("handler write failed", "offset", s.offset, "error", err)
			s.finalize(protocol.StatusDataLoss)
			return s.sendCompletion()
		}
	}
	s.lastPeerOffset = c.Offset
	s.sawPeerChunk = true
	s.offset += uint32(len(c.Payload))

	if c.IsFinalTransmitChunk() {
		s.finalize(protocol.StatusOK)
		return s.sendCompletion()
	}

	// Re-grant before the transmitter stalls on an exhausted window.
	if s.windowEnd-s.offset < s.link.DefaultWindow/2 {
		return s.sendWriteParameters(protocol.TypeParametersContinue)
	}
	return nil
}

// sendWriteParameters sends a transfer-parameters chunk naming the expected
// offset and a fresh window. Legacy peers do not know the type field; for
// them every parameters chunk has retransmit semantics, so the type is only
// put on the wire for current-generation peers.
func (s *Session) sendWriteParameters(kind protocol.ChunkType) error {
	s.windowEnd = s.offset + s.link.DefaultWindow
	out := protocol.Chunk{
		SessionID:         s.sessionID,
		Offset:            s.offset,
		WindowEndOffset:   s.windowEnd,
		MaxChunkSizeBytes: s.link.MaxChunkSize,
		MinDelayMicros:    s.link.MinDelayMicros,
		Version:           s.version,
	}
	if s.version == protocol.VersionTwo {
		out.HasType = true
		out.Type = kind
	}
	return s.send(&out)
}

func (s *Session) sendCompletion() error {
	out := protocol.Chunk{
		SessionID: s.sessionID,
		Offset:    s.offset,
		HasStatus: true,
		Status:    s.finalStatus,
		Version:   s.version,
	}
	if s.version == protocol.VersionTwo {
		out.HasType = true
		out.Type = protocol.TypeCompletion
	}
	return s.send(&out)
}

func (s *Session) sendCompletionAck() error {
	if s.version != protocol.VersionTwo {
		// The legacy handshake has no ack; the peer times out its own state.
		return nil
	}
	out := protocol.Chunk{
		SessionID: s.sessionID,
		HasType:   true,
		Type:      protocol.TypeCompletionAck,
		Version:   s.version,
	}
	return s.send(&out)
}

func (s *Session) send(c *protocol.Chunk) error {
	logChunk(s.logger, "chunk sent", c)
	if err := s.link.SendChunk(s.direction, c); err != nil {
		// The channel may be down; the peer's timeout is the recovery
		// mechanism, not error propagation.
		s.logger.Warn("send failed", "error", err)
		return err
	}
	return nil
}

// readChunkFull fills buf from r, tolerating short reads, and reports
// whether end of data was reached.
func readChunkFull(r io.Reader, buf []byte) (n int, eof bool, err error) {
	for n < len(buf) {
		read, err := r.Read(buf[n:])
		n += read
		if err == io.EOF {
			return n, true, nil
		}
		if err != nil {
			return n, false, err
		}
		if read == 0 {
			// A zero-byte, error-free read counts as end of data.
			return n, true, nil
		}
	}
	return n, false, nil
}
