package transfer

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/chunkflow/chunkflow/pkg/protocol"
)

// Client is the requesting side of the protocol: it opens transfers toward
// a serving endpoint over the same link model. Each transfer is an inverted
// session - downloads receive and grant windows, uploads transmit into
// granted windows - built from the same chunk vocabulary as the serving
// state machine.
type Client struct {
	mu          sync.Mutex
	link        *Link
	logger      *slog.Logger
	version     protocol.Version
	nextSession uint32
	transfers   map[uint32]clientTransfer
}

type clientTransfer interface {
	handleChunk(c *protocol.Chunk) error
}

func NewClient(link *Link, version protocol.Version, logger *slog.Logger) *Client {
	return &Client{
		link:        link,
		logger:      logger,
		version:     version,
		nextSession: 1,
		transfers:   make(map[uint32]clientTransfer),
	}
}

// HandleMessage routes one inbound message to its transfer. Like the
// serving side, processing is run-to-completion under one lock.
func (c *Client) HandleMessage(dir Direction, msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessionID, err := protocol.ExtractSessionID(msg)
	if err != nil {
		c.logger.Warn("message dropped", "error", err)
		return
	}
	chunk, err := protocol.Parse(msg)
	if err != nil {
		c.logger.Warn("chunk dropped", "session", sessionID, "error", err)
		return
	}
	t, ok := c.transfers[sessionID]
	if !ok {
		c.logger.Warn("chunk for unknown transfer dropped", "session", sessionID)
		return
	}
	if err := t.handleChunk(&chunk); err != nil {
		c.logger.Warn("chunk handling failed", "session", sessionID, "error", err)
	}
}

// allocSessionID picks the session id for a new transfer. Legacy peers
// have no separate resource id field; the session id carries both roles.
func (c *Client) allocSessionID(resourceID uint32) uint32 {
	if c.version == protocol.VersionLegacy {
		return resourceID
	}
	id := c.nextSession
	c.nextSession++
	return id
}

// Download opens a read transfer for resourceID, writing received bytes
// into w. The opening chunk grants the first window; the transfer then
// drives itself from inbound chunks.
func (c *Client) Download(resourceID uint32, w io.WriterAt) (*DownloadSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := &DownloadSession{
		client:     c,
		sessionID:  c.allocSessionID(resourceID),
		resourceID: resourceID,
		writer:     w,
		doneCh:     make(chan struct{}),
	}
	d.logger = c.logger.With("session", d.sessionID, "resource", resourceID, "dir", "read")
	c.transfers[d.sessionID] = d

	if err := d.sendParameters(protocol.TypeStart); err != nil {
		delete(c.transfers, d.sessionID)
		return nil, fmt.Errorf("open download: %w", err)
	}
	return d, nil
}

// Upload opens a write transfer for resourceID, transmitting from r as the
// serving side grants windows.
func (c *Client) Upload(resourceID uint32, r io.ReadSeeker) (*UploadSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	u := &UploadSession{
		client:       c,
		sessionID:    c.allocSessionID(resourceID),
		resourceID:   resourceID,
		reader:       r,
		maxChunkSize: c.link.MaxChunkSize,
		doneCh:       make(chan struct{}),
	}
	u.logger = c.logger.With("session", u.sessionID, "resource", resourceID, "dir", "write")
	c.transfers[u.sessionID] = u

	out := protocol.Chunk{
		SessionID: u.sessionID,
		Version:   c.version,
	}
	if c.version == protocol.VersionTwo {
		out.HasType = true
		out.Type = protocol.TypeStart
		out.HasResourceID = true
		out.ResourceID = resourceID
	}
	if err := c.link.SendChunk(DirWrite, &out); err != nil {
		delete(c.transfers, u.sessionID)
		return nil, fmt.Errorf("open upload: %w", err)
	}
	return u, nil
}

// DownloadSession receives a resource: it grants windows, detects gaps and
// duplicates, requests retransmission, and closes the transfer with a
// terminal Completion chunk.
type DownloadSession struct {
	client     *Client
	logger     *slog.Logger
	sessionID  uint32
	resourceID uint32
	writer     io.WriterAt

	offset         uint32
	windowEnd      uint32
	lastPeerOffset uint32
	sawPeerChunk   bool

	done   bool
	status protocol.Status
	doneCh chan struct{}
}

// Done is closed once the transfer reaches a terminal status.
func (d *DownloadSession) Done() <-chan struct{} { return d.doneCh }

// Status is the terminal status; valid once Done is closed.
func (d *DownloadSession) Status() protocol.Status {
	d.client.mu.Lock()
	defer d.client.mu.Unlock()
	return d.status
}

func (d *DownloadSession) finish(status protocol.Status) {
	if d.done {
		return
	}
	d.done = true
	d.status = status
	d.logger.Info("transfer completed", "status", status.String())
	close(d.doneCh)
}

func (d *DownloadSession) handleChunk(c *protocol.Chunk) error {
	logChunk(d.logger, "chunk received", c)

	if c.HasType && c.Type == protocol.TypeCompletionAck {
		// Server confirmed our Completion; nothing further to say.
		return nil
	}
	if c.HasStatus && len(c.Payload) == 0 && !c.IsFinalTransmitChunk() {
		// Server-terminated transfer (rejection or mid-transfer failure).
		d.finish(c.Status)
		return d.sendCompletionAck()
	}

	if d.done {
		// Retried final chunk after a lost Completion.
		return d.sendCompletion()
	}

	if d.sawPeerChunk && c.Offset == d.lastPeerOffset {
		return d.sendParameters(protocol.TypeParametersContinue)
	}
	if c.Offset != d.offset {
		d.logger.Debug("offset gap, requesting retransmit", "got", c.Offset, "want", d.offset)
		return d.sendParameters(protocol.TypeParametersRetransmit)
	}

	if len(c.Payload) > 0 {
		if _, err := d.writer.WriteAt(c.Payload, int64(d.offset)); err != nil {
			d.logger.Warn("local write failed", "offset", d.offset, "error", err)
			d.finish(protocol.StatusDataLoss)
			return d.sendCompletion()
		}
	}
	d.lastPeerOffset = c.Offset
	d.sawPeerChunk = true
	d.offset += uint32(len(c.Payload))

	if c.IsFinalTransmitChunk() {
		d.finish(protocol.StatusOK)
		return d.sendCompletion()
	}

	if d.windowEnd-d.offset < d.client.link.DefaultWindow/2 {
		return d.sendParameters(protocol.TypeParametersContinue)
	}
	return nil
}

func (d *DownloadSession) sendParameters(kind protocol.ChunkType) error {
	d.windowEnd = d.offset + d.client.link.DefaultWindow
	out := protocol.Chunk{
		SessionID:         d.sessionID,
		Offset:            d.offset,
		WindowEndOffset:   d.windowEnd,
		MaxChunkSizeBytes: d.client.link.MaxChunkSize,
		MinDelayMicros:    d.client.link.MinDelayMicros,
		Version:           d.client.version,
	}
	if d.client.version == protocol.VersionTwo {
		out.HasType = true
		out.Type = kind
		if kind == protocol.TypeStart {
			out.HasResourceID = true
			out.ResourceID = d.resourceID
		}
	}
	return d.send(&out)
}

func (d *DownloadSession) sendCompletion() error {
	out := protocol.Chunk{
		SessionID: d.sessionID,
		Offset:    d.offset,
		HasStatus: true,
		Status:    d.status,
		Version:   d.client.version,
	}
	if d.client.version == protocol.VersionTwo {
		out.HasType = true
		out.Type = protocol.TypeCompletion
	}
	return d.send(&out)
}

func (d *DownloadSession) sendCompletionAck() error {
	if d.client.version != protocol.VersionTwo {
		return nil
	}
	out := protocol.Chunk{
		SessionID: d.sessionID,
		HasType:   true,
		Type:      protocol.TypeCompletionAck,
		Version:   d.client.version,
	}
	return d.send(&out)
}

func (d *DownloadSession) send(c *protocol.Chunk) error {
	logChunk(d.logger, "chunk sent", c)
	return d.client.link.SendChunk(DirRead, c)
}

// UploadSession transmits a resource: it honors the serving side's window
// grants and retransmit requests, marks its final chunk, and waits for the
// terminal Completion.
type UploadSession struct {
	client     *Client
	logger     *slog.Logger
	sessionID  uint32
	resourceID uint32
	reader     io.ReadSeeker

	offset       uint32
	windowEnd    uint32
	maxChunkSize uint32
	minDelay     time.Duration
	readBuf      []byte

	done   bool
	status protocol.Status
	doneCh chan struct{}
}

// Done is closed once the serving side reports a terminal status.
func (u *UploadSession) Done() <-chan struct{} { return u.doneCh }

// Status is the terminal status; valid once Done is closed.
func (u *UploadSession) Status() protocol.Status {
	u.client.mu.Lock()
	defer u.client.mu.Unlock()
	return u.status
}

func (u *UploadSession) finish(status protocol.Status) {
	if u.done {
		return
	}
	u.done = true
	u.status = status
	u.logger.Info("transfer completed", "status", status.String())
	close(u.doneCh)
}

func (u *UploadSession) handleChunk(c *protocol.Chunk) error {
	logChunk(u.logger, "chunk received", c)

	if c.HasStatus {
		u.finish(c.Status)
		return u.sendCompletionAck()
	}
	if u.done {
		return u.sendCompletionAck()
	}

	if c.RequestsTransmissionFromOffset() {
		if c.Offset != u.offset {
			if _, err := u.reader.Seek(int64(c.Offset), io.SeekStart); err != nil {
				u.logger.Warn("rewind failed", "offset", c.Offset, "error", err)
				u.finish(protocol.StatusInternal)
				return u.sendCompletion()
			}
			u.offset = c.Offset
		}
		u.windowEnd = c.WindowEndOffset
	} else if c.WindowEndOffset > u.windowEnd {
		u.windowEnd = c.WindowEndOffset
	}

	if c.MaxChunkSizeBytes != 0 && c.MaxChunkSizeBytes < u.client.link.MaxChunkSize {
		u.maxChunkSize = c.MaxChunkSizeBytes
	}
	if c.MinDelayMicros != 0 {
		u.minDelay = time.Duration(c.MinDelayMicros) * time.Microsecond
	}

	return u.transmit()
}

// transmit sends data chunks until the granted window closes or the source
// runs dry, mirroring the serving side's read loop.
func (u *UploadSession) transmit() error {
	first := true
	for u.offset < u.windowEnd {
		if !first && u.minDelay > 0 {
			time.Sleep(u.minDelay)
		}
		first = false

		n := u.windowEnd - u.offset
		if n > u.maxChunkSize {
			n = u.maxChunkSize
		}
		if uint32(cap(u.readBuf)) < n {
			u.readBuf = make([]byte, n)
		}
		read, eof, err := readChunkFull(u.reader, u.readBuf[:n])
		if err != nil {
			u.logger.Warn("local read failed", "offset", u.offset, "error", err)
			u.finish(protocol.StatusDataLoss)
			return u.sendCompletion()
		}

		out := protocol.Chunk{
			SessionID: u.sessionID,
			Offset:    u.offset,
			Payload:   u.readBuf[:read],
			Version:   u.client.version,
		}
		if u.client.version == protocol.VersionTwo {
			out.HasType = true
			out.Type = protocol.TypeData
		}
		if eof {
			out.HasRemainingBytes = true
			out.RemainingBytes = 0
		}
		if err := u.send(&out); err != nil {
			return err
		}
		u.offset += uint32(read)
		if eof {
			return nil
		}
	}
	return nil
}

func (u *UploadSession) sendCompletion() error {
	out := protocol.Chunk{
		SessionID: u.sessionID,
		Offset:    u.offset,
		HasStatus: true,
		Status:    u.status,
		Version:   u.client.version,
	}
	if u.client.version == protocol.VersionTwo {
		out.HasType = true
		out.Type = protocol.TypeCompletion
	}
	return u.send(&out)
}

func (u *UploadSession) sendCompletionAck() error {
	if u.client.version != protocol.VersionTwo {
		return nil
	}
	out := protocol.Chunk{
		SessionID: u.sessionID,
		HasType:   true,
		Type:      protocol.TypeCompletionAck,
		Version:   u.client.version,
	}
	return u.send(&out)
}

func (u *UploadSession) send(c *protocol.Chunk) error {
	logChunk(u.logger, "chunk sent", c)
	return u.client.link.SendChunk(DirWrite, c)
}
