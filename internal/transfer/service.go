package transfer

import (
	"log/slog"
	"sync"

	"github.com/chunkflow/chunkflow/pkg/protocol"
)

// Service is the inbound side of a serving endpoint: it routes raw messages
// from the link's streams to transfer sessions. Each message is partially
// decoded just far enough to extract the session id, resolved against the
// pool, and only then fully parsed and run through the state machine.
//
// One mutex serializes "process one inbound message"; the pool and its
// sessions are not touched from anywhere else while the service runs.
type Service struct {
	mu     sync.Mutex
	pool   *Pool
	link   *Link
	logger *slog.Logger
}

func NewService(link *Link, registry *Registry, poolCapacity int, logger *slog.Logger) *Service {
	return &Service{
		pool:   NewPool(link, registry, poolCapacity, logger),
		link:   link,
		logger: logger,
	}
}

// HandleMessage processes one message received on the stream for dir,
// run-to-completion. Unparseable messages are dropped: the peer's own
// retransmission logic is the recovery mechanism at this layer.
func (s *Service) HandleMessage(dir Direction, msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, err := protocol.ExtractSessionID(msg)
	if err != nil {
		s.logger.Warn("message dropped", "dir", dir.String(), "error", err)
		return
	}

	chunk, err := protocol.Parse(msg)
	if err != nil {
		s.logger.Warn("chunk dropped", "dir", dir.String(), "session", sessionID, "error", err)
		return
	}

	sess, err := s.pool.GetPendingTransfer(sessionID)
	if err != nil || (chunk.IsInitialChunk() && !sess.active()) {
		if !chunk.IsInitialChunk() {
			s.logger.Warn("chunk for unknown session dropped", "session", sessionID)
			return
		}
		// Under the legacy protocol the session id doubles as the resource id.
		resourceID := sessionID
		if chunk.HasResourceID {
			resourceID = chunk.ResourceID
		}
		sess, err = s.pool.StartTransfer(dir, sessionID, resourceID, chunk.Version)
		if err != nil {
			s.logger.Warn("transfer rejected", "session", sessionID, "error", err)
			s.reject(dir, &chunk, statusFor(err))
			return
		}
	}

	if err := sess.HandleChunk(&chunk); err != nil {
		s.logger.Warn("chunk handling failed", "session", sessionID, "error", err)
	}
}

// reject answers a transfer that could not be started with a terminal
// status chunk, leaving existing transfers untouched.
func (s *Service) reject(dir Direction, c *protocol.Chunk, status protocol.Status) {
	out := protocol.Chunk{
		SessionID: c.SessionID,
		HasStatus: true,
		Status:    status,
		Version:   c.Version,
	}
	if c.Version == protocol.VersionTwo {
		out.HasType = true
		out.Type = protocol.TypeCompletion
	}
	if err := s.link.SendChunk(dir, &out); err != nil {
		s.logger.Warn("reject send failed", "session", c.SessionID, "error", err)
	}
}
