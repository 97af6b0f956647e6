package transfer

import (
	"fmt"
	"log/slog"

	"github.com/chunkflow/chunkflow/pkg/protocol"
)

// Pool is a fixed-capacity allocator of transfer session slots. Slots are
// owned by the pool for the life of the process and reused across
// transfers; a session is never individually allocated. The handler
// registry is externally owned and only consulted, never mutated.
type Pool struct {
	sessions []Session
	registry *Registry
	link     *Link
	logger   *slog.Logger
}

func NewPool(link *Link, registry *Registry, capacity int, logger *slog.Logger) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		sessions: make([]Session, capacity),
		registry: registry,
		link:     link,
		logger:   logger,
	}
}

// StartTransfer resolves or allocates the session for a new transfer. A
// duplicated opening chunk re-enters the already-active session rather than
// allocating a second one. Allocation takes any slot not currently active
// (fresh or completed); existing transfers are never evicted.
func (p *Pool) StartTransfer(dir Direction, sessionID, resourceID uint32, version protocol.Version) (*Session, error) {
	for i := range p.sessions {
		s := &p.sessions[i]
		if s.active() && s.sessionID == sessionID {
			return s, nil
		}
	}

	h, err := p.registry.lookup(resourceID)
	if err != nil {
		return nil, fmt.Errorf("resource %d: %w", resourceID, err)
	}

	// Prefer the completed slot already bound to this id, so a restarted
	// transfer does not leave a stale twin behind.
	var slot *Session
	for i := range p.sessions {
		s := &p.sessions[i]
		if s.active() {
			continue
		}
		if s.state == stateCompleted && s.sessionID == sessionID {
			slot = s
			break
		}
		if slot == nil {
			slot = s
		}
	}
	if slot == nil {
		return nil, ErrResourceExhausted
	}

	if err := slot.Start(dir, sessionID, resourceID, version, h, p.link, p.logger); err != nil {
		return nil, err
	}
	return slot, nil
}

// GetPendingTransfer finds the session bound to a session id, in any state,
// without ever allocating.
func (p *Pool) GetPendingTransfer(sessionID uint32) (*Session, error) {
	for i := range p.sessions {
		s := &p.sessions[i]
		if s.state != stateInactive && s.sessionID == sessionID {
			return s, nil
		}
	}
	return nil, fmt.Errorf("session %d: %w", sessionID, ErrNotFound)
}
