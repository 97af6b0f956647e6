package transfer

import (
	"errors"
	"io"

	"github.com/chunkflow/chunkflow/pkg/protocol"
)

var (
	// ErrNotFound indicates no handler is registered for a resource id, or
	// no session exists for a session id.
	ErrNotFound = errors.New("not found")
	// ErrResourceExhausted indicates the session pool has no free slot.
	ErrResourceExhausted = errors.New("session pool exhausted")
	// ErrUnsupported indicates the registered handler does not support the
	// requested transfer direction.
	ErrUnsupported = errors.New("direction not supported by handler")
)

// Direction distinguishes the two kinds of transfer, named from the peer's
// perspective: on a read transfer this endpoint transmits (serves data out),
// on a write transfer this endpoint receives (accepts data in).
type Direction uint8

const (
	DirRead Direction = iota
	DirWrite
)

func (d Direction) String() string {
	if d == DirRead {
		return "read"
	}
	return "write"
}

// Handler supplies the backing store behind a transfer. A Handler supports a
// direction by additionally implementing ReadHandler or WriteHandler; a
// session only ever holds the capability matching its own direction, so a
// read session cannot reach a writer at all.
type Handler interface {
	// Finalize is called exactly once per completed transfer with the
	// terminal status. A returned error downgrades the reported status but
	// does not re-run finalization.
	Finalize(status protocol.Status) error
}

// ReadHandler is a Handler that can serve data out. PrepareRead is invoked
// when a read session binds to the handler; the returned reader must support
// seeking so lost chunks can be retransmitted without restarting.
type ReadHandler interface {
	Handler
	PrepareRead() (io.ReadSeeker, error)
}

// WriteHandler is a Handler that can accept data in.
type WriteHandler interface {
	Handler
	PrepareWrite() (io.WriterAt, error)
}

// Registry is the externally owned collection of handlers, one per logical
// resource id. It is populated before serving begins and read-only after,
// so lookups need no locking.
type Registry struct {
	handlers map[uint32]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[uint32]Handler)}
}

// Register binds a handler to a resource id, replacing any previous binding.
func (r *Registry) Register(resourceID uint32, h Handler) {
	r.handlers[resourceID] = h
}

func (r *Registry) lookup(resourceID uint32) (Handler, error) {
	h, ok := r.handlers[resourceID]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

// statusFor maps a local error to the status reported to the peer.
func statusFor(err error) protocol.Status {
	switch {
	case err == nil:
		return protocol.StatusOK
	case errors.Is(err, ErrNotFound):
		return protocol.StatusNotFound
	case errors.Is(err, ErrResourceExhausted):
		return protocol.StatusResourceExhausted
	case errors.Is(err, ErrUnsupported):
		return protocol.StatusUnimplemented
	}
	return protocol.StatusInternal
}
