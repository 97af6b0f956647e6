package transfer

import (
	"errors"
	"testing"

	"github.com/chunkflow/chunkflow/internal/logging"
	"github.com/chunkflow/chunkflow/pkg/protocol"
)

func testPool(capacity int, handlers map[uint32]Handler) (*Pool, *Link) {
	reg := NewRegistry()
	for id, h := range handlers {
		reg.Register(id, h)
	}
	link := NewLink(&MockStream{}, &MockStream{}, 16, 64)
	return NewPool(link, reg, capacity, logging.Discard()), link
}

func TestPoolStartTransferIdempotent(t *testing.T) {
	h := &MockHandler{Data: pattern(8)}
	p, _ := testPool(2, map[uint32]Handler{1: h})

	a, err := p.StartTransfer(DirRead, 10, 1, protocol.VersionTwo)
	if err != nil {
		t.Fatalf("StartTransfer: %v", err)
	}
	// The opening chunk was retried: same session back, no second prepare.
	b, err := p.StartTransfer(DirRead, 10, 1, protocol.VersionTwo)
	if err != nil {
		t.Fatalf("retried StartTransfer: %v", err)
	}
	if a != b {
		t.Fatal("retried start allocated a second session")
	}
	if h.PrepareReads != 1 {
		t.Fatalf("prepare ran %d times, want 1", h.PrepareReads)
	}
}

func TestPoolExhaustion(t *testing.T) {
	h := &MockHandler{Data: pattern(8)}
	p, _ := testPool(1, map[uint32]Handler{1: h, 2: h})

	a, err := p.StartTransfer(DirRead, 10, 1, protocol.VersionTwo)
	if err != nil {
		t.Fatalf("StartTransfer: %v", err)
	}
	if _, err := p.StartTransfer(DirRead, 11, 2, protocol.VersionTwo); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("err = %v, want ErrResourceExhausted", err)
	}

	// Finishing the active transfer frees the slot for reuse.
	if err := a.Finish(protocol.StatusCancelled); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, err := p.StartTransfer(DirRead, 11, 2, protocol.VersionTwo); err != nil {
		t.Fatalf("StartTransfer after free: %v", err)
	}
}

func TestPoolUnknownResource(t *testing.T) {
	p, _ := testPool(2, nil)
	if _, err := p.StartTransfer(DirRead, 10, 99, protocol.VersionTwo); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// TestPoolRestartReusesCompletedSlot: restarting a finished transfer under
// the same session id must rebind its old slot, not leave a stale completed
// twin answering for the id.
func TestPoolRestartReusesCompletedSlot(t *testing.T) {
	h := &MockHandler{Data: pattern(8)}
	p, _ := testPool(3, map[uint32]Handler{1: h})

	a, err := p.StartTransfer(DirRead, 10, 1, protocol.VersionTwo)
	if err != nil {
		t.Fatalf("StartTransfer: %v", err)
	}
	if err := a.Finish(protocol.StatusOK); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	b, err := p.StartTransfer(DirRead, 10, 1, protocol.VersionTwo)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if a != b {
		t.Fatal("restart picked a different slot than the completed one")
	}
	if !b.active() {
		t.Fatal("restarted session not active")
	}
}

func TestPoolGetPendingTransfer(t *testing.T) {
	h := &MockHandler{Data: pattern(8)}
	p, _ := testPool(2, map[uint32]Handler{1: h})

	if _, err := p.GetPendingTransfer(10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	a, err := p.StartTransfer(DirRead, 10, 1, protocol.VersionTwo)
	if err != nil {
		t.Fatalf("StartTransfer: %v", err)
	}
	got, err := p.GetPendingTransfer(10)
	if err != nil || got != a {
		t.Fatalf("GetPendingTransfer = %v, %v", got, err)
	}

	// Completed sessions stay reachable for completion replay.
	if err := a.Finish(protocol.StatusOK); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	got, err = p.GetPendingTransfer(10)
	if err != nil || got != a {
		t.Fatalf("completed GetPendingTransfer = %v, %v", got, err)
	}
}
