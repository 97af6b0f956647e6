package transfer

import (
	"bytes"
	"testing"

	"github.com/chunkflow/chunkflow/internal/logging"
	"github.com/chunkflow/chunkflow/pkg/protocol"
)

func testService(poolCapacity int, handlers map[uint32]Handler) (*Service, *MockStream, *MockStream) {
	reg := NewRegistry()
	for id, h := range handlers {
		reg.Register(id, h)
	}
	rs := &MockStream{}
	ws := &MockStream{}
	link := NewLink(rs, ws, 16, 64)
	return NewService(link, reg, poolCapacity, logging.Discard()), rs, ws
}

func mustMarshal(t *testing.T, c protocol.Chunk) []byte {
	t.Helper()
	msg, err := c.Marshal()
	if err != nil {
		t.Fatalf("marshal %+v: %v", c, err)
	}
	return msg
}

func TestServiceDropsMalformedMessage(t *testing.T) {
	svc, rs, _ := testService(2, nil)

	svc.HandleMessage(DirRead, []byte{0x08}) // truncated varint field
	svc.HandleMessage(DirRead, nil)          // no session id at all
	if len(rs.Msgs) != 0 {
		t.Fatalf("malformed input provoked a response: %v", rs.LastChunk())
	}
}

func TestServiceDropsUnknownSessionChunk(t *testing.T) {
	svc, rs, _ := testService(2, nil)

	msg := mustMarshal(t, protocol.Chunk{
		SessionID: 99, HasType: true, Type: protocol.TypeData,
		Offset: 16, Payload: []byte("abc"), Version: protocol.VersionTwo,
	})
	svc.HandleMessage(DirRead, msg)
	if len(rs.Msgs) != 0 {
		t.Fatalf("unknown-session chunk provoked a response: %v", rs.LastChunk())
	}
}

// TestServiceDropsStrayCompletionAck: an ack for a session this side no
// longer tracks is silence, not a transfer-opening chunk. Answering it with
// a rejection would ping-pong against the peer's own ack forever.
func TestServiceDropsStrayCompletionAck(t *testing.T) {
	svc, rs, _ := testService(2, nil)

	msg := mustMarshal(t, protocol.Chunk{
		SessionID: 5, HasType: true, Type: protocol.TypeCompletionAck,
		Version: protocol.VersionTwo,
	})
	svc.HandleMessage(DirRead, msg)
	if len(rs.Msgs) != 0 {
		t.Fatalf("stray ack provoked a response: %v", rs.LastChunk())
	}
}

func TestServiceRejectsUnknownResource(t *testing.T) {
	svc, rs, _ := testService(2, nil)

	msg := mustMarshal(t, protocol.Chunk{
		SessionID: 1, HasType: true, Type: protocol.TypeStart,
		HasResourceID: true, ResourceID: 404,
		WindowEndOffset: 64, Version: protocol.VersionTwo,
	})
	svc.HandleMessage(DirRead, msg)
	got := rs.LastChunk()
	if got == nil || got.Type != protocol.TypeCompletion {
		t.Fatalf("reject answer = %v", got)
	}
	if !got.HasStatus || got.Status != protocol.StatusNotFound {
		t.Fatalf("reject status = %v, want NotFound", got.Status)
	}
}

func TestServiceRejectsWhenPoolFull(t *testing.T) {
	h := &MockHandler{Data: pattern(200)}
	svc, rs, _ := testService(1, map[uint32]Handler{1: h, 2: h})

	svc.HandleMessage(DirRead, mustMarshal(t, protocol.Chunk{
		SessionID: 1, HasType: true, Type: protocol.TypeStart,
		HasResourceID: true, ResourceID: 1,
		WindowEndOffset: 16, Version: protocol.VersionTwo,
	}))
	rs.Reset()

	svc.HandleMessage(DirRead, mustMarshal(t, protocol.Chunk{
		SessionID: 2, HasType: true, Type: protocol.TypeStart,
		HasResourceID: true, ResourceID: 2,
		WindowEndOffset: 16, Version: protocol.VersionTwo,
	}))
	got := rs.LastChunk()
	if got == nil || got.SessionID != 2 || got.Status != protocol.StatusResourceExhausted {
		t.Fatalf("reject answer = %+v", got)
	}
}

// TestServiceReadTransfer runs a download through the raw message entry
// point, opening chunk to completion ack.
func TestServiceReadTransfer(t *testing.T) {
	data := pattern(24)
	h := &MockHandler{Data: data}
	svc, rs, _ := testService(2, map[uint32]Handler{42: h})

	svc.HandleMessage(DirRead, mustMarshal(t, protocol.Chunk{
		SessionID: 1, HasType: true, Type: protocol.TypeStart,
		HasResourceID: true, ResourceID: 42,
		WindowEndOffset: 64, Version: protocol.VersionTwo,
	}))
	if len(rs.Chunks) != 2 {
		t.Fatalf("sent %d chunks, want 2", len(rs.Chunks))
	}
	var got []byte
	for _, c := range rs.Chunks {
		got = append(got, c.Payload...)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("reassembled %d bytes, want %d", len(got), len(data))
	}
	if !rs.Chunks[1].IsFinalTransmitChunk() {
		t.Fatal("last chunk not marked final")
	}

	svc.HandleMessage(DirRead, mustMarshal(t, protocol.Chunk{
		SessionID: 1, HasType: true, Type: protocol.TypeCompletion,
		HasStatus: true, Status: protocol.StatusOK, Version: protocol.VersionTwo,
	}))
	if len(h.Finalized) != 1 || h.Finalized[0] != protocol.StatusOK {
		t.Fatalf("finalized = %v", h.Finalized)
	}
	if ack := rs.LastChunk(); ack.Type != protocol.TypeCompletionAck {
		t.Fatalf("expected ack, got %v", ack.ResolvedType())
	}
}

// TestServiceLegacySessionAliasing: with no resource id on the wire, the
// session id names the resource.
func TestServiceLegacySessionAliasing(t *testing.T) {
	data := pattern(8)
	h := &MockHandler{Data: data}
	svc, rs, _ := testService(2, map[uint32]Handler{42: h})

	svc.HandleMessage(DirRead, mustMarshal(t, protocol.Chunk{
		SessionID: 42, WindowEndOffset: 64, Version: protocol.VersionLegacy,
	}))
	if len(rs.Chunks) != 1 {
		t.Fatalf("sent %d chunks, want 1", len(rs.Chunks))
	}
	got := rs.Chunks[0]
	if got.SessionID != 42 || !bytes.Equal(got.Payload, data) || got.HasType {
		t.Fatalf("legacy data chunk = %+v", got)
	}
	if !got.IsFinalTransmitChunk() {
		t.Fatal("chunk not marked final")
	}
}
