// Package protocol defines the chunk wire format for chunkflow's windowed,
// resumable bulk-data transfer protocol. A transfer is a sequence of chunks
// exchanged over a pre-established pair of message streams; the chunk codec
// serves two wire-compatible protocol generations at once, distinguished by
// which optional fields are present rather than by a version number field.
package protocol

// ChunkType classifies a chunk. It is carried explicitly on the wire only by
// the current protocol generation; legacy peers omit it and the type is
// inferred from the other fields.
type ChunkType uint32

const (
	// TypeData carries transferred payload bytes at Offset.
	TypeData ChunkType = 0
	// TypeStart is the first chunk of a transfer.
	TypeStart ChunkType = 1
	// TypeParametersRetransmit asks the transmitter to (re)send from Offset.
	TypeParametersRetransmit ChunkType = 2
	// TypeParametersContinue extends the transmit window without rewinding.
	TypeParametersContinue ChunkType = 3
	// TypeCompletion terminates the transfer with a Status.
	TypeCompletion ChunkType = 4
	// TypeCompletionAck confirms receipt of a Completion chunk.
	TypeCompletionAck ChunkType = 5
)

func (t ChunkType) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeStart:
		return "start"
	case TypeParametersRetransmit:
		return "parameters_retransmit"
	case TypeParametersContinue:
		return "parameters_continue"
	case TypeCompletion:
		return "completion"
	case TypeCompletionAck:
		return "completion_ack"
	}
	return "invalid"
}

// Version identifies a protocol generation. It is never carried on the wire
// as its own field; it is derived from field presence (a chunk carrying a
// resource id is VersionTwo, a chunk without one is VersionLegacy).
type Version uint8

const (
	VersionUnknown Version = iota
	VersionLegacy
	VersionTwo
)

func (v Version) String() string {
	switch v {
	case VersionLegacy:
		return "legacy"
	case VersionTwo:
		return "v2"
	}
	return "unknown"
}

// Chunk is one protocol message, in either direction. A Chunk is built once,
// either by session logic (outbound) or by Parse (inbound), and read-only
// afterwards. Payload borrows from the decode buffer and must not be retained
// past the message's lifetime.
type Chunk struct {
	// SessionID identifies the transfer attempt. Present in both protocol
	// generations; under the legacy protocol it doubles as the resource id.
	SessionID uint32

	// ResourceID identifies what is being transferred, independent of the
	// session. Its presence on the wire is what marks a chunk as VersionTwo.
	ResourceID    uint32
	HasResourceID bool

	// Type is the explicit chunk type. Legacy chunks may omit it; use
	// ResolvedType for the inferred value.
	Type    ChunkType
	HasType bool

	// WindowEndOffset is the byte offset up to which the transmitter may
	// send without further permission.
	WindowEndOffset uint32

	// Offset is the position of Payload within the transferred stream.
	Offset uint32

	// Payload is the transferred byte span; empty for control-only chunks.
	Payload []byte

	// MaxChunkSizeBytes and MinDelayMicros are transmitter-facing pacing
	// parameters, carried on handshake and parameters chunks. Zero means
	// unset.
	MaxChunkSizeBytes uint32
	MinDelayMicros    uint32

	// RemainingBytes is set by the transmitter; zero (when present) marks
	// the transmitter's final chunk of the transfer.
	RemainingBytes    uint64
	HasRemainingBytes bool

	// Status is present only on a terminal chunk.
	Status    Status
	HasStatus bool

	// Version is derived during Parse and must be set before encoding.
	Version Version
}

// ResolvedType returns the explicit chunk type when present. For legacy
// chunks without one, the type is inferred: a chunk at offset zero with no
// payload and no status opens a transfer, a chunk with payload carries data,
// and anything else is a retransmit request.
func (c *Chunk) ResolvedType() ChunkType {
	if c.HasType {
		return c.Type
	}
	if c.Offset == 0 && len(c.Payload) == 0 && !c.HasStatus {
		return TypeStart
	}
	if len(c.Payload) > 0 {
		return TypeData
	}
	return TypeParametersRetransmit
}

// RequestsTransmissionFromOffset reports whether this chunk asks the
// transmitter to (re)send starting at Offset, as opposed to simply
// acknowledging. Legacy chunks without an explicit type always do.
func (c *Chunk) RequestsTransmissionFromOffset() bool {
	if !c.HasType {
		return true
	}
	return c.Type == TypeStart || c.Type == TypeParametersRetransmit
}

// IsInitialChunk reports whether this chunk opens a transfer. An explicit
// type is authoritative; the offset/payload/status heuristic applies only to
// legacy chunks that carry no type at all.
func (c *Chunk) IsInitialChunk() bool {
	if c.HasType {
		return c.Type == TypeStart
	}
	return c.Offset == 0 && len(c.Payload) == 0 && !c.HasStatus
}

// IsFinalTransmitChunk reports whether the transmitter has no bytes left to
// send after this chunk. Orthogonal to Status, which marks the whole
// transfer as finished.
func (c *Chunk) IsFinalTransmitChunk() bool {
	return c.HasRemainingBytes && c.RemainingBytes == 0
}
