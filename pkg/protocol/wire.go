package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire encoding: a flat stream of tagged fields, one field per iteration.
// Each field starts with a varint key (tag<<3 | wire type); scalars are
// varints, Payload is length-delimited. Unknown tags are skipped so newer
// peers can add fields without breaking older ones.
//
// Tag numbers are wire-stable and must not be renumbered. PendingBytes is
// the legacy predecessor of WindowEndOffset: legacy peers send the credit
// remaining past Offset instead of an absolute end offset, and each side
// synthesizes the field the other understands.
const (
	tagSessionID       = 1
	tagPendingBytes    = 2 // legacy only
	tagMaxChunkSize    = 3
	tagMinDelayMicros  = 4
	tagOffset          = 5
	tagData            = 6
	tagRemainingBytes  = 7
	tagStatus          = 8
	tagWindowEndOffset = 9
	tagType            = 10
	tagResourceID      = 11 // presence marks VersionTwo
)

const (
	wireVarint  = 0
	wireFixed64 = 1
	wireBytes   = 2
	wireFixed32 = 5
)

var (
	// ErrMalformed indicates a truncated varint or length prefix. Running
	// out of input between fields is not malformed; it is the normal end of
	// a message.
	ErrMalformed = errors.New("malformed chunk")
	// ErrBufferTooSmall indicates the destination buffer cannot hold the
	// serialized chunk. The destination is left untouched.
	ErrBufferTooSmall = errors.New("encode buffer too small")
	// ErrSessionIDMissing indicates the field stream ended before a session
	// id field appeared.
	ErrSessionIDMissing = errors.New("chunk has no session id")
	// ErrUnknownVersion indicates an attempt to encode a chunk whose
	// protocol version could not be determined.
	ErrUnknownVersion = errors.New("chunk protocol version unknown")
)

// readKey decodes the field key at msg[i:]. A clean end of input (i ==
// len(msg)) is reported via ok=false with no error.
func readKey(msg []byte, i int) (tag uint64, wt uint64, next int, ok bool, err error) {
	if i >= len(msg) {
		return 0, 0, i, false, nil
	}
	key, n, err := readUvarint(msg, i)
	if err != nil {
		return 0, 0, i, false, err
	}
	return key >> 3, key & 7, n, true, nil
}

func readUvarint(msg []byte, i int) (uint64, int, error) {
	v, n := binary.Uvarint(msg[i:])
	if n <= 0 {
		return 0, i, fmt.Errorf("%w: truncated varint at byte %d", ErrMalformed, i)
	}
	return v, i + n, nil
}

// readField consumes one field body of the given wire type, returning the
// scalar value (varint fields) or the byte span (length-delimited fields).
func readField(msg []byte, i int, wt uint64) (val uint64, span []byte, next int, err error) {
	switch wt {
	case wireVarint:
		val, next, err = readUvarint(msg, i)
		return val, nil, next, err
	case wireBytes:
		length, j, err := readUvarint(msg, i)
		if err != nil {
			return 0, nil, i, err
		}
		if length > uint64(len(msg)-j) {
			return 0, nil, i, fmt.Errorf("%w: field length %d exceeds input", ErrMalformed, length)
		}
		return 0, msg[j : j+int(length)], j + int(length), nil
	case wireFixed64:
		if len(msg)-i < 8 {
			return 0, nil, i, fmt.Errorf("%w: truncated fixed64", ErrMalformed)
		}
		return binary.LittleEndian.Uint64(msg[i:]), nil, i + 8, nil
	case wireFixed32:
		if len(msg)-i < 4 {
			return 0, nil, i, fmt.Errorf("%w: truncated fixed32", ErrMalformed)
		}
		return uint64(binary.LittleEndian.Uint32(msg[i:])), nil, i + 4, nil
	}
	return 0, nil, i, fmt.Errorf("%w: unsupported wire type %d", ErrMalformed, wt)
}

// Parse decodes one message into a Chunk. Later occurrences of a field
// overwrite earlier ones; an explicit WindowEndOffset always wins over the
// legacy PendingBytes field, which only back-fills the window when the
// explicit field is absent. The returned Chunk's Payload aliases msg.
func Parse(msg []byte) (Chunk, error) {
	var c Chunk
	var pending uint64
	sawPending := false
	sawWindowEnd := false

	i := 0
	for {
		tag, wt, next, ok, err := readKey(msg, i)
		if err != nil {
			return Chunk{}, err
		}
		if !ok {
			break
		}
		val, span, next, err := readField(msg, next, wt)
		if err != nil {
			return Chunk{}, err
		}
		i = next

		switch tag {
		case tagSessionID:
			c.SessionID = uint32(val)
		case tagPendingBytes:
			pending = val
			sawPending = true
		case tagMaxChunkSize:
			c.MaxChunkSizeBytes = uint32(val)
		case tagMinDelayMicros:
			c.MinDelayMicros = uint32(val)
		case tagOffset:
			c.Offset = uint32(val)
		case tagData:
			c.Payload = span
		case tagRemainingBytes:
			c.RemainingBytes = val
			c.HasRemainingBytes = true
		case tagStatus:
			c.Status = Status(val)
			c.HasStatus = true
		case tagWindowEndOffset:
			c.WindowEndOffset = uint32(val)
			sawWindowEnd = true
		case tagType:
			c.Type = ChunkType(val)
			c.HasType = true
		case tagResourceID:
			c.ResourceID = uint32(val)
			c.HasResourceID = true
		default:
			// Unknown field: already consumed, skip.
		}
	}

	if sawPending && !sawWindowEnd {
		c.WindowEndOffset = c.Offset + uint32(pending)
	}
	if c.HasResourceID {
		c.Version = VersionTwo
	} else {
		c.Version = VersionLegacy
	}
	return c, nil
}

// ExtractSessionID partially decodes a message, stopping at the first
// session id field. It is the cheap dispatch key used to route a message to
// its session before the full parse.
func ExtractSessionID(msg []byte) (uint32, error) {
	i := 0
	for {
		tag, wt, next, ok, err := readKey(msg, i)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, ErrSessionIDMissing
		}
		val, _, next, err := readField(msg, next, wt)
		if err != nil {
			return 0, err
		}
		if tag == tagSessionID {
			return uint32(val), nil
		}
		i = next
	}
}

// legacyFields reports whether the chunk must carry the legacy PendingBytes
// field. The very first chunk of a transfer is sent before the peer's
// generation is known, so it carries both the legacy and current fields.
func (c *Chunk) legacyFields() bool {
	return c.Version == VersionLegacy || (c.HasType && c.Type == TypeStart)
}

// fields returns the serialized field list, in tag order. Zero-valued
// optional fields are omitted, which keeps control chunks minimal.
func (c *Chunk) fields() []wireField {
	fs := make([]wireField, 0, 11)
	fs = append(fs, wireField{tag: tagSessionID, val: uint64(c.SessionID)})
	if c.legacyFields() && c.WindowEndOffset > c.Offset {
		fs = append(fs, wireField{tag: tagPendingBytes, val: uint64(c.WindowEndOffset - c.Offset)})
	}
	if c.MaxChunkSizeBytes != 0 {
		fs = append(fs, wireField{tag: tagMaxChunkSize, val: uint64(c.MaxChunkSizeBytes)})
	}
	if c.MinDelayMicros != 0 {
		fs = append(fs, wireField{tag: tagMinDelayMicros, val: uint64(c.MinDelayMicros)})
	}
	if c.Offset != 0 {
		fs = append(fs, wireField{tag: tagOffset, val: uint64(c.Offset)})
	}
	if len(c.Payload) > 0 {
		fs = append(fs, wireField{tag: tagData, span: c.Payload})
	}
	if c.HasRemainingBytes {
		fs = append(fs, wireField{tag: tagRemainingBytes, val: c.RemainingBytes})
	}
	if c.HasStatus {
		fs = append(fs, wireField{tag: tagStatus, val: uint64(c.Status)})
	}
	if c.WindowEndOffset != 0 {
		fs = append(fs, wireField{tag: tagWindowEndOffset, val: uint64(c.WindowEndOffset)})
	}
	if c.HasType {
		fs = append(fs, wireField{tag: tagType, val: uint64(c.Type)})
	}
	if c.Version == VersionTwo && c.HasResourceID {
		fs = append(fs, wireField{tag: tagResourceID, val: uint64(c.ResourceID)})
	}
	return fs
}

type wireField struct {
	tag  uint64
	val  uint64
	span []byte
}

func (f wireField) wireType() uint64 {
	if f.span != nil {
		return wireBytes
	}
	return wireVarint
}

func (f wireField) size() int {
	n := uvarintLen(f.tag<<3 | f.wireType())
	if f.span != nil {
		return n + uvarintLen(uint64(len(f.span))) + len(f.span)
	}
	return n + uvarintLen(f.val)
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// EncodedSize returns the exact number of bytes MarshalTo will write.
func (c *Chunk) EncodedSize() int {
	n := 0
	for _, f := range c.fields() {
		n += f.size()
	}
	return n
}

// MarshalTo serializes the chunk into buf and returns the written prefix.
// The write is all-or-nothing: if buf is too small, ErrBufferTooSmall is
// returned and buf is not modified.
func (c *Chunk) MarshalTo(buf []byte) ([]byte, error) {
	if c.Version == VersionUnknown {
		return nil, ErrUnknownVersion
	}
	fs := c.fields()
	size := 0
	for _, f := range fs {
		size += f.size()
	}
	if size > len(buf) {
		return nil, ErrBufferTooSmall
	}
	i := 0
	for _, f := range fs {
		i += binary.PutUvarint(buf[i:], f.tag<<3|f.wireType())
		if f.span != nil {
			i += binary.PutUvarint(buf[i:], uint64(len(f.span)))
			i += copy(buf[i:], f.span)
		} else {
			i += binary.PutUvarint(buf[i:], f.val)
		}
	}
	return buf[:i], nil
}

// Marshal serializes the chunk into a freshly allocated buffer.
func (c *Chunk) Marshal() ([]byte, error) {
	if c.Version == VersionUnknown {
		return nil, ErrUnknownVersion
	}
	buf := make([]byte, c.EncodedSize())
	return c.MarshalTo(buf)
}
