package wire

import (
	"encoding/binary"
	"fmt"
)

// SwHeaderSize is the size of the header that precedes every message crossing
// the software channel pseudo-device:
//
//	offset  size  field
//	0       8     correlation id
//	8       8     payload size
//	16      4     message flags
//	20      4     reserved, zero
const SwHeaderSize = 24

// SwHeader describes one software channel message.
type SwHeader struct {
	ID    uint64
	Size  uint64
	Flags uint32
}

// Put encodes the header into the first SwHeaderSize bytes of b.
func (h SwHeader) Put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], h.ID)
	binary.LittleEndian.PutUint64(b[8:], h.Size)
	binary.LittleEndian.PutUint32(b[16:], h.Flags)
	binary.LittleEndian.PutUint32(b[20:], 0)
}

// ParseSwHeader decodes a software channel header. A header with a zero ID or
// a zero size is malformed.
func ParseSwHeader(b []byte) (SwHeader, error) {
	if len(b) < SwHeaderSize {
		return SwHeader{}, fmt.Errorf("%w: %d bytes cannot hold a header",
			ErrSize, len(b))
	}

	h := SwHeader{
		ID:    binary.LittleEndian.Uint64(b[0:]),
		Size:  binary.LittleEndian.Uint64(b[8:]),
		Flags: binary.LittleEndian.Uint32(b[16:]),
	}

	if h.ID == 0 || h.Size == 0 {
		return h, fmt.Errorf("%w: malformed software channel header "+
			"(id %#x, size %d)", ErrTransport, h.ID, h.Size)
	}

	return h, nil
}

// MarshalSwMessage frames a whole message.
func MarshalSwMessage(h SwHeader, payload []byte) []byte {
	h.Size = uint64(len(payload))
	b := make([]byte, SwHeaderSize+len(payload))
	h.Put(b)
	copy(b[SwHeaderSize:], payload)

	return b
}

// UnmarshalSwMessage parses a whole framed message. The payload aliases b.
func UnmarshalSwMessage(b []byte) (SwHeader, []byte, error) {
	h, err := ParseSwHeader(b)
	if err != nil {
		return h, nil, err
	}

	if uint64(len(b)-SwHeaderSize) < h.Size {
		return h, nil, fmt.Errorf("%w: header announces %d bytes, got %d",
			ErrSize, h.Size, len(b)-SwHeaderSize)
	}

	return h, b[SwHeaderSize : SwHeaderSize+int(h.Size)], nil
}
