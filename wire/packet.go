// Package wire defines the bytes that cross the boundary between the two
// physical functions: the fixed 64-byte hardware packet, the request envelope
// and the software channel framing.
//
// Packet layout, all fields little-endian:
//
//	offset  size  field
//	0       4     type: low byte is the packet type, bit 31 is end-of-message
//	4       4     payload size in bytes
//	MSG_START:
//	8       8     correlation id
//	16      4     message flags
//	20      4     total message size
//	24      40    payload
//	MSG_BODY and TEST:
//	8       56    payload
package wire

import (
	"encoding/binary"
	"fmt"
)

// Packet geometry.
const (
	PacketWords = 16
	PacketSize  = PacketWords * 4

	StartPayloadCap = PacketSize - offStartPayload
	BodyPayloadCap  = PacketSize - offBodyPayload
)

const (
	offType         = 0
	offPayloadSize  = 4
	offID           = 8
	offFlags        = 16
	offMsgSize      = 20
	offStartPayload = 24
	offBodyPayload  = 8

	typeMask   = 0xff
	msgEndFlag = 1 << 31
)

// PacketType is the low byte of the first packet word.
type PacketType uint32

// Packet types. New types may be added; flags that a peer may safely ignore
// should go into the upper bits of the type word instead.
const (
	PacketInvalid PacketType = iota
	PacketTest
	PacketMsgStart
	PacketMsgBody
)

func (t PacketType) String() string {
	switch t {
	case PacketInvalid:
		return "invalid"
	case PacketTest:
		return "test"
	case PacketMsgStart:
		return "msg_start"
	case PacketMsgBody:
		return "msg_body"
	}

	return fmt.Sprintf("type(%d)", uint32(t))
}

// PayloadCap returns how many payload bytes a packet of the type can carry.
func (t PacketType) PayloadCap() int {
	switch t {
	case PacketMsgStart:
		return StartPayloadCap
	case PacketMsgBody, PacketTest:
		return BodyPayloadCap
	}

	return 0
}

func (t PacketType) payloadOffset() int {
	if t == PacketMsgStart {
		return offStartPayload
	}

	return offBodyPayload
}

// A Packet is the decoded form of one fixed-size hardware packet. ID, Flags
// and MsgSize are only meaningful for MSG_START packets.
type Packet struct {
	Type    PacketType
	EOM     bool
	ID      uint64
	Flags   uint32
	MsgSize uint32
	Payload []byte
}

// Valid tells if the packet carries anything.
func (p *Packet) Valid() bool {
	return p.Type != PacketInvalid
}

// Reset marks the packet as consumed.
func (p *Packet) Reset() {
	*p = Packet{}
}

// Marshal encodes the packet into its 64-byte wire form.
func (p *Packet) Marshal() ([PacketSize]byte, error) {
	var b [PacketSize]byte

	capacity := p.Type.PayloadCap()
	if capacity == 0 {
		return b, fmt.Errorf("%w: cannot encode %s packet", ErrProtocol, p.Type)
	}

	if len(p.Payload) > capacity {
		return b, fmt.Errorf("%w: %d bytes payload exceeds %s capacity %d",
			ErrSize, len(p.Payload), p.Type, capacity)
	}

	typeWord := uint32(p.Type) & typeMask
	if p.EOM {
		typeWord |= msgEndFlag
	}

	binary.LittleEndian.PutUint32(b[offType:], typeWord)
	binary.LittleEndian.PutUint32(b[offPayloadSize:], uint32(len(p.Payload)))

	if p.Type == PacketMsgStart {
		binary.LittleEndian.PutUint64(b[offID:], p.ID)
		binary.LittleEndian.PutUint32(b[offFlags:], p.Flags)
		binary.LittleEndian.PutUint32(b[offMsgSize:], p.MsgSize)
	}

	copy(b[p.Type.payloadOffset():], p.Payload)

	return b, nil
}

// Words encodes the packet as the 16 DWORDs pushed into the FIFO.
func (p *Packet) Words() ([PacketWords]uint32, error) {
	var w [PacketWords]uint32

	b, err := p.Marshal()
	if err != nil {
		return w, err
	}

	for i := range w {
		w[i] = binary.LittleEndian.Uint32(b[i*4:])
	}

	return w, nil
}

// UnmarshalPacket decodes a 64-byte packet. The payload is copied.
func UnmarshalPacket(b []byte) (Packet, error) {
	var p Packet

	if len(b) != PacketSize {
		return p, fmt.Errorf("%w: packet must be %d bytes, got %d",
			ErrSize, PacketSize, len(b))
	}

	typeWord := binary.LittleEndian.Uint32(b[offType:])
	p.Type = PacketType(typeWord & typeMask)
	p.EOM = typeWord&msgEndFlag != 0

	capacity := p.Type.PayloadCap()
	if capacity == 0 {
		return p, fmt.Errorf("%w: invalid packet type %d",
			ErrProtocol, uint32(p.Type))
	}

	size := binary.LittleEndian.Uint32(b[offPayloadSize:])
	if size > uint32(capacity) {
		return p, fmt.Errorf("%w: %s packet payload size %d exceeds %d",
			ErrProtocol, p.Type, size, capacity)
	}

	if p.Type == PacketMsgStart {
		p.ID = binary.LittleEndian.Uint64(b[offID:])
		p.Flags = binary.LittleEndian.Uint32(b[offFlags:])
		p.MsgSize = binary.LittleEndian.Uint32(b[offMsgSize:])
	}

	off := p.Type.payloadOffset()
	p.Payload = make([]byte, size)
	copy(p.Payload, b[off:off+int(size)])

	return p, nil
}

// PacketFromWords decodes the 16 DWORDs drained from the FIFO.
func PacketFromWords(w [PacketWords]uint32) (Packet, error) {
	var b [PacketSize]byte

	for i, word := range w {
		binary.LittleEndian.PutUint32(b[i*4:], word)
	}

	return UnmarshalPacket(b[:])
}
