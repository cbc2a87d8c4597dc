package wire

import "fmt"

// NextPacket builds the packet that carries data[done:] onward. The first
// packet of a message (done == 0) is a MSG_START, the rest are MSG_BODY. Each
// packet carries min(maxPayload, type capacity) bytes, and the one that
// reaches the end of data is flagged end-of-message. It returns the packet and
// the number of payload bytes it carries.
func NextPacket(
	id uint64,
	flags uint32,
	data []byte,
	done int,
	maxPayload int,
) (Packet, int) {
	p := Packet{Type: PacketMsgBody}
	if done == 0 {
		p = Packet{
			Type:    PacketMsgStart,
			ID:      id,
			Flags:   flags,
			MsgSize: uint32(len(data)),
		}
	}

	cnt := p.Type.PayloadCap()
	if maxPayload > 0 && maxPayload < cnt {
		cnt = maxPayload
	}

	remaining := len(data) - done
	if cnt >= remaining {
		cnt = remaining
		p.EOM = true
	}

	p.Payload = data[done : done+cnt]

	return p, cnt
}

// Fragment splits a whole message into the minimal sequence of packets.
func Fragment(id uint64, flags uint32, data []byte, maxPayload int) []Packet {
	var pkts []Packet

	done := 0
	for {
		p, n := NextPacket(id, flags, data, done, maxPayload)
		pkts = append(pkts, p)
		done += n

		if p.EOM {
			return pkts
		}
	}
}

// CopyPayload appends the payload of p to a message buffer that already holds
// done bytes out of size. It refuses payloads that would overrun the message.
func CopyPayload(buf []byte, size, done int, p Packet) (int, error) {
	cnt := len(p.Payload)
	if cnt > size-done {
		return done, fmt.Errorf(
			"%w: packet of %d bytes overruns message (%d of %d done)",
			ErrProtocol, cnt, done, size)
	}

	copy(buf[done:], p.Payload)

	return done + cnt, nil
}

// Reassemble joins a complete packet sequence back into a message.
func Reassemble(pkts []Packet) (id uint64, flags uint32, data []byte, err error) {
	if len(pkts) == 0 || pkts[0].Type != PacketMsgStart {
		return 0, 0, nil, fmt.Errorf("%w: message must begin with msg_start",
			ErrProtocol)
	}

	start := pkts[0]
	data = make([]byte, start.MsgSize)
	done := 0

	for i, p := range pkts {
		if i > 0 && p.Type != PacketMsgBody {
			return 0, 0, nil, fmt.Errorf("%w: unexpected %s packet at %d",
				ErrProtocol, p.Type, i)
		}

		done, err = CopyPayload(data, len(data), done, p)
		if err != nil {
			return 0, 0, nil, err
		}

		if p.EOM != (i == len(pkts)-1) {
			return 0, 0, nil, fmt.Errorf("%w: misplaced end-of-message at %d",
				ErrProtocol, i)
		}
	}

	if done != len(data) {
		return 0, 0, nil, fmt.Errorf("%w: message truncated, %d of %d bytes",
			ErrProtocol, done, len(data))
	}

	return start.ID, start.Flags, data, nil
}
