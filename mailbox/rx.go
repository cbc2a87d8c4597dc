package mailbox

import (
	"fmt"

	"github.com/sarchlab/pfmailbox/wire"
)

// rxStep takes in at most one whole software message and one hardware
// packet. It reports whether anything was received.
func (c *Channel) rxStep() bool {
	progressed := c.swRx()

	if c.hwRx() {
		progressed = true
	}

	return progressed
}

func (c *Channel) swRx() bool {
	// A partially received hardware message goes first.
	if c.cur != nil {
		return false
	}

	h, payload, ok := c.slot.TryTake()
	if !ok {
		return false
	}

	if h.Flags&wire.FlagResponse != 0 {
		c.completeResponse(h.ID, payload)
		return true
	}

	if h.Flags&wire.FlagRequest == 0 {
		c.mbx.logf("%s: %v", c.name, fmt.Errorf(
			"%w: software msg id=%#x is neither request nor response",
			wire.ErrProtocol, h.ID))
		return true
	}

	if len(payload) > c.mbx.maxMsgSize {
		c.mbx.logf("%s: dropping software msg id=%#x of %d bytes",
			c.name, h.ID, len(payload))
		return true
	}

	m := newIncoming(h.ID, h.Flags, len(payload), true)
	m.ch = c
	copy(m.buf, payload)
	m.Kind = wire.KindOf(m.buf)
	c.msgDone(m, nil)

	return true
}

func (c *Channel) completeResponse(id uint64, payload []byte) {
	m := c.dequeueID(id)
	if m == nil {
		c.mbx.debugf("%s: dropping response id=%#x, nobody is waiting",
			c.name, id)
		return
	}

	if len(payload) > len(m.buf) {
		c.msgDone(m, fmt.Errorf("%w: %s: response %#x of %d bytes, "+
			"buffer holds %d", wire.ErrSize, c.name, id, len(payload),
			len(m.buf)))
		return
	}

	m.n = copy(m.buf, payload)
	m.Software = true
	c.msgDone(m, nil)
}

func (c *Channel) hwRx() bool {
	hw := c.mbx.hw
	if hw == nil || c.mbx.guard.isTripped() {
		return false
	}

	if !hw.RxReady(c.testBit(bitPollMode)) {
		return false
	}

	p, err := hw.RecvPacket()
	if err != nil {
		c.mbx.logf("%s: %v", c.name, err)

		if c.cur == nil {
			return false
		}

		// The rest of the message is dropped up to the next start.
		c.curDone(err)
		c.sinking = true

		return true
	}

	c.mbx.metrics.packetsReceived.Add(1)
	c.mbx.metrics.rawBytesReceived.Add(wire.PacketSize)

	if !c.mbx.guard.account(wire.PacketSize, c.mbx.logf) {
		c.mbx.logf("%s: unexpected high recv packet rate, hardware "+
			"receive is stopped", c.name)
	}

	switch p.Type {
	case wire.PacketTest:
		c.mbx.storeTestPacket(p)
		return true
	case wire.PacketMsgStart:
		c.rxStart(p)
	case wire.PacketMsgBody:
		if c.sinking {
			c.sinking = !p.EOM
			return true
		}

		if c.cur == nil {
			c.mbx.logf("%s: %v", c.name, fmt.Errorf(
				"%w: unexpected msg body packet", wire.ErrProtocol))
			return true
		}
	}

	if c.cur == nil {
		return true
	}

	c.rxPayload(p)

	return true
}

func (c *Channel) rxStart(p wire.Packet) {
	if c.cur != nil {
		c.mbx.logf("%s: received partial msg id=%#x", c.name, c.cur.ID)
		c.curDone(fmt.Errorf("%w: %s: msg %#x interrupted by msg %#x",
			wire.ErrProtocol, c.name, c.cur.ID, p.ID))
	}

	c.sinking = false
	size := int(p.MsgSize)

	if p.Flags&wire.FlagResponse != 0 {
		m := c.dequeueID(p.ID)

		switch {
		case m == nil:
			c.mbx.debugf("%s: dropping response id=%#x, nobody is waiting",
				c.name, p.ID)
			c.sinking = !p.EOM
		case size > len(m.buf):
			c.mbx.logf("%s: received msg is too big, id=%#x", c.name, p.ID)
			c.msgDone(m, fmt.Errorf("%w: %s: response %#x of %d bytes, "+
				"buffer holds %d", wire.ErrSize, c.name, p.ID, size,
				len(m.buf)))
			c.sinking = !p.EOM
		default:
			m.n = size
			m.Software = false
			c.startCur(m)
		}

		return
	}

	if p.Flags&wire.FlagRequest == 0 {
		c.mbx.logf("%s: %v", c.name, fmt.Errorf(
			"%w: msg id=%#x is neither request nor response",
			wire.ErrProtocol, p.ID))
		c.sinking = !p.EOM

		return
	}

	if size > c.mbx.maxMsgSize {
		c.mbx.logf("%s: dropping msg id=%#x of %d bytes", c.name, p.ID, size)
		c.sinking = !p.EOM

		return
	}

	m := newIncoming(p.ID, p.Flags, size, false)
	m.ch = c
	m.ttl = c.mbx.progressTicks
	m.timerOn = true
	c.startCur(m)
}

func (c *Channel) rxPayload(p wire.Packet) {
	m := c.cur

	done, err := wire.CopyPayload(m.buf, m.n, c.bytesDone, p)
	c.bytesDone = done
	c.resetProgressTTL()

	if err == nil && p.EOM && done != m.n {
		err = fmt.Errorf("%w: msg %#x ended after %d of %d bytes",
			wire.ErrProtocol, m.ID, done, m.n)
	}

	if err != nil {
		c.mbx.logf("%s: %v", c.name, err)
		c.curDone(err)

		return
	}

	if p.EOM {
		if m.incoming {
			m.Kind = wire.KindOf(m.buf)
		}

		c.curDone(nil)
	}
}
