package mailbox

import (
	"github.com/sarchlab/pfmailbox/wire"
)

// txStep moves the TX channel forward by at most one packet or one whole
// software message. It reports whether anything happened.
func (c *Channel) txStep() bool {
	progressed := false

	if c.cur != nil && c.curSent() {
		c.finishTx()
		progressed = true
	}

	if c.cur == nil {
		if m := c.dequeueHead(); m != nil {
			m.timerOn = true
			c.startCur(m)
		}
	}

	if !c.txReady() {
		return progressed
	}

	switch {
	case c.cur == nil:
		return c.sendTestPacket() || progressed
	case c.cur.Software:
		return c.swTx() || progressed
	default:
		return c.hwTx() || progressed
	}
}

// txReady holds only when both the software slot is free and the hardware
// FIFO has room, which keeps messages leaving in queue order whichever
// transport carries them.
func (c *Channel) txReady() bool {
	if _, pending := c.slot.Pending(); pending {
		return false
	}

	hw := c.mbx.hw

	return hw == nil || hw.TxReady()
}

func (c *Channel) curSent() bool {
	if c.cur.Software {
		if !c.swInFlight {
			return false
		}

		h, pending := c.slot.Pending()

		return !pending || h.ID != c.cur.ID
	}

	return c.pktsSent > 0 && c.bytesDone == c.cur.n
}

func (c *Channel) finishTx() {
	m := c.cur

	if m.Flags&wire.FlagRequest != 0 {
		c.mbx.rx.armTimer(m.ID)
	}

	c.curDone(nil)
}

func (c *Channel) swTx() bool {
	if c.swInFlight {
		return false
	}

	m := c.cur
	h := wire.SwHeader{ID: m.ID, Flags: m.Flags}
	if !c.slot.TryPut(h, m.Data()) {
		return false
	}

	c.swInFlight = true
	c.mbx.debugf("%s placed msg id=%#x on software channel", c.name, m.ID)

	return true
}

func (c *Channel) hwTx() bool {
	hw := c.mbx.hw
	m := c.cur

	p, n := wire.NextPacket(m.ID, m.Flags, m.Data(), c.bytesDone,
		hw.MaxPayload())

	if err := hw.SendPacket(p); err != nil {
		c.mbx.logf("%s: %v", c.name, err)
		c.curDone(err)

		return true
	}

	c.mbx.metrics.packetsSent.Add(1)
	c.bytesDone += n
	c.pktsSent++
	c.resetProgressTTL()

	if c.curSent() {
		c.finishTx()
	}

	return true
}

func (c *Channel) sendTestPacket() bool {
	if c.mbx.hw == nil {
		return false
	}

	p, ok := c.mbx.takeTestPacket()
	if !ok {
		return false
	}

	if err := c.mbx.hw.SendPacket(p); err != nil {
		c.mbx.logf("%s: failed to send test packet: %v", c.name, err)
		return false
	}

	c.mbx.metrics.packetsSent.Add(1)

	return true
}
