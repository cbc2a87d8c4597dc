package mailbox

import (
	"fmt"

	"github.com/sarchlab/pfmailbox/wire"
)

// TestMessageSize bounds the test message exchanged with the peer.
const TestMessageSize = 128

// SetTestMessage stores a message the peer can read with
// ReadPeerTestMessage, and tells the peer it is ready.
func (m *Mailbox) SetTestMessage(msg []byte) error {
	if len(msg) > TestMessageSize {
		return fmt.Errorf("%w: test message of %d bytes exceeds %d",
			wire.ErrSize, len(msg), TestMessageSize)
	}

	m.testMu.Lock()
	m.testMsg = append([]byte(nil), msg...)
	m.testMu.Unlock()

	return m.PostNotify(wire.Request{Kind: wire.KindTestReady}.Marshal())
}

// ReadPeerTestMessage reads the test message the peer stored. The peer hands
// out each stored message once.
func (m *Mailbox) ReadPeerTestMessage() ([]byte, error) {
	resp := make([]byte, TestMessageSize)

	n, err := m.Request(wire.Request{Kind: wire.KindTestRead}.Marshal(), resp)
	if err != nil {
		return nil, err
	}

	return resp[:n], nil
}

func (m *Mailbox) answerTestRead(id uint64) {
	m.testMu.Lock()
	defer m.testMu.Unlock()

	if len(m.testMsg) == 0 {
		return
	}

	m.debugf("sending test msg to peer")

	err := m.PostResponse(wire.KindTestRead, id, m.testMsg)
	if err != nil {
		m.logf("sending test msg to peer failed: %v", err)
		return
	}

	m.testMsg = nil
}

// SendTestPacket sends a single raw TEST packet through the FIFO the next
// time the TX channel is idle.
func (m *Mailbox) SendTestPacket(payload []byte) error {
	if m.hw == nil {
		return fmt.Errorf("%w: %s has no register block",
			wire.ErrTransport, m.name)
	}

	if len(payload) > wire.BodyPayloadCap {
		return fmt.Errorf("%w: test packet of %d bytes exceeds %d",
			wire.ErrSize, len(payload), wire.BodyPayloadCap)
	}

	m.testMu.Lock()
	m.testPkt = &wire.Packet{
		Type:    wire.PacketTest,
		Payload: append([]byte(nil), payload...),
	}
	m.testMu.Unlock()

	m.tx.kick()

	return nil
}

// TestPacket returns the payload of the last TEST packet received.
func (m *Mailbox) TestPacket() []byte {
	m.testMu.Lock()
	defer m.testMu.Unlock()

	return append([]byte(nil), m.lastTestPkt...)
}

func (m *Mailbox) hasTestPacket() bool {
	m.testMu.Lock()
	defer m.testMu.Unlock()

	return m.testPkt != nil
}

func (m *Mailbox) takeTestPacket() (wire.Packet, bool) {
	m.testMu.Lock()
	defer m.testMu.Unlock()

	if m.testPkt == nil {
		return wire.Packet{}, false
	}

	p := *m.testPkt
	m.testPkt = nil

	return p, true
}

func (m *Mailbox) storeTestPacket(p wire.Packet) {
	m.testMu.Lock()
	m.lastTestPkt = append([]byte(nil), p.Payload...)
	m.testMu.Unlock()
}
