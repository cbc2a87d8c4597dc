package mailbox

import (
	"github.com/sarchlab/pfmailbox/wire"
)

func (m *Mailbox) queueIncoming(msg *Message) {
	m.inMu.Lock()

	if m.inSize+msg.n >= MaxIncomingQueueSize ||
		len(m.incoming) >= MaxIncomingQueueLen {
		m.inMu.Unlock()
		m.metrics.incomingDropped.Add(1)
		m.logf("incoming queue is full, dropping request id=%#x", msg.ID)

		return
	}

	m.incoming = append(m.incoming, msg)
	m.inSize += msg.n
	m.inMu.Unlock()

	select {
	case m.listenSignal <- struct{}{}:
	default:
	}
}

func (m *Mailbox) popIncoming() *Message {
	m.inMu.Lock()
	defer m.inMu.Unlock()

	if len(m.incoming) == 0 {
		return nil
	}

	msg := m.incoming[0]
	m.incoming[0] = nil
	m.incoming = m.incoming[1:]
	m.inSize -= msg.n

	return msg
}

func (m *Mailbox) incomingQueued() int {
	m.inMu.Lock()
	defer m.inMu.Unlock()

	return len(m.incoming)
}

func (m *Mailbox) listen(stop <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)

	for {
		select {
		case <-stop:
			for m.popIncoming() != nil {
			}

			m.logf("channel is closed, no listen to peer")

			return
		case <-m.listenSignal:
		}

		for msg := m.popIncoming(); msg != nil; msg = m.popIncoming() {
			m.processRequest(msg)
		}
	}
}

func (m *Mailbox) processRequest(msg *Message) {
	const recvstr = "received request from peer"

	req, err := wire.UnmarshalRequest(msg.Data())
	if err != nil {
		m.logf("%s id=%#x is malformed: %v", recvstr, msg.ID, err)
		return
	}

	if req.Kind >= wire.KindMax {
		m.logf("%s: unknown kind %d, dropped", recvstr, uint32(req.Kind))
		return
	}

	m.metrics.requestsReceived[req.Kind].Add(1)

	if m.kindDisabled(req.Kind) {
		m.logf("req %s is received on disabled channel", req.Kind)
		return
	}

	switch req.Kind {
	case wire.KindTestRead:
		m.debugf("%s: %s", recvstr, req.Kind)
		m.answerTestRead(msg.ID)
	case wire.KindTestReady:
		m.logf("%s: %s", recvstr, req.Kind)
	default:
		cb := m.listener()
		if cb == nil {
			m.logf("%s: %s, dropped", recvstr, req.Kind)
			return
		}

		m.debugf("%s: %s, passed on", recvstr, req.Kind)
		cb(msg.Data(), msg.ID, msg.Software)
	}
}
