package mailbox

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarchlab/pfmailbox/wire"
)

// recvGuardWindow is how many raw bytes are received between two rate
// measurements.
const recvGuardWindow = 0x8000 * 4

type metrics struct {
	rawBytesReceived atomic.Uint64
	packetsSent      atomic.Uint64
	packetsReceived  atomic.Uint64
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	timeouts         atomic.Uint64
	incomingDropped  atomic.Uint64
	requestsReceived [wire.KindMax]atomic.Uint64
}

// Metrics is a snapshot of the counters of a mailbox.
type Metrics struct {
	RawBytesReceived uint64            `json:"raw_bytes_received"`
	PacketsSent      uint64            `json:"packets_sent"`
	PacketsReceived  uint64            `json:"packets_received"`
	MessagesSent     uint64            `json:"messages_sent"`
	MessagesReceived uint64            `json:"messages_received"`
	Timeouts         uint64            `json:"timeouts"`
	IncomingDropped  uint64            `json:"incoming_dropped"`
	RequestsReceived map[string]uint64 `json:"requests_received"`
	LastRecvRate     uint64            `json:"last_recv_rate"`
	RecvGuardTripped bool              `json:"recv_guard_tripped"`
}

// Metrics returns the current counters.
func (m *Mailbox) Metrics() Metrics {
	s := Metrics{
		RawBytesReceived: m.metrics.rawBytesReceived.Load(),
		PacketsSent:      m.metrics.packetsSent.Load(),
		PacketsReceived:  m.metrics.packetsReceived.Load(),
		MessagesSent:     m.metrics.messagesSent.Load(),
		MessagesReceived: m.metrics.messagesReceived.Load(),
		Timeouts:         m.metrics.timeouts.Load(),
		IncomingDropped:  m.metrics.incomingDropped.Load(),
		RequestsReceived: make(map[string]uint64),
		LastRecvRate:     m.guard.lastRate.Load(),
		RecvGuardTripped: m.guard.isTripped(),
	}

	for k := range m.metrics.requestsReceived {
		n := m.metrics.requestsReceived[k].Load()
		if n > 0 {
			s.RequestsReceived[wire.RequestKind(k).String()] = n
		}
	}

	return s
}

// recvGuard stops hardware receive when the peer floods the FIFO.
type recvGuard struct {
	limit int

	mu          sync.Mutex
	windowStart time.Time
	inWindow    int
	lastRate    atomic.Uint64
	tripped     atomic.Bool
}

// account adds n received bytes to the current window. It returns false if
// the rate measured at the end of the window tripped the guard.
func (g *recvGuard) account(n int, logf func(string, ...any)) bool {
	if g.limit <= 0 {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if g.inWindow == 0 {
		g.windowStart = now
	}

	g.inWindow += n
	if g.inWindow < recvGuardWindow {
		return true
	}

	elapsed := now.Sub(g.windowStart)
	if elapsed < time.Millisecond {
		elapsed = time.Millisecond
	}

	rate := uint64(float64(g.inWindow) / elapsed.Seconds())
	g.inWindow = 0
	g.lastRate.Store(rate)

	if rate > uint64(g.limit) {
		logf("seeing unexpected high recv packet rate: %d B/s", rate)
		g.tripped.Store(true)

		return false
	}

	logf("recv packet rate: %d B/s", rate)

	return true
}

func (g *recvGuard) isTripped() bool {
	return g.tripped.Load()
}

func (g *recvGuard) reset() {
	g.mu.Lock()
	g.inWindow = 0
	g.mu.Unlock()

	g.tripped.Store(false)
}

// ResetRecvGuard resumes hardware receive after the receive rate guard
// stopped it.
func (m *Mailbox) ResetRecvGuard() {
	m.guard.reset()
	m.rx.kick()
}

// Status is a snapshot of the state of a mailbox.
type Status struct {
	Name             string        `json:"name"`
	Running          bool          `json:"running"`
	Connected        bool          `json:"connected"`
	SoftwareOnly     bool          `json:"software_only"`
	Interrupts       bool          `json:"interrupts"`
	DaemonOpened     bool          `json:"daemon_opened"`
	TX               ChannelStatus `json:"tx"`
	RX               ChannelStatus `json:"rx"`
	Incoming         int           `json:"incoming"`
	ChanState        uint64        `json:"chan_state"`
	ChanDisable      uint64        `json:"chan_disable"`
	ChanSwitch       uint64        `json:"chan_switch"`
	Version          uint64        `json:"version"`
	RecvGuardTripped bool          `json:"recv_guard_tripped"`
}

// Status returns a snapshot of the mailbox state.
func (m *Mailbox) Status() Status {
	s := Status{
		Name:             m.name,
		Running:          m.Running(),
		Connected:        m.Connected(),
		SoftwareOnly:     m.hw == nil,
		Interrupts:       m.interruptsOn.Load(),
		DaemonOpened:     m.dev.Opened(),
		TX:               m.tx.status(),
		RX:               m.rx.status(),
		Incoming:         m.incomingQueued(),
		RecvGuardTripped: m.guard.isTripped(),
	}

	m.kvLock.RLock()
	s.ChanState = m.chanState
	s.ChanDisable = m.chanDisable
	s.ChanSwitch = m.chanSwitch
	s.Version = m.version
	m.kvLock.RUnlock()

	return s
}
