// Package mailbox implements a reliable request/response channel between two
// PCIe physical functions on top of a shared hardware FIFO, with a software
// channel, ferried by a user-space daemon, as the alternative transport.
//
// A Mailbox runs two Channels, TX and RX, each moved by its own worker
// goroutine. Requests are matched with their responses by correlation ID.
// Every message carries a TTL counted in timer ticks; a peer that lets a
// message time out is considered dead until it is heard from again.
package mailbox

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarchlab/pfmailbox/hooking"
	"github.com/sarchlab/pfmailbox/idgen"
	"github.com/sarchlab/pfmailbox/regfifo"
	"github.com/sarchlab/pfmailbox/swchan"
	"github.com/sarchlab/pfmailbox/wire"
)

// Size limits.
const (
	MaxMessageSize       = 128 << 20
	MaxIncomingQueueSize = 256 << 20
	MaxIncomingQueueLen  = 5
)

// ListenFunc handles a request received from the peer. It runs on the listen
// worker, outside of any mailbox lock, and may call PostResponse.
type ListenFunc func(req []byte, id uint64, software bool)

// Mailbox is one end of the mailbox.
type Mailbox struct {
	name    string
	logger  *log.Logger
	verbose bool
	ids     idgen.IDGenerator

	hw            *regfifo.Transport
	intrSource    regfifo.InterruptSource
	useInterrupts bool
	interruptsOn  atomic.Bool

	txSlot *swchan.Slot
	rxSlot *swchan.Slot
	dev    *swchan.Device
	tx     *Channel
	rx     *Channel

	tick          time.Duration
	pollInterval  time.Duration
	hwTTL         time.Duration
	swTTL         time.Duration
	respTicks     int
	progressTicks int
	maxMsgSize    int

	kvLock      sync.RWMutex
	chanState   uint64
	chanDisable uint64
	chanSwitch  uint64
	version     uint64
	commID      []byte

	peerDead atomic.Bool

	listenMu     sync.Mutex
	listenCB     ListenFunc
	inMu         sync.Mutex
	incoming     []*Message
	inSize       int
	listenSignal chan struct{}
	listenStop   chan struct{}
	listenExited chan struct{}

	testMu      sync.Mutex
	testMsg     []byte
	testPkt     *wire.Packet
	lastTestPkt []byte

	guard   recvGuard
	metrics metrics

	runMu   sync.Mutex
	running bool
}

// Name returns the name of the mailbox.
func (m *Mailbox) Name() string {
	return m.name
}

func (m *Mailbox) logf(format string, args ...any) {
	m.logger.Printf(format, args...)
}

func (m *Mailbox) debugf(format string, args ...any) {
	if m.verbose {
		m.logger.Printf(format, args...)
	}
}

func (m *Mailbox) ttlTicks(d time.Duration) int {
	if d <= 0 {
		return 0
	}

	return int((d + m.tick - 1) / m.tick)
}

func (m *Mailbox) txTTL(software bool, size int) int {
	d := m.hwTTL
	if software {
		d = m.swTTL
	}

	d += time.Duration(size>>20) * time.Second

	return m.ttlTicks(d)
}

// Start brings both channels and the listen worker online. A stopped
// mailbox can be started again.
func (m *Mailbox) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		return
	}

	m.txSlot.Reopen()
	m.rxSlot.Reopen()

	m.listenStop = make(chan struct{})
	m.listenExited = make(chan struct{})
	go m.listen(m.listenStop, m.listenExited)

	m.tx.start()
	m.rx.start()

	if m.hw != nil {
		if m.useInterrupts && m.intrSource != nil {
			_ = m.EnableInterrupts()
		} else {
			m.DisableInterrupts()
		}
	}

	m.running = true
	m.logf("mailbox is online")
}

// Stop takes the mailbox offline. Every queued message fails with
// ErrShutdown.
func (m *Mailbox) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if !m.running {
		return
	}

	if m.hw != nil && m.interruptsOn.Load() {
		m.DisableInterrupts()
	}

	m.tx.shutdown()
	m.rx.shutdown()
	m.txSlot.Close()
	m.rxSlot.Close()

	close(m.listenStop)
	<-m.listenExited

	m.running = false
	m.logf("mailbox is offline")
}

// Running tells if the mailbox is online.
func (m *Mailbox) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	return m.running
}

// Device returns the software channel pseudo-device.
func (m *Mailbox) Device() *swchan.Device {
	return m.dev
}

// Transport returns the hardware transport, or nil for a software-only
// mailbox.
func (m *Mailbox) Transport() *regfifo.Transport {
	return m.hw
}

// TX returns the TX channel.
func (m *Mailbox) TX() *Channel {
	return m.tx
}

// RX returns the RX channel.
func (m *Mailbox) RX() *Channel {
	return m.rx
}

// Hookables lists every part of the mailbox that accepts hooks.
func (m *Mailbox) Hookables() []hooking.NamedHookable {
	h := []hooking.NamedHookable{m.tx, m.rx, m.txSlot, m.rxSlot}
	if m.hw != nil {
		h = append(h, m.hw)
	}

	return h
}

// Connected tells if the peer is believed alive.
func (m *Mailbox) Connected() bool {
	return !m.peerDead.Load()
}

func (m *Mailbox) peerTimedOut() {
	m.metrics.timeouts.Add(1)

	if m.peerDead.CompareAndSwap(false, true) {
		m.logf("peer is not responding, marking it dead")
	}
}

func (m *Mailbox) peerAlive() {
	if m.peerDead.CompareAndSwap(true, false) {
		m.logf("peer is alive again")
	}
}

func (m *Mailbox) useSoftware(kind wire.RequestKind) bool {
	if m.hw == nil {
		return true
	}

	m.kvLock.RLock()
	defer m.kvLock.RUnlock()

	return m.chanSwitch&kind.Bit() != 0
}

func (m *Mailbox) kindDisabled(kind wire.RequestKind) bool {
	m.kvLock.RLock()
	defer m.kvLock.RUnlock()

	return m.chanDisable&kind.Bit() != 0
}

// Request sends req to the peer and waits for the response, which is copied
// into resp. It returns the response length.
func (m *Mailbox) Request(req, resp []byte) (int, error) {
	waiter, err := m.request(req, resp, nil)
	if err != nil {
		return 0, err
	}

	<-waiter.done

	if waiter.err != nil {
		return 0, waiter.err
	}

	return waiter.n, nil
}

// RequestAsync sends req to the peer and returns once it is queued. The
// response, at most respCap bytes, is handed to cb on a channel worker.
func (m *Mailbox) RequestAsync(
	req []byte,
	respCap int,
	cb func(resp []byte, err error),
) error {
	_, err := m.request(req, make([]byte, respCap),
		func(w *Message, err error) {
			if err != nil {
				cb(nil, err)
				return
			}

			cb(w.Data(), nil)
		})

	return err
}

func (m *Mailbox) request(
	req, resp []byte,
	cb func(*Message, error),
) (*Message, error) {
	if !m.Connected() {
		return nil, fmt.Errorf("%w: %s", wire.ErrNotConnected, m.name)
	}

	kind := wire.KindOf(req)
	if m.kindDisabled(kind) {
		return nil, fmt.Errorf("%w: %s", wire.ErrDisabled, kind)
	}

	sw := m.useSoftware(kind)
	id := m.ids.Generate()

	waiter := newResponseWaiter(id, resp, sw, m.respTicks)
	waiter.Kind = kind

	if cb != nil {
		waiter.cb = cb
		waiter.done = nil
	}

	msg := newOutgoing(id, wire.FlagRequest, req, sw, m.txTTL(sw, len(req)))
	msg.cb = func(msg *Message, err error) {
		if err == nil {
			return
		}

		if w := m.rx.dequeueID(msg.ID); w != nil {
			m.rx.failWaiter(w, err)
		}
	}

	m.debugf("sending request %s, id=%#x, software=%v", kind, id, sw)

	// The response is queued first so that it cannot arrive before anybody
	// waits for it.
	if err := m.rx.enqueue(waiter); err != nil {
		return nil, err
	}

	if err := m.tx.enqueue(msg); err != nil {
		m.rx.dequeueID(id)
		return nil, err
	}

	return waiter, nil
}

// PostNotify sends a request that expects no response.
func (m *Mailbox) PostNotify(req []byte) error {
	kind := wire.KindOf(req)
	if m.kindDisabled(kind) {
		return fmt.Errorf("%w: %s", wire.ErrDisabled, kind)
	}

	sw := m.useSoftware(kind)
	msg := newOutgoing(m.ids.Generate(), wire.FlagRequest, req, sw,
		m.txTTL(sw, len(req)))
	msg.cb = m.postDone

	m.debugf("posting request %s, id=%#x", kind, msg.ID)

	return m.tx.enqueue(msg)
}

// PostResponse sends the response to the peer request with the given ID.
func (m *Mailbox) PostResponse(
	kind wire.RequestKind,
	id uint64,
	resp []byte,
) error {
	sw := m.useSoftware(kind)
	msg := newOutgoing(id, wire.FlagResponse, resp, sw, m.txTTL(sw, len(resp)))
	msg.Kind = kind
	msg.cb = m.postDone

	m.debugf("posting response %s, id=%#x", kind, id)

	return m.tx.enqueue(msg)
}

func (m *Mailbox) postDone(msg *Message, err error) {
	if err != nil {
		m.logf("failed to post msg, id=%#x: %v", msg.ID, err)
	}
}

// Listen registers the handler of requests from the peer.
func (m *Mailbox) Listen(cb ListenFunc) {
	m.listenMu.Lock()
	m.listenCB = cb
	m.listenMu.Unlock()
}

func (m *Mailbox) listener() ListenFunc {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()

	return m.listenCB
}

// EnableInterrupts switches both channels to interrupt mode.
func (m *Mailbox) EnableInterrupts() error {
	if m.hw == nil || m.intrSource == nil {
		return fmt.Errorf("%s: register block cannot interrupt", m.name)
	}

	m.intrSource.SetInterruptHandler(m.Interrupt)
	m.hw.EnableInterrupts()
	m.interruptsOn.Store(true)

	m.rx.clearBit(bitPollMode)
	m.rx.configTimer()
	m.tx.clearBit(bitPollMode)
	m.tx.configTimer()

	m.logf("interrupt mode enabled")

	return nil
}

// DisableInterrupts switches the RX channel to poll mode.
func (m *Mailbox) DisableInterrupts() {
	m.rx.setBit(bitPollMode)
	m.rx.configTimer()

	if m.hw != nil {
		m.hw.DisableInterrupts()
	}

	if m.intrSource != nil {
		m.intrSource.SetInterruptHandler(nil)
	}

	m.interruptsOn.Store(false)
	m.rx.kick()

	m.logf("polling mode enabled")
}

// Interrupt acknowledges the register block interrupt and wakes both
// channels.
func (m *Mailbox) Interrupt() {
	if m.hw != nil {
		m.hw.AckInterrupt()
	}

	m.tx.kick()
	m.rx.kick()
}
