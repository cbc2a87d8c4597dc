package mailbox

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarchlab/pfmailbox/hooking"
	"github.com/sarchlab/pfmailbox/swchan"
	"github.com/sarchlab/pfmailbox/wire"
)

// Channel state bits.
const (
	bitReady uint32 = 1 << iota
	bitStop
	bitTick
	bitPollMode
)

// maxBurst bounds how many transfer steps a worker takes before it checks
// for timer ticks again.
const maxBurst = 64

// HookPosMsgEnqueue marks a message queued on a channel.
var HookPosMsgEnqueue = &hooking.HookPos{Name: "Msg Enqueue"}

// HookPosMsgStart marks a message becoming the current message of a channel.
var HookPosMsgStart = &hooking.HookPos{Name: "Msg Start"}

// HookPosMsgDone marks a message completing, successfully or not. The hook
// detail is the error, if any.
var HookPosMsgDone = &hooking.HookPos{Name: "Msg Done"}

// A Channel is one direction of the mailbox. A single worker goroutine moves
// its messages; the pending queue is the only state it shares with callers.
type Channel struct {
	hooking.HookableBase

	name string
	mbx  *Mailbox
	isTx bool
	slot *swchan.Slot

	state atomic.Uint32

	mu      sync.Mutex
	queue   *msgQueue
	timerOn bool

	wake   chan struct{}
	stop   chan struct{}
	exited chan struct{}
	ticker *time.Ticker
	poll   *time.Timer

	curID    atomic.Uint64
	curTimed atomic.Bool

	// Owned by the worker.
	cur        *Message
	bytesDone  int
	pktsSent   int
	swInFlight bool
	sinking    bool
}

func newChannel(name string, mbx *Mailbox, isTx bool, slot *swchan.Slot) *Channel {
	c := &Channel{
		name:   name,
		mbx:    mbx,
		isTx:   isTx,
		slot:   slot,
		queue:  newMsgQueue(name, 0),
		wake:   make(chan struct{}, 1),
		ticker: time.NewTicker(mbx.tick),
		poll:   time.NewTimer(mbx.pollInterval),
	}

	c.ticker.Stop()
	c.poll.Stop()
	c.state.Store(bitStop)

	return c
}

// Name returns the name of the channel.
func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) setBit(bit uint32) {
	for {
		old := c.state.Load()
		if c.state.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

func (c *Channel) clearBit(bit uint32) {
	for {
		old := c.state.Load()
		if c.state.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

func (c *Channel) testBit(bit uint32) bool {
	return c.state.Load()&bit != 0
}

func (c *Channel) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) start() {
	c.stop = make(chan struct{})
	c.exited = make(chan struct{})

	c.mu.Lock()
	c.clearBit(bitStop)
	c.setBit(bitReady)
	c.mu.Unlock()

	go c.run()

	c.configTimer()
}

// shutdown stops the worker and fails every message left on the channel.
func (c *Channel) shutdown() {
	c.mu.Lock()
	c.setBit(bitStop)
	c.clearBit(bitReady)
	c.mu.Unlock()

	close(c.stop)
	<-c.exited

	c.mu.Lock()
	c.timerOn = false
	c.ticker.Stop()
	c.mu.Unlock()

	err := fmt.Errorf("%w: %s", wire.ErrShutdown, c.name)

	if c.swInFlight {
		c.slot.Drop()
	}

	c.sinking = false
	c.curDone(err)

	c.mu.Lock()
	pending := c.queue.Clear()
	c.mu.Unlock()

	for _, m := range pending {
		c.msgDone(m, err)
	}
}

func (c *Channel) run() {
	defer close(c.exited)

	for !c.testBit(bitStop) {
		c.transfer()
		c.waitForWork()
	}
}

func (c *Channel) transfer() {
	step := c.rxStep
	if c.isTx {
		step = c.txStep
	}

	for i := 0; step(); i++ {
		if c.testBit(bitStop) {
			return
		}

		if i == maxBurst-1 {
			// Come back right after the tick check.
			c.kick()
			break
		}
	}

	c.handleTick()
}

func (c *Channel) needsPolling() bool {
	if c.cur != nil {
		return true
	}

	if c.mbx.hw == nil {
		return false
	}

	if c.isTx {
		return c.mbx.hasTestPacket()
	}

	return c.testBit(bitPollMode)
}

func (c *Channel) waitForWork() {
	if !c.needsPolling() {
		select {
		case <-c.wake:
		case <-c.ticker.C:
			c.setBit(bitTick)
		case <-c.stop:
		}

		return
	}

	c.poll.Reset(c.mbx.pollInterval)

	select {
	case <-c.wake:
	case <-c.ticker.C:
		c.setBit(bitTick)
	case <-c.poll.C:
	case <-c.stop:
	}

	c.poll.Stop()
}

// configTimer runs the tick timer only while something can time out or the
// channel must be polled.
func (c *Channel) configTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.testBit(bitStop) {
		return
	}

	on := c.testBit(bitPollMode) || c.curTimed.Load()
	if !on {
		c.queue.Each(func(m *Message) {
			if m.hasTTL() {
				on = true
			}
		})
	}

	if on == c.timerOn {
		return
	}

	c.timerOn = on
	if on {
		c.ticker.Reset(c.mbx.tick)
	} else {
		c.ticker.Stop()
	}
}

func (c *Channel) enqueue(m *Message) error {
	c.mu.Lock()

	if c.testBit(bitStop) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", wire.ErrShutdown, c.name)
	}

	m.ch = c
	c.queue.Push(m)
	c.mu.Unlock()

	c.mbx.debugf("%s enqueued msg, id=%#x", c.name, m.ID)

	if c.NumHooks() > 0 {
		c.InvokeHook(hooking.HookCtx{
			Domain: c,
			Pos:    HookPosMsgEnqueue,
			Item:   m,
		})
	}

	c.configTimer()
	c.kick()

	return nil
}

func (c *Channel) dequeueHead() *Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.queue.Pop()
}

func (c *Channel) dequeueID(id uint64) *Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.queue.Remove(id)
}

// armTimer starts the TTL of the queued message with the given ID.
func (c *Channel) armTimer(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m := c.queue.Find(id); m != nil {
		m.timerOn = true
		c.mbx.debugf("%s armed timer of msg, id=%#x", c.name, id)
	}
}

func (c *Channel) queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.queue.Size()
}

func (c *Channel) startCur(m *Message) {
	c.cur = m
	c.bytesDone = 0
	c.pktsSent = 0
	c.swInFlight = false
	c.curID.Store(m.ID)
	c.curTimed.Store(m.timerOn && m.hasTTL())

	if c.NumHooks() > 0 {
		c.InvokeHook(hooking.HookCtx{
			Domain: c,
			Pos:    HookPosMsgStart,
			Item:   m,
		})
	}
}

func (c *Channel) curDone(err error) {
	m := c.cur
	if m == nil {
		return
	}

	c.cur = nil
	c.bytesDone = 0
	c.pktsSent = 0
	c.swInFlight = false
	c.curID.Store(0)
	c.curTimed.Store(false)

	c.msgDone(m, err)
}

// resetProgressTTL gives the current message a fresh, short TTL after each
// portion of it went through.
func (c *Channel) resetProgressTTL() {
	if c.cur != nil && c.cur.timerOn && c.cur.hasTTL() {
		c.cur.ttl = c.mbx.progressTicks
	}
}

func (c *Channel) msgDone(m *Message, err error) {
	m.err = err

	c.mbx.debugf("%s finishing msg id=%#x err=%v", c.name, m.ID, err)

	if errors.Is(err, wire.ErrTimeout) {
		c.mbx.peerTimedOut()
	}

	if !c.isTx && err == nil {
		c.mbx.peerAlive()
		c.mbx.metrics.messagesReceived.Add(1)
	}

	if c.isTx && err == nil {
		c.mbx.metrics.messagesSent.Add(1)
	}

	if c.NumHooks() > 0 {
		c.InvokeHook(hooking.HookCtx{
			Domain: c,
			Pos:    HookPosMsgDone,
			Item:   m,
			Detail: err,
		})
	}

	switch {
	case m.cb != nil:
		m.cb(m, err)
	case m.incoming:
		if err == nil {
			c.mbx.queueIncoming(m)
		}
	case m.done != nil:
		close(m.done)
	}

	c.configTimer()
}

// failWaiter completes a response waiter whose request never went out. The
// failure was already accounted for on the TX channel.
func (c *Channel) failWaiter(m *Message, err error) {
	m.err = err

	switch {
	case m.cb != nil:
		m.cb(m, err)
	case m.done != nil:
		close(m.done)
	}

	c.configTimer()
}

func (c *Channel) handleTick() {
	if !c.testBit(bitTick) {
		return
	}

	c.clearBit(bitTick)
	c.timeoutMessages()
}

func (c *Channel) timeoutMessages() {
	if m := c.cur; m != nil && m.timerOn && m.hasTTL() {
		if m.ttl == 0 {
			c.mbx.logf("%s: found active msg time'd out, id=%#x", c.name, m.ID)

			if c.swInFlight {
				c.slot.Drop()
			}

			c.curDone(fmt.Errorf("%w: %s: msg %#x", wire.ErrTimeout, c.name, m.ID))
		} else {
			m.ttl--
		}
	}

	c.mu.Lock()
	expired := c.queue.RemoveIf(func(m *Message) bool {
		if !m.timerOn || !m.hasTTL() {
			return false
		}

		if m.ttl == 0 {
			return true
		}

		m.ttl--

		return false
	})
	c.mu.Unlock()

	if len(expired) > 0 {
		c.mbx.logf("%s: found waiting msg time'd out", c.name)
	}

	for _, m := range expired {
		c.msgDone(m, fmt.Errorf("%w: %s: msg %#x", wire.ErrTimeout, c.name, m.ID))
	}

	c.configTimer()
}

// ChannelStatus is a snapshot of a channel.
type ChannelStatus struct {
	Name     string
	Queued   int
	Current  uint64
	TimerOn  bool
	PollMode bool
	Stopped  bool
}

func (c *Channel) status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ChannelStatus{
		Name:     c.name,
		Queued:   c.queue.Size(),
		Current:  c.curID.Load(),
		TimerOn:  c.timerOn,
		PollMode: c.testBit(bitPollMode),
		Stopped:  c.testBit(bitStop),
	}
}
