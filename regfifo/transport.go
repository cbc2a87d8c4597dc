package regfifo

import (
	"fmt"
	"log"
	"time"

	"github.com/sarchlab/pfmailbox/hooking"
	"github.com/sarchlab/pfmailbox/wire"
)

const maxAckRounds = 8

// HookPosPacketSend marks a packet pushed into the FIFO.
var HookPosPacketSend = &hooking.HookPos{Name: "Packet Send"}

// HookPosPacketRecv marks a packet drained from the FIFO.
var HookPosPacketRecv = &hooking.HookPos{Name: "Packet Recv"}

// Transport sends and receives whole packets through a register block. It
// retries nothing above the word level; a failed packet is reported to the
// caller, which aborts the message the packet belongs to.
type Transport struct {
	hooking.HookableBase

	name          string
	regs          Registers
	maxPayload    int
	wordRetries   int
	retryInterval time.Duration
}

// Builder can build Transports.
type Builder struct {
	regs          Registers
	maxPayload    int
	wordRetries   int
	retryInterval time.Duration
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		wordRetries:   10,
		retryInterval: time.Millisecond,
	}
}

// WithRegisters sets the register block the transport drives.
func (b Builder) WithRegisters(regs Registers) Builder {
	b.regs = regs
	return b
}

// WithMaxPayload limits the number of payload bytes carried by each packet.
// Zero means the full capacity of the packet type.
func (b Builder) WithMaxPayload(n int) Builder {
	b.maxPayload = n
	return b
}

// WithWordRetries sets how many times, across one packet, the receiver waits
// for a word to arrive in an empty FIFO.
func (b Builder) WithWordRetries(n int) Builder {
	b.wordRetries = n
	return b
}

// WithRetryInterval sets how long each wait for a missing word lasts.
func (b Builder) WithRetryInterval(d time.Duration) Builder {
	b.retryInterval = d
	return b
}

// Build creates a Transport.
func (b Builder) Build(name string) *Transport {
	if b.regs == nil {
		log.Panic("regfifo: transport needs registers")
	}

	if b.maxPayload < 0 || b.maxPayload > wire.BodyPayloadCap {
		log.Panicf("regfifo: invalid max payload %d", b.maxPayload)
	}

	return &Transport{
		name:          name,
		regs:          b.regs,
		maxPayload:    b.maxPayload,
		wordRetries:   b.wordRetries,
		retryInterval: b.retryInterval,
	}
}

// Name returns the name of the transport.
func (t *Transport) Name() string {
	return t.name
}

// Registers returns the register block behind the transport.
func (t *Transport) Registers() Registers {
	return t.regs
}

// MaxPayload returns the per-packet payload limit, 0 for none.
func (t *Transport) MaxPayload() int {
	return t.maxPayload
}

// Status returns the raw STATUS register.
func (t *Transport) Status() uint32 {
	return t.regs.Read32(RegStatus)
}

// TxReady tells if the peer has drained enough of the FIFO for another
// packet to be sent.
func (t *Transport) TxReady() bool {
	st := t.Status()

	return st != InResetValue && st&StatusSTA != 0
}

// RxReady tells if a packet is waiting to be received. In poll mode any word
// in the FIFO counts; otherwise the receive threshold must be crossed.
func (t *Transport) RxReady(pollMode bool) bool {
	st := t.Status()

	switch {
	case st == InResetValue:
		return false
	case pollMode:
		return st&StatusEmpty == 0
	default:
		return st&StatusRTA != 0
	}
}

// SendPacket pushes one packet into the FIFO.
func (t *Transport) SendPacket(p wire.Packet) error {
	words, err := p.Words()
	if err != nil {
		return err
	}

	for _, w := range words {
		t.regs.Write32(RegWrData, w)
	}

	if t.checkError()&StatusFull != 0 {
		return fmt.Errorf("%w: %s: FIFO full while sending %s packet",
			wire.ErrTransport, t.name, p.Type)
	}

	if t.NumHooks() > 0 {
		t.InvokeHook(hooking.HookCtx{
			Domain: t,
			Pos:    HookPosPacketSend,
			Item:   p,
		})
	}

	return nil
}

// RecvPacket drains one packet from the FIFO.
func (t *Transport) RecvPacket() (wire.Packet, error) {
	var words [wire.PacketWords]uint32

	retry := t.wordRetries
	for i := range words {
		for t.regs.Read32(RegStatus)&StatusEmpty != 0 && retry > 0 {
			retry--
			time.Sleep(t.retryInterval)
		}

		words[i] = t.regs.Read32(RegRdData)
	}

	if t.checkError()&StatusEmpty != 0 {
		return wire.Packet{}, fmt.Errorf("%w: %s: FIFO ran empty mid packet",
			wire.ErrTransport, t.name)
	}

	p, err := wire.PacketFromWords(words)
	if err != nil {
		return p, err
	}

	if t.NumHooks() > 0 {
		t.InvokeHook(hooking.HookCtx{
			Domain: t,
			Pos:    HookPosPacketRecv,
			Item:   p,
		})
	}

	return p, nil
}

func (t *Transport) checkError() uint32 {
	val := t.regs.Read32(RegError)

	// A tripped firewall reads all ones.
	if val == InResetValue {
		return 0
	}

	if val != 0 {
		log.Printf("%s: mailbox error detected, error=%#x", t.name, val)
	}

	return val
}

// Reset flushes both FIFOs.
func (t *Transport) Reset() {
	t.regs.Write32(RegCtrl, CtrlResetSend|CtrlResetRecv)
}

// EnableInterrupts makes the block interrupt once a whole packet has arrived
// or the send FIFO has drained.
func (t *Transport) EnableInterrupts() {
	t.regs.Write32(RegRIT, wire.PacketWords-1)
	t.regs.Write32(RegSIT, 0)
	t.regs.Write32(RegIS, t.regs.Read32(RegIS))
	t.regs.Write32(RegIE, IntSTI|IntRTI)
}

// DisableInterrupts switches the block to poll mode.
func (t *Transport) DisableInterrupts() {
	t.regs.Write32(RegIE, 0)
	t.regs.Write32(RegRIT, 0)
	t.regs.Write32(RegSIT, 0)
}

// AckInterrupt clears every pending interrupt status bit and returns the bits
// it cleared.
func (t *Transport) AckInterrupt() uint32 {
	var acked uint32

	for i := 0; i < maxAckRounds; i++ {
		is := t.regs.Read32(RegIS)
		if is == 0 || is == InResetValue {
			break
		}

		if is&(IntSTI|IntRTI) == 0 {
			log.Printf("%s: spurious mailbox interrupt, is=%#x", t.name, is)
		}

		t.regs.Write32(RegIS, is)
		acked |= is
	}

	return acked
}
