package mailbox

import (
	"log"
	"os"
	"time"

	"github.com/sarchlab/pfmailbox/idgen"
	"github.com/sarchlab/pfmailbox/regfifo"
	"github.com/sarchlab/pfmailbox/swchan"
)

// Defaults of the mailbox.
const (
	DefaultTickInterval  = 20 * time.Millisecond
	DefaultPollInterval  = 500 * time.Microsecond
	DefaultHardwareTTL   = 2 * time.Second
	DefaultSoftwareTTL   = 6 * time.Second
	DefaultResponseTTL   = 20 * time.Second
	DefaultProgressTTL   = time.Second
	DefaultRecvRateLimit = 600000
)

// Builder can build Mailboxes.
type Builder struct {
	regs          regfifo.Registers
	maxPayload    int
	tick          time.Duration
	pollInterval  time.Duration
	hwTTL         time.Duration
	swTTL         time.Duration
	respTTL       time.Duration
	progressTTL   time.Duration
	maxMsgSize    int
	recvRateLimit int
	interrupts    bool
	logger        *log.Logger
	verbose       bool
	ids           idgen.IDGenerator
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		tick:          DefaultTickInterval,
		pollInterval:  DefaultPollInterval,
		hwTTL:         DefaultHardwareTTL,
		swTTL:         DefaultSoftwareTTL,
		respTTL:       DefaultResponseTTL,
		progressTTL:   DefaultProgressTTL,
		maxMsgSize:    MaxMessageSize,
		recvRateLimit: DefaultRecvRateLimit,
		interrupts:    true,
	}
}

// WithRegisters attaches a hardware register block. Without one, every
// message goes through the software channel.
func (b Builder) WithRegisters(regs regfifo.Registers) Builder {
	b.regs = regs
	return b
}

// WithMaxPayload limits the payload bytes per hardware packet.
func (b Builder) WithMaxPayload(n int) Builder {
	b.maxPayload = n
	return b
}

// WithTickInterval sets the period of the timeout timer.
func (b Builder) WithTickInterval(d time.Duration) Builder {
	b.tick = d
	return b
}

// WithPollInterval sets how often a channel checks the FIFO while it has
// nothing to wait on.
func (b Builder) WithPollInterval(d time.Duration) Builder {
	b.pollInterval = d
	return b
}

// WithHardwareTTL sets the TTL of a message sent over the FIFO.
func (b Builder) WithHardwareTTL(d time.Duration) Builder {
	b.hwTTL = d
	return b
}

// WithSoftwareTTL sets the TTL of a message sent over the software channel.
func (b Builder) WithSoftwareTTL(d time.Duration) Builder {
	b.swTTL = d
	return b
}

// WithResponseTTL sets how long a request waits for its response once the
// request is out.
func (b Builder) WithResponseTTL(d time.Duration) Builder {
	b.respTTL = d
	return b
}

// WithProgressTTL sets how long a partly moved message may wait for its
// next portion.
func (b Builder) WithProgressTTL(d time.Duration) Builder {
	b.progressTTL = d
	return b
}

// WithMaxMessageSize bounds the size of incoming requests.
func (b Builder) WithMaxMessageSize(n int) Builder {
	b.maxMsgSize = n
	return b
}

// WithRecvRateLimit sets the hardware receive rate, in bytes per second,
// above which hardware receive is stopped. Zero disables the guard.
func (b Builder) WithRecvRateLimit(bytesPerSecond int) Builder {
	b.recvRateLimit = bytesPerSecond
	return b
}

// WithInterrupts chooses whether Start enables interrupts when the register
// block can raise them.
func (b Builder) WithInterrupts(enabled bool) Builder {
	b.interrupts = enabled
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(logger *log.Logger) Builder {
	b.logger = logger
	return b
}

// WithVerbose turns on per-message logs.
func (b Builder) WithVerbose(verbose bool) Builder {
	b.verbose = verbose
	return b
}

// WithIDGenerator sets the correlation ID generator.
func (b Builder) WithIDGenerator(ids idgen.IDGenerator) Builder {
	b.ids = ids
	return b
}

// Build creates a stopped Mailbox.
func (b Builder) Build(name string) *Mailbox {
	if b.tick <= 0 {
		log.Panicf("mailbox: invalid tick interval %v", b.tick)
	}

	m := &Mailbox{
		name:          name,
		logger:        b.logger,
		verbose:       b.verbose,
		ids:           b.ids,
		useInterrupts: b.interrupts,
		tick:          b.tick,
		pollInterval:  b.pollInterval,
		hwTTL:         b.hwTTL,
		swTTL:         b.swTTL,
		maxMsgSize:    b.maxMsgSize,
		listenSignal:  make(chan struct{}, 1),
		version:       ProtocolVersion,
	}

	if m.logger == nil {
		m.logger = log.New(os.Stderr, name+": ", log.LstdFlags)
	}

	if m.ids == nil {
		m.ids = idgen.NewIDGenerator(0)
	}

	if m.pollInterval <= 0 {
		m.pollInterval = DefaultPollInterval
	}

	m.respTicks = m.ttlTicks(b.respTTL)
	m.progressTicks = m.ttlTicks(b.progressTTL)
	m.guard.limit = b.recvRateLimit

	if b.regs != nil {
		m.hw = regfifo.MakeBuilder().
			WithRegisters(b.regs).
			WithMaxPayload(b.maxPayload).
			Build(name + ".FIFO")

		if src, ok := b.regs.(regfifo.InterruptSource); ok {
			m.intrSource = src
		}
	}

	m.txSlot = swchan.NewSlot(name + ".SW.TX")
	m.rxSlot = swchan.NewSlot(name + ".SW.RX")
	m.txSlot.Close()
	m.rxSlot.Close()
	m.dev = swchan.NewDevice(name, m.txSlot, m.rxSlot)
	m.dev.SetMaxMessageSize(uint64(m.maxMsgSize))

	m.tx = newChannel(name+".TX", m, true, m.txSlot)
	m.rx = newChannel(name+".RX", m, false, m.rxSlot)

	m.txSlot.SetNotify(m.tx.kick)
	m.rxSlot.SetNotify(m.rx.kick)

	return m
}
