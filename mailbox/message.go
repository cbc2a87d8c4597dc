package mailbox

import (
	"github.com/sarchlab/pfmailbox/wire"
)

// noTTL marks a message that never times out.
const noTTL = -1

// A Message is the unit the channels move: a whole request, notification or
// response, never split at this level.
type Message struct {
	ID       uint64
	Flags    uint32
	Kind     wire.RequestKind
	Software bool

	// buf holds the payload. For a response being received it is the
	// caller's buffer, and n tells how much of it was filled.
	buf []byte
	n   int

	ttl     int
	timerOn bool

	incoming bool
	err      error
	done     chan struct{}
	cb       func(m *Message, err error)
	ch       *Channel
}

func newOutgoing(
	id uint64,
	flags uint32,
	data []byte,
	software bool,
	ttl int,
) *Message {
	return &Message{
		ID:       id,
		Flags:    flags,
		Kind:     wire.KindOf(data),
		Software: software,
		buf:      append([]byte(nil), data...),
		n:        len(data),
		ttl:      ttl,
	}
}

func newResponseWaiter(id uint64, buf []byte, software bool, ttl int) *Message {
	return &Message{
		ID:       id,
		Flags:    wire.FlagResponse,
		Software: software,
		buf:      buf,
		ttl:      ttl,
		done:     make(chan struct{}),
	}
}

func newIncoming(id uint64, flags uint32, size int, software bool) *Message {
	return &Message{
		ID:       id,
		Flags:    flags | wire.FlagRequest,
		Software: software,
		buf:      make([]byte, size),
		n:        size,
		ttl:      noTTL,
		incoming: true,
	}
}

// Data returns the payload of the message.
func (m *Message) Data() []byte {
	return m.buf[:m.n]
}

// Len returns the payload length.
func (m *Message) Len() int {
	return m.n
}

// Err returns the error the message completed with.
func (m *Message) Err() error {
	return m.err
}

func (m *Message) isResponse() bool {
	return m.Flags&wire.FlagResponse != 0
}

func (m *Message) hasTTL() bool {
	return m.ttl != noTTL
}
