package mailbox

import (
	"fmt"

	"github.com/sarchlab/pfmailbox/wire"
)

// ProtocolVersion is the mailbox protocol version reported by default.
const ProtocolVersion = 1

// CommIDSize is the size of the communication ID.
const CommIDSize = 2048

// StateKind selects a value of the mailbox key-value store.
type StateKind int

// State kinds.
const (
	StateDaemon StateKind = iota
	StateChan
	StateChanDisable
	StateChanSwitch
	StateCommID
	StateVersion
)

func (k StateKind) String() string {
	switch k {
	case StateDaemon:
		return "daemon_state"
	case StateChan:
		return "chan_state"
	case StateChanDisable:
		return "chan_disable"
	case StateChanSwitch:
		return "chan_switch"
	case StateCommID:
		return "comm_id"
	case StateVersion:
		return "version"
	}

	return fmt.Sprintf("state_kind(%d)", int(k))
}

// Get reads a value. StateDaemon is 1 while a daemon has the software
// channel device open. The communication ID is read with CommID.
func (m *Mailbox) Get(kind StateKind) (uint64, error) {
	if kind == StateDaemon {
		if m.dev.Opened() {
			return 1, nil
		}

		return 0, nil
	}

	m.kvLock.RLock()
	defer m.kvLock.RUnlock()

	switch kind {
	case StateChan:
		return m.chanState, nil
	case StateChanDisable:
		return m.chanDisable, nil
	case StateChanSwitch:
		return m.chanSwitch, nil
	case StateVersion:
		return m.version, nil
	}

	return 0, fmt.Errorf("%w: cannot get %s", wire.ErrInvalidKind, kind)
}

// Set writes a value. The liveness probe always stays on the hardware
// channel, so its bit is cleared from any StateChanSwitch value.
func (m *Mailbox) Set(kind StateKind, value uint64) error {
	m.kvLock.Lock()
	defer m.kvLock.Unlock()

	switch kind {
	case StateChan:
		m.chanState = value
	case StateChanDisable:
		m.chanDisable = value
	case StateChanSwitch:
		m.chanSwitch = value &^ wire.KindUserProbe.Bit()
	case StateVersion:
		m.version = value
	default:
		return fmt.Errorf("%w: cannot set %s", wire.ErrInvalidKind, kind)
	}

	m.debugf("set %s to %#x", kind, value)

	return nil
}

// CommID returns a copy of the communication ID.
func (m *Mailbox) CommID() []byte {
	m.kvLock.RLock()
	defer m.kvLock.RUnlock()

	id := make([]byte, CommIDSize)
	copy(id, m.commID)

	return id
}

// SetCommID stores the communication ID.
func (m *Mailbox) SetCommID(id []byte) error {
	if len(id) > CommIDSize {
		return fmt.Errorf("%w: comm id of %d bytes exceeds %d",
			wire.ErrSize, len(id), CommIDSize)
	}

	m.kvLock.Lock()
	defer m.kvLock.Unlock()

	m.commID = append([]byte(nil), id...)

	return nil
}
