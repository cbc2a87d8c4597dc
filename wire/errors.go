package wire

import "errors"

// The error taxonomy shared by every layer of the mailbox. Callers match them
// with errors.Is; the layers add context with fmt.Errorf and %w.
var (
	// ErrTransport reports a FIFO busy/error bit or a malformed software
	// channel header. It aborts only the message in flight.
	ErrTransport = errors.New("mailbox transport error")

	// ErrTimeout reports that a message ran out of TTL.
	ErrTimeout = errors.New("mailbox message timed out")

	// ErrShutdown is delivered to every message still queued when a channel
	// stops.
	ErrShutdown = errors.New("mailbox channel is shut down")

	// ErrSize reports an undersized buffer or an oversized incoming message.
	ErrSize = errors.New("mailbox message size error")

	// ErrProtocol reports an unexpected packet type or packet ordering.
	ErrProtocol = errors.New("mailbox protocol error")

	// ErrNotConnected is returned by requests while the peer is believed dead.
	ErrNotConnected = errors.New("mailbox peer is not connected")

	// ErrDisabled is returned for request kinds disabled by the administrator.
	ErrDisabled = errors.New("mailbox request kind is disabled")

	// ErrInvalidKind is returned by the key-value store for unknown kinds.
	ErrInvalidKind = errors.New("mailbox invalid kind")
)
