package swchan

import (
	"context"
	"fmt"
	"sync"

	"github.com/sarchlab/pfmailbox/wire"
)

// DefaultMaxMessageSize bounds the payload the device accepts from a daemon.
const DefaultMaxMessageSize = 128 << 20

// Device is the pseudo-device a daemon opens to ferry messages. Reads return
// whole framed messages the mailbox wants to send to the peer; writes deliver
// whole framed messages the peer sent. Neither ever truncates.
type Device struct {
	name    string
	tx      *Slot
	rx      *Slot
	maxSize uint64

	mu    sync.Mutex
	opens int
}

// NewDevice creates a device that reads from tx and writes to rx.
func NewDevice(name string, tx, rx *Slot) *Device {
	return &Device{
		name:    name,
		tx:      tx,
		rx:      rx,
		maxSize: DefaultMaxMessageSize,
	}
}

// SetMaxMessageSize bounds the payload size accepted by Write.
func (d *Device) SetMaxMessageSize(n uint64) {
	d.maxSize = n
}

// Name returns the name of the device.
func (d *Device) Name() string {
	return d.name
}

// Open registers a daemon attached to the device.
func (d *Device) Open() {
	d.mu.Lock()
	d.opens++
	d.mu.Unlock()
}

// Close unregisters a daemon.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.opens == 0 {
		return fmt.Errorf("%s: device is not open", d.name)
	}

	d.opens--

	return nil
}

// Opened tells if any daemon has the device open.
func (d *Device) Opened() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.opens > 0
}

// Readable returns a channel that is closed once a Read may not block.
func (d *Device) Readable() <-chan struct{} {
	return d.tx.Ready()
}

// Read waits for an outgoing message and copies it, header first, into p.
func (d *Device) Read(p []byte) (int, error) {
	return d.ReadContext(context.Background(), p)
}

// ReadContext is Read with a context. If p cannot hold the header, ErrSize is
// returned. If p holds the header but not the payload, the header is copied,
// ErrSize is returned, and the message stays queued for a retry with a larger
// buffer.
func (d *Device) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) < wire.SwHeaderSize {
		return 0, fmt.Errorf("%w: %s: read buffer of %d bytes cannot hold "+
			"a header", wire.ErrSize, d.name, len(p))
	}

	h, payload, err := d.tx.take(ctx, len(p)-wire.SwHeaderSize)
	if err != nil {
		if h.ID != 0 {
			h.Put(p)
			return wire.SwHeaderSize, err
		}

		return 0, err
	}

	h.Put(p)
	n := copy(p[wire.SwHeaderSize:], payload)

	return wire.SwHeaderSize + n, nil
}

// Write delivers one whole framed incoming message.
func (d *Device) Write(p []byte) (int, error) {
	return d.WriteContext(context.Background(), p)
}

// WriteContext is Write with a context. It waits while the previous incoming
// message has not been picked up yet.
func (d *Device) WriteContext(ctx context.Context, p []byte) (int, error) {
	h, payload, err := wire.UnmarshalSwMessage(p)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", d.name, err)
	}

	if len(p) != wire.SwHeaderSize+len(payload) {
		return 0, fmt.Errorf("%w: %s: write of %d bytes carries a message "+
			"of %d bytes", wire.ErrSize, d.name, len(p), len(payload))
	}

	if h.Size > d.maxSize {
		return 0, fmt.Errorf("%w: %s: message of %d bytes exceeds %d",
			wire.ErrSize, d.name, h.Size, d.maxSize)
	}

	err = d.rx.Put(ctx, h, payload)
	if err != nil {
		return 0, err
	}

	return wire.SwHeaderSize + len(payload), nil
}
