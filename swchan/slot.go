// Package swchan implements the software channel: a single-message slot per
// direction, and the pseudo-device through which a user-space daemon ferries
// whole messages between the two physical functions.
package swchan

import (
	"context"
	"fmt"
	"sync"

	"github.com/sarchlab/pfmailbox/hooking"
	"github.com/sarchlab/pfmailbox/wire"
)

// HookPosSlotPut marks a message placed into a slot.
var HookPosSlotPut = &hooking.HookPos{Name: "Slot Put"}

// HookPosSlotTake marks a message taken out of a slot.
var HookPosSlotTake = &hooking.HookPos{Name: "Slot Take"}

// HookPosSlotDrop marks a message discarded from a slot.
var HookPosSlotDrop = &hooking.HookPos{Name: "Slot Drop"}

// A Slot holds at most one in-flight message. Writers wait while it is
// occupied; nothing is ever overwritten.
type Slot struct {
	hooking.HookableBase

	name string

	mu      sync.Mutex
	changed chan struct{}
	full    bool
	closed  bool
	hdr     wire.SwHeader
	payload []byte
	notify  func()
}

// NewSlot creates an empty slot.
func NewSlot(name string) *Slot {
	return &Slot{
		name:    name,
		changed: make(chan struct{}),
	}
}

// Name returns the name of the slot.
func (s *Slot) Name() string {
	return s.name
}

// SetNotify registers a function called, without the slot lock held, every
// time a message is put, taken or dropped.
func (s *Slot) SetNotify(fn func()) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// broadcast wakes every waiter. Must hold s.mu.
func (s *Slot) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// wait blocks until cond holds, the slot is closed or ctx is done. It returns
// with s.mu held on success.
func (s *Slot) wait(ctx context.Context, cond func() bool) error {
	s.mu.Lock()

	for {
		if s.closed {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", wire.ErrShutdown, s.name)
		}

		if cond() {
			return nil
		}

		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}

		s.mu.Lock()
	}
}

// Put copies a message into the slot, waiting until the slot is empty.
func (s *Slot) Put(ctx context.Context, h wire.SwHeader, payload []byte) error {
	err := s.wait(ctx, func() bool { return !s.full })
	if err != nil {
		return err
	}

	s.fill(h, payload)

	return nil
}

// TryPut copies a message into the slot if it is empty.
func (s *Slot) TryPut(h wire.SwHeader, payload []byte) bool {
	s.mu.Lock()

	if s.closed || s.full {
		s.mu.Unlock()
		return false
	}

	s.fill(h, payload)

	return true
}

// fill stores the message and releases s.mu.
func (s *Slot) fill(h wire.SwHeader, payload []byte) {
	h.Size = uint64(len(payload))
	s.hdr = h
	s.payload = append([]byte(nil), payload...)
	s.full = true
	s.broadcast()

	s.unlockAndNotify(HookPosSlotPut, h)
}

// Take waits for a message and removes it from the slot.
func (s *Slot) Take(ctx context.Context) (wire.SwHeader, []byte, error) {
	return s.take(ctx, -1)
}

// take waits for a message. If the payload is longer than capacity, the
// header is returned with ErrSize and the message stays in the slot. A
// negative capacity means no limit.
func (s *Slot) take(
	ctx context.Context,
	capacity int,
) (wire.SwHeader, []byte, error) {
	err := s.wait(ctx, func() bool { return s.full })
	if err != nil {
		return wire.SwHeader{}, nil, err
	}

	h := s.hdr
	if capacity >= 0 && h.Size > uint64(capacity) {
		s.mu.Unlock()
		return h, nil, fmt.Errorf("%w: %s holds %d bytes, buffer has room for %d",
			wire.ErrSize, s.name, h.Size, capacity)
	}

	payload := s.empty()
	s.unlockAndNotify(HookPosSlotTake, h)

	return h, payload, nil
}

// TryTake removes the message from the slot if there is one.
func (s *Slot) TryTake() (wire.SwHeader, []byte, bool) {
	s.mu.Lock()

	if !s.full {
		s.mu.Unlock()
		return wire.SwHeader{}, nil, false
	}

	h := s.hdr
	payload := s.empty()
	s.unlockAndNotify(HookPosSlotTake, h)

	return h, payload, true
}

// Pending returns the header of the message in the slot, if any.
func (s *Slot) Pending() (wire.SwHeader, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hdr, s.full
}

// Drop discards the message in the slot, if any.
func (s *Slot) Drop() {
	s.mu.Lock()

	if !s.full {
		s.mu.Unlock()
		return
	}

	h := s.hdr
	s.empty()
	s.unlockAndNotify(HookPosSlotDrop, h)
}

// Ready returns a channel that is already closed if the slot holds a message,
// or that is closed on the next change of the slot otherwise.
func (s *Slot) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.full || s.closed {
		c := make(chan struct{})
		close(c)

		return c
	}

	return s.changed
}

// Close discards the message in the slot and fails every waiter with
// ErrShutdown until the slot is reopened.
func (s *Slot) Close() {
	s.mu.Lock()
	s.closed = true
	s.full = false
	s.payload = nil
	s.broadcast()
	s.mu.Unlock()
}

// Reopen makes a closed slot usable again.
func (s *Slot) Reopen() {
	s.mu.Lock()
	s.closed = false
	s.broadcast()
	s.mu.Unlock()
}

// empty frees the slot and returns the payload it held. Must hold s.mu.
func (s *Slot) empty() []byte {
	payload := s.payload
	s.payload = nil
	s.hdr = wire.SwHeader{}
	s.full = false
	s.broadcast()

	return payload
}

func (s *Slot) unlockAndNotify(pos *hooking.HookPos, h wire.SwHeader) {
	notify := s.notify
	s.mu.Unlock()

	if s.NumHooks() > 0 {
		s.InvokeHook(hooking.HookCtx{
			Domain: s,
			Pos:    pos,
			Item:   h,
		})
	}

	if notify != nil {
		notify()
	}
}
