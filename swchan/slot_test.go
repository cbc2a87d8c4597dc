package swchan

import (
	"context"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/pfmailbox/hooking"
	"github.com/sarchlab/pfmailbox/wire"
)

var _ = Describe("Slot", func() {
	var (
		slot *Slot
		ctx  context.Context
	)

	BeforeEach(func() {
		slot = NewSlot("MBX.SW.TX")
		ctx = context.Background()
	})

	It("should hand over a message", func() {
		Expect(slot.Put(ctx, wire.SwHeader{ID: 1, Flags: 2}, []byte("abc"))).
			To(Succeed())

		h, ok := slot.Pending()
		Expect(ok).To(BeTrue())
		Expect(h).To(Equal(wire.SwHeader{ID: 1, Size: 3, Flags: 2}))

		h, payload, err := slot.Take(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.ID).To(Equal(uint64(1)))
		Expect(payload).To(Equal([]byte("abc")))

		_, ok = slot.Pending()
		Expect(ok).To(BeFalse())
	})

	It("should copy the payload on put", func() {
		buf := []byte("abc")
		Expect(slot.Put(ctx, wire.SwHeader{ID: 1}, buf)).To(Succeed())
		buf[0] = 'x'

		_, payload, _ := slot.TryTake()

		Expect(payload).To(Equal([]byte("abc")))
	})

	It("should block a put while occupied and never overwrite", func() {
		Expect(slot.Put(ctx, wire.SwHeader{ID: 1}, []byte("first"))).
			To(Succeed())

		var secondDone atomic.Bool
		go func() {
			defer GinkgoRecover()
			Expect(slot.Put(ctx, wire.SwHeader{ID: 2}, []byte("second"))).
				To(Succeed())
			secondDone.Store(true)
		}()

		Consistently(secondDone.Load, 50*time.Millisecond).Should(BeFalse())
		Expect(slot.TryPut(wire.SwHeader{ID: 3}, []byte("third"))).
			To(BeFalse())

		h, payload, err := slot.Take(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.ID).To(Equal(uint64(1)))
		Expect(payload).To(Equal([]byte("first")))

		Eventually(secondDone.Load).Should(BeTrue())

		h, payload, err = slot.Take(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.ID).To(Equal(uint64(2)))
		Expect(payload).To(Equal([]byte("second")))
	})

	It("should stop waiting when the context is done", func() {
		c, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()

		_, _, err := slot.Take(c)

		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("should fail waiters on close and recover on reopen", func() {
		errs := make(chan error, 1)
		go func() {
			_, _, err := slot.Take(ctx)
			errs <- err
		}()

		time.Sleep(10 * time.Millisecond)
		slot.Close()

		Eventually(errs).Should(Receive(MatchError(wire.ErrShutdown)))
		Expect(slot.TryPut(wire.SwHeader{ID: 1}, nil)).To(BeFalse())

		slot.Reopen()
		Expect(slot.TryPut(wire.SwHeader{ID: 1}, nil)).To(BeTrue())
	})

	It("should drop the message", func() {
		Expect(slot.TryPut(wire.SwHeader{ID: 1}, []byte("x"))).To(BeTrue())

		slot.Drop()

		_, ok := slot.Pending()
		Expect(ok).To(BeFalse())
	})

	It("should notify and invoke hooks on every change", func() {
		var notified int32
		var positions []*hooking.HookPos
		slot.SetNotify(func() { atomic.AddInt32(&notified, 1) })
		slot.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
			positions = append(positions, ctx.Pos)
		}))

		slot.TryPut(wire.SwHeader{ID: 1}, nil)
		slot.TryTake()
		slot.TryPut(wire.SwHeader{ID: 2}, nil)
		slot.Drop()

		Expect(atomic.LoadInt32(&notified)).To(Equal(int32(4)))
		Expect(positions).To(Equal([]*hooking.HookPos{
			HookPosSlotPut, HookPosSlotTake, HookPosSlotPut, HookPosSlotDrop,
		}))
	})

	It("should report readiness", func() {
		ready := slot.Ready()
		Expect(ready).NotTo(BeClosed())

		slot.TryPut(wire.SwHeader{ID: 1}, nil)

		Expect(ready).To(BeClosed())
		Expect(slot.Ready()).To(BeClosed())
	})
})
