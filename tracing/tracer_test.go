package tracing

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/pfmailbox/hooking"
	"github.com/sarchlab/pfmailbox/idgen"
	"github.com/sarchlab/pfmailbox/mailbox"
	"github.com/sarchlab/pfmailbox/regfifo"
	"github.com/sarchlab/pfmailbox/swchan"
	"github.com/sarchlab/pfmailbox/wire"
)

var _ = Describe("Tracer", func() {
	var (
		backend *MemoryBackend
		tracer  *Tracer
	)

	BeforeEach(func() {
		backend = NewMemoryBackend(16)
		tracer = NewTracer(backend)
		tracer.ids = idgen.NewTraceIDGenerator(true)
	})

	It("should record packets", func() {
		tracer.Func(hooking.HookCtx{
			Domain: swchan.NewSlot("A.FIFO"),
			Pos:    regfifo.HookPosPacketSend,
			Item: wire.Packet{
				Type:    wire.PacketMsgStart,
				ID:      7,
				Payload: []byte("abc"),
			},
		})

		records := backend.Records(nil)
		Expect(records).To(HaveLen(1))
		Expect(records[0].ID).To(Equal("1"))
		Expect(records[0].Where).To(Equal("A.FIFO"))
		Expect(records[0].What).To(Equal("packet_send:msg_start"))
		Expect(records[0].MsgID).To(Equal(uint64(7)))
		Expect(records[0].Bytes).To(Equal(3))
	})

	It("should record slot changes with their error", func() {
		tracer.Func(hooking.HookCtx{
			Domain: swchan.NewSlot("A.SW.TX"),
			Pos:    swchan.HookPosSlotDrop,
			Item:   wire.SwHeader{ID: 3, Size: 10},
			Detail: errors.New("gone"),
		})

		records := backend.Records(nil)
		Expect(records).To(HaveLen(1))
		Expect(records[0].What).To(Equal("slot_drop"))
		Expect(records[0].Bytes).To(Equal(10))
		Expect(records[0].Err).To(Equal("gone"))
	})

	It("should ignore items it does not know", func() {
		tracer.Func(hooking.HookCtx{Item: 42})

		Expect(backend.Records(nil)).To(BeEmpty())
	})

	It("should apply the filter", func() {
		tracer.SetFilter(func(r Record) bool { return r.MsgID == 2 })

		for id := uint64(1); id <= 3; id++ {
			tracer.Func(hooking.HookCtx{
				Pos:  swchan.HookPosSlotPut,
				Item: wire.SwHeader{ID: id},
			})
		}

		records := backend.Records(nil)
		Expect(records).To(HaveLen(1))
		Expect(records[0].MsgID).To(Equal(uint64(2)))
	})

	It("should refuse to trace a domain twice", func() {
		slot := swchan.NewSlot("S")
		CollectTrace(slot, tracer)

		Expect(func() { CollectTrace(slot, tracer) }).To(Panic())
	})
})

var _ = Describe("MemoryBackend", func() {
	It("should keep the most recent records in order", func() {
		b := NewMemoryBackend(3)

		for i := uint64(1); i <= 5; i++ {
			b.Write(Record{MsgID: i})
		}

		records := b.Records(nil)
		Expect(records).To(HaveLen(3))
		Expect(records[0].MsgID).To(Equal(uint64(3)))
		Expect(records[2].MsgID).To(Equal(uint64(5)))
		Expect(b.Total()).To(Equal(uint64(5)))
	})
})

var _ = Describe("Tracing a mailbox pair", func() {
	var (
		a, b    *mailbox.Mailbox
		backend *MemoryBackend
		cancel  context.CancelFunc
	)

	build := func(name string, seed uint64, regs regfifo.Registers) *mailbox.Mailbox {
		return mailbox.MakeBuilder().
			WithRegisters(regs).
			WithTickInterval(2 * time.Millisecond).
			WithPollInterval(50 * time.Microsecond).
			WithLogger(log.New(io.Discard, "", 0)).
			WithIDGenerator(idgen.NewIDGenerator(seed)).
			Build(name)
	}

	BeforeEach(func() {
		pair := regfifo.NewSimPair(regfifo.DefaultSimDepth)
		a = build("A", 0, pair.A)
		b = build("B", 1<<32, pair.B)

		b.Listen(func(req []byte, id uint64, _ bool) {
			_ = b.PostResponse(wire.KindOf(req), id, req)
		})

		backend = NewMemoryBackend(0)
		tracer := NewTracer(backend)
		CollectMailbox(a, tracer)
		CollectMailbox(b, tracer)

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		go func() { _ = swchan.Ferry(ctx, a.Device(), b.Device(), 0) }()
		go func() { _ = swchan.Ferry(ctx, b.Device(), a.Device(), 0) }()

		a.Start()
		b.Start()
	})

	AfterEach(func() {
		cancel()
		a.Stop()
		b.Stop()
	})

	isPacket := func(r Record) bool {
		return r.Where == "A.FIFO" || r.Where == "B.FIFO"
	}

	It("should see hardware packets for a hardware request", func() {
		req := wire.Request{Kind: wire.KindPeerData}.Marshal()

		_, err := a.Request(req, make([]byte, 64))

		Expect(err).NotTo(HaveOccurred())
		Expect(backend.Records(isPacket)).NotTo(BeEmpty())
	})

	It("should see no packet for a kind switched to software", func() {
		Expect(a.Set(mailbox.StateChanSwitch, wire.KindPeerData.Bit())).
			To(Succeed())
		Expect(b.Set(mailbox.StateChanSwitch, wire.KindPeerData.Bit())).
			To(Succeed())

		req := wire.Request{Kind: wire.KindPeerData}.Marshal()

		_, err := a.Request(req, make([]byte, 64))

		Expect(err).NotTo(HaveOccurred())
		Expect(backend.Records(isPacket)).To(BeEmpty())
		Expect(backend.Records(func(r Record) bool {
			return r.What == "slot_take"
		})).NotTo(BeEmpty())
	})
})
