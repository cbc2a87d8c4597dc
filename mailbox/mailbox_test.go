package mailbox

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/pfmailbox/hooking"
	"github.com/sarchlab/pfmailbox/idgen"
	"github.com/sarchlab/pfmailbox/regfifo"
	"github.com/sarchlab/pfmailbox/swchan"
	"github.com/sarchlab/pfmailbox/wire"
)

func testBuilder(name string, seed uint64) Builder {
	return MakeBuilder().
		WithTickInterval(2 * time.Millisecond).
		WithPollInterval(50 * time.Microsecond).
		WithHardwareTTL(time.Second).
		WithSoftwareTTL(time.Second).
		WithResponseTTL(2 * time.Second).
		WithProgressTTL(500 * time.Millisecond).
		WithLogger(testLogger(name)).
		WithIDGenerator(idgen.NewIDGenerator(seed))
}

func peerData(data string) []byte {
	return wire.Request{Kind: wire.KindPeerData, Data: []byte(data)}.Marshal()
}

func echo(m *Mailbox) {
	m.Listen(func(req []byte, id uint64, _ bool) {
		resp := append([]byte("re:"), req...)
		_ = m.PostResponse(wire.KindOf(req), id, resp)
	})
}

func countHook(counter *atomic.Int64) hooking.Hook {
	return hooking.HookFunc(func(hooking.HookCtx) {
		counter.Add(1)
	})
}

func ferry(ctx context.Context, a, b *Mailbox) {
	go func() { _ = swchan.Ferry(ctx, a.Device(), b.Device(), 0) }()
	go func() { _ = swchan.Ferry(ctx, b.Device(), a.Device(), 0) }()
}

var _ = Describe("Mailbox", func() {
	var (
		a, b   *Mailbox
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()

		for _, m := range []*Mailbox{a, b} {
			if m != nil {
				m.Stop()
			}
		}

		a, b = nil, nil
	})

	Context("over the hardware FIFO", func() {
		var pair *regfifo.SimPair

		build := func(builder func(Builder) Builder) {
			pair = regfifo.NewSimPair(regfifo.DefaultSimDepth)
			a = builder(testBuilder("A", 0)).WithRegisters(pair.A).Build("A")
			b = builder(testBuilder("B", 1<<32)).WithRegisters(pair.B).Build("B")
		}

		for _, interrupts := range []bool{false, true} {
			interrupts := interrupts

			Context("with interrupts "+map[bool]string{
				false: "disabled", true: "enabled",
			}[interrupts], func() {
				BeforeEach(func() {
					build(func(bd Builder) Builder {
						return bd.WithInterrupts(interrupts)
					})
					echo(b)
					a.Start()
					b.Start()
				})

				It("should exchange a request and its response", func() {
					resp := make([]byte, 64)

					n, err := a.Request(peerData("hello"), resp)

					Expect(err).NotTo(HaveOccurred())
					Expect(resp[:n]).To(Equal(append([]byte("re:"),
						peerData("hello")...)))
					Expect(a.Status().Interrupts).To(Equal(interrupts))
				})

				It("should exchange many requests in order", func() {
					for i := 0; i < 10; i++ {
						req := peerData(string(rune('a' + i)))
						resp := make([]byte, 64)

						n, err := a.Request(req, resp)

						Expect(err).NotTo(HaveOccurred())
						Expect(resp[:n]).To(Equal(append([]byte("re:"), req...)))
					}
				})
			})
		}

		It("should split a large message across many packets", func() {
			build(func(bd Builder) Builder {
				return bd.WithMaxPayload(44)
			})
			echo(b)
			a.Start()
			b.Start()

			var packets atomic.Int64
			a.Transport().AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
				if ctx.Pos == regfifo.HookPosPacketSend {
					packets.Add(1)
				}
			}))

			data := bytes.Repeat([]byte{0x5a}, 5000-wire.RequestHeaderSize)
			req := wire.Request{Kind: wire.KindPeerData, Data: data}.Marshal()
			resp := make([]byte, 8192)

			n, err := a.Request(req, resp)

			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(5003))
			Expect(resp[3:n]).To(Equal(req))
			Expect(packets.Load()).To(Equal(int64(114)))
		})

		Context("when both sides are running", func() {
			BeforeEach(func() {
				build(func(bd Builder) Builder { return bd })
				echo(b)
				a.Start()
				b.Start()
			})

			It("should deliver asynchronous responses to the callback", func() {
				got := make(chan []byte, 1)

				err := a.RequestAsync(peerData("async"), 64,
					func(resp []byte, err error) {
						defer GinkgoRecover()
						Expect(err).NotTo(HaveOccurred())
						got <- append([]byte(nil), resp...)
					})

				Expect(err).NotTo(HaveOccurred())
				Eventually(got).Should(Receive(Equal(append([]byte("re:"),
					peerData("async")...))))
			})

			It("should never move two messages on a channel at once", func() {
				var active, violations atomic.Int32

				a.TX().AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
					switch ctx.Pos {
					case HookPosMsgStart:
						if active.Add(1) > 1 {
							violations.Add(1)
						}
					case HookPosMsgDone:
						active.Add(-1)
					}
				}))

				var wg sync.WaitGroup
				for i := 0; i < 16; i++ {
					wg.Add(1)

					go func() {
						defer GinkgoRecover()
						defer wg.Done()

						_, err := a.Request(peerData("concurrent"), make([]byte, 64))
						Expect(err).NotTo(HaveOccurred())
					}()
				}

				wg.Wait()
				Expect(violations.Load()).To(BeZero())
			})

			It("should fail a request whose response does not fit", func() {
				_, err := a.Request(peerData("hello"), make([]byte, 4))

				Expect(err).To(MatchError(wire.ErrSize))

				n, err := a.Request(peerData("again"), make([]byte, 64))
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(3 + len(peerData("again"))))
			})

			It("should silently drop a response nobody waits for", func() {
				Expect(b.PostResponse(wire.KindPeerData, 0xdead,
					[]byte("stray"))).To(Succeed())

				n, err := a.Request(peerData("after"), make([]byte, 64))

				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(3 + len(peerData("after"))))
			})

			It("should refuse a disabled request kind", func() {
				Expect(a.Set(StateChanDisable, wire.KindPeerData.Bit())).
					To(Succeed())

				_, err := a.Request(peerData("x"), make([]byte, 64))

				Expect(err).To(MatchError(wire.ErrDisabled))
				Expect(a.PostNotify(peerData("x"))).To(MatchError(wire.ErrDisabled))
			})

			It("should count received requests by kind", func() {
				_, err := a.Request(peerData("x"), make([]byte, 64))
				Expect(err).NotTo(HaveOccurred())

				Expect(a.Metrics().MessagesSent).To(BeNumerically(">=", 1))
				Expect(a.Metrics().MessagesReceived).To(BeNumerically(">=", 1))
				Expect(b.Metrics().RequestsReceived).
					To(HaveKeyWithValue("peer_data", uint64(1)))
			})

			It("should exchange the test message", func() {
				Expect(a.SetTestMessage([]byte("hello peer"))).To(Succeed())

				msg, err := b.ReadPeerTestMessage()

				Expect(err).NotTo(HaveOccurred())
				Expect(msg).To(Equal([]byte("hello peer")))
			})

			It("should refuse an oversized test message", func() {
				Expect(a.SetTestMessage(make([]byte, TestMessageSize+1))).
					To(MatchError(wire.ErrSize))
			})

			It("should send a raw test packet", func() {
				Expect(a.SendTestPacket([]byte("pkt"))).To(Succeed())

				Eventually(b.TestPacket).Should(Equal([]byte("pkt")))
			})

			It("should move switched request kinds over the software channel", func() {
				ferry(ctx, a, b)

				Expect(a.Set(StateChanSwitch, wire.KindPeerData.Bit())).To(Succeed())
				Expect(b.Set(StateChanSwitch, wire.KindPeerData.Bit())).To(Succeed())

				var packets atomic.Int64
				a.Transport().AcceptHook(countHook(&packets))
				b.Transport().AcceptHook(countHook(&packets))

				var software atomic.Bool
				a.RX().AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
					if ctx.Pos == HookPosMsgDone {
						software.Store(ctx.Item.(*Message).Software)
					}
				}))

				n, err := a.Request(peerData("sw"), make([]byte, 64))

				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(3 + len(peerData("sw"))))
				Expect(packets.Load()).To(BeZero())
				Expect(software.Load()).To(BeTrue())
			})

			It("should fail every request with ErrShutdown once stopped", func() {
				a.Stop()

				Expect(a.Running()).To(BeFalse())
				_, err := a.Request(peerData("x"), make([]byte, 64))
				Expect(err).To(MatchError(wire.ErrShutdown))

				a.Start()
				_, err = a.Request(peerData("x"), make([]byte, 64))
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when the peer is not running", func() {
			BeforeEach(func() {
				build(func(bd Builder) Builder {
					return bd.WithResponseTTL(50 * time.Millisecond)
				})
				a.Start()
			})

			It("should mark the peer dead after a timeout", func() {
				_, err := a.Request(peerData("anyone?"), make([]byte, 64))

				Expect(err).To(MatchError(wire.ErrTimeout))
				Expect(a.Connected()).To(BeFalse())
				Expect(a.Metrics().Timeouts).To(Equal(uint64(1)))
			})

			It("should refuse requests without touching the FIFO while the peer is dead", func() {
				_, err := a.Request(peerData("anyone?"), make([]byte, 64))
				Expect(err).To(MatchError(wire.ErrTimeout))

				var packets atomic.Int64
				a.Transport().AcceptHook(countHook(&packets))

				_, err = a.Request(peerData("again"), make([]byte, 64))

				Expect(err).To(MatchError(wire.ErrNotConnected))
				Expect(packets.Load()).To(BeZero())
			})

			It("should recover once the peer is heard from", func() {
				_, err := a.Request(peerData("anyone?"), make([]byte, 64))
				Expect(err).To(MatchError(wire.ErrTimeout))

				echo(b)
				b.Start()
				Expect(b.PostNotify(peerData("i am here"))).To(Succeed())

				Eventually(a.Connected).Should(BeTrue())

				n, err := a.Request(peerData("hello"), make([]byte, 64))
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(3 + len(peerData("hello"))))
			})
		})

		It("should fail pending requests with ErrShutdown on stop", func() {
			build(func(bd Builder) Builder { return bd })
			a.Start()

			errs := make(chan error, 1)

			Expect(a.RequestAsync(peerData("x"), 64,
				func(_ []byte, err error) { errs <- err })).To(Succeed())

			a.Stop()

			Eventually(errs).Should(Receive(MatchError(wire.ErrShutdown)))
		})
	})

	Context("over the software channel only", func() {
		BeforeEach(func() {
			a = testBuilder("A", 0).Build("A")
			b = testBuilder("B", 1<<32).Build("B")
			echo(b)
			a.Start()
			b.Start()
		})

		It("should exchange a request and its response", func() {
			ferry(ctx, a, b)

			resp := make([]byte, 64)
			n, err := a.Request(peerData("hello"), resp)

			Expect(err).NotTo(HaveOccurred())
			Expect(resp[:n]).To(Equal(append([]byte("re:"), peerData("hello")...)))
			Expect(a.Status().SoftwareOnly).To(BeTrue())
		})

		It("should fail a request whose response does not fit", func() {
			ferry(ctx, a, b)

			_, err := a.Request(peerData("hello"), make([]byte, 4))

			Expect(err).To(MatchError(wire.ErrSize))
		})

		It("should time out a message no daemon picks up", func() {
			a.Stop()
			a = testBuilder("A", 0).
				WithSoftwareTTL(20 * time.Millisecond).
				Build("A")
			a.Start()

			_, err := a.Request(peerData("hello"), make([]byte, 64))

			Expect(err).To(MatchError(wire.ErrTimeout))
			_, pending := a.txSlot.Pending()
			Expect(pending).To(BeFalse())
		})

		It("should refuse test packets", func() {
			Expect(a.SendTestPacket([]byte("x"))).To(MatchError(wire.ErrTransport))
		})

		It("should report the daemon state", func() {
			Expect(a.Get(StateDaemon)).To(Equal(uint64(0)))

			ferry(ctx, a, b)

			Eventually(func() uint64 {
				v, _ := a.Get(StateDaemon)
				return v
			}).Should(Equal(uint64(1)))
		})
	})
})
