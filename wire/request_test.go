package wire

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Request", func() {
	It("should carry the kind at offset 8", func() {
		b := Request{Kind: KindHotReset, Data: []byte("x")}.Marshal()

		Expect(b).To(HaveLen(RequestHeaderSize + 1))
		Expect(b[8]).To(Equal(byte(KindHotReset)))
		Expect(KindOf(b)).To(Equal(KindHotReset))
	})

	It("should decode the envelope", func() {
		b := Request{Flags: 3, Kind: KindPeerData, Data: []byte("abc")}.Marshal()

		r, err := UnmarshalRequest(b)

		Expect(err).NotTo(HaveOccurred())
		Expect(r.Flags).To(Equal(uint64(3)))
		Expect(r.Kind).To(Equal(KindPeerData))
		Expect(r.Data).To(Equal([]byte("abc")))
	})

	It("should treat short buffers as unknown", func() {
		Expect(KindOf([]byte("PING"))).To(Equal(KindUnknown))

		_, err := UnmarshalRequest([]byte("PING"))
		Expect(err).To(MatchError(ErrSize))
	})

	It("should name kinds", func() {
		Expect(KindUserProbe.String()).To(Equal("user_probe"))
		Expect(RequestKind(99).String()).To(Equal("kind(99)"))
		Expect(KindUserProbe.Bit()).To(Equal(uint64(1) << 11))
	})

	It("should parse kind names", func() {
		k, err := ParseKind("peer_data")
		Expect(err).NotTo(HaveOccurred())
		Expect(k).To(Equal(KindPeerData))

		_, err = ParseKind("nope")
		Expect(err).To(MatchError(ErrInvalidKind))
	})
})

var _ = Describe("SwHeader", func() {
	It("should frame and parse a message", func() {
		b := MarshalSwMessage(SwHeader{ID: 5, Flags: FlagRequest}, []byte("hi"))

		Expect(b).To(HaveLen(SwHeaderSize + 2))

		h, payload, err := UnmarshalSwMessage(b)
		Expect(err).NotTo(HaveOccurred())
		Expect(h).To(Equal(SwHeader{ID: 5, Size: 2, Flags: FlagRequest}))
		Expect(payload).To(Equal([]byte("hi")))
	})

	It("should reject a zero id", func() {
		b := MarshalSwMessage(SwHeader{ID: 0}, []byte("hi"))

		_, _, err := UnmarshalSwMessage(b)

		Expect(err).To(MatchError(ErrTransport))
	})

	It("should reject a truncated payload", func() {
		b := MarshalSwMessage(SwHeader{ID: 1}, []byte("hello"))

		_, _, err := UnmarshalSwMessage(b[:len(b)-1])

		Expect(err).To(MatchError(ErrSize))
	})

	It("should reject a short header", func() {
		_, err := ParseSwHeader(make([]byte, 4))

		Expect(err).To(MatchError(ErrSize))
	})
})
