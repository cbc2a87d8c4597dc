package mailbox

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("msgQueue", func() {
	var q *msgQueue

	msg := func(id uint64) *Message {
		return &Message{ID: id}
	}

	BeforeEach(func() {
		q = newMsgQueue("Q", 3)
	})

	It("should keep FIFO order", func() {
		q.Push(msg(1))
		q.Push(msg(2))

		Expect(q.Peek().ID).To(Equal(uint64(1)))
		Expect(q.Pop().ID).To(Equal(uint64(1)))
		Expect(q.Pop().ID).To(Equal(uint64(2)))
		Expect(q.Pop()).To(BeNil())
	})

	It("should panic on overflow", func() {
		q.Push(msg(1))
		q.Push(msg(2))
		q.Push(msg(3))

		Expect(q.CanPush()).To(BeFalse())
		Expect(func() { q.Push(msg(4)) }).To(Panic())
	})

	It("should remove by id", func() {
		q.Push(msg(1))
		q.Push(msg(2))
		q.Push(msg(3))

		Expect(q.Find(2)).NotTo(BeNil())
		Expect(q.Remove(2).ID).To(Equal(uint64(2)))
		Expect(q.Remove(2)).To(BeNil())
		Expect(q.Size()).To(Equal(2))
		Expect(q.Pop().ID).To(Equal(uint64(1)))
		Expect(q.Pop().ID).To(Equal(uint64(3)))
	})

	It("should remove matching messages in order", func() {
		for i := uint64(1); i <= 3; i++ {
			q.Push(msg(i))
		}

		removed := q.RemoveIf(func(m *Message) bool { return m.ID != 2 })

		Expect(removed).To(HaveLen(2))
		Expect(removed[0].ID).To(Equal(uint64(1)))
		Expect(removed[1].ID).To(Equal(uint64(3)))
		Expect(q.Size()).To(Equal(1))
		Expect(q.Peek().ID).To(Equal(uint64(2)))
	})

	It("should clear", func() {
		q.Push(msg(1))
		q.Push(msg(2))

		Expect(q.Clear()).To(HaveLen(2))
		Expect(q.Size()).To(Equal(0))
	})
})
