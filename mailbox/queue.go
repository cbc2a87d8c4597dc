package mailbox

import "log"

// msgQueue is the strict FIFO of messages pending on a channel. Callers hold
// the channel lock.
type msgQueue struct {
	name     string
	capacity int
	elements []*Message
}

func newMsgQueue(name string, capacity int) *msgQueue {
	return &msgQueue{
		name:     name,
		capacity: capacity,
	}
}

func (q *msgQueue) CanPush() bool {
	return q.capacity <= 0 || len(q.elements) < q.capacity
}

func (q *msgQueue) Push(m *Message) {
	if !q.CanPush() {
		log.Panicf("%s: queue overflow", q.name)
	}

	q.elements = append(q.elements, m)
}

// Pop removes the head of the queue.
func (q *msgQueue) Pop() *Message {
	if len(q.elements) == 0 {
		return nil
	}

	m := q.elements[0]
	q.elements[0] = nil
	q.elements = q.elements[1:]

	return m
}

// Remove takes the first message with the given ID out of the queue.
func (q *msgQueue) Remove(id uint64) *Message {
	for i, m := range q.elements {
		if m.ID != id {
			continue
		}

		copy(q.elements[i:], q.elements[i+1:])
		q.elements[len(q.elements)-1] = nil
		q.elements = q.elements[:len(q.elements)-1]

		return m
	}

	return nil
}

// Find returns the first message with the given ID without removing it.
func (q *msgQueue) Find(id uint64) *Message {
	for _, m := range q.elements {
		if m.ID == id {
			return m
		}
	}

	return nil
}

func (q *msgQueue) Peek() *Message {
	if len(q.elements) == 0 {
		return nil
	}

	return q.elements[0]
}

func (q *msgQueue) Size() int {
	return len(q.elements)
}

// RemoveIf takes every message matching pred out of the queue, preserving
// the order of the rest.
func (q *msgQueue) RemoveIf(pred func(m *Message) bool) []*Message {
	var removed []*Message

	kept := q.elements[:0]
	for _, m := range q.elements {
		if pred(m) {
			removed = append(removed, m)
			continue
		}

		kept = append(kept, m)
	}

	for i := len(kept); i < len(q.elements); i++ {
		q.elements[i] = nil
	}

	q.elements = kept

	return removed
}

func (q *msgQueue) Each(fn func(m *Message)) {
	for _, m := range q.elements {
		fn(m)
	}
}

func (q *msgQueue) Clear() []*Message {
	elements := q.elements
	q.elements = nil

	return elements
}
