// Package tracing records what moves through a mailbox: packets through the
// register FIFO, messages through the software slots, and messages through
// the channels.
package tracing

import "time"

// A Record is one traced event.
type Record struct {
	ID    string    `json:"id"`
	Time  time.Time `json:"time"`
	Where string    `json:"where"`
	What  string    `json:"what"`
	MsgID uint64    `json:"msg_id"`
	Bytes int       `json:"bytes"`
	Err   string    `json:"err,omitempty"`
}

// A Backend stores records.
type Backend interface {
	Write(r Record)
	Flush()
}

// RecordFilter selects interesting records.
type RecordFilter func(r Record) bool

type multiBackend []Backend

// NewMultiBackend returns a backend that writes every record to all the
// given backends.
func NewMultiBackend(backends ...Backend) Backend {
	if len(backends) == 1 {
		return backends[0]
	}

	return multiBackend(backends)
}

func (m multiBackend) Write(r Record) {
	for _, b := range m {
		b.Write(r)
	}
}

func (m multiBackend) Flush() {
	for _, b := range m {
		b.Flush()
	}
}
