package tracing

import "sync"

// DefaultMemoryCapacity is the number of records a MemoryBackend keeps by
// default.
const DefaultMemoryCapacity = 4096

// MemoryBackend keeps the most recent records in a ring.
type MemoryBackend struct {
	mu      sync.Mutex
	records []Record
	next    int
	full    bool
	total   uint64
}

// NewMemoryBackend creates a backend that keeps at most capacity records.
func NewMemoryBackend(capacity int) *MemoryBackend {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}

	return &MemoryBackend{
		records: make([]Record, capacity),
	}
}

// Write stores a record, overwriting the oldest one when the ring is full.
func (b *MemoryBackend) Write(r Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records[b.next] = r
	b.next = (b.next + 1) % len(b.records)
	b.total++

	if b.next == 0 {
		b.full = true
	}
}

// Flush does nothing.
func (b *MemoryBackend) Flush() {}

// Records returns the kept records, oldest first, that pass the filter. A nil
// filter passes everything.
func (b *MemoryBackend) Records(filter RecordFilter) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Record

	start, n := 0, b.next
	if b.full {
		start, n = b.next, len(b.records)
	}

	for i := 0; i < n; i++ {
		r := b.records[(start+i)%len(b.records)]
		if filter == nil || filter(r) {
			out = append(out, r)
		}
	}

	return out
}

// Total returns the number of records ever written.
func (b *MemoryBackend) Total() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.total
}
