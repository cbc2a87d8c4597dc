// Package idgen generates the identifiers used by the mailbox: correlation IDs
// that pair a request with its response, and globally unique trace IDs.
package idgen

import (
	"math"
	"strconv"
	"sync/atomic"

	"github.com/rs/xid"
)

// Invalid is never handed out. The peer treats it as "no message".
const Invalid uint64 = math.MaxUint64

// IDGenerator can generate correlation IDs.
type IDGenerator interface {
	// Generate returns an ID that is unique among the IDs this generator has
	// returned so far. It never returns 0 or Invalid.
	Generate() uint64
}

// NewIDGenerator returns a generator that hands out IDs in sequence, starting
// right after seed. Different seeds let two mailboxes on the same host produce
// IDs that are easy to tell apart in traces.
func NewIDGenerator(seed uint64) IDGenerator {
	return &sequentialIDGenerator{nextID: seed}
}

type sequentialIDGenerator struct {
	nextID uint64
}

func (g *sequentialIDGenerator) Generate() uint64 {
	for {
		id := atomic.AddUint64(&g.nextID, 1)
		if id != 0 && id != Invalid {
			return id
		}
	}
}

// TraceIDGenerator generates string IDs for trace records.
type TraceIDGenerator interface {
	Generate() string
}

// NewTraceIDGenerator returns a generator of globally unique trace IDs. When
// sequential is set, the IDs are decimal numbers instead, which keeps test
// output deterministic.
func NewTraceIDGenerator(sequential bool) TraceIDGenerator {
	if sequential {
		return &sequentialTraceIDGenerator{}
	}

	return parallelTraceIDGenerator{}
}

type sequentialTraceIDGenerator struct {
	nextID uint64
}

func (g *sequentialTraceIDGenerator) Generate() string {
	idNumber := atomic.AddUint64(&g.nextID, 1)
	return strconv.FormatUint(idNumber, 10)
}

type parallelTraceIDGenerator struct {
}

func (g parallelTraceIDGenerator) Generate() string {
	return xid.New().String()
}
