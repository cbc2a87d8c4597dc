package regfifo

import "sync"

// DefaultSimDepth is the FIFO depth, in words, of a simulated register pair.
const DefaultSimDepth = 16

// SimPair is two simulated register blocks wired back to back, so that what
// one side writes to WRDATA the other side reads from RDDATA. It stands in for
// the hardware when both functions run in one process.
type SimPair struct {
	A *SimRegisters
	B *SimRegisters
}

// NewSimPair creates a pair of register blocks with FIFOs of the given depth
// in words.
func NewSimPair(depth int) *SimPair {
	if depth < 1 {
		depth = DefaultSimDepth
	}

	mu := &sync.Mutex{}
	aToB := &simFIFO{depth: depth}
	bToA := &simFIFO{depth: depth}

	a := &SimRegisters{mu: mu, out: aToB, in: bToA}
	b := &SimRegisters{mu: mu, out: bToA, in: aToB}
	a.peer = b
	b.peer = a

	return &SimPair{A: a, B: b}
}

type simFIFO struct {
	depth int
	words []uint32
}

func (f *simFIFO) full() bool {
	return len(f.words) >= f.depth
}

func (f *simFIFO) push(w uint32) {
	f.words = append(f.words, w)
}

func (f *simFIFO) pop() uint32 {
	w := f.words[0]
	f.words = f.words[1:]

	return w
}

// SimRegisters is one side of a SimPair. It implements Registers and
// InterruptSource.
type SimRegisters struct {
	mu   *sync.Mutex
	peer *SimRegisters
	out  *simFIFO
	in   *simFIFO

	sit, rit uint32
	is, ie   uint32
	errBits  uint32
	inReset  bool
	handler  func()
}

// SetInterruptHandler registers the function called when an enabled interrupt
// becomes pending. The handler runs without any register lock held.
func (r *SimRegisters) SetInterruptHandler(handler func()) {
	r.mu.Lock()
	r.handler = handler
	r.mu.Unlock()
}

// SetInReset makes STATUS and ERROR read all ones, as a device under reset
// does.
func (r *SimRegisters) SetInReset(inReset bool) {
	r.mu.Lock()
	r.inReset = inReset
	r.mu.Unlock()
}

// Level returns the number of words waiting in the receive FIFO.
func (r *SimRegisters) Level() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.in.words)
}

// Read32 reads a register.
func (r *SimRegisters) Read32(off uint32) uint32 {
	r.mu.Lock()

	var v uint32
	var fire []func()

	switch off {
	case RegRdData:
		if len(r.in.words) == 0 {
			r.errBits |= StatusEmpty
		} else {
			v = r.in.pop()
			fire = r.peer.raiseSend(fire)
		}
	case RegStatus:
		v = r.status()
	case RegError:
		if r.inReset {
			v = InResetValue
		} else {
			v = r.errBits
			r.errBits = 0
		}
	case RegSIT:
		v = r.sit
	case RegRIT:
		v = r.rit
	case RegIS:
		v = r.is
	case RegIE:
		v = r.ie
	case RegIP:
		v = r.is & r.ie
	}

	r.mu.Unlock()
	callAll(fire)

	return v
}

// Write32 writes a register.
func (r *SimRegisters) Write32(off uint32, v uint32) {
	r.mu.Lock()

	var fire []func()

	switch off {
	case RegWrData:
		if r.out.full() {
			r.errBits |= StatusFull
		} else {
			r.out.push(v)
			fire = r.peer.raiseRecv(fire)
		}
	case RegSIT:
		r.sit = v
	case RegRIT:
		r.rit = v
	case RegIS:
		r.is &^= v
	case RegIE:
		r.ie = v & (IntSTI | IntRTI)
		fire = r.pending(fire)
	case RegCtrl:
		if v&CtrlResetSend != 0 {
			r.out.words = nil
		}

		if v&CtrlResetRecv != 0 {
			r.in.words = nil
		}
	}

	r.mu.Unlock()
	callAll(fire)
}

func (r *SimRegisters) status() uint32 {
	if r.inReset {
		return InResetValue
	}

	var st uint32

	if len(r.in.words) == 0 {
		st |= StatusEmpty
	}

	if r.out.full() {
		st |= StatusFull
	}

	if uint32(len(r.out.words)) <= r.sit {
		st |= StatusSTA
	}

	if uint32(len(r.in.words)) > r.rit {
		st |= StatusRTA
	}

	return st
}

// raiseSend is called after the peer drained a word from our send FIFO.
func (r *SimRegisters) raiseSend(fire []func()) []func() {
	if uint32(len(r.out.words)) <= r.sit {
		r.is |= IntSTI
	}

	return r.pending(fire)
}

// raiseRecv is called after the peer pushed a word into our receive FIFO.
func (r *SimRegisters) raiseRecv(fire []func()) []func() {
	if uint32(len(r.in.words)) > r.rit {
		r.is |= IntRTI
	}

	return r.pending(fire)
}

func (r *SimRegisters) pending(fire []func()) []func() {
	if r.is&r.ie != 0 && r.handler != nil {
		fire = append(fire, r.handler)
	}

	return fire
}

func callAll(fns []func()) {
	for _, f := range fns {
		f()
	}
}
