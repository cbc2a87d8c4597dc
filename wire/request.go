package wire

import (
	"encoding/binary"
	"fmt"
)

// Message flags carried in MSG_START packets and software channel headers.
const (
	FlagResponse    uint32 = 1 << 0
	FlagRequest     uint32 = 1 << 1
	FlagRecvRequest uint32 = 1 << 2
)

// RequestKind identifies the operation a request asks the peer to perform.
type RequestKind uint32

// Request kinds known to both physical functions. KindUserProbe is the
// liveness probe and always travels over the hardware channel.
const (
	KindUnknown RequestKind = iota
	KindTestReady
	KindTestRead
	KindLockBitstream
	KindUnlockBitstream
	KindHotReset
	KindFirewall
	KindLoadXclbinKaddr
	KindLoadXclbin
	KindReclock
	KindPeerData
	KindUserProbe
	KindMgmtState
	KindChgShell
	KindProgramShell
	KindReadP2PBarAddr
	KindSDRData
	KindLoadXclbinSlotKaddr
	KindLoadXclbinSlot
	KindMax
)

var kindNames = [...]string{
	"unknown",
	"test_ready",
	"test_read",
	"lock_bitstream",
	"unlock_bitstream",
	"hot_reset",
	"firewall",
	"load_xclbin_kaddr",
	"load_xclbin",
	"reclock",
	"peer_data",
	"user_probe",
	"mgmt_state",
	"chg_shell",
	"program_shell",
	"read_p2p_bar_addr",
	"sdr_data",
	"load_xclbin_slot_kaddr",
	"load_xclbin_slot",
}

func (k RequestKind) String() string {
	if k < KindMax {
		return kindNames[k]
	}

	return fmt.Sprintf("kind(%d)", uint32(k))
}

// Bit returns the bit of the kind in per-kind bitmaps.
func (k RequestKind) Bit() uint64 {
	return 1 << uint64(k)
}

// RequestHeaderSize is the size of the request envelope header:
//
//	offset  size  field
//	0       8     request flags
//	8       4     request kind
//	12      -     request data
const RequestHeaderSize = 12

// A Request is the envelope every request and notification starts with.
type Request struct {
	Flags uint64
	Kind  RequestKind
	Data  []byte
}

// Marshal encodes the request envelope.
func (r Request) Marshal() []byte {
	b := make([]byte, RequestHeaderSize+len(r.Data))
	binary.LittleEndian.PutUint64(b[0:], r.Flags)
	binary.LittleEndian.PutUint32(b[8:], uint32(r.Kind))
	copy(b[RequestHeaderSize:], r.Data)

	return b
}

// UnmarshalRequest decodes a request envelope. Data aliases b.
func UnmarshalRequest(b []byte) (Request, error) {
	if len(b) < RequestHeaderSize {
		return Request{}, fmt.Errorf("%w: request of %d bytes has no header",
			ErrSize, len(b))
	}

	return Request{
		Flags: binary.LittleEndian.Uint64(b[0:]),
		Kind:  RequestKind(binary.LittleEndian.Uint32(b[8:])),
		Data:  b[RequestHeaderSize:],
	}, nil
}

// KindOf extracts the request kind from a request buffer. Buffers too short
// to carry a header are KindUnknown.
func KindOf(b []byte) RequestKind {
	if len(b) < RequestHeaderSize {
		return KindUnknown
	}

	return RequestKind(binary.LittleEndian.Uint32(b[8:]))
}

// ParseKind returns the kind with the given name.
func ParseKind(name string) (RequestKind, error) {
	for k, n := range kindNames {
		if n == name {
			return RequestKind(k), nil
		}
	}

	return KindUnknown, fmt.Errorf("%w: request kind %q", ErrInvalidKind, name)
}
