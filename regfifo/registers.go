// Package regfifo moves fixed-size packets through the register block of a
// hardware mailbox FIFO shared by two PCIe physical functions.
package regfifo

// Register offsets, in bytes, of the mailbox register block.
const (
	RegWrData uint32 = 0x00
	RegRdData uint32 = 0x08
	RegStatus uint32 = 0x10
	RegError  uint32 = 0x14
	RegSIT    uint32 = 0x18
	RegRIT    uint32 = 0x1C
	RegIS     uint32 = 0x20
	RegIE     uint32 = 0x24
	RegIP     uint32 = 0x28
	RegCtrl   uint32 = 0x2C
)

// RegBlockSize is the number of bytes the register block spans.
const RegBlockSize = 0x30

// Bits of the STATUS and ERROR registers.
const (
	StatusEmpty uint32 = 1 << 0
	StatusFull  uint32 = 1 << 1
	StatusSTA   uint32 = 1 << 2
	StatusRTA   uint32 = 1 << 3
)

// Bits of the IS, IE and IP registers.
const (
	IntSTI uint32 = 1 << 0
	IntRTI uint32 = 1 << 1
)

// Bits of the CTRL register.
const (
	CtrlResetSend uint32 = 1 << 0
	CtrlResetRecv uint32 = 1 << 1
)

// InResetValue is what the STATUS and ERROR registers read while the device
// is being reset.
const InResetValue uint32 = 0xFFFFFFFF

// Registers gives 32-bit access to a mailbox register block.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// InterruptSource is implemented by register blocks that can raise an
// interrupt. Register blocks that cannot are driven in poll mode.
type InterruptSource interface {
	SetInterruptHandler(handler func())
}
