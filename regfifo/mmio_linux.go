//go:build linux

package regfifo

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MMIO is a register block mapped from a PCIe BAR resource file, such as
// /sys/bus/pci/devices/0000:65:00.1/resource0.
type MMIO struct {
	file *os.File
	mem  []byte
	base int
}

// OpenMMIO maps the register block found at offset within the resource file
// at path.
func OpenMMIO(path string, offset int64) (*MMIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}

	pageSize := int64(os.Getpagesize())
	aligned := offset &^ (pageSize - 1)
	base := int(offset - aligned)

	mem, err := unix.Mmap(int(f.Fd()), aligned, base+RegBlockSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s at %#x: %w", path, offset, err)
	}

	return &MMIO{file: f, mem: mem, base: base}, nil
}

func (m *MMIO) reg(off uint32) *uint32 {
	if off >= RegBlockSize || off%4 != 0 {
		panic(fmt.Sprintf("invalid mailbox register offset %#x", off))
	}

	return (*uint32)(unsafe.Pointer(&m.mem[m.base+int(off)]))
}

// Read32 reads a register.
func (m *MMIO) Read32(off uint32) uint32 {
	return atomic.LoadUint32(m.reg(off))
}

// Write32 writes a register.
func (m *MMIO) Write32(off uint32, v uint32) {
	atomic.StoreUint32(m.reg(off), v)
}

// Close unmaps the register block.
func (m *MMIO) Close() error {
	err := unix.Munmap(m.mem)
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}

	return err
}
