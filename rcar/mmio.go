//go:build tinygo

package rcar

import (
	"runtime/volatile"
	"unsafe"
)

// MMIO is the RegisterBlock of a memory-mapped controller instance.
type MMIO struct {
	regs *[16]volatile.Register32
}

// NewMMIO maps the register block at the controller's physical base
// address, e.g. 0xE6500000 for the first instance on R-Car Gen3.
func NewMMIO(base uintptr) *MMIO {
	return &MMIO{regs: (*[16]volatile.Register32)(unsafe.Pointer(base))}
}

func (m *MMIO) Read(reg uint8) uint32 { return m.regs[reg/4].Get() }

func (m *MMIO) Write(reg uint8, v uint32) { m.regs[reg/4].Set(v) }
