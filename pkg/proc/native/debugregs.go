package native

import (
	"fmt"

	"memscope/pkg/proc"
)

// DebugRegisters represents x86 debug registers described in the Intel 64
// and IA-32 Architectures Software Developer's Manual, Vol. 3B, section
// 17.2
type DebugRegisters struct {
	pAddrs     [4]*uint64
	pDR6, pDR7 *uint64
	Dirty      bool
}

func NewDebugRegisters(pDR0, pDR1, pDR2, pDR3, pDR6, pDR7 *uint64) *DebugRegisters {
	return &DebugRegisters{
		pAddrs: [4]*uint64{pDR0, pDR1, pDR2, pDR3},
		pDR6:   pDR6,
		pDR7:   pDR7,
		Dirty:  false,
	}
}

func lenrwBitsOffset(idx uint8) uint8 {
	return 16 + idx*4
}

func enableBitOffset(idx uint8) uint8 {
	return idx * 2
}

// SetWatch programs slot idx. x86 has no read-only condition, so any watch
// that includes reads is installed as read/write.
func (drs *DebugRegisters) SetWatch(idx uint8, w proc.Watch) error {
	if int(idx) >= len(drs.pAddrs) {
		return fmt.Errorf("hardware breakpoints exhausted")
	}

	var lenrw uint64
	switch {
	case w.Kind == proc.AccessWrite:
		lenrw = 0x1
	case w.Kind&proc.AccessRead != 0:
		lenrw = 0x3
	default:
		return fmt.Errorf("invalid access kind %v", w.Kind)
	}
	switch w.Size {
	case proc.B1:
		// already ok
	case proc.B2:
		lenrw |= 0x1 << 2
	case proc.B4:
		lenrw |= 0x3 << 2
	case proc.B8:
		lenrw |= 0x2 << 2
	default:
		return fmt.Errorf("data breakpoint of size %d not supported", w.Size)
	}

	*(drs.pAddrs[idx]) = w.Address
	*(drs.pDR7) &^= (0xf << lenrwBitsOffset(idx)) // clear old settings
	*(drs.pDR7) |= lenrw << lenrwBitsOffset(idx)
	*(drs.pDR7) |= 1 << enableBitOffset(idx) // enable
	drs.Dirty = true
	return nil
}

// ClearWatch disables slot idx. If it was already disabled it does nothing.
func (drs *DebugRegisters) ClearWatch(idx uint8) {
	if *(drs.pDR7)&(1<<enableBitOffset(idx)) == 0 {
		return
	}
	*(drs.pDR7) &^= (1 << enableBitOffset(idx))
	*(drs.pAddrs[idx]) = 0
	drs.Dirty = true
}

// GetActiveWatch returns the slot whose condition fired and resets the
// condition flags.
func (drs *DebugRegisters) GetActiveWatch() (ok bool, idx uint8) {
	for idx := uint8(0); idx < uint8(len(drs.pAddrs)); idx++ {
		enable := *(drs.pDR7) & (1 << enableBitOffset(idx))
		if enable == 0 {
			continue
		}
		if *(drs.pDR6)&(1<<idx) != 0 {
			*drs.pDR6 &^= 0xf // it is our responsibility to clear the condition bits
			drs.Dirty = true
			return true, idx
		}
	}
	return false, 0
}
