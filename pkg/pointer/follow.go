package pointer

import (
	"context"
	"encoding/binary"
	"fmt"

	"memscope/pkg/proc"
)

// ModuleBaser looks up the load address of a module by name.
type ModuleBaser interface {
	ModuleBase(name string) (uint64, bool)
}

// Follow evaluates p against a live target: starting at the base address,
// every offset dereferences the current address and adds the offset. The
// returned address is where the value of p lives.
func Follow(ctx context.Context, mem proc.MemoryReader, modules ModuleBaser, p Pointer, ptrSize int) (uint64, error) {
	if ptrSize != 4 && ptrSize != 8 {
		return 0, fmt.Errorf("invalid pointer size %d", ptrSize)
	}

	addr := p.Address
	if p.Module != "" {
		base, ok := modules.ModuleBase(p.Module)
		if !ok {
			return 0, fmt.Errorf("module %s is not loaded", p.Module)
		}
		addr += base
	}

	buf := make([]byte, ptrSize)
	for i, off := range p.Offsets {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if _, err := mem.ReadMemory(buf, addr); err != nil {
			return 0, fmt.Errorf("could not dereference level %d at %#x: %w", i, addr, err)
		}
		if ptrSize == 4 {
			addr = uint64(binary.LittleEndian.Uint32(buf))
		} else {
			addr = binary.LittleEndian.Uint64(buf)
		}
		if addr == 0 {
			return 0, fmt.Errorf("nil pointer at level %d", i)
		}
		addr = uint64(int64(addr) + int64(off))
	}
	return addr, nil
}
