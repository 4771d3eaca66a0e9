package tracer

import (
	"golang.org/x/arch/x86/x86asm"

	"memscope/pkg/proc"
)

// maxInsnLen is the longest x86 instruction.
const maxInsnLen = 15

// locator finds the instruction that caused a data breakpoint. Data
// breakpoints are reported after the access, so the trap PC is the
// address of the next instruction.
type locator struct {
	mem  proc.MemoryReader
	mode int
}

// locate returns the address and Intel syntax of the memory accessing
// instruction ending at pc, or pc itself when none decodes. Longer
// candidates win: a short suffix of the real instruction often decodes as
// well.
func (l *locator) locate(pc uint64) (uint64, string) {
	n := uint64(maxInsnLen)
	if pc < n {
		n = pc
	}
	if n == 0 {
		return pc, ""
	}
	buf := make([]byte, n)
	if _, err := l.mem.ReadMemory(buf, pc-n); err != nil {
		return pc, ""
	}

	for k := n; k >= 1; k-- {
		inst, err := x86asm.Decode(buf[n-k:], l.mode)
		if err != nil || uint64(inst.Len) != k || !accessesMemory(inst) {
			continue
		}
		addr := pc - k
		return addr, x86asm.IntelSyntax(inst, addr, nil)
	}
	return pc, ""
}

func accessesMemory(inst x86asm.Inst) bool {
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if _, ok := arg.(x86asm.Mem); ok {
			return true
		}
	}
	switch inst.Op {
	case x86asm.PUSH, x86asm.POP, x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ,
		x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ,
		x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ:
		return true
	}
	return false
}
