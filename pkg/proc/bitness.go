package proc

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"strconv"
)

// Bitness is the address width of a process in bits.
type Bitness int

const (
	Bits32 Bitness = 32
	Bits64 Bitness = 64
)

// HostBitness is the address width of the running memscope binary.
func HostBitness() Bitness {
	return Bitness(strconv.IntSize)
}

// PtrSize is the pointer size in bytes.
func (b Bitness) PtrSize() int {
	return int(b) / 8
}

func (b Bitness) String() string {
	return strconv.Itoa(int(b)) + "-bit"
}

// BitnessFromELF reads the ELF identification of an executable.
func BitnessFromELF(r io.ReaderAt) (Bitness, error) {
	ident := make([]byte, elf.EI_NIDENT)
	if _, err := r.ReadAt(ident, 0); err != nil {
		return 0, fmt.Errorf("could not read elf identification: %w", err)
	}
	if !bytes.Equal(ident[:len(elf.ELFMAG)], []byte(elf.ELFMAG)) {
		return 0, fmt.Errorf("bad elf magic % x", ident[:4])
	}

	switch elf.Class(ident[elf.EI_CLASS]) {
	case elf.ELFCLASS32:
		return Bits32, nil
	case elf.ELFCLASS64:
		return Bits64, nil
	}
	return 0, fmt.Errorf("unknown elf class %d", ident[elf.EI_CLASS])
}
