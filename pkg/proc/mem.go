package proc

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
// Redundant with memoryReadWriter but more easily suited to working with
// the standard io package.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// MemoryReadWriter is an interface for reading or writing to
// the targets memory. This allows us to read from the actual
// target memory or possibly a cache.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// Protection is a set of page protection bits, same values as PROT_*.
type Protection uint32

const (
	ProtNone  Protection = 0x0
	ProtRead  Protection = 0x1
	ProtWrite Protection = 0x2
	ProtExec  Protection = 0x4
)

func (p Protection) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// ParseProtection parses the first three characters of a maps permission
// string such as "r-xp".
func ParseProtection(perms string) Protection {
	var p Protection
	if len(perms) > 0 && perms[0] == 'r' {
		p |= ProtRead
	}
	if len(perms) > 1 && perms[1] == 'w' {
		p |= ProtWrite
	}
	if len(perms) > 2 && perms[2] == 'x' {
		p |= ProtExec
	}
	return p
}

// Allocator reserves memory inside the target.
type Allocator interface {
	Allocate(size uint64) (uint64, error)
}

// Protector changes the page protection of a target range.
type Protector interface {
	Protect(addr, size uint64, prot Protection) error
}

// Target is every memory and debugger primitive the engine needs from a
// process, whether it runs locally or behind the bitness proxy.
type Target interface {
	MemoryReadWriter
	Allocator
	Protector
	Bitness() (Bitness, error)
	Resolve(addr uint64) (uint64, string)
	Watcher() Watcher
}
