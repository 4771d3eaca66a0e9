package proc

import (
	"fmt"

	e "memscope/error"
)

// AccessKind is the kind of memory access a watch traps on.
type AccessKind uint8

const (
	AccessWrite AccessKind = 1 << iota
	AccessRead
	AccessReadWrite = AccessRead | AccessWrite
)

func (k AccessKind) String() string {
	switch k {
	case AccessWrite:
		return "write"
	case AccessRead:
		return "read"
	case AccessReadWrite:
		return "access"
	}
	return fmt.Sprintf("AccessKind(%d)", uint8(k))
}

// ParseAccessKind accepts the spellings used by the CLI and the proxy.
func ParseAccessKind(s string) (AccessKind, error) {
	switch s {
	case "write", "writes", "w":
		return AccessWrite, nil
	case "read", "reads", "r":
		return AccessRead, nil
	case "access", "accesses", "rw", "a":
		return AccessReadWrite, nil
	}
	return 0, fmt.Errorf("unknown access kind %q", s)
}

// BreakpointSize is a watch granularity supported by the hardware.
type BreakpointSize uint8

const (
	B1 BreakpointSize = 1
	B2 BreakpointSize = 2
	B4 BreakpointSize = 4
	B8 BreakpointSize = 8
)

// SizeToBreakpointSize maps a byte count onto a watch granularity. It never
// rounds: rounding would change which accesses are observed.
func SizeToBreakpointSize(size uint64) (BreakpointSize, error) {
	switch size {
	case 1, 2, 4, 8:
		return BreakpointSize(size), nil
	}
	return 0, fmt.Errorf("%d bytes: %w", size, e.UnsupportedSize)
}

// Watch describes one hardware watchpoint.
type Watch struct {
	Address uint64         `json:"address"`
	Size    BreakpointSize `json:"size"`
	Kind    AccessKind     `json:"kind"`
}

// Validate checks the size and the alignment the debug registers require.
func (w Watch) Validate() error {
	if _, err := SizeToBreakpointSize(uint64(w.Size)); err != nil {
		return err
	}
	if w.Address%uint64(w.Size) != 0 {
		return fmt.Errorf("%#x/%d: %w", w.Address, w.Size, e.MisalignedAddress)
	}
	if w.Kind == 0 || w.Kind&^AccessReadWrite != 0 {
		return fmt.Errorf("invalid access kind %d", w.Kind)
	}
	return nil
}

// Trap is reported by a Watcher each time the watched condition is hit.
// PC is the program counter of the trapping thread, which on x86 points
// just past the accessing instruction.
type Trap struct {
	ThreadID int        `json:"tid"`
	PC       uint64     `json:"pc"`
	Kind     AccessKind `json:"kind"`
}

// Watcher is the hardware watch capability of a target. Handlers are
// invoked from whatever goroutine observed the event.
type Watcher interface {
	Arm(w Watch) error
	Disarm() error
	OnTrap(handler func(Trap))
	OnExit(handler func(error))
}
