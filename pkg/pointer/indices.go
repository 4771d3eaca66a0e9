package pointer

// Indices is a window over the global leaf order. The zero value is
// unbounded: every leaf is inside it and it never finishes.
type Indices struct {
	start, end uint64
	bounded    bool
	next       uint64
}

// NewIndices returns the window [start, end]. An end before start is
// clamped to start.
func NewIndices(start, end uint64) *Indices {
	if end < start {
		end = start
	}
	return &Indices{start: start, end: end, bounded: true}
}

func (ix *Indices) Bounded() bool {
	return ix.bounded
}

func (ix *Indices) Start() uint64 {
	return ix.start
}

func (ix *Indices) End() uint64 {
	return ix.end
}

// Finished reports whether every index of the window has been claimed.
func (ix *Indices) Finished() bool {
	return ix.bounded && ix.next > ix.end
}

// IterateNext claims the next leaf index and reports whether it falls
// inside the window.
func (ix *Indices) IterateNext() bool {
	i := ix.next
	ix.next++
	if !ix.bounded {
		return true
	}
	return i >= ix.start && i <= ix.end
}
