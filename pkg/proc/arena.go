package proc

import (
	"fmt"
	"sort"
	"sync"
)

const arenaAlign = 16

// Arena hands out small blocks from larger mappings obtained through
// grow, so that a remote mmap is only issued when the current mappings
// have no gap large enough.
type Arena struct {
	mu        sync.Mutex
	grow      func(size uint64) (uint64, error)
	chunk     uint64
	regions   []MemoryRegion
	allocated []MemoryRegion
}

// NewArena returns an Arena that maps at least chunk bytes at a time.
func NewArena(chunk uint64, grow func(size uint64) (uint64, error)) *Arena {
	return &Arena{grow: grow, chunk: chunk}
}

// Allocate returns the address of size free bytes.
func (a *Arena) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("cannot allocate 0 bytes")
	}
	size = alignUp(size, arenaAlign)

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.regions {
		if addr, found := findSpaceInRegion(a.allocated, r.Start, r.End, size); found {
			a.record(addr, size)
			return addr, nil
		}
	}

	n := a.chunk
	if size > n {
		n = alignUp(size, a.chunk)
	}
	base, err := a.grow(n)
	if err != nil {
		return 0, err
	}
	a.regions = append(a.regions, MemoryRegion{Start: base, End: base + n})
	a.record(base, size)
	return base, nil
}

// Free releases a block previously returned by Allocate.
func (a *Arena) Free(addr uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, r := range a.allocated {
		if r.Start == addr {
			a.allocated = append(a.allocated[:i], a.allocated[i+1:]...)
			return true
		}
	}
	return false
}

// Shares reports whether a block other than the ones overlapping
// [addr, addr+size) lies inside the pages spanning that range. Changing
// the protection of those pages would change that block too.
func (a *Arena) Shares(addr, size, page uint64) bool {
	start, end := PageSpan(addr, size, page)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.allocated {
		if r.End <= start || r.Start >= end {
			continue
		}
		if r.Start < addr+size && r.End > addr {
			continue
		}
		return true
	}
	return false
}

// PageSpan rounds [addr, addr+size) out to whole pages.
func PageSpan(addr, size, page uint64) (uint64, uint64) {
	return addr &^ (page - 1), alignUp(addr+size, page)
}

func (a *Arena) record(addr, size uint64) {
	// 记录分配
	a.allocated = append(a.allocated, MemoryRegion{
		Start: addr,
		End:   addr + size,
	})
	sort.Slice(a.allocated, func(i, j int) bool {
		return a.allocated[i].Start < a.allocated[j].Start
	})
}

// findSpaceInRegion returns the first gap of at least minSize bytes inside
// [regionStart, regionEnd) that no allocated block overlaps. allocated
// must be sorted by start address.
func findSpaceInRegion(allocated []MemoryRegion, regionStart, regionEnd, minSize uint64) (uint64, bool) {
	cursor := regionStart
	for _, r := range allocated {
		if r.End <= regionStart || r.Start >= regionEnd {
			continue
		}
		if r.Start >= cursor && r.Start-cursor >= minSize {
			return cursor, true
		}
		if r.End > cursor {
			cursor = r.End
		}
	}

	// 检查区域末尾的空间
	if regionEnd > cursor && regionEnd-cursor >= minSize {
		return cursor, true
	}
	return 0, false
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
