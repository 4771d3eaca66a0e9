package pointer

import (
	"sort"
	"sync"

	"memscope/pkg/logflags"
)

// Branch is one offset step of a pointer path. A branch without children
// is a leaf and terminates one path.
type Branch struct {
	Offset   int32     `json:"offset"`
	Branches []*Branch `json:"branches,omitempty"`
}

func NewBranch(offset int32, children ...*Branch) *Branch {
	return &Branch{Offset: offset, Branches: children}
}

func (b *Branch) Leaf() bool {
	return len(b.Branches) == 0
}

func (b *Branch) Add(children ...*Branch) *Branch {
	b.Branches = append(b.Branches, children...)
	return b
}

// Root is a static base address owning a forest of branches.
type Root struct {
	BaseAddress uint64    `json:"base"`
	Branches    []*Branch `json:"branches,omitempty"`
}

func NewRoot(base uint64, branches ...*Branch) *Root {
	return &Root{BaseAddress: base, Branches: branches}
}

// Collection holds the roots discovered by a pointer scan. Producers may
// call AddRoot concurrently; the forest must not be mutated while it is
// being enumerated.
type Collection struct {
	resolver Resolver
	dataType DataType

	mu    sync.RWMutex
	roots []*Root
	count uint64
	log   logflags.Logger
}

func NewCollection(resolver Resolver, dataType DataType) *Collection {
	if dataType == "" {
		dataType = Int32
	}
	return &Collection{
		resolver: resolver,
		dataType: dataType,
		log:      logflags.PointerLogger(),
	}
}

func (c *Collection) AddRoot(root *Root) {
	c.mu.Lock()
	c.roots = append(c.roots, root)
	c.mu.Unlock()
}

// Roots returns a snapshot of the root list.
func (c *Collection) Roots() []*Root {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Root(nil), c.roots...)
}

// Reset drops every root and the cached count.
func (c *Collection) Reset() {
	c.mu.Lock()
	c.roots = nil
	c.count = 0
	c.mu.Unlock()
}

// BuildCount walks the forest and caches the number of leaves. The cache
// is not maintained by AddRoot; call BuildCount again after mutating.
func (c *Collection) BuildCount() uint64 {
	roots := c.Roots()

	var count uint64
	var stack []*Branch
	for _, root := range roots {
		stack = append(stack[:0], root.Branches...)
		for len(stack) > 0 {
			b := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if b.Leaf() {
				count++
				continue
			}
			stack = append(stack, b.Branches...)
		}
	}

	c.mu.Lock()
	c.count = count
	c.mu.Unlock()
	c.log.Debugf("counted %d pointers in %d roots", count, len(roots))
	return count
}

// Count returns the value cached by the last BuildCount.
func (c *Collection) Count() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}

// Sort orders roots by ascending base address, keeping insertion order
// between equal bases.
func (c *Collection) Sort() {
	c.mu.Lock()
	sort.SliceStable(c.roots, func(i, j int) bool {
		return c.roots[i].BaseAddress < c.roots[j].BaseAddress
	})
	c.mu.Unlock()
}

// Pointers enumerates the leaves whose global index lies in [start, end].
// Leaves outside the window are never resolved and the walk stops as soon
// as the window is exhausted.
func (c *Collection) Pointers(start, end uint64) Iterator {
	return c.iterate(NewIndices(start, end))
}

// All enumerates and resolves every leaf.
func (c *Collection) All() Iterator {
	return c.iterate(&Indices{})
}

func (c *Collection) iterate(indices *Indices) Iterator {
	return newTreeIterator(c.Roots(), indices, c.resolver, c.dataType)
}
