package pointer

// Iterator is a pull iterator over resolved pointers.
type Iterator interface {
	// Next advances the iterator and returns true if another value was found.
	Next() bool

	// At returns the value at the current iterator position.
	At() Pointer

	// Err returns the last error of the iterator.
	Err() error

	Close() error
}

// Resolver maps an absolute address to a module relative one.
type Resolver interface {
	Resolve(addr uint64) (uint64, string)
}

// ErrResolver is a Resolver that can fail to answer, for example when it
// asks another process. An address outside every module is not an error.
type ErrResolver interface {
	ResolveErr(addr uint64) (uint64, string, error)
}

type frame struct {
	branches []*Branch
	pos      int
}

// treeIterator walks the forest depth first with an explicit stack. It
// owns every piece of traversal state, so several iterators can walk the
// same forest at once.
type treeIterator struct {
	roots    []*Root
	rootPos  int
	base     uint64
	stack    []frame
	offsets  []int32
	indices  *Indices
	resolver Resolver
	dataType DataType

	cur     Pointer
	visited uint64
	closed  bool
	err     error
}

func newTreeIterator(roots []*Root, indices *Indices, resolver Resolver, dataType DataType) *treeIterator {
	return &treeIterator{
		roots:    roots,
		indices:  indices,
		resolver: resolver,
		dataType: dataType,
	}
}

func (it *treeIterator) Next() bool {
	for !it.closed {
		if it.indices.Finished() {
			// nothing past the window can be emitted, drop the rest of the walk
			it.release()
			return false
		}

		if len(it.stack) == 0 {
			if it.rootPos >= len(it.roots) {
				return false
			}
			root := it.roots[it.rootPos]
			it.rootPos++
			if len(root.Branches) == 0 {
				continue
			}
			it.base = root.BaseAddress
			it.stack = append(it.stack, frame{branches: root.Branches})
			continue
		}

		top := &it.stack[len(it.stack)-1]
		if top.pos >= len(top.branches) {
			if len(it.stack) > 1 {
				it.offsets = it.offsets[:len(it.offsets)-1]
			}
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}

		branch := top.branches[top.pos]
		top.pos++
		if !branch.Leaf() {
			it.offsets = append(it.offsets, branch.Offset)
			it.stack = append(it.stack, frame{branches: branch.Branches})
			continue
		}

		it.visited++
		if !it.indices.IterateNext() {
			continue
		}

		offsets := make([]int32, len(it.offsets)+1)
		copy(offsets, it.offsets)
		offsets[len(it.offsets)] = branch.Offset

		addr, module, err := it.resolve(it.base)
		if err != nil {
			it.err = err
			it.closed = true
			it.release()
			return false
		}
		it.cur = Pointer{
			Address:  addr,
			Module:   module,
			DataType: it.dataType,
			Offsets:  offsets,
		}
		return true
	}
	return false
}

func (it *treeIterator) resolve(base uint64) (uint64, string, error) {
	switch r := it.resolver.(type) {
	case nil:
		return base, "", nil
	case ErrResolver:
		return r.ResolveErr(base)
	default:
		addr, module := r.Resolve(base)
		return addr, module, nil
	}
}

func (it *treeIterator) At() Pointer {
	return it.cur
}

func (it *treeIterator) Err() error {
	return it.err
}

func (it *treeIterator) Close() error {
	it.closed = true
	it.release()
	return nil
}

func (it *treeIterator) release() {
	it.roots = nil
	it.stack = nil
	it.offsets = nil
}

// Slice drains it.
func Slice(it Iterator) ([]Pointer, error) {
	defer it.Close()
	var result []Pointer
	for it.Next() {
		result = append(result, it.At())
	}
	return result, it.Err()
}
