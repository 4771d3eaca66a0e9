package resolver

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"memscope/pkg/proc"
)

// Module is one file-backed image loaded in the target.
type Module struct {
	Name string
	Path string
	Base uint64
	End  uint64
}

func (m Module) Contains(addr uint64) bool {
	return addr >= m.Base && addr < m.End
}

type resolution struct {
	addr   uint64
	module string
}

// Source returns the current memory map of a target.
type Source func() ([]proc.MemoryRegion, error)

// ProcMaps reads the map of a local process.
func ProcMaps(pid int) Source {
	return func() ([]proc.MemoryRegion, error) {
		return proc.ReadMaps(pid)
	}
}

// Static serves a fixed map. Mostly useful for tests and remote targets
// that ship their map once.
func Static(regions []proc.MemoryRegion) Source {
	return func() ([]proc.MemoryRegion, error) {
		return regions, nil
	}
}

// Resolver converts absolute addresses to module relative ones.
type Resolver struct {
	source Source

	mu      sync.RWMutex
	modules []Module
	cache   *lru.Cache[uint64, resolution]
}

func New(source Source, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New[uint64, resolution](cacheSize)
	if err != nil {
		return nil, err
	}
	r := &Resolver{source: source, cache: cache}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh re-reads the memory map and drops cached lookups.
func (r *Resolver) Refresh() error {
	regions, err := r.source()
	if err != nil {
		return fmt.Errorf("could not read memory map: %w", err)
	}
	modules := Modules(regions)

	r.mu.Lock()
	r.modules = modules
	r.cache.Purge()
	r.mu.Unlock()
	return nil
}

// Resolve returns addr relative to the module containing it and that
// module's name. Addresses outside every module come back unchanged with
// an empty name.
func (r *Resolver) Resolve(addr uint64) (uint64, string) {
	if res, ok := r.cache.Get(addr); ok {
		return res.addr, res.module
	}

	r.mu.RLock()
	res := resolution{addr: addr}
	i := sort.Search(len(r.modules), func(i int) bool { return r.modules[i].End > addr })
	if i < len(r.modules) && r.modules[i].Contains(addr) {
		res = resolution{addr: addr - r.modules[i].Base, module: r.modules[i].Name}
	}
	r.mu.RUnlock()

	r.cache.Add(addr, res)
	return res.addr, res.module
}

// ModuleBase returns the load address of the named module.
func (r *Resolver) ModuleBase(name string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.modules {
		if m.Name == name {
			return m.Base, true
		}
	}
	return 0, false
}

func (r *Resolver) Modules() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Module(nil), r.modules...)
}

// Modules groups the file-backed regions by path. The result is sorted by
// base address.
func Modules(regions []proc.MemoryRegion) []Module {
	byPath := make(map[string]*Module)
	var order []string
	for _, region := range regions {
		if !region.FileBacked() {
			continue
		}
		m, ok := byPath[region.Path]
		if !ok {
			byPath[region.Path] = &Module{
				Name: filepath.Base(region.Path),
				Path: region.Path,
				Base: region.Start,
				End:  region.End,
			}
			order = append(order, region.Path)
			continue
		}
		if region.Start < m.Base {
			m.Base = region.Start
		}
		if region.End > m.End {
			m.End = region.End
		}
	}

	modules := make([]Module, 0, len(order))
	for _, path := range order {
		modules = append(modules, *byPath[path])
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].Base < modules[j].Base })
	return modules
}
