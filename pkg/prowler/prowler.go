package prowler

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/derekparker/trie"
	"github.com/hashicorp/go-multierror"

	"memscope/pkg/config"
	"memscope/pkg/logflags"
	"memscope/pkg/pointer"
	"memscope/pkg/proc"
	"memscope/pkg/proc/native"
	"memscope/pkg/proxy"
	"memscope/pkg/resolver"
	"memscope/pkg/tracer"
	"memscope/utils"

	mgrpc "memscope/service/grpc"
)

// Prowler is one attached process: the dispatcher every memory call goes
// through, the pointer forest loaded for it and its access tracer.
type Prowler struct {
	pid      int
	bitness  proc.Bitness
	target   proc.Target
	dataType pointer.DataType
	closers  []io.Closer

	modules *trie.Trie
	loaded  []resolver.Module
	forest  *pointer.Collection
	tracer  *tracer.Tracer
	log     logflags.Logger

	mu sync.Mutex
}

// Open attaches to a local process, starting a helper when its bitness
// differs from ours.
func Open(ctx context.Context, pid int, cfg *config.Config) (*Prowler, error) {
	local, err := native.New(pid, cfg.Tracer, cfg.Resolver)
	if err != nil {
		return nil, err
	}
	bitness, err := local.Bitness()
	if err != nil {
		local.Close()
		return nil, err
	}

	closers := []io.Closer{local}
	var remote proc.Target
	if bitness != proc.HostBitness() {
		h, err := mgrpc.NewLauncher(cfg.Proxy).Launch(ctx, bitness)
		if err != nil {
			local.Close()
			return nil, err
		}
		closers = append(closers, h)
		remote = proxy.NewRemoteTarget(h, pid, cfg.Proxy.PollInterval)
	}

	p, err := NewProwler(pid, proxy.NewDispatcher(bitness, local, remote), local.Resolver().Modules(), cfg)
	if err != nil {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
		return nil, err
	}
	p.closers = closers
	return p, nil
}

// NewProwler builds a session over an already opened target.
func NewProwler(pid int, target proc.Target, modules []resolver.Module, cfg *config.Config) (*Prowler, error) {
	bitness, err := target.Bitness()
	if err != nil {
		return nil, err
	}
	dt, err := pointer.ParseDataType(cfg.Pointer.DataType)
	if err != nil {
		return nil, err
	}

	p := &Prowler{
		pid:      pid,
		bitness:  bitness,
		target:   target,
		dataType: dt,
		forest:   pointer.NewCollection(target, dt),
		tracer:   tracer.New(target.Watcher(), cfg.Tracer, tracer.WithLocator(target, bitness)),
		log:      logflags.PointerLogger(),
	}

	// module index for completion and chain following
	t := trie.New()
	for _, m := range modules {
		t.Add(m.Name, m)
	}
	p.modules = t
	p.loaded = modules

	return p, nil
}

func (p *Prowler) Pid() int {
	return p.pid
}

func (p *Prowler) Bitness() proc.Bitness {
	return p.bitness
}

func (p *Prowler) Target() proc.Target {
	return p.target
}

func (p *Prowler) Forest() *pointer.Collection {
	return p.forest
}

func (p *Prowler) Tracer() *tracer.Tracer {
	return p.tracer
}

// LoadForest replaces the forest with the one stored at path and returns
// its pointer count.
func (p *Prowler) LoadForest(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.forest.Reset()
	if err := p.forest.Load(f); err != nil {
		return 0, err
	}
	p.forest.Sort()
	return p.forest.Count(), nil
}

func (p *Prowler) Count() uint64 {
	return p.forest.BuildCount()
}

// Pointers returns the resolved pointers with index in [start, end].
func (p *Prowler) Pointers(start, end uint64) ([]pointer.Pointer, error) {
	return pointer.Slice(p.forest.Pointers(start, end))
}

// Follow evaluates the pointer at index against the live process.
func (p *Prowler) Follow(ctx context.Context, index uint64) (pointer.Pointer, uint64, error) {
	ptrs, err := p.Pointers(index, index)
	if err != nil {
		return pointer.Pointer{}, 0, err
	}
	if len(ptrs) == 0 {
		return pointer.Pointer{}, 0, fmt.Errorf("no pointer at index %d", index)
	}
	addr, err := pointer.Follow(ctx, p.target, p, ptrs[0], p.bitness.PtrSize())
	return ptrs[0], addr, err
}

// ModuleBase returns the load address of a module of the process.
func (p *Prowler) ModuleBase(name string) (uint64, bool) {
	m, ok := p.module(name)
	return m.Base, ok
}

func (p *Prowler) module(name string) (resolver.Module, bool) {
	node, found := p.modules.Find(name)
	if !found {
		return resolver.Module{}, false
	}
	m, ok := node.Meta().(resolver.Module)
	return m, ok
}

// Describe returns the module of each name, skipping unknown names.
func (p *Prowler) Describe(names []string) []resolver.Module {
	var ms []resolver.Module
	for _, name := range names {
		if m, ok := p.module(name); ok {
			ms = append(ms, m)
		}
	}
	return ms
}

// Modules returns the modules known when the session was opened.
func (p *Prowler) Modules() []resolver.Module {
	return p.loaded
}

func (p *Prowler) ListFuzzy(expr string) []string {
	return p.modules.FuzzySearch(expr)
}

func (p *Prowler) ListModules(prefixes, suffixes []string) []string {
	all := len(prefixes) == 0 && len(suffixes) == 0

	var modules []string
	for _, name := range p.modules.PrefixSearch("") {
		if all || utils.PrefixIn(name, prefixes) || utils.SuffixIn(name, suffixes) {
			modules = append(modules, name)
		}
	}
	return modules
}

// Trace starts looking for the instructions that access addr.
func (p *Prowler) Trace(kind proc.AccessKind, addr, size uint64) error {
	return p.tracer.Find(addr, size, kind, func(res tracer.CodeTraceResult) {
		if res.Count == 1 {
			p.log.Infof("%s at %#x %s", res.Kind, res.Address, res.Instruction)
		}
	})
}

func (p *Prowler) StopTrace() error {
	return p.tracer.Stop()
}

func (p *Prowler) TraceResults() []tracer.CodeTraceResult {
	return p.tracer.Results()
}

func (p *Prowler) ReadMemory(bs []byte, addr uint64) (int, error) {
	return p.target.ReadMemory(bs, addr)
}

func (p *Prowler) WriteMemory(addr uint64, bs []byte) (int, error) {
	return p.target.WriteMemory(addr, bs)
}

// Close stops tracing and releases the process and helper.
func (p *Prowler) Close() error {
	var result *multierror.Error
	if err := p.tracer.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	p.closers = nil
	return result.ErrorOrNil()
}
