//go:build linux

package native

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	e "memscope/error"
	"memscope/pkg/config"
	"memscope/pkg/logflags"
	"memscope/pkg/proc"
	"memscope/pkg/resolver"
)

const arenaChunk = 0x10000

// Process is a live local process that memscope reads, writes and
// watches. All ptrace requests are funnelled through a single locked OS
// thread because ptrace(2) expects every command after the attach to come
// from the tracer thread.
type Process struct {
	pid            int
	ptraceChan     chan func()
	ptraceDoneChan chan interface{}
	closeOnce      sync.Once

	bitness  proc.Bitness
	resolver *resolver.Resolver
	arena    *proc.Arena
	watcher  *hwWatcher
	retries  int
	log      logflags.Logger
}

// New opens pid for memory operations. It does not stop the process.
func New(pid int, tracerCfg config.TracerConfig, resolverCfg config.ResolverConfig) (*Process, error) {
	p := &Process{
		pid:            pid,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		retries:        tracerCfg.RearmRetries,
		log:            logflags.NativeLogger(),
	}
	if !p.Alive() {
		return nil, fmt.Errorf("pid %d: %w", pid, e.ProcessUnavailable)
	}

	exe, err := os.Open(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return nil, fmt.Errorf("could not open executable of %d: %w", pid, err)
	}
	p.bitness, err = proc.BitnessFromELF(exe)
	exe.Close()
	if err != nil {
		return nil, err
	}

	p.resolver, err = resolver.New(resolver.ProcMaps(pid), resolverCfg.CacheSize)
	if err != nil {
		return nil, err
	}
	p.arena = proc.NewArena(arenaChunk, p.mmap)
	p.watcher = newWatcher(p)

	go p.handlePtraceFuncs()
	return p, nil
}

func (p *Process) Pid() int {
	return p.pid
}

// Alive reports whether the process still exists.
func (p *Process) Alive() bool {
	ok, err := process.PidExists(int32(p.pid))
	return err == nil && ok
}

func (p *Process) Bitness() (proc.Bitness, error) {
	return p.bitness, nil
}

func (p *Process) Resolver() *resolver.Resolver {
	return p.resolver
}

func (p *Process) Resolve(addr uint64) (uint64, string) {
	return p.resolver.Resolve(addr)
}

func (p *Process) Watcher() proc.Watcher {
	return p.watcher
}

func (p *Process) ReadMemory(bs []byte, addr uint64) (int, error) {
	if len(bs) == 0 {
		return 0, nil
	}
	n, err := readMemory(p.pid, bs, uintptr(addr))
	if err != nil {
		return n, p.memError("read", addr, err)
	}
	return n, nil
}

func (p *Process) WriteMemory(addr uint64, bs []byte) (int, error) {
	if len(bs) == 0 {
		return 0, nil
	}
	n, err := writeMemory(p.pid, bs, uintptr(addr))
	if errors.Is(err, unix.EFAULT) {
		// process_vm_writev honours page protections, /proc/pid/mem does not.
		n, err = writeProcMem(p.pid, bs, addr)
	}
	if err != nil {
		return n, p.memError("write", addr, err)
	}
	return n, nil
}

func (p *Process) Allocate(size uint64) (uint64, error) {
	return p.arena.Allocate(size)
}

// Protect changes the protection of every page spanning [addr, addr+size).
// It refuses when one of those pages also holds another block handed out
// by Allocate; allocate at least a page and protect the page aligned part
// of it instead.
func (p *Process) Protect(addr, size uint64, prot proc.Protection) error {
	if size == 0 {
		return fmt.Errorf("cannot protect an empty range")
	}
	page := uint64(os.Getpagesize())
	if p.arena.Shares(addr, size, page) {
		return fmt.Errorf("protecting %#x+%#x would change other allocated blocks on the same page", addr, size)
	}
	start, end := proc.PageSpan(addr, size, page)
	_, err := p.remoteSyscall(unix.SYS_MPROTECT, start, end-start, uint64(prot))
	if err == nil {
		p.resolver.Refresh()
	}
	return err
}

func (p *Process) mmap(size uint64) (uint64, error) {
	const fdNone = ^uint64(0)
	addr, err := p.remoteSyscall(unix.SYS_MMAP, 0, size,
		uint64(unix.PROT_READ|unix.PROT_WRITE),
		uint64(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS), fdNone, 0)
	if err != nil {
		return 0, err
	}
	p.log.Debugf("mapped %#x bytes at %#x in %d", size, addr, p.pid)
	return addr, nil
}

func (p *Process) memError(op string, addr uint64, err error) error {
	if errors.Is(err, unix.ESRCH) || !p.Alive() {
		return fmt.Errorf("%s %#x: %w", op, addr, e.ProcessUnavailable)
	}
	return fmt.Errorf("%s %#x: %w", op, addr, err)
}

// Close disarms any watch and stops the ptrace thread.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.watcher.Disarm()
		close(p.ptraceChan)
	})
	return err
}

func (p *Process) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range p.ptraceChan {
		fn()
		p.ptraceDoneChan <- nil
	}
}

func (p *Process) execPtraceFunc(fn func()) {
	p.ptraceChan <- fn
	<-p.ptraceDoneChan
}

// threadIDs takes a snapshot of /proc/pid/task.
func threadIDs(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("pid %d: %w", pid, e.ProcessUnavailable)
		}
		return nil, err
	}

	tids := make([]int, 0, len(entries))
	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids, nil
}
