//go:build linux && amd64

package native

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	e "memscope/error"
	"memscope/pkg/logflags"
	"memscope/pkg/proc"
)

// offsetof(struct user, u_debugreg) on amd64
const debugRegOffset = 848

const detachTimeout = 5 * time.Second

// hwWatcher installs one hardware watchpoint (slot 0) on every thread of
// the process and reports hits from a wait loop goroutine.
type hwWatcher struct {
	p   *Process
	log logflags.Logger

	mu        sync.Mutex
	watch     *proc.Watch
	last      []byte
	threads   map[int]struct{}
	detaching bool
	done      chan struct{}

	onTrap func(proc.Trap)
	onExit func(error)
}

func newWatcher(p *Process) *hwWatcher {
	return &hwWatcher{p: p, log: logflags.NativeLogger()}
}

func (w *hwWatcher) OnTrap(fn func(proc.Trap)) {
	w.mu.Lock()
	w.onTrap = fn
	w.mu.Unlock()
}

func (w *hwWatcher) OnExit(fn func(error)) {
	w.mu.Lock()
	w.onExit = fn
	w.mu.Unlock()
}

func (w *hwWatcher) armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watch != nil
}

// Arm seizes every thread of the process and programs the watch into its
// debug registers. Threads created while arming are picked up by
// re-reading the task list, threads created later by PTRACE_O_TRACECLONE.
func (w *hwWatcher) Arm(watch proc.Watch) error {
	if err := watch.Validate(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watch != nil {
		return e.WatchBusy
	}

	last := make([]byte, watch.Size)
	if _, err := w.p.ReadMemory(last, watch.Address); err != nil {
		return err
	}

	w.threads = make(map[int]struct{})
	seen := make(map[int]bool)
	for attempt := 0; attempt <= w.p.retries; attempt++ {
		tids, err := threadIDs(w.p.pid)
		if err != nil {
			w.releaseLocked()
			return err
		}
		fresh := 0
		for _, tid := range tids {
			if seen[tid] {
				continue
			}
			seen[tid] = true
			fresh++

			err := w.seize(tid, watch)
			switch {
			case err == nil:
				w.threads[tid] = struct{}{}
			case errors.Is(err, unix.ESRCH), errors.Is(err, e.ProcessUnavailable):
				// thread exited under us
			case errors.Is(err, unix.EPERM) && attempt > 0:
				// auto-attached through a clone event, the wait loop installs it
			case errors.Is(err, unix.EPERM):
				w.releaseLocked()
				return fmt.Errorf("pid %d is already being traced: %w", w.p.pid, err)
			default:
				w.releaseLocked()
				return fmt.Errorf("could not seize thread %d: %w", tid, err)
			}
		}
		if fresh == 0 {
			break
		}
	}
	if len(w.threads) == 0 {
		return fmt.Errorf("pid %d: %w", w.p.pid, e.ProcessUnavailable)
	}

	w.watch = &watch
	w.last = last
	w.detaching = false
	w.done = make(chan struct{})
	w.log.Debugf("armed %s watch at %#x (%d bytes) on %d threads", watch.Kind, watch.Address, watch.Size, len(w.threads))

	go w.loop(w.done)
	return nil
}

// Disarm interrupts every traced thread; the wait loop clears the debug
// registers and detaches each one as its stop arrives.
func (w *hwWatcher) Disarm() error {
	w.mu.Lock()
	if w.watch == nil {
		w.mu.Unlock()
		return nil
	}
	done := w.done
	if w.detaching {
		w.mu.Unlock()
		<-done
		return nil
	}
	w.detaching = true

	var result *multierror.Error
	for tid := range w.threads {
		var err error
		w.p.execPtraceFunc(func() { err = ptraceInterrupt(tid) })
		if err != nil && !errors.Is(err, unix.ESRCH) {
			result = multierror.Append(result, fmt.Errorf("thread %d: %w", tid, err))
		}
	}
	w.mu.Unlock()

	select {
	case <-done:
	case <-time.After(detachTimeout):
		result = multierror.Append(result, fmt.Errorf("timed out detaching from %d", w.p.pid))
	}

	w.mu.Lock()
	w.watch = nil
	w.detaching = false
	w.mu.Unlock()
	return result.ErrorOrNil()
}

// releaseLocked detaches from threads seized by a failed Arm.
func (w *hwWatcher) releaseLocked() {
	for tid := range w.threads {
		w.p.execPtraceFunc(func() {
			if err := ptraceInterrupt(tid); err != nil {
				return
			}
			ws, err := waitStopped(tid)
			if err != nil {
				return
			}
			clearDebugRegs(tid)
			ptraceDetach(tid, forwardedSignal(ws))
		})
	}
	w.threads = nil
}

func (w *hwWatcher) seize(tid int, watch proc.Watch) error {
	var err error
	w.p.execPtraceFunc(func() {
		if err = ptraceSeize(tid, unix.PTRACE_O_TRACECLONE); err != nil {
			return
		}
		if err = ptraceInterrupt(tid); err != nil {
			return
		}
		var ws unix.WaitStatus
		if ws, err = waitStopped(tid); err != nil {
			return
		}
		if err = installDebugRegs(tid, watch); err != nil {
			ptraceDetach(tid, forwardedSignal(ws))
			return
		}
		err = unix.PtraceCont(tid, forwardedSignal(ws))
	})
	return err
}

func (w *hwWatcher) loop(done chan struct{}) {
	defer close(done)
	for {
		var ws unix.WaitStatus
		tid, err := unix.Wait4(-1, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			w.finish(fmt.Errorf("wait: %w", err))
			return
		}

		trap, hit, last := w.handle(tid, ws)
		if hit {
			w.mu.Lock()
			fn := w.onTrap
			w.mu.Unlock()
			if fn != nil {
				fn(trap)
			}
		}
		if last {
			w.finish(nil)
			return
		}
	}
}

// handle processes one wait status. It reports a trap when the watch
// fired and last once no traced thread remains.
func (w *hwWatcher) handle(tid int, ws unix.WaitStatus) (trap proc.Trap, hit bool, last bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ws.Exited() || ws.Signaled() {
		delete(w.threads, tid)
		return trap, false, len(w.threads) == 0
	}
	if !ws.Stopped() {
		return trap, false, false
	}

	if w.detaching {
		w.p.execPtraceFunc(func() {
			clearDebugRegs(tid)
			ptraceDetach(tid, forwardedSignal(ws))
		})
		delete(w.threads, tid)
		return trap, false, len(w.threads) == 0
	}

	if _, known := w.threads[tid]; !known {
		// first stop of a thread auto-attached on clone
		w.threads[tid] = struct{}{}
		w.p.execPtraceFunc(func() {
			if err := installDebugRegs(tid, *w.watch); err != nil {
				w.log.Warnf("could not install watch on new thread %d: %v", tid, err)
			}
			unix.PtraceCont(tid, forwardedSignal(ws))
		})
		return trap, false, false
	}

	switch ptraceEvent(ws) {
	case unix.PTRACE_EVENT_CLONE:
		w.p.execPtraceFunc(func() {
			if msg, err := unix.PtraceGetEventMsg(tid); err == nil {
				w.log.Debugf("thread %d cloned %d", tid, msg)
			}
			unix.PtraceCont(tid, 0)
		})
		return trap, false, false
	case 0:
		if ws.StopSignal() == unix.SIGTRAP {
			w.p.execPtraceFunc(func() { trap, hit = w.checkHit(tid) })
			if hit {
				trap.Kind = w.classify()
				w.p.execPtraceFunc(func() { unix.PtraceCont(tid, 0) })
				return trap, true, false
			}
		}
	}

	w.p.execPtraceFunc(func() { unix.PtraceCont(tid, forwardedSignal(ws)) })
	return trap, false, false
}

// checkHit reads DR6 of a stopped thread. Must run on the ptrace thread.
func (w *hwWatcher) checkHit(tid int) (proc.Trap, bool) {
	var dr6, dr7 uint64
	var err error
	if dr6, err = peekDebugReg(tid, 6); err != nil {
		return proc.Trap{}, false
	}
	if dr7, err = peekDebugReg(tid, 7); err != nil {
		return proc.Trap{}, false
	}
	var addrs [4]uint64
	drs := NewDebugRegisters(&addrs[0], &addrs[1], &addrs[2], &addrs[3], &dr6, &dr7)
	ok, idx := drs.GetActiveWatch()
	if !ok || idx != 0 {
		return proc.Trap{}, false
	}
	if drs.Dirty {
		pokeDebugReg(tid, 6, dr6)
	}

	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return proc.Trap{}, false
	}
	return proc.Trap{ThreadID: tid, PC: regs.Rip}, true
}

// classify tells reads from writes by comparing the watched bytes with
// the last observed value. Must be called with w.mu held.
func (w *hwWatcher) classify() proc.AccessKind {
	if w.watch.Kind == proc.AccessWrite {
		w.p.ReadMemory(w.last, w.watch.Address)
		return proc.AccessWrite
	}
	cur := make([]byte, len(w.last))
	if _, err := w.p.ReadMemory(cur, w.watch.Address); err != nil {
		return proc.AccessRead
	}
	if bytes.Equal(cur, w.last) {
		return proc.AccessRead
	}
	w.last = cur
	return proc.AccessWrite
}

func (w *hwWatcher) finish(err error) {
	w.mu.Lock()
	detaching := w.detaching
	fn := w.onExit
	if !detaching {
		w.watch = nil
		w.threads = nil
	}
	w.mu.Unlock()

	if detaching {
		return
	}
	if err != nil {
		w.log.Debugf("wait loop for %d ended: %v", w.p.pid, err)
	}
	if fn != nil {
		fn(fmt.Errorf("pid %d: %w", w.p.pid, e.ProcessUnavailable))
	}
}

func installDebugRegs(tid int, watch proc.Watch) error {
	var addrs [4]uint64
	var dr6, dr7 uint64
	drs := NewDebugRegisters(&addrs[0], &addrs[1], &addrs[2], &addrs[3], &dr6, &dr7)
	if err := drs.SetWatch(0, watch); err != nil {
		return err
	}
	if err := pokeDebugReg(tid, 0, addrs[0]); err != nil {
		return err
	}
	return pokeDebugReg(tid, 7, dr7)
}

func clearDebugRegs(tid int) error {
	dr7, err := peekDebugReg(tid, 7)
	if err != nil {
		return err
	}
	var addrs [4]uint64
	var dr6 uint64
	drs := NewDebugRegisters(&addrs[0], &addrs[1], &addrs[2], &addrs[3], &dr6, &dr7)
	drs.ClearWatch(0)
	if !drs.Dirty {
		return nil
	}
	if err := pokeDebugReg(tid, 7, dr7); err != nil {
		return err
	}
	return pokeDebugReg(tid, 0, 0)
}

func peekDebugReg(tid int, idx uintptr) (uint64, error) {
	var val uint64
	_, _, err := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_PEEKUSR, uintptr(tid), debugRegOffset+idx*8, uintptr(unsafe.Pointer(&val)), 0, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return val, nil
}

func pokeDebugReg(tid int, idx uintptr, val uint64) error {
	_, _, err := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_POKEUSR, uintptr(tid), debugRegOffset+idx*8, uintptr(val), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}
