//go:build linux && amd64

package native

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	e "memscope/error"
)

var syscallInsn = []byte{0x0f, 0x05}

// remoteSyscall makes the main thread of the process execute syscall nr
// with args and returns its result. The thread is seized for the duration
// of the call and restored afterwards.
func (p *Process) remoteSyscall(nr uint64, args ...uint64) (uint64, error) {
	if p.watcher.armed() {
		return 0, e.WatchBusy
	}
	if len(args) > 6 {
		return 0, fmt.Errorf("too many syscall arguments: %d", len(args))
	}
	var ret uint64
	var err error
	p.execPtraceFunc(func() { ret, err = p.injectSyscall(nr, args) })
	return ret, err
}

func (p *Process) injectSyscall(nr uint64, args []uint64) (ret uint64, err error) {
	tid := p.pid
	if err := ptraceSeize(tid, 0); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return 0, fmt.Errorf("pid %d: %w", tid, e.ProcessUnavailable)
		}
		return 0, fmt.Errorf("could not seize %d: %w", tid, err)
	}
	if err := ptraceInterrupt(tid); err != nil {
		ptraceDetach(tid, 0)
		return 0, err
	}
	ws, err := waitStopped(tid)
	if err != nil {
		return 0, err
	}
	resume := forwardedSignal(ws)
	defer func() {
		if derr := ptraceDetach(tid, resume); derr != nil && err == nil {
			err = derr
		}
	}()

	var saved unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &saved); err != nil {
		return 0, err
	}
	text := make([]byte, len(syscallInsn))
	if _, err := unix.PtracePeekText(tid, uintptr(saved.Rip), text); err != nil {
		return 0, err
	}
	if _, err := unix.PtracePokeText(tid, uintptr(saved.Rip), syscallInsn); err != nil {
		return 0, err
	}
	defer func() {
		unix.PtracePokeText(tid, uintptr(saved.Rip), text)
		unix.PtraceSetRegs(tid, &saved)
	}()

	regs := saved
	regs.Rax = nr
	regs.Orig_rax = ^uint64(0)
	argRegs := []*uint64{&regs.Rdi, &regs.Rsi, &regs.Rdx, &regs.R10, &regs.R8, &regs.R9}
	for i, arg := range args {
		*argRegs[i] = arg
	}
	if err := unix.PtraceSetRegs(tid, &regs); err != nil {
		return 0, err
	}
	if err := unix.PtraceSingleStep(tid); err != nil {
		return 0, err
	}
	ws, err = waitStopped(tid)
	if err != nil {
		return 0, err
	}
	if sig := ws.StopSignal(); sig != unix.SIGTRAP {
		return 0, fmt.Errorf("unexpected signal %v while executing syscall %d", sig, nr)
	}
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return 0, err
	}

	ret = regs.Rax
	if errno := -int64(ret); errno > 0 && errno < 4096 {
		return 0, fmt.Errorf("remote syscall %d: %w", nr, syscall.Errno(errno))
	}
	return ret, nil
}
