//go:build linux

package native

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	e "memscope/error"
)

func ptraceSeize(tid int, options int) error {
	_, _, err := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SEIZE, uintptr(tid), 0, uintptr(options), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

func ptraceInterrupt(tid int) error {
	_, _, err := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_INTERRUPT, uintptr(tid), 0, 0, 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceDetach detaches from tid delivering sig, unix.PtraceDetach always
// passes zero.
func ptraceDetach(tid, sig int) error {
	_, _, err := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// waitStopped blocks until tid enters a ptrace-stop.
func waitStopped(tid int) (unix.WaitStatus, error) {
	for {
		var ws unix.WaitStatus
		_, err := unix.Wait4(tid, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return ws, err
		}
		if ws.Exited() || ws.Signaled() {
			return ws, fmt.Errorf("thread %d: %w", tid, e.ProcessUnavailable)
		}
		if ws.Stopped() {
			return ws, nil
		}
	}
}

// ptraceEvent extracts the PTRACE_EVENT_* number of a stop, zero for a
// plain signal-delivery stop.
func ptraceEvent(ws unix.WaitStatus) int {
	return int(uint32(ws)>>16) & 0xff
}

// forwardedSignal returns the signal a stopped thread should be resumed
// with: event stops carry none.
func forwardedSignal(ws unix.WaitStatus) int {
	if ptraceEvent(ws) != 0 {
		return 0
	}
	return int(ws.StopSignal())
}
