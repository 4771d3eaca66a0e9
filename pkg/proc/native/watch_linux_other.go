//go:build linux && !amd64

package native

import (
	e "memscope/error"
	"memscope/pkg/proc"
)

// hwWatcher reports every operation as unsupported outside amd64.
type hwWatcher struct{}

func newWatcher(p *Process) *hwWatcher {
	return &hwWatcher{}
}

func (w *hwWatcher) Arm(proc.Watch) error   { return e.UnsupportedPlatform }
func (w *hwWatcher) Disarm() error          { return nil }
func (w *hwWatcher) OnTrap(func(proc.Trap)) {}
func (w *hwWatcher) OnExit(func(error))     {}
func (w *hwWatcher) armed() bool            { return false }

func (p *Process) remoteSyscall(nr uint64, args ...uint64) (uint64, error) {
	return 0, e.UnsupportedPlatform
}
