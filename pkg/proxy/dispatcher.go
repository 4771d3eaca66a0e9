package proxy

import (
	"fmt"

	e "memscope/error"
	"memscope/pkg/logflags"
	"memscope/pkg/proc"
)

// Dispatcher routes every call to the local target when the target has
// the host's bitness and to the helper otherwise. It never falls back to
// local execution across a bitness mismatch.
type Dispatcher struct {
	bitness proc.Bitness
	host    proc.Bitness
	local   proc.Target
	remote  proc.Target
	log     logflags.Logger
}

var _ proc.Target = (*Dispatcher)(nil)

// NewDispatcher builds a dispatcher for a target of the given bitness.
// Either of local and remote may be nil.
func NewDispatcher(bitness proc.Bitness, local, remote proc.Target) *Dispatcher {
	return &Dispatcher{
		bitness: bitness,
		host:    proc.HostBitness(),
		local:   local,
		remote:  remote,
		log:     logflags.ProxyLogger(),
	}
}

// Remote reports whether calls go through the helper.
func (d *Dispatcher) Remote() bool {
	return d.bitness != d.host
}

func (d *Dispatcher) route() (proc.Target, error) {
	if !d.Remote() {
		if d.local == nil {
			return nil, e.UnsupportedPlatform
		}
		return d.local, nil
	}
	if d.remote == nil {
		return nil, fmt.Errorf("no helper for %s target on %s host: %w", d.bitness, d.host, e.ProxyCommunication)
	}
	return d.remote, nil
}

func (d *Dispatcher) ReadMemory(buf []byte, addr uint64) (int, error) {
	t, err := d.route()
	if err != nil {
		return 0, err
	}
	return t.ReadMemory(buf, addr)
}

func (d *Dispatcher) WriteMemory(addr uint64, data []byte) (int, error) {
	t, err := d.route()
	if err != nil {
		return 0, err
	}
	return t.WriteMemory(addr, data)
}

func (d *Dispatcher) Allocate(size uint64) (uint64, error) {
	t, err := d.route()
	if err != nil {
		return 0, err
	}
	return t.Allocate(size)
}

func (d *Dispatcher) Protect(addr, size uint64, prot proc.Protection) error {
	t, err := d.route()
	if err != nil {
		return err
	}
	return t.Protect(addr, size, prot)
}

// Bitness returns the measured bitness of the target.
func (d *Dispatcher) Bitness() (proc.Bitness, error) {
	return d.bitness, nil
}

func (d *Dispatcher) Resolve(addr uint64) (uint64, string) {
	res, module, err := d.ResolveErr(addr)
	if err != nil {
		d.log.Debugf("resolve %#x: %v", addr, err)
	}
	return res, module
}

type errResolver interface {
	ResolveErr(addr uint64) (uint64, string, error)
}

// ResolveErr is Resolve that reports a target it could not ask. An
// address outside every module is not an error.
func (d *Dispatcher) ResolveErr(addr uint64) (uint64, string, error) {
	t, err := d.route()
	if err != nil {
		return addr, "", err
	}
	if r, ok := t.(errResolver); ok {
		return r.ResolveErr(addr)
	}
	res, module := t.Resolve(addr)
	return res, module, nil
}

func (d *Dispatcher) Watcher() proc.Watcher {
	return &dispatchWatcher{d: d}
}

// dispatchWatcher routes each watcher call like the dispatcher does.
type dispatchWatcher struct {
	d *Dispatcher
}

func (w *dispatchWatcher) Arm(watch proc.Watch) error {
	t, err := w.d.route()
	if err != nil {
		return err
	}
	return t.Watcher().Arm(watch)
}

func (w *dispatchWatcher) Disarm() error {
	t, err := w.d.route()
	if err != nil {
		return err
	}
	return t.Watcher().Disarm()
}

func (w *dispatchWatcher) OnTrap(fn func(proc.Trap)) {
	if t, err := w.d.route(); err == nil {
		t.Watcher().OnTrap(fn)
	}
}

func (w *dispatchWatcher) OnExit(fn func(error)) {
	if t, err := w.d.route(); err == nil {
		t.Watcher().OnExit(fn)
	}
}
