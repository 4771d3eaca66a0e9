package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	e "memscope/error"
	"memscope/pkg/logflags"
	"memscope/pkg/proc"
)

// RemoteTarget is a process operated through a helper.
type RemoteTarget struct {
	inv     Invoker
	pid     int
	timeout time.Duration
	watcher *RemoteWatcher
}

var _ proc.Target = (*RemoteTarget)(nil)

func NewRemoteTarget(inv Invoker, pid int, pollInterval time.Duration) *RemoteTarget {
	t := &RemoteTarget{inv: inv, pid: pid, timeout: 30 * time.Second}
	t.watcher = &RemoteWatcher{
		target:   t,
		interval: pollInterval,
		log:      logflags.ProxyLogger(),
	}
	return t
}

func (t *RemoteTarget) call(op Opcode, args, reply interface{}) error {
	req, err := NewRequest(op, t.pid, args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	resp, err := t.inv.Invoke(ctx, req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := resp.Decode(reply); err != nil {
		return fmt.Errorf("%s reply: %v: %w", op, err, e.ProxyCommunication)
	}
	return nil
}

func (t *RemoteTarget) Ping() (proc.Bitness, error) {
	var reply BitnessReply
	err := t.call(OpPing, nil, &reply)
	return reply.Bitness, err
}

func (t *RemoteTarget) ReadMemory(buf []byte, addr uint64) (int, error) {
	var reply ReadReply
	if err := t.call(OpRead, ReadArgs{Address: addr, Size: len(buf)}, &reply); err != nil {
		return 0, err
	}
	return copy(buf, reply.Data), nil
}

func (t *RemoteTarget) WriteMemory(addr uint64, data []byte) (int, error) {
	var reply WriteReply
	if err := t.call(OpWrite, WriteArgs{Address: addr, Data: data}, &reply); err != nil {
		return 0, err
	}
	return reply.N, nil
}

func (t *RemoteTarget) Allocate(size uint64) (uint64, error) {
	var reply AllocateReply
	if err := t.call(OpAllocate, AllocateArgs{Size: size}, &reply); err != nil {
		return 0, err
	}
	return reply.Address, nil
}

func (t *RemoteTarget) Protect(addr, size uint64, prot proc.Protection) error {
	return t.call(OpProtect, ProtectArgs{Address: addr, Size: size, Protection: prot}, nil)
}

func (t *RemoteTarget) Bitness() (proc.Bitness, error) {
	var reply BitnessReply
	if err := t.call(OpBitness, nil, &reply); err != nil {
		return 0, err
	}
	return reply.Bitness, nil
}

// Resolve falls back to the raw address when the helper cannot be asked.
// ResolveErr reports that failure instead.
func (t *RemoteTarget) Resolve(addr uint64) (uint64, string) {
	res, module, err := t.ResolveErr(addr)
	if err != nil {
		t.watcher.log.Warnf("resolve %#x: %v", addr, err)
	}
	return res, module
}

func (t *RemoteTarget) ResolveErr(addr uint64) (uint64, string, error) {
	var reply ResolveReply
	if err := t.call(OpResolveAddress, ResolveArgs{Address: addr}, &reply); err != nil {
		return addr, "", err
	}
	return reply.Address, reply.Module, nil
}

func (t *RemoteTarget) Watcher() proc.Watcher {
	return t.watcher
}

// RemoteWatcher arms watches in the helper and polls it for traps.
type RemoteWatcher struct {
	target   *RemoteTarget
	interval time.Duration
	log      logflags.Logger

	mu     sync.Mutex
	onTrap func(proc.Trap)
	onExit func(error)
	stop   chan struct{}
	done   chan struct{}
}

func (w *RemoteWatcher) OnTrap(fn func(proc.Trap)) {
	w.mu.Lock()
	w.onTrap = fn
	w.mu.Unlock()
}

func (w *RemoteWatcher) OnExit(fn func(error)) {
	w.mu.Lock()
	w.onExit = fn
	w.mu.Unlock()
}

func (w *RemoteWatcher) Arm(watch proc.Watch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return e.WatchBusy
	}
	if err := w.target.call(OpArmWatch, watch, nil); err != nil {
		return err
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.poll(w.stop, w.done)
	return nil
}

func (w *RemoteWatcher) Disarm() error {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.stop, w.done = nil, nil
	w.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return w.target.call(OpDisarmWatch, nil, nil)
}

func (w *RemoteWatcher) poll(stop, done chan struct{}) {
	defer close(done)
	interval := w.interval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		var reply PollReply
		err := w.target.call(OpPollTraps, nil, &reply)

		w.mu.Lock()
		onTrap, onExit := w.onTrap, w.onExit
		w.mu.Unlock()

		if err != nil {
			w.log.Errorf("polling traps of %d: %v", w.target.pid, err)
			w.detach(stop)
			if onExit != nil {
				onExit(err)
			}
			return
		}
		if reply.Dropped > 0 {
			w.log.Warnf("helper dropped %d traps of %d", reply.Dropped, w.target.pid)
		}
		for _, trap := range reply.Traps {
			if onTrap != nil {
				onTrap(trap)
			}
		}
		if reply.Exited {
			w.detach(stop)
			if onExit != nil {
				onExit(fmt.Errorf("pid %d: %w", w.target.pid, e.ProcessUnavailable))
			}
			return
		}
	}
}

// detach forgets the polling goroutine identified by stop so that a later
// Disarm does not wait for it.
func (w *RemoteWatcher) detach(stop chan struct{}) {
	w.mu.Lock()
	if w.stop == stop {
		w.stop, w.done = nil, nil
	}
	w.mu.Unlock()
}
