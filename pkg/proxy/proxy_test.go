package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	e "memscope/error"
	"memscope/pkg/config"
	"memscope/pkg/pointer"
	"memscope/pkg/proc"
	"memscope/pkg/tracer"
)

const memBase = 0x10000

type fakeWatcher struct {
	mu     sync.Mutex
	armed  *proc.Watch
	onTrap func(proc.Trap)
	onExit func(error)
}

func (w *fakeWatcher) Arm(watch proc.Watch) error {
	if err := watch.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	w.armed = &watch
	w.mu.Unlock()
	return nil
}

func (w *fakeWatcher) Disarm() error {
	w.mu.Lock()
	w.armed = nil
	w.mu.Unlock()
	return nil
}

func (w *fakeWatcher) OnTrap(fn func(proc.Trap)) { w.mu.Lock(); w.onTrap = fn; w.mu.Unlock() }
func (w *fakeWatcher) OnExit(fn func(error))     { w.mu.Lock(); w.onExit = fn; w.mu.Unlock() }

func (w *fakeWatcher) fire(t proc.Trap) {
	w.mu.Lock()
	fn := w.onTrap
	w.mu.Unlock()
	fn(t)
}

func (w *fakeWatcher) exit() {
	w.mu.Lock()
	fn := w.onExit
	w.mu.Unlock()
	fn(e.ProcessUnavailable)
}

type fakeTarget struct {
	mu      sync.Mutex
	mem     []byte
	bitness proc.Bitness
	prot    proc.Protection
	watcher *fakeWatcher
	closed  bool
	calls   int
}

func newFakeTarget(b proc.Bitness) *fakeTarget {
	return &fakeTarget{mem: make([]byte, 0x1000), bitness: b, watcher: &fakeWatcher{}}
}

func (t *fakeTarget) ReadMemory(buf []byte, addr uint64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if addr < memBase || addr+uint64(len(buf)) > memBase+uint64(len(t.mem)) {
		return 0, fmt.Errorf("unmapped %#x", addr)
	}
	return copy(buf, t.mem[addr-memBase:]), nil
}

func (t *fakeTarget) WriteMemory(addr uint64, data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if addr < memBase || addr+uint64(len(data)) > memBase+uint64(len(t.mem)) {
		return 0, fmt.Errorf("unmapped %#x", addr)
	}
	return copy(t.mem[addr-memBase:], data), nil
}

func (t *fakeTarget) Allocate(size uint64) (uint64, error) { return 0x7000, nil }

func (t *fakeTarget) Protect(addr, size uint64, prot proc.Protection) error {
	t.prot = prot
	return nil
}

func (t *fakeTarget) Bitness() (proc.Bitness, error) { return t.bitness, nil }

func (t *fakeTarget) Resolve(addr uint64) (uint64, string) {
	if addr >= memBase && addr < memBase+0x1000 {
		return addr - memBase, "game.exe"
	}
	return addr, ""
}

func (t *fakeTarget) Watcher() proc.Watcher { return t.watcher }

func (t *fakeTarget) Close() error {
	t.closed = true
	return nil
}

func newExecutor(t *fakeTarget) *Executor {
	return NewExecutor(func(pid int) (LocalTarget, error) {
		if pid == 404 {
			return nil, fmt.Errorf("pid %d: %w", pid, e.ProcessUnavailable)
		}
		return t, nil
	})
}

func TestParseChannel(t *testing.T) {
	ch, err := ParseChannel([]string{"12", "memscope"})
	require.NoError(t, err)
	assert.Equal(t, Channel{ID: 12, Name: "memscope"}, ch)
	assert.Equal(t, "/tmp/memscope.12.sock", ch.SocketPath("/tmp"))
	assert.Equal(t, []string{"12", "memscope"}, ch.Args())

	for _, args := range [][]string{nil, {"12"}, {"12", "a", "b"}, {"x", "memscope"}, {"1", ""}, {"1", "a/b"}} {
		_, err := ParseChannel(args)
		assert.ErrorIs(t, err, e.MalformedHelperArgs, "%q", args)
	}
}

func TestRemoteTargetRoundTrip(t *testing.T) {
	ft := newFakeTarget(proc.Bits32)
	x := newExecutor(ft)
	rt := NewRemoteTarget(x, 42, time.Millisecond)

	n, err := rt.WriteMemory(memBase+0x10, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 4)
	n, err = rt.ReadMemory(buf, memBase+0x10)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)

	_, err = rt.ReadMemory(buf, 0x10)
	assert.Error(t, err)

	addr, err := rt.Allocate(64)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7000), addr)

	require.NoError(t, rt.Protect(memBase, 0x1000, proc.ProtRead))
	assert.Equal(t, proc.ProtRead, ft.prot)

	off, module := rt.Resolve(memBase + 0x20)
	assert.Equal(t, uint64(0x20), off)
	assert.Equal(t, "game.exe", module)

	b, err := rt.Bitness()
	require.NoError(t, err)
	assert.Equal(t, proc.Bits32, b)

	host, err := rt.Ping()
	require.NoError(t, err)
	assert.Equal(t, proc.HostBitness(), host)

	require.NoError(t, x.Close())
	assert.True(t, ft.closed)
}

func TestStatusMapping(t *testing.T) {
	ft := newFakeTarget(proc.Bits32)
	x := newExecutor(ft)
	rt := NewRemoteTarget(x, 42, time.Millisecond)

	err := rt.Watcher().Arm(proc.Watch{Address: 0x2000, Size: 3, Kind: proc.AccessWrite})
	assert.ErrorIs(t, err, e.UnsupportedSize)

	err = rt.Watcher().Arm(proc.Watch{Address: 0x2001, Size: 4, Kind: proc.AccessWrite})
	assert.ErrorIs(t, err, e.MisalignedAddress)

	gone := NewRemoteTarget(newExecutor(ft), 404, time.Millisecond)
	_, err = gone.ReadMemory(make([]byte, 4), memBase)
	assert.ErrorIs(t, err, e.ProcessUnavailable)
}

func TestExecutorHostsOneProcess(t *testing.T) {
	ft := newFakeTarget(proc.Bits32)
	x := newExecutor(ft)

	_, err := NewRemoteTarget(x, 42, time.Millisecond).ReadMemory(make([]byte, 4), memBase)
	require.NoError(t, err)

	req, err := NewRequest(OpRead, 43, ReadArgs{Address: memBase, Size: 4})
	require.NoError(t, err)
	resp, err := x.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusBadRequest, resp.Status)
	assert.Contains(t, resp.Err().Error(), "already serves process 42")

	require.NoError(t, x.Close())
	assert.True(t, ft.closed)
	resp, err = x.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
}

func TestExecutorBadRequests(t *testing.T) {
	x := newExecutor(newFakeTarget(proc.Bits32))
	ctx := context.Background()

	resp, err := x.Invoke(ctx, &Request{ID: "1", Op: "format-disk", PID: 42})
	require.NoError(t, err)
	assert.Equal(t, "1", resp.ID)
	assert.Equal(t, StatusUnknownOpcode, resp.Status)
	assert.ErrorIs(t, resp.Err(), e.ProxyCommunication)

	resp, err = x.Invoke(ctx, &Request{ID: "2", Op: OpRead, PID: 42, Payload: []byte(`{"address":"nope"}`)})
	require.NoError(t, err)
	assert.Equal(t, StatusBadRequest, resp.Status)

	resp, err = x.Invoke(ctx, &Request{ID: "3", Op: OpRead, PID: 0})
	require.NoError(t, err)
	assert.Equal(t, StatusBadRequest, resp.Status)

	req, err := NewRequest(OpRead, 42, ReadArgs{Address: memBase, Size: maxReadSize + 1})
	require.NoError(t, err)
	resp, err = x.Invoke(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusBadRequest, resp.Status)
	assert.Equal(t, req.ID, resp.ID)
}

func TestRemoteWatcherPolling(t *testing.T) {
	ft := newFakeTarget(proc.Bits32)
	rt := NewRemoteTarget(newExecutor(ft), 42, time.Millisecond)
	w := rt.Watcher()

	traps := make(chan proc.Trap, 4)
	exits := make(chan error, 1)
	w.OnTrap(func(t proc.Trap) { traps <- t })
	w.OnExit(func(err error) { exits <- err })

	require.NoError(t, w.Arm(proc.Watch{Address: 0x2000, Size: proc.B4, Kind: proc.AccessWrite}))
	assert.ErrorIs(t, w.Arm(proc.Watch{Address: 0x2000, Size: proc.B4, Kind: proc.AccessWrite}), e.WatchBusy)

	ft.watcher.fire(proc.Trap{ThreadID: 3, PC: 0x401000, Kind: proc.AccessWrite})
	select {
	case trap := <-traps:
		assert.Equal(t, uint64(0x401000), trap.PC)
		assert.Equal(t, 3, trap.ThreadID)
	case <-time.After(5 * time.Second):
		t.Fatal("trap was not polled")
	}

	ft.watcher.exit()
	select {
	case err := <-exits:
		assert.ErrorIs(t, err, e.ProcessUnavailable)
	case <-time.After(5 * time.Second):
		t.Fatal("exit was not polled")
	}
	require.NoError(t, w.Disarm())
}

func TestRemoteWatcherDisarm(t *testing.T) {
	ft := newFakeTarget(proc.Bits32)
	rt := NewRemoteTarget(newExecutor(ft), 42, time.Millisecond)
	w := rt.Watcher()
	w.OnTrap(func(proc.Trap) {})
	w.OnExit(func(error) {})

	require.NoError(t, w.Arm(proc.Watch{Address: 0x2000, Size: proc.B8, Kind: proc.AccessReadWrite}))
	require.NotNil(t, ft.watcher.armed)
	require.NoError(t, w.Disarm())
	assert.Nil(t, ft.watcher.armed)
	require.NoError(t, w.Disarm())
}

type brokenInvoker struct{}

func (brokenInvoker) Invoke(context.Context, *Request) (*Response, error) {
	return nil, fmt.Errorf("connection reset: %w", e.ProxyCommunication)
}

// cutInvoker fails every call while cut is set.
type cutInvoker struct {
	inv Invoker
	cut atomic.Bool
}

func (c *cutInvoker) Invoke(ctx context.Context, req *Request) (*Response, error) {
	if c.cut.Load() {
		return nil, fmt.Errorf("broken pipe: %w", e.ProxyCommunication)
	}
	return c.inv.Invoke(ctx, req)
}

func TestTracerSurvivesChannelLoss(t *testing.T) {
	ft := newFakeTarget(proc.Bits32)
	inv := &cutInvoker{inv: newExecutor(ft)}
	rt := NewRemoteTarget(inv, 42, time.Millisecond)
	tr := tracer.New(rt.Watcher(), config.TracerConfig{QueueSize: 4})

	require.NoError(t, tr.FindWhatWrites(0x2000, 4, nil))
	inv.cut.Store(true)
	require.Eventually(t, func() bool { return tr.State() == tracer.Idle }, 5*time.Second, time.Millisecond)
	assert.ErrorIs(t, tr.Err(), e.ProxyCommunication)

	inv.cut.Store(false)
	require.NoError(t, tr.FindWhatWrites(0x2000, 4, nil))
	assert.NoError(t, tr.Err())
	require.NoError(t, tr.Stop())
}

func otherBitness() proc.Bitness {
	if proc.HostBitness() == proc.Bits64 {
		return proc.Bits32
	}
	return proc.Bits64
}

func TestDispatcherRoutesByBitness(t *testing.T) {
	local := newFakeTarget(proc.HostBitness())
	remoteSide := newFakeTarget(otherBitness())
	remote := NewRemoteTarget(newExecutor(remoteSide), 42, time.Millisecond)

	d := NewDispatcher(proc.HostBitness(), local, remote)
	assert.False(t, d.Remote())
	_, err := d.WriteMemory(memBase, []byte{9})
	require.NoError(t, err)
	assert.Equal(t, byte(9), local.mem[0])
	assert.Equal(t, 0, remoteSide.calls)

	d = NewDispatcher(otherBitness(), local, remote)
	assert.True(t, d.Remote())
	_, err = d.WriteMemory(memBase, []byte{7})
	require.NoError(t, err)
	assert.Equal(t, byte(7), remoteSide.mem[0])
	assert.Equal(t, byte(9), local.mem[0])

	b, err := d.Bitness()
	require.NoError(t, err)
	assert.Equal(t, otherBitness(), b)

	require.NoError(t, d.Watcher().Arm(proc.Watch{Address: 0x2000, Size: proc.B4, Kind: proc.AccessWrite}))
	assert.Nil(t, local.watcher.armed)
	require.NoError(t, d.Watcher().Disarm())
}

func TestDispatcherNeverFallsBack(t *testing.T) {
	local := newFakeTarget(proc.HostBitness())

	d := NewDispatcher(otherBitness(), local, nil)
	_, err := d.ReadMemory(make([]byte, 4), memBase)
	assert.ErrorIs(t, err, e.ProxyCommunication)
	assert.ErrorIs(t, d.Watcher().Arm(proc.Watch{Address: 0x2000, Size: proc.B4, Kind: proc.AccessWrite}), e.ProxyCommunication)
	addr, module := d.Resolve(memBase)
	assert.Equal(t, uint64(memBase), addr)
	assert.Empty(t, module)

	d = NewDispatcher(otherBitness(), local, NewRemoteTarget(brokenInvoker{}, 42, time.Millisecond))
	_, err = d.ReadMemory(make([]byte, 4), memBase)
	assert.ErrorIs(t, err, e.ProxyCommunication)
	assert.Equal(t, 0, local.calls)
}

func TestPointersReportBrokenChannel(t *testing.T) {
	local := newFakeTarget(proc.HostBitness())
	d := NewDispatcher(otherBitness(), local, NewRemoteTarget(brokenInvoker{}, 42, time.Millisecond))

	_, _, err := d.ResolveErr(memBase)
	assert.ErrorIs(t, err, e.ProxyCommunication)

	c := pointer.NewCollection(d, pointer.Int32)
	c.AddRoot(pointer.NewRoot(memBase+0x20, pointer.NewBranch(0x8)))
	ptrs, err := pointer.Slice(c.All())
	assert.ErrorIs(t, err, e.ProxyCommunication)
	assert.Empty(t, ptrs)

	// a working helper still reports addresses outside modules as data
	remoteSide := newFakeTarget(otherBitness())
	d = NewDispatcher(otherBitness(), local, NewRemoteTarget(newExecutor(remoteSide), 42, time.Millisecond))
	c = pointer.NewCollection(d, pointer.Int32)
	c.AddRoot(pointer.NewRoot(memBase+0x20, pointer.NewBranch(0x8)))
	c.AddRoot(pointer.NewRoot(0x90000, pointer.NewBranch(0x8)))
	ptrs, err = pointer.Slice(c.All())
	require.NoError(t, err)
	require.Len(t, ptrs, 2)
	assert.Equal(t, "game.exe", ptrs[0].Module)
	assert.Equal(t, uint64(0x20), ptrs[0].Address)
	assert.Empty(t, ptrs[1].Module)
	assert.Equal(t, uint64(0x90000), ptrs[1].Address)
}

func TestResponseErr(t *testing.T) {
	assert.NoError(t, (&Response{Status: StatusOK}).Err())
	err := (&Response{Status: StatusFailed, Payload: []byte(`{"message":"boom"}`)}).Err()
	assert.EqualError(t, err, "boom")
	assert.False(t, errors.Is(err, e.ProxyCommunication))
}
