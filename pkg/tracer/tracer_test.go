package tracer

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	e "memscope/error"
	"memscope/pkg/config"
	"memscope/pkg/proc"
)

type fakeWatcher struct {
	mu      sync.Mutex
	armed   *proc.Watch
	armErr  error
	disarms int
	onTrap  func(proc.Trap)
	onExit  func(error)
}

func (w *fakeWatcher) Arm(watch proc.Watch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.armErr != nil {
		return w.armErr
	}
	w.armed = &watch
	return nil
}

func (w *fakeWatcher) Disarm() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armed = nil
	w.disarms++
	return nil
}

func (w *fakeWatcher) OnTrap(fn func(proc.Trap)) {
	w.mu.Lock()
	w.onTrap = fn
	w.mu.Unlock()
}

func (w *fakeWatcher) OnExit(fn func(error)) {
	w.mu.Lock()
	w.onExit = fn
	w.mu.Unlock()
}

func (w *fakeWatcher) fire(trap proc.Trap) {
	w.mu.Lock()
	fn := w.onTrap
	w.mu.Unlock()
	if fn != nil {
		fn(trap)
	}
}

func (w *fakeWatcher) exit() {
	w.exitWith(e.ProcessUnavailable)
}

func (w *fakeWatcher) exitWith(err error) {
	w.mu.Lock()
	fn := w.onExit
	w.armed = nil
	w.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (w *fakeWatcher) handlers() (bool, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.onTrap != nil, w.onExit != nil
}

func (w *fakeWatcher) current() *proc.Watch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed
}

func newTracer(w proc.Watcher, opts ...Option) *Tracer {
	return New(w, config.TracerConfig{QueueSize: 4}, opts...)
}

func receive(t *testing.T, ch <-chan CodeTraceResult) CodeTraceResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a trace result")
	}
	return CodeTraceResult{}
}

func TestFindWhatWritesMerges(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTracer(w)
	events := make(chan CodeTraceResult, 8)

	require.NoError(t, tr.FindWhatWrites(0x2000, 4, func(res CodeTraceResult) { events <- res }))
	assert.Equal(t, Armed, tr.State())
	require.NotNil(t, w.current())
	assert.Equal(t, proc.Watch{Address: 0x2000, Size: proc.B4, Kind: proc.AccessWrite}, *w.current())

	w.fire(proc.Trap{ThreadID: 7, PC: 0x401000, Kind: proc.AccessWrite})
	res := receive(t, events)
	assert.Equal(t, uint64(0x401000), res.Address)
	assert.Equal(t, uint64(1), res.Count)
	assert.Equal(t, 7, res.ThreadID)

	w.fire(proc.Trap{ThreadID: 7, PC: 0x401000, Kind: proc.AccessWrite})
	res = receive(t, events)
	assert.Equal(t, uint64(2), res.Count)

	results := tr.Results()
	require.Len(t, results, 1)
	assert.Equal(t, uint64(2), results[0].Count)

	require.NoError(t, tr.Stop())
	assert.Equal(t, Idle, tr.State())
	assert.Nil(t, w.current())
}

func TestMergeDistinctInstructions(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTracer(w)
	events := make(chan CodeTraceResult, 8)
	require.NoError(t, tr.FindWhatAccesses(0x2000, 8, func(res CodeTraceResult) { events <- res }))

	w.fire(proc.Trap{PC: 0x10, Kind: proc.AccessRead})
	w.fire(proc.Trap{PC: 0x20, Kind: proc.AccessWrite})
	w.fire(proc.Trap{PC: 0x10, Kind: proc.AccessRead})
	for i := 0; i < 3; i++ {
		receive(t, events)
	}
	require.NoError(t, tr.Stop())

	results := tr.Results()
	require.Len(t, results, 2)
	assert.Equal(t, uint64(0x10), results[0].Address)
	assert.Equal(t, uint64(2), results[0].Count)
	assert.Equal(t, uint64(0x20), results[1].Address)
	assert.Equal(t, uint64(1), results[1].Count)
}

func TestStopTwice(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTracer(w)

	require.NoError(t, tr.Stop())
	assert.Equal(t, Idle, tr.State())

	require.NoError(t, tr.FindWhatWrites(0x2000, 4, nil))
	require.NoError(t, tr.Stop())
	assert.Equal(t, Idle, tr.State())
	require.NoError(t, tr.Stop())
	assert.Equal(t, Idle, tr.State())
	assert.Equal(t, 1, w.disarms)
}

func TestCancelFromCallback(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTracer(w)
	stopped := make(chan error, 1)

	require.NoError(t, tr.FindWhatWrites(0x2000, 4, func(CodeTraceResult) {
		stopped <- tr.Cancel()
	}))
	w.fire(proc.Trap{PC: 0x40})

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stop from the callback did not return")
	}
	assert.Equal(t, Idle, tr.State())
}

func TestStopWaitsForCallback(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTracer(w)
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	finished := false

	require.NoError(t, tr.FindWhatWrites(0x2000, 4, func(CodeTraceResult) {
		close(entered)
		<-release
		mu.Lock()
		finished = true
		mu.Unlock()
	}))
	w.fire(proc.Trap{PC: 0x40})
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- tr.Stop() }()
	select {
	case <-stopped:
		t.Fatal("stop returned while the callback was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}
	mu.Lock()
	assert.True(t, finished)
	mu.Unlock()
}

func TestInvalidWatchStaysIdle(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTracer(w)

	err := tr.FindWhatWrites(0x2000, 3, nil)
	assert.ErrorIs(t, err, e.UnsupportedSize)
	assert.Equal(t, Idle, tr.State())

	err = tr.FindWhatReads(0x2002, 4, nil)
	assert.ErrorIs(t, err, e.MisalignedAddress)
	assert.Equal(t, Idle, tr.State())
	assert.Nil(t, w.current())
}

func TestArmFailureStaysIdle(t *testing.T) {
	boom := errors.New("no debug registers")
	w := &fakeWatcher{armErr: boom}
	tr := newTracer(w)

	err := tr.FindWhatWrites(0x2000, 4, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Idle, tr.State())
	require.NoError(t, tr.Stop())

	w.armErr = nil
	require.NoError(t, tr.FindWhatWrites(0x2000, 4, nil))
	require.NoError(t, tr.Stop())
}

func TestBusy(t *testing.T) {
	tr := newTracer(&fakeWatcher{})
	require.NoError(t, tr.FindWhatWrites(0x2000, 4, nil))
	assert.ErrorIs(t, tr.FindWhatAccesses(0x3000, 4, nil), e.TracerBusy)
	require.NoError(t, tr.Stop())
}

func TestReadsDropWrites(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTracer(w)
	events := make(chan CodeTraceResult, 8)
	require.NoError(t, tr.FindWhatReads(0x2000, 2, func(res CodeTraceResult) { events <- res }))

	w.fire(proc.Trap{PC: 0x10, Kind: proc.AccessWrite})
	w.fire(proc.Trap{PC: 0x20, Kind: proc.AccessRead})

	res := receive(t, events)
	assert.Equal(t, uint64(0x20), res.Address)
	assert.Equal(t, proc.AccessRead, res.Kind)
	require.NoError(t, tr.Stop())
	assert.Len(t, tr.Results(), 1)
}

func TestProcessExit(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTracer(w)
	require.NoError(t, tr.FindWhatWrites(0x2000, 4, nil))

	w.exit()
	assert.Equal(t, Idle, tr.State())
	assert.ErrorIs(t, tr.FindWhatWrites(0x2000, 4, nil), e.ProcessUnavailable)
	require.NoError(t, tr.Stop())

	fresh := &fakeWatcher{}
	require.NoError(t, tr.Reset(fresh))
	events := make(chan CodeTraceResult, 1)
	require.NoError(t, tr.FindWhatWrites(0x2000, 4, func(res CodeTraceResult) { events <- res }))
	fresh.fire(proc.Trap{PC: 0x99, Kind: proc.AccessWrite})
	assert.Equal(t, uint64(0x99), receive(t, events).Address)
	require.NoError(t, tr.Stop())
}

func TestChannelLossIsNotSticky(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTracer(w)
	require.NoError(t, tr.FindWhatWrites(0x2000, 4, nil))

	w.exitWith(fmt.Errorf("poll traps: %w", e.ProxyCommunication))
	assert.Equal(t, Idle, tr.State())
	assert.ErrorIs(t, tr.Err(), e.ProxyCommunication)

	require.NoError(t, tr.FindWhatWrites(0x2000, 4, nil))
	assert.NoError(t, tr.Err())
	require.NoError(t, tr.Stop())
}

func TestResetDropsOldWatcher(t *testing.T) {
	old := &fakeWatcher{}
	tr := newTracer(old)
	fresh := &fakeWatcher{}
	require.NoError(t, tr.Reset(fresh))

	onTrap, onExit := old.handlers()
	assert.False(t, onTrap)
	assert.False(t, onExit)

	events := make(chan CodeTraceResult, 4)
	require.NoError(t, tr.FindWhatWrites(0x2000, 4, func(res CodeTraceResult) { events <- res }))

	// a handler captured from the old watcher before the reset
	stale := &fakeWatcher{}
	tr2 := newTracer(stale)
	staleTrap, staleExit := stale.onTrap, stale.onExit
	require.NoError(t, tr2.Reset(&fakeWatcher{}))
	require.NoError(t, tr2.FindWhatWrites(0x2000, 4, nil))
	staleTrap(proc.Trap{PC: 0x10})
	staleExit(e.ProcessUnavailable)
	assert.Equal(t, Armed, tr2.State())
	assert.Empty(t, tr2.Results())
	require.NoError(t, tr2.Stop())

	old.fire(proc.Trap{PC: 0x10})
	old.exitWith(e.ProcessUnavailable)
	assert.Equal(t, Armed, tr.State())
	fresh.fire(proc.Trap{PC: 0x20, Kind: proc.AccessWrite})
	assert.Equal(t, uint64(0x20), receive(t, events).Address)
	require.NoError(t, tr.Stop())
}

func TestArmProcessUnavailable(t *testing.T) {
	w := &fakeWatcher{armErr: fmt.Errorf("pid 1: %w", e.ProcessUnavailable)}
	tr := newTracer(w)
	assert.ErrorIs(t, tr.FindWhatWrites(0x2000, 4, nil), e.ProcessUnavailable)
	w.armErr = nil
	assert.ErrorIs(t, tr.FindWhatWrites(0x2000, 4, nil), e.ProcessUnavailable)
}

func TestConcurrentTraps(t *testing.T) {
	w := &fakeWatcher{}
	tr := newTracer(w)

	var mu sync.Mutex
	delivered := 0
	require.NoError(t, tr.FindWhatAccesses(0x2000, 8, func(CodeTraceResult) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}))

	const threads, hits = 8, 100
	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			for j := 0; j < hits; j++ {
				w.fire(proc.Trap{ThreadID: tid, PC: uint64(0x100 + (j%4)*0x10), Kind: proc.AccessRead})
			}
		}(i)
	}
	wg.Wait()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == threads*hits
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, tr.Stop())

	results := tr.Results()
	require.Len(t, results, 4)
	var total uint64
	for _, res := range results {
		total += res.Count
	}
	assert.Equal(t, uint64(threads*hits), total)
}

type codeMemory struct {
	base uint64
	code []byte
}

func (m codeMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr < m.base || addr+uint64(len(buf)) > m.base+uint64(len(m.code)) {
		return 0, fmt.Errorf("unmapped %#x", addr)
	}
	return copy(buf, m.code[addr-m.base:]), nil
}

func TestLocator(t *testing.T) {
	code := []byte{
		0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90,
		0x55,             // push rbp
		0x48, 0x89, 0xe5, // mov rbp, rsp
		0x48, 0x89, 0x45, 0xf8, // mov qword ptr [rbp-0x8], rax
		0xc3, // ret
	}
	mem := codeMemory{base: 0x400000, code: code}
	l := &locator{mem: mem, mode: 64}

	addr, text := l.locate(0x400000 + 18)
	assert.Equal(t, uint64(0x400000+14), addr)
	assert.Contains(t, text, "mov")
	assert.Contains(t, text, "rbp")

	// nothing readable before pc
	addr, text = l.locate(0x10)
	assert.Equal(t, uint64(0x10), addr)
	assert.Empty(t, text)
}

func TestTracerWithLocator(t *testing.T) {
	code := make([]byte, 16)
	for i := range code {
		code[i] = 0x90
	}
	// mov dword ptr [rax], 0x5
	code = append(code, 0xc7, 0x00, 0x05, 0x00, 0x00, 0x00, 0xc3)
	mem := codeMemory{base: 0x400000, code: code}

	w := &fakeWatcher{}
	tr := newTracer(w, WithLocator(mem, proc.Bits64))
	events := make(chan CodeTraceResult, 2)
	require.NoError(t, tr.FindWhatWrites(0x2000, 4, func(res CodeTraceResult) { events <- res }))

	w.fire(proc.Trap{PC: 0x400000 + 22, Kind: proc.AccessWrite})
	res := receive(t, events)
	assert.Equal(t, uint64(0x400000+16), res.Address)
	assert.Contains(t, res.Instruction, "mov")
	require.NoError(t, tr.Stop())
}
