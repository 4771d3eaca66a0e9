package prowler

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memscope/pkg/config"
	"memscope/pkg/pointer"
	"memscope/pkg/proc"
	"memscope/pkg/resolver"
	"memscope/pkg/tracer"
)

const (
	gameBase = 0x1000
	gameEnd  = 0x2000
)

type stubWatcher struct {
	mu     sync.Mutex
	armed  bool
	onTrap func(proc.Trap)
}

func (w *stubWatcher) Arm(proc.Watch) error {
	w.mu.Lock()
	w.armed = true
	w.mu.Unlock()
	return nil
}

func (w *stubWatcher) Disarm() error {
	w.mu.Lock()
	w.armed = false
	w.mu.Unlock()
	return nil
}

func (w *stubWatcher) OnTrap(fn func(proc.Trap)) {
	w.mu.Lock()
	w.onTrap = fn
	w.mu.Unlock()
}

func (w *stubWatcher) OnExit(func(error)) {}

func (w *stubWatcher) fire(trap proc.Trap) {
	w.mu.Lock()
	fn := w.onTrap
	w.mu.Unlock()
	fn(trap)
}

// flatTarget is a process whose only mapping is the game module.
type flatTarget struct {
	mem     []byte
	watcher *stubWatcher
}

func newFlatTarget() *flatTarget {
	return &flatTarget{mem: make([]byte, gameEnd-gameBase), watcher: &stubWatcher{}}
}

func (t *flatTarget) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr < gameBase || addr+uint64(len(buf)) > gameEnd {
		return 0, fmt.Errorf("unmapped %#x", addr)
	}
	return copy(buf, t.mem[addr-gameBase:]), nil
}

func (t *flatTarget) WriteMemory(addr uint64, data []byte) (int, error) {
	if addr < gameBase || addr+uint64(len(data)) > gameEnd {
		return 0, fmt.Errorf("unmapped %#x", addr)
	}
	return copy(t.mem[addr-gameBase:], data), nil
}

func (t *flatTarget) Allocate(uint64) (uint64, error) {
	return 0, fmt.Errorf("not supported")
}

func (t *flatTarget) Protect(uint64, uint64, proc.Protection) error {
	return nil
}

func (t *flatTarget) Bitness() (proc.Bitness, error) {
	return proc.Bits64, nil
}

func (t *flatTarget) Resolve(addr uint64) (uint64, string) {
	if addr >= gameBase && addr < gameEnd {
		return addr - gameBase, "game"
	}
	return addr, ""
}

func (t *flatTarget) Watcher() proc.Watcher {
	return t.watcher
}

func newTestProwler(t *testing.T) (*Prowler, *flatTarget) {
	target := newFlatTarget()
	modules := []resolver.Module{
		{Name: "game", Path: "/opt/game", Base: gameBase, End: gameEnd},
		{Name: "libc.so.6", Path: "/lib/libc.so.6", Base: 0x7000, End: 0x8000},
	}
	p, err := NewProwler(42, target, modules, config.Default())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, target
}

func writeForest(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "forest.json")
	doc := `{"roots":[{"base":8192},{"base":4096,"branches":[{"offset":16},{"offset":32}]}]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
	return path
}

func TestNewProwlerRejectsDataType(t *testing.T) {
	cfg := config.Default()
	cfg.Pointer.DataType = "string"
	_, err := NewProwler(1, newFlatTarget(), nil, cfg)
	assert.Error(t, err)
}

func TestLoadForestAndPointers(t *testing.T) {
	p, _ := newTestProwler(t)

	n, err := p.LoadForest(writeForest(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
	assert.Equal(t, uint64(2), p.Count())

	ptrs, err := p.Pointers(0, 10)
	require.NoError(t, err)
	require.Len(t, ptrs, 2)
	assert.Equal(t, "game", ptrs[0].Module)
	assert.Equal(t, []int32{16}, ptrs[0].Offsets)
	assert.Equal(t, []int32{32}, ptrs[1].Offsets)
	assert.Equal(t, pointer.Int32, ptrs[0].DataType)

	// loading again replaces instead of appending
	n, err = p.LoadForest(writeForest(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	_, err = p.LoadForest(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestFollowAndValues(t *testing.T) {
	p, target := newTestProwler(t)
	_, err := p.LoadForest(writeForest(t))
	require.NoError(t, err)

	binary.LittleEndian.PutUint64(target.mem[0:], 0x1100)

	ptr, addr, err := p.Follow(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int32{32}, ptr.Offsets)
	assert.Equal(t, uint64(0x1120), addr)

	require.NoError(t, p.Set(addr, p.DataType(), "-5"))
	v, err := p.Get(addr, p.DataType())
	require.NoError(t, err)
	assert.Equal(t, "-5", v)

	_, _, err = p.Follow(context.Background(), 7)
	assert.Error(t, err)
}

func TestValueEncoding(t *testing.T) {
	p, _ := newTestProwler(t)

	cases := []struct {
		dt   pointer.DataType
		in   string
		want string
		size int
	}{
		{pointer.Int8, "-1", "-1", 1},
		{pointer.UInt16, "0xffff", "65535", 2},
		{pointer.Int64, "-9000000000", "-9000000000", 8},
		{pointer.Single, "1.5", "1.5", 4},
		{pointer.Double, "-0.25", "-0.25", 8},
		{pointer.Ptr, "0x1234", "0x1234", 8},
	}
	for _, c := range cases {
		bs, err := p.Expression(c.in, c.dt)
		require.NoError(t, err, c.dt)
		assert.Len(t, bs, c.size, c.dt)

		out, err := p.Format(bs, c.dt)
		require.NoError(t, err, c.dt)
		assert.Equal(t, c.want, out, c.dt)
	}

	_, err := p.Expression("300", pointer.UInt8)
	assert.Error(t, err)
	_, err = p.Format([]byte{1}, pointer.Int32)
	assert.Error(t, err)
}

func TestModules(t *testing.T) {
	p, _ := newTestProwler(t)

	base, ok := p.ModuleBase("game")
	require.True(t, ok)
	assert.Equal(t, uint64(gameBase), base)

	_, ok = p.ModuleBase("nope")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"game", "libc.so.6"}, p.ListModules(nil, nil))
	assert.Equal(t, []string{"libc.so.6"}, p.ListModules([]string{"lib"}, nil))
	assert.Equal(t, []string{"game"}, p.ListModules(nil, []string{"me"}))
	assert.Contains(t, p.ListFuzzy("gm"), "game")

	ms := p.Describe([]string{"game", "nope"})
	require.Len(t, ms, 1)
	assert.Equal(t, "game", ms[0].Name)
	assert.Equal(t, uint64(gameBase), ms[0].Base)
}

func TestTrace(t *testing.T) {
	p, target := newTestProwler(t)

	require.NoError(t, p.Trace(proc.AccessWrite, 0x1010, 4))
	assert.Equal(t, tracer.Armed, p.Tracer().State())

	target.watcher.fire(proc.Trap{ThreadID: 7, PC: 0x500000, Kind: proc.AccessWrite})
	target.watcher.fire(proc.Trap{ThreadID: 7, PC: 0x500000, Kind: proc.AccessWrite})

	require.Eventually(t, func() bool {
		res := p.TraceResults()
		return len(res) == 1 && res[0].Count == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.StopTrace())
	assert.Equal(t, tracer.Idle, p.Tracer().State())
	assert.Len(t, p.TraceResults(), 1)
}
