//go:build linux && amd64

package native

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	e "memscope/error"
	"memscope/pkg/config"
	"memscope/pkg/proc"
	"memscope/pkg/tracer"
)

const writerEnv = "MEMSCOPE_TEST_WRITER"

// counter is incremented by the writer child.
var counter uint32

func TestMain(m *testing.M) {
	if os.Getenv(writerEnv) == "1" {
		runWriter()
		return
	}
	os.Exit(m.Run())
}

// runWriter prints the address of counter and then bumps it forever from
// a single instruction.
func runWriter() {
	fmt.Printf("%#x\n", uint64(uintptr(unsafe.Pointer(&counter))))
	for {
		atomic.AddUint32(&counter, 1)
		time.Sleep(5 * time.Millisecond)
	}
}

// startWriter runs this test binary as a writer child and returns it with
// the address of its counter.
func startWriter(t *testing.T) (*exec.Cmd, uint64) {
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), writerEnv+"=1")
	out, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	line, err := bufio.NewReader(out).ReadString('\n')
	require.NoError(t, err)
	addr, err := strconv.ParseUint(strings.TrimSpace(line), 0, 64)
	require.NoError(t, err)
	return cmd, addr
}

func skipIfNoPtrace(t *testing.T, err error) {
	if errors.Is(err, unix.EPERM) {
		t.Skipf("ptrace is not permitted here: %v", err)
	}
}

func readCounter(p *Process, addr uint64) (uint32, error) {
	buf := make([]byte, 4)
	if _, err := p.ReadMemory(buf, addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func TestWatchLiveChild(t *testing.T) {
	cmd, addr := startWriter(t)
	pid := cmd.Process.Pid

	cfg := config.Default()
	p, err := New(pid, cfg.Tracer, cfg.Resolver)
	require.NoError(t, err)
	defer p.Close()

	tr := tracer.New(p.Watcher(), cfg.Tracer)
	err = tr.FindWhatWrites(addr, 4, nil)
	skipIfNoPtrace(t, err)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		results := tr.Results()
		return len(results) == 1 && results[0].Count >= 2
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, proc.AccessWrite, tr.Results()[0].Kind)

	require.NoError(t, tr.Stop())
	require.NoError(t, tr.Stop())
	assert.Equal(t, tracer.Idle, tr.State())
	results := tr.Results()
	require.Len(t, results, 1)
	assert.GreaterOrEqual(t, results[0].Count, uint64(2))

	// the child keeps running untraced after the detach
	require.NoError(t, syscall.Kill(pid, 0))
	before, err := readCounter(p, addr)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		now, err := readCounter(p, addr)
		return err == nil && now != before
	}, 5*time.Second, 10*time.Millisecond)
	status, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	require.NoError(t, err)
	assert.Contains(t, string(status), "TracerPid:\t0")

	require.NoError(t, cmd.Process.Kill())
	cmd.Wait()
	require.Eventually(t, func() bool { return !p.Alive() }, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, tr.FindWhatWrites(addr, 4, nil), e.ProcessUnavailable)
	assert.ErrorIs(t, tr.FindWhatWrites(addr, 4, nil), e.ProcessUnavailable)
}

func TestAllocateAndProtectLiveChild(t *testing.T) {
	cmd, _ := startWriter(t)

	cfg := config.Default()
	p, err := New(cmd.Process.Pid, cfg.Tracer, cfg.Resolver)
	require.NoError(t, err)
	defer p.Close()

	first, err := p.Allocate(32)
	skipIfNoPtrace(t, err)
	require.NoError(t, err)
	_, err = p.WriteMemory(first, []byte("memscope"))
	require.NoError(t, err)
	buf := make([]byte, 8)
	_, err = p.ReadMemory(buf, first)
	require.NoError(t, err)
	assert.Equal(t, "memscope", string(buf))

	second, err := p.Allocate(32)
	require.NoError(t, err)
	assert.Equal(t, first+32, second)
	assert.Error(t, p.Protect(first, 32, proc.ProtRead))

	page := uint64(os.Getpagesize())
	own, err := p.Allocate(2 * page)
	require.NoError(t, err)
	aligned := (own + page - 1) &^ (page - 1)
	require.NoError(t, p.Protect(aligned, page, proc.ProtRead))

	maps, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", cmd.Process.Pid))
	require.NoError(t, err)
	assert.Contains(t, string(maps), fmt.Sprintf("%x-%x r--p", aligned, aligned+page))
}
