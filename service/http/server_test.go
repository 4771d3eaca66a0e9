package http

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	e "memscope/error"
	"memscope/pkg/config"
	"memscope/pkg/proc"
	"memscope/pkg/prowler"
	"memscope/pkg/resolver"
	"memscope/service"
)

type nopWatcher struct{}

func (nopWatcher) Arm(proc.Watch) error   { return nil }
func (nopWatcher) Disarm() error          { return nil }
func (nopWatcher) OnTrap(func(proc.Trap)) {}
func (nopWatcher) OnExit(func(error))     {}

// pageTarget maps one page at 0x1000 belonging to module "game".
type pageTarget struct {
	page [0x1000]byte
}

func (t *pageTarget) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr < 0x1000 || addr+uint64(len(buf)) > 0x2000 {
		return 0, fmt.Errorf("%#x: %w", addr, e.ProcessUnavailable)
	}
	return copy(buf, t.page[addr-0x1000:]), nil
}

func (t *pageTarget) WriteMemory(addr uint64, data []byte) (int, error) {
	if addr < 0x1000 || addr+uint64(len(data)) > 0x2000 {
		return 0, fmt.Errorf("%#x: %w", addr, e.ProcessUnavailable)
	}
	return copy(t.page[addr-0x1000:], data), nil
}

func (t *pageTarget) Allocate(uint64) (uint64, error)               { return 0, e.UnsupportedPlatform }
func (t *pageTarget) Protect(uint64, uint64, proc.Protection) error { return nil }
func (t *pageTarget) Bitness() (proc.Bitness, error)                { return proc.Bits64, nil }
func (t *pageTarget) Watcher() proc.Watcher                         { return nopWatcher{} }

func (t *pageTarget) Resolve(addr uint64) (uint64, string) {
	if addr >= 0x1000 && addr < 0x2000 {
		return addr - 0x1000, "game"
	}
	return addr, ""
}

func newTestServer(t *testing.T) (*Client, *pageTarget) {
	target := &pageTarget{}
	modules := []resolver.Module{{Name: "game", Path: "/opt/game", Base: 0x1000, End: 0x2000}}
	p, err := prowler.NewProwler(7, target, modules, config.Default())
	require.NoError(t, err)

	ts := httptest.NewServer(NewServer(nil, p))
	t.Cleanup(ts.Close)

	c, err := NewClient(strings.TrimPrefix(ts.URL, "http://"))
	require.NoError(t, err)
	return c, target
}

func TestClientCommands(t *testing.T) {
	c, target := newTestServer(t)

	path := filepath.Join(t.TempDir(), "forest.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"roots":[{"base":4096,"branches":[{"offset":8}]}]}`), 0644))

	out, err := c.SendExpr(service.Load, fmt.Sprintf("%q", path))
	require.NoError(t, err)
	assert.Equal(t, "loaded 1 pointers", out)

	out, err = c.SendExpr(service.Count, "")
	require.NoError(t, err)
	assert.Equal(t, "1", out)

	out, err = c.SendExpr(service.Pointers, "0-10")
	require.NoError(t, err)
	assert.Contains(t, out, "game+0x0")

	binary.LittleEndian.PutUint64(target.page[0:], 0x1800)
	_, err = c.SendExpr(service.Write, "0x1808 1234")
	require.NoError(t, err)

	out, err = c.SendExpr(service.Follow, "0")
	require.NoError(t, err)
	assert.Equal(t, "game+0x0 -> 0x8 = 0x1808: 1234", out)

	out, err = c.SendExpr(service.Read, "0x1808 int16")
	require.NoError(t, err)
	assert.Equal(t, "1234", out)

	out, err = c.SendExpr(service.Modules, "")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "game")
	assert.Contains(t, out, "0x1000")
	assert.Contains(t, out, "4.0 KiB")
	assert.Contains(t, out, "/opt/game")

	out, err = c.SendExpr(service.Modules, "xyz")
	require.NoError(t, err)
	assert.NotContains(t, out, "/opt/game")
}

func TestClientTrace(t *testing.T) {
	c, _ := newTestServer(t)

	_, err := c.SendExpr(service.Trace, "write 0x1010 4")
	require.NoError(t, err)

	_, err = c.SendExpr(service.Trace, "write 0x1010 4")
	assert.ErrorContains(t, err, http.StatusText(http.StatusConflict))

	out, err := c.SendExpr(service.Stop, "")
	require.NoError(t, err)
	assert.Equal(t, "0 instructions", out)

	_, err = c.SendExpr(service.Trace, "write 0x1011 4")
	assert.ErrorContains(t, err, http.StatusText(http.StatusBadRequest))

	_, err = c.SendExpr(service.Results, "")
	assert.NoError(t, err)
}

func TestServerErrors(t *testing.T) {
	c, _ := newTestServer(t)

	_, err := c.SendExpr(service.Read, "0x9000")
	assert.ErrorContains(t, err, http.StatusText(http.StatusGone))

	_, err = c.SendExpr(service.Read, "nowhere")
	assert.ErrorContains(t, err, http.StatusText(http.StatusBadRequest))

	_, err = c.SendExpr(service.Pointers, "")
	assert.ErrorContains(t, err, "invalid number of arguments")

	resp, err := c.do(&doRequest{method: http.MethodGet, path: "/nothing"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)

	resp, err = c.do(&doRequest{method: http.MethodGet, path: "/count", expr: "read 1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestNewClientRejectsOtherServers(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	_, err := NewClient(strings.TrimPrefix(ts.URL, "http://"))
	assert.Error(t, err)
}

func TestServeErrorIsLogged(t *testing.T) {
	p, err := prowler.NewProwler(7, &pageTarget{}, nil, config.Default())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	core, logs := observer.New(zap.ErrorLevel)
	s := NewServer(ln, p)
	s.Logger = zap.New(core).Sugar()
	require.NoError(t, s.Run())
	<-s.StopChan

	entries := logs.FilterMessageSnippet("serve").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, ln.Addr().String())
}
