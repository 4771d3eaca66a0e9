package grpc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	e "memscope/error"
	"memscope/pkg/config"
	"memscope/pkg/logflags"
	"memscope/pkg/proc"
	"memscope/pkg/proxy"
)

var channelSeq atomic.Int32

// Launcher starts helper processes for targets whose bitness differs from
// the host's.
type Launcher struct {
	cfg config.ProxyConfig
	log logflags.Logger
}

func NewLauncher(cfg config.ProxyConfig) *Launcher {
	return &Launcher{cfg: cfg, log: logflags.ProxyLogger()}
}

// Helper is a running helper process and the client connected to it.
type Helper struct {
	*Client
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (l *Launcher) binary(b proc.Bitness) string {
	if b == proc.Bits32 && l.cfg.HelperPath32 != "" {
		return l.cfg.HelperPath32
	}
	return l.cfg.HelperPath
}

// Launch starts the helper serving targets of bitness b and waits until
// it answers.
func (l *Launcher) Launch(ctx context.Context, b proc.Bitness) (*Helper, error) {
	dir := l.cfg.SocketDir
	if dir == "" {
		dir = os.TempDir()
	}
	ch := proxy.Channel{ID: os.Getpid()*100 + int(channelSeq.Add(1)), Name: "memscope"}
	path := ch.SocketPath(dir)

	cmd := exec.Command(l.binary(b), ch.Args()...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not start helper %s: %v: %w", cmd.Path, err, e.ProxyCommunication)
	}
	h := &Helper{cmd: cmd, stdin: stdin}

	timeout := l.cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := h.connect(ctx, path); err != nil {
		h.Close()
		return nil, err
	}
	l.log.Infof("helper %d serving %s targets on %s", cmd.Process.Pid, b, path)
	return h, nil
}

func (h *Helper) connect(ctx context.Context, path string) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(path); err == nil {
			c, err := Dial(path)
			if err != nil {
				return err
			}
			req, err := proxy.NewRequest(proxy.OpPing, 0, nil)
			if err != nil {
				c.Close()
				return err
			}
			if _, err := c.Invoke(ctx, req); err == nil {
				h.Client = c
				return nil
			}
			c.Close()
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("helper did not come up on %s: %w", path, e.ProxyCommunication)
		case <-ticker.C:
		}
	}
}

// Close disconnects from the helper, which exits once its stdin closes.
func (h *Helper) Close() error {
	if h.Client != nil {
		h.Client.Close()
	}
	h.stdin.Close()
	return h.cmd.Wait()
}
