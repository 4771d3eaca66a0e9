package grpc

import (
	"context"
	"io"
	"os"

	"memscope/pkg/config"
	"memscope/pkg/logflags"
	"memscope/pkg/proxy"
)

// RunHelper serves the proxy for the channel named by args until ctx is
// done or host closes. Malformed arguments start nothing: the error is
// logged and RunHelper returns nil, or waits for ctx first when
// proxy.hold-on-misconfig is set.
func RunHelper(ctx context.Context, args []string, cfg *config.Config, open proxy.Opener, host io.Reader) error {
	log := logflags.ProxyLogger()

	ch, err := proxy.ParseChannel(args)
	if err != nil {
		log.Errorf("not serving: %v", err)
		if cfg.Proxy.HoldOnMisconfig {
			<-ctx.Done()
		}
		return nil
	}

	dir := cfg.Proxy.SocketDir
	if dir == "" {
		dir = os.TempDir()
	}
	x := proxy.NewExecutor(open)
	defer x.Close()

	srv, err := NewServer(ch.SocketPath(dir), x)
	if err != nil {
		return err
	}
	defer srv.Stop()

	served := make(chan error, 1)
	go func() { served <- srv.Run() }()
	log.Infof("serving channel %d on %s", ch.ID, srv.Path())

	hostGone := make(chan struct{})
	if host != nil {
		go func() {
			io.Copy(io.Discard, host)
			close(hostGone)
		}()
	}

	select {
	case <-ctx.Done():
		log.Infof("helper for channel %d interrupted", ch.ID)
	case <-hostGone:
		log.Infof("host of channel %d disconnected", ch.ID)
	case err := <-served:
		return err
	}
	return nil
}
