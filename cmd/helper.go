package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"memscope/pkg/config"
	"memscope/pkg/logflags"
	"memscope/pkg/proc/native"
	"memscope/pkg/proxy"
	"memscope/service/grpc"
)

// RunHelper is the main of memscope-helper. It serves the channel named
// by args until the host closes our stdin or a signal arrives.
func RunHelper(args []string) error {
	cfg := config.LoadConfig()
	if dest := os.Getenv("MEMSCOPE_HELPER_LOG"); dest != "" {
		if err := logflags.Setup(true, "proxy,native", dest); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	open := func(pid int) (proxy.LocalTarget, error) {
		p, err := native.New(pid, cfg.Tracer, cfg.Resolver)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return grpc.RunHelper(ctx, args, cfg, open, os.Stdin)
}
