package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"memscope/pkg/pointer"
	"memscope/pkg/prowler"
	"memscope/pkg/terminal"
	"memscope/service"
	"memscope/service/http"
	"memscope/utils"
)

type ExecType int

const (
	Attach ExecType = iota
	Conn
	Ptr
	Trace
	Read
	Write
)

const (
	defaultAddr = "127.0.0.1:0"
)

type executor struct {
	et      ExecType
	pid     int
	ctx     *cli.Context
	prowler *prowler.Prowler
}

func exec(et ExecType, pid int, ctx *cli.Context) error {
	e := &executor{
		et:  et,
		pid: pid,
		ctx: ctx,
	}
	if et != Conn {
		sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p, err := prowler.Open(sigCtx, pid, conf)
		if err != nil {
			return err
		}
		defer p.Close()
		e.prowler = p
	}

	return e.run()
}

func (e *executor) run() error {
	switch e.et {
	case Attach:
		return e.attach()
	case Conn:
		return e.connect(e.ctx.Args().First())
	case Ptr:
		return e.pointers()
	case Trace:
		return e.trace()
	case Read:
		return e.read()
	case Write:
		return e.write()
	}

	return nil
}

func (e *executor) pointers() error {
	args := e.ctx.Args()
	if _, err := e.prowler.LoadForest(args.Get(1)); err != nil {
		return err
	}
	start, end := window(args, conf.Pointer.PageSize)

	if path := e.ctx.String("export"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := pointer.Export(f, e.prowler.Forest().Pointers(start, end))
		if err != nil {
			return err
		}
		fmt.Printf("exported %d pointers to %s\n", n, path)
		return nil
	}

	ptrs, err := e.prowler.Pointers(start, end)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s), %d of %d pointers\n",
		utils.ProcessName(e.pid), e.prowler.Bitness(), len(ptrs), e.prowler.Forest().Count())
	utils.PrintPointers(os.Stdout, start, ptrs)
	return nil
}

func (e *executor) trace() error {
	t, err := tArgs(e.ctx.Args())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d := e.ctx.Duration("duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	if err := e.prowler.Trace(t.kind, t.addr, t.size); err != nil {
		return err
	}
	fmt.Printf("tracing %s of %#x/%d, ctrl-c to stop\n", t.kind, t.addr, t.size)

	start := time.Now()
	<-ctx.Done()
	if err := e.prowler.StopTrace(); err != nil {
		return err
	}

	results := e.prowler.TraceResults()
	fmt.Printf("%d instructions in %s\n", len(results), time.Since(start).Round(time.Millisecond))
	utils.PrintResults(os.Stdout, results)
	return nil
}

func (e *executor) read() error {
	r, err := rArgs(e.ctx.Args())
	if err != nil {
		return err
	}

	bs := make([]byte, r.n)
	if _, err := e.prowler.ReadMemory(bs, r.addr); err != nil {
		return err
	}
	utils.PrintBytes(os.Stdout, r.addr, bs)
	return nil
}

func (e *executor) write() error {
	w, err := wArgs(e.ctx.Args())
	if err != nil {
		return err
	}

	if _, err := e.prowler.WriteMemory(w.addr, w.data); err != nil {
		return err
	}
	utils.PrintBytes(os.Stdout, w.addr, w.data)
	return nil
}

func (e *executor) attach() error {
	ctx := e.ctx

	if path := ctx.String("forest"); path != "" {
		n, err := e.prowler.LoadForest(path)
		if err != nil {
			return err
		}
		fmt.Printf("loaded %d pointers\n", n)
	}

	listener, err := net.Listen("tcp", ctx.String("listen"))
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}

	var server service.Server = http.NewServer(listener, e.prowler)
	defer server.Stop()
	if err := server.Run(); err != nil {
		return err
	}

	if ctx.Bool("headless") {
		fmt.Printf("session service for %d listening on %s\n", e.pid, listener.Addr())
		sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-sigCtx.Done()
		return nil
	}

	return e.connect(listener.Addr().String())
}

func (e *executor) connect(addr string) (err error) {
	var client service.Client
	client, err = http.NewClient(addr)
	if err != nil {
		return
	}

	term := terminal.New(client)
	return term.Run()
}
