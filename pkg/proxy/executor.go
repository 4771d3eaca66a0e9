package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"memscope/pkg/logflags"
	"memscope/pkg/proc"
)

// maxReadSize bounds a single remote read.
const maxReadSize = 64 << 20

// maxPendingTraps bounds the traps buffered between two polls.
const maxPendingTraps = 4096

// LocalTarget is a target the executor can open in its own process.
type LocalTarget interface {
	proc.Target
	Close() error
}

// Opener opens pid for local execution.
type Opener func(pid int) (LocalTarget, error)

type hosted struct {
	target LocalTarget

	mu      sync.Mutex
	pending []proc.Trap
	dropped int
	exited  bool
}

func (h *hosted) trap(t proc.Trap) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pending) >= maxPendingTraps {
		h.dropped++
		return
	}
	h.pending = append(h.pending, t)
}

func (h *hosted) exit(error) {
	h.mu.Lock()
	h.exited = true
	h.mu.Unlock()
}

func (h *hosted) poll() PollReply {
	h.mu.Lock()
	defer h.mu.Unlock()
	reply := PollReply{Traps: h.pending, Exited: h.exited, Dropped: h.dropped}
	h.pending = nil
	h.dropped = 0
	return reply
}

// Executor performs requests against a local target. It is what a helper
// serves. Requests are executed one at a time. An executor hosts a single
// process: the native watcher reaps every traced child of the helper, so
// two hosted processes would steal each other's stops.
type Executor struct {
	open Opener
	log  logflags.Logger

	mu   sync.Mutex
	pid  int
	host *hosted
}

func NewExecutor(open Opener) *Executor {
	return &Executor{
		open: open,
		log:  logflags.ProxyLogger(),
	}
}

// Invoke never fails the exchange, failures are reported in the response
// status.
func (x *Executor) Invoke(ctx context.Context, req *Request) (*Response, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	payload, err := x.execute(req)
	resp := &Response{ID: req.ID, Status: statusOf(err)}
	if err != nil {
		if be, ok := err.(*requestError); ok {
			resp.Status = be.status
		}
		x.log.Debugf("%s %s for %d failed: %v", req.ID, req.Op, req.PID, err)
		payload = errorReply{Message: err.Error()}
	}
	if payload != nil {
		bs, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		resp.Payload = bs
	}
	return resp, nil
}

type requestError struct {
	status Status
	err    error
}

func (re *requestError) Error() string {
	return re.err.Error()
}

func badRequest(format string, args ...interface{}) error {
	return &requestError{status: StatusBadRequest, err: fmt.Errorf(format, args...)}
}

func (x *Executor) decode(req *Request, v interface{}) error {
	if err := req.Decode(v); err != nil {
		return badRequest("%s payload: %v", req.Op, err)
	}
	return nil
}

func (x *Executor) execute(req *Request) (interface{}, error) {
	switch req.Op {
	case OpPing:
		return BitnessReply{Bitness: proc.HostBitness()}, nil
	case OpRead, OpWrite, OpAllocate, OpProtect, OpArmWatch, OpDisarmWatch,
		OpResolveAddress, OpPollTraps, OpBitness:
	default:
		return nil, &requestError{status: StatusUnknownOpcode, err: fmt.Errorf("unknown opcode %q", req.Op)}
	}

	if req.PID <= 0 {
		return nil, badRequest("invalid pid %d", req.PID)
	}
	h, err := x.hosted(req.PID)
	if err != nil {
		return nil, err
	}
	t := h.target

	switch req.Op {
	case OpRead:
		var args ReadArgs
		if err := x.decode(req, &args); err != nil {
			return nil, err
		}
		if args.Size < 0 || args.Size > maxReadSize {
			return nil, badRequest("read size %d out of range", args.Size)
		}
		buf := make([]byte, args.Size)
		n, err := t.ReadMemory(buf, args.Address)
		if err != nil {
			return nil, err
		}
		return ReadReply{Data: buf[:n]}, nil

	case OpWrite:
		var args WriteArgs
		if err := x.decode(req, &args); err != nil {
			return nil, err
		}
		n, err := t.WriteMemory(args.Address, args.Data)
		if err != nil {
			return nil, err
		}
		return WriteReply{N: n}, nil

	case OpAllocate:
		var args AllocateArgs
		if err := x.decode(req, &args); err != nil {
			return nil, err
		}
		addr, err := t.Allocate(args.Size)
		if err != nil {
			return nil, err
		}
		return AllocateReply{Address: addr}, nil

	case OpProtect:
		var args ProtectArgs
		if err := x.decode(req, &args); err != nil {
			return nil, err
		}
		return nil, t.Protect(args.Address, args.Size, args.Protection)

	case OpArmWatch:
		var w proc.Watch
		if err := x.decode(req, &w); err != nil {
			return nil, err
		}
		h.poll()
		h.mu.Lock()
		h.exited = false
		h.mu.Unlock()
		watcher := t.Watcher()
		// a watch left by a client whose poll loop was lost
		if err := watcher.Disarm(); err != nil {
			x.log.Debugf("clearing stale watch of %d: %v", req.PID, err)
		}
		watcher.OnTrap(h.trap)
		watcher.OnExit(h.exit)
		return nil, watcher.Arm(w)

	case OpDisarmWatch:
		return nil, t.Watcher().Disarm()

	case OpPollTraps:
		return h.poll(), nil

	case OpResolveAddress:
		var args ResolveArgs
		if err := x.decode(req, &args); err != nil {
			return nil, err
		}
		addr, module := t.Resolve(args.Address)
		return ResolveReply{Address: addr, Module: module}, nil

	case OpBitness:
		b, err := t.Bitness()
		if err != nil {
			return nil, err
		}
		return BitnessReply{Bitness: b}, nil
	}
	return nil, nil
}

func (x *Executor) hosted(pid int) (*hosted, error) {
	if x.host != nil {
		if x.pid != pid {
			return nil, badRequest("helper already serves process %d, not %d", x.pid, pid)
		}
		return x.host, nil
	}
	t, err := x.open(pid)
	if err != nil {
		return nil, fmt.Errorf("could not open %d: %w", pid, err)
	}
	x.pid, x.host = pid, &hosted{target: t}
	x.log.Infof("opened process %d", pid)
	return x.host, nil
}

// Close releases the hosted target. The executor may host another process
// afterwards.
func (x *Executor) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	var result *multierror.Error
	if x.host != nil {
		if err := x.host.target.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("pid %d: %w", x.pid, err))
		}
		x.pid, x.host = 0, nil
	}
	return result.ErrorOrNil()
}
