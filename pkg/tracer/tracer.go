package tracer

import (
	"errors"
	"fmt"
	"sync"

	e "memscope/error"
	"memscope/pkg/config"
	"memscope/pkg/logflags"
	"memscope/pkg/proc"
)

type State int32

const (
	Idle State = iota
	Armed
)

func (s State) String() string {
	if s == Armed {
		return "armed"
	}
	return "idle"
}

// CodeTraceInfo describes one instruction that touched the watched range.
type CodeTraceInfo struct {
	Address     uint64          `json:"address"`
	Instruction string          `json:"instruction,omitempty"`
	ThreadID    int             `json:"tid"`
	Kind        proc.AccessKind `json:"kind"`
}

// CodeTraceResult is a CodeTraceInfo merged over every hit of the same
// instruction.
type CodeTraceResult struct {
	CodeTraceInfo
	Count uint64 `json:"count"`
}

// session is the state of one armed period. It is only mutated by the
// delivery loop.
type session struct {
	watch   proc.Watch
	onEvent func(CodeTraceResult)
	events  chan proc.Trap
	stop    chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	results []CodeTraceResult
	index   map[uint64]int
}

// Tracer finds the instructions that access a memory range using one
// hardware watch. Traps arrive on the watcher's goroutines and are handed
// to a single delivery loop through a bounded channel.
type Tracer struct {
	queueSize int
	locator   *locator
	log       logflags.Logger

	mu          sync.Mutex
	watcher     proc.Watcher
	gen         uint64
	state       State
	unavailable bool
	lastErr     error
	cur         *session
}

type Option func(*Tracer)

// WithLocator maps trap addresses back to the accessing instruction by
// disassembling the code that precedes them.
func WithLocator(mem proc.MemoryReader, bitness proc.Bitness) Option {
	return func(t *Tracer) {
		t.locator = &locator{mem: mem, mode: int(bitness)}
	}
}

func New(w proc.Watcher, cfg config.TracerConfig, opts ...Option) *Tracer {
	t := &Tracer{
		queueSize: cfg.QueueSize,
		log:       logflags.TracerLogger(),
	}
	if t.queueSize <= 0 {
		t.queueSize = 1
	}
	for _, opt := range opts {
		opt(t)
	}
	t.attach(w)
	return t
}

// attach must be called with t.mu held or before t is shared. Events
// from a watcher attached earlier are ignored.
func (t *Tracer) attach(w proc.Watcher) {
	t.gen++
	gen := t.gen
	t.watcher = w
	w.OnTrap(func(trap proc.Trap) { t.push(gen, trap) })
	w.OnExit(func(err error) { t.exited(gen, err) })
}

func (t *Tracer) FindWhatWrites(address, size uint64, onEvent func(CodeTraceResult)) error {
	return t.find(address, size, proc.AccessWrite, onEvent)
}

func (t *Tracer) FindWhatReads(address, size uint64, onEvent func(CodeTraceResult)) error {
	return t.find(address, size, proc.AccessRead, onEvent)
}

func (t *Tracer) FindWhatAccesses(address, size uint64, onEvent func(CodeTraceResult)) error {
	return t.find(address, size, proc.AccessReadWrite, onEvent)
}

// Find arms a watch of the given kind.
func (t *Tracer) Find(address, size uint64, kind proc.AccessKind, onEvent func(CodeTraceResult)) error {
	return t.find(address, size, kind, onEvent)
}

func (t *Tracer) find(address, size uint64, kind proc.AccessKind, onEvent func(CodeTraceResult)) error {
	bs, err := proc.SizeToBreakpointSize(size)
	if err != nil {
		return err
	}
	watch := proc.Watch{Address: address, Size: bs, Kind: kind}
	if err := watch.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unavailable {
		return e.ProcessUnavailable
	}
	if t.state == Armed {
		return e.TracerBusy
	}

	s := &session{
		watch:   watch,
		onEvent: onEvent,
		events:  make(chan proc.Trap, t.queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		index:   make(map[uint64]int),
	}
	// the session must be visible before the first trap can arrive
	t.cur = s
	t.lastErr = nil
	t.state = Armed
	if err := t.watcher.Arm(watch); err != nil {
		t.state = Idle
		close(s.stop)
		close(s.done)
		if errors.Is(err, e.ProcessUnavailable) {
			t.unavailable = true
		}
		return fmt.Errorf("could not arm %s watch at %#x: %w", kind, address, err)
	}

	t.log.Infof("tracing %s of %d bytes at %#x", kind, size, address)
	go t.loop(s)
	return nil
}

// Stop disarms the watch and waits for the delivery loop to exit, so no
// onEvent call is running once it returns. Traps still queued are
// discarded. Stopping an idle tracer does nothing. Stop must not be called
// from onEvent; use Cancel there.
func (t *Tracer) Stop() error {
	return t.stop(true)
}

// Cancel disarms the watch like Stop but does not wait for the delivery
// loop. It is the way to stop tracing from inside onEvent.
func (t *Tracer) Cancel() error {
	return t.stop(false)
}

func (t *Tracer) stop(wait bool) error {
	t.mu.Lock()
	if t.state != Armed {
		t.mu.Unlock()
		return nil
	}
	t.state = Idle
	s := t.cur
	close(s.stop)
	w := t.watcher
	t.mu.Unlock()

	err := w.Disarm()
	if wait {
		<-s.done
	}
	t.log.Infof("stopped tracing %#x", s.watch.Address)
	return err
}

// Reset attaches the tracer to a new watcher, clearing a previous process
// exit. The handlers installed on the old watcher are removed.
func (t *Tracer) Reset(w proc.Watcher) error {
	err := t.Stop()
	t.mu.Lock()
	old := t.watcher
	t.unavailable = false
	t.lastErr = nil
	t.attach(w)
	t.mu.Unlock()
	if old != nil {
		old.OnTrap(nil)
		old.OnExit(nil)
	}
	return err
}

func (t *Tracer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error that ended the last armed period when it was not
// stopped by the caller, such as a lost helper channel. It is cleared by
// the next successful arm.
func (t *Tracer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Results returns the results of the current or last armed period.
func (t *Tracer) Results() []CodeTraceResult {
	t.mu.Lock()
	s := t.cur
	t.mu.Unlock()
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CodeTraceResult(nil), s.results...)
}

// push runs on watcher goroutines.
func (t *Tracer) push(gen uint64, trap proc.Trap) {
	t.mu.Lock()
	s := t.cur
	armed := t.state == Armed && t.gen == gen
	t.mu.Unlock()
	if !armed {
		return
	}

	select {
	case s.events <- trap:
	case <-s.stop:
	}
}

// exited ends the armed period when the watcher gives up. Only a process
// that is gone makes the tracer unavailable; any other failure, like a
// broken helper channel, leaves it idle and is reported by Err.
func (t *Tracer) exited(gen uint64, err error) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	gone := err == nil || errors.Is(err, e.ProcessUnavailable)
	if gone {
		t.unavailable = true
	} else {
		t.lastErr = err
	}
	if t.state == Armed {
		t.state = Idle
		close(t.cur.stop)
	}
	t.mu.Unlock()
	if gone {
		t.log.Warnf("traced process is gone: %v", err)
		return
	}
	t.log.Errorf("tracing stopped: %v", err)
}

func (t *Tracer) loop(s *session) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case trap := <-s.events:
			select {
			case <-s.stop:
				return
			default:
			}
			if !wanted(s.watch.Kind, trap.Kind) {
				continue
			}
			res := t.merge(s, trap)
			if s.onEvent != nil {
				s.onEvent(res)
			}
		}
	}
}

// wanted filters traps of a read/write watch installed for reads.
func wanted(requested, got proc.AccessKind) bool {
	if got == 0 {
		return true
	}
	return requested&got != 0
}

func (t *Tracer) merge(s *session, trap proc.Trap) CodeTraceResult {
	info := CodeTraceInfo{
		Address:  trap.PC,
		ThreadID: trap.ThreadID,
		Kind:     trap.Kind,
	}
	if info.Kind == 0 {
		info.Kind = s.watch.Kind
	}
	if t.locator != nil {
		info.Address, info.Instruction = t.locator.locate(trap.PC)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.index[info.Address]; ok {
		s.results[i].Count++
		return s.results[i]
	}
	s.index[info.Address] = len(s.results)
	s.results = append(s.results, CodeTraceResult{CodeTraceInfo: info, Count: 1})
	t.log.Debugf("new %s at %#x by thread %d", info.Kind, info.Address, info.ThreadID)
	return s.results[len(s.results)-1]
}
