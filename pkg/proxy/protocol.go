package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	e "memscope/error"
	"memscope/pkg/proc"
)

// Opcode names a remote operation. Every memory and debugger primitive of
// proc.Target has one.
type Opcode string

const (
	OpRead           Opcode = "read"
	OpWrite          Opcode = "write"
	OpAllocate       Opcode = "allocate"
	OpProtect        Opcode = "protect"
	OpArmWatch       Opcode = "arm-watch"
	OpDisarmWatch    Opcode = "disarm-watch"
	OpResolveAddress Opcode = "resolve-address"
	OpPollTraps      Opcode = "poll-traps"
	OpBitness        Opcode = "bitness"
	OpPing           Opcode = "ping"
)

type Status string

const (
	StatusOK                 Status = "ok"
	StatusFailed             Status = "failed"
	StatusBadRequest         Status = "bad-request"
	StatusUnknownOpcode      Status = "unknown-opcode"
	StatusUnsupportedSize    Status = "unsupported-size"
	StatusMisaligned         Status = "misaligned"
	StatusProcessUnavailable Status = "process-unavailable"
)

// Channel identifies the endpoint a helper serves on.
type Channel struct {
	ID   int
	Name string
}

// ParseChannel parses the helper command line, exactly "<id> <name>".
func ParseChannel(args []string) (Channel, error) {
	if len(args) != 2 {
		return Channel{}, fmt.Errorf("got %d arguments: %w", len(args), e.MalformedHelperArgs)
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return Channel{}, fmt.Errorf("channel id %q: %w", args[0], e.MalformedHelperArgs)
	}
	name := args[1]
	if name == "" || strings.ContainsRune(name, filepath.Separator) {
		return Channel{}, fmt.Errorf("channel name %q: %w", name, e.MalformedHelperArgs)
	}
	return Channel{ID: id, Name: name}, nil
}

func (c Channel) Args() []string {
	return []string{strconv.Itoa(c.ID), c.Name}
}

// SocketPath is the unix socket of the channel inside dir.
func (c Channel) SocketPath(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d.sock", c.Name, c.ID))
}

type Request struct {
	ID      string          `json:"id"`
	Op      Opcode          `json:"op"`
	PID     int             `json:"pid"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Response struct {
	ID      string          `json:"id"`
	Status  Status          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewRequest builds a request tagged with a fresh correlation id.
func NewRequest(op Opcode, pid int, args interface{}) (*Request, error) {
	req := &Request{ID: uuid.New().String(), Op: op, PID: pid}
	if args != nil {
		bs, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		req.Payload = bs
	}
	return req, nil
}

func (r *Request) Decode(v interface{}) error {
	if len(r.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(r.Payload, v)
}

func (r *Response) Decode(v interface{}) error {
	if len(r.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(r.Payload, v)
}

// Err maps a failed status back onto the error taxonomy.
func (r *Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	var msg errorReply
	if len(r.Payload) > 0 {
		json.Unmarshal(r.Payload, &msg)
	}
	if msg.Message == "" {
		msg.Message = string(r.Status)
	}

	switch r.Status {
	case StatusUnsupportedSize:
		return fmt.Errorf("%s: %w", msg.Message, e.UnsupportedSize)
	case StatusMisaligned:
		return fmt.Errorf("%s: %w", msg.Message, e.MisalignedAddress)
	case StatusProcessUnavailable:
		return fmt.Errorf("%s: %w", msg.Message, e.ProcessUnavailable)
	case StatusBadRequest, StatusUnknownOpcode:
		return fmt.Errorf("%s: %s: %w", r.Status, msg.Message, e.ProxyCommunication)
	}
	return errors.New(msg.Message)
}

func statusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, e.UnsupportedSize):
		return StatusUnsupportedSize
	case errors.Is(err, e.MisalignedAddress):
		return StatusMisaligned
	case errors.Is(err, e.ProcessUnavailable):
		return StatusProcessUnavailable
	}
	return StatusFailed
}

type errorReply struct {
	Message string `json:"message"`
}

type ReadArgs struct {
	Address uint64 `json:"address"`
	Size    int    `json:"size"`
}

type ReadReply struct {
	Data []byte `json:"data"`
}

type WriteArgs struct {
	Address uint64 `json:"address"`
	Data    []byte `json:"data"`
}

type WriteReply struct {
	N int `json:"n"`
}

type AllocateArgs struct {
	Size uint64 `json:"size"`
}

type AllocateReply struct {
	Address uint64 `json:"address"`
}

type ProtectArgs struct {
	Address    uint64          `json:"address"`
	Size       uint64          `json:"size"`
	Protection proc.Protection `json:"protection"`
}

type ResolveArgs struct {
	Address uint64 `json:"address"`
}

type ResolveReply struct {
	Address uint64 `json:"address"`
	Module  string `json:"module"`
}

type PollReply struct {
	Traps   []proc.Trap `json:"traps"`
	Exited  bool        `json:"exited"`
	Dropped int         `json:"dropped,omitempty"`
}

type BitnessReply struct {
	Bitness proc.Bitness `json:"bitness"`
}

// Invoker sends one request and returns its response. A non nil error
// means the exchange itself failed.
type Invoker interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
}
