package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/derekparker/trie"

	"memscope/pkg/pointer"
	"memscope/pkg/proc"
	"memscope/pkg/prowler"
	"memscope/utils"
)

type Router struct {
	method string
	path   string
	cmd    string
	nargs  int
	fn     func(ctx *Context, args []string)
}

type processor struct {
	prowler *prowler.Prowler
	router  []*Router
	trie    *trie.Trie
}

func (p *processor) route(method, path string) *Router {
	node, found := p.trie.Find(utils.MD5(methodPath(method, path)))
	if found {
		return node.Meta().(*Router)
	}

	return nil
}

func (p *processor) worker(ctx *Context) {
	req := ctx.request
	r := p.route(req.method, req.path)
	if r == nil {
		ctx.respFailed(http.StatusNotFound, http.StatusText(http.StatusNotFound))
		return
	}

	cmd, args, err := ctx.expr.resolve()
	if err != nil {
		ctx.respFailed(http.StatusBadRequest, err.Error())
		return
	}
	if r.cmd != "" {
		if cmd != r.cmd {
			ctx.respFailed(http.StatusBadRequest, fmt.Sprintf("invalid command: %s", cmd))
			return
		}
		if len(args) < r.nargs {
			ctx.respFailed(http.StatusBadRequest, fmt.Sprintf("invalid number of arguments: %d", len(args)))
			return
		}
	}

	r.fn(ctx, args)
}

func newProcessor(p *prowler.Prowler) *processor {
	pr := &processor{
		prowler: p,
	}

	register(pr)
	return pr
}

// dataType picks the type named at args[i], or the forest's type.
func (p *processor) dataType(args []string, i int) (pointer.DataType, error) {
	if len(args) > i {
		return pointer.ParseDataType(args[i])
	}
	return p.prowler.DataType(), nil
}

func register(p *processor) {
	r := []*Router{
		{
			method: http.MethodGet,
			path:   "/memscope",
			fn: func(ctx *Context, _ []string) {
				ctx.respSuccess(strconv.Itoa(p.prowler.Pid()))
			},
		},
		{
			method: http.MethodPost,
			path:   "/load",
			cmd:    "load",
			nargs:  1,
			fn: func(ctx *Context, args []string) {
				n, err := p.prowler.LoadForest(args[0])
				if err != nil {
					ctx.respError(err)
					return
				}
				ctx.respSuccess(fmt.Sprintf("loaded %d pointers", n))
			},
		},
		{
			method: http.MethodGet,
			path:   "/count",
			cmd:    "count",
			fn: func(ctx *Context, _ []string) {
				ctx.respSuccess(strconv.FormatUint(p.prowler.Count(), 10))
			},
		},
		{
			method: http.MethodGet,
			path:   "/pointers",
			cmd:    "pointers",
			nargs:  1,
			fn: func(ctx *Context, args []string) {
				start, end, err := utils.ParseRange(args[0])
				if err != nil {
					ctx.respFailed(http.StatusBadRequest, err.Error())
					return
				}
				ptrs, err := p.prowler.Pointers(start, end)
				if err != nil {
					ctx.respError(err)
					return
				}

				var buf strings.Builder
				utils.PrintPointers(&buf, start, ptrs)
				ctx.respSuccess(buf.String())
			},
		},
		{
			method: http.MethodGet,
			path:   "/follow",
			cmd:    "follow",
			nargs:  1,
			fn: func(ctx *Context, args []string) {
				index, err := strconv.ParseUint(args[0], 10, 64)
				if err != nil {
					ctx.respFailed(http.StatusBadRequest, err.Error())
					return
				}
				ptr, addr, err := p.prowler.Follow(context.Background(), index)
				if err != nil {
					ctx.respError(err)
					return
				}
				val, err := p.prowler.Get(addr, ptr.DataType)
				if err != nil {
					ctx.respError(err)
					return
				}
				ctx.respSuccess(fmt.Sprintf("%s = %#x: %s", ptr, addr, val))
			},
		},
		{
			method: http.MethodPost,
			path:   "/trace",
			cmd:    "trace",
			nargs:  2,
			fn: func(ctx *Context, args []string) {
				kind, err := proc.ParseAccessKind(args[0])
				if err != nil {
					ctx.respFailed(http.StatusBadRequest, err.Error())
					return
				}
				addr, err := utils.ParseAddress(args[1])
				if err != nil {
					ctx.respFailed(http.StatusBadRequest, err.Error())
					return
				}
				size := uint64(4)
				if len(args) > 2 {
					if size, err = strconv.ParseUint(args[2], 0, 64); err != nil {
						ctx.respFailed(http.StatusBadRequest, err.Error())
						return
					}
				}
				if err := p.prowler.Trace(kind, addr, size); err != nil {
					ctx.respError(err)
					return
				}
				ctx.respSuccess(fmt.Sprintf("tracing %s of %#x/%d", kind, addr, size))
			},
		},
		{
			method: http.MethodPost,
			path:   "/stop",
			cmd:    "stop",
			fn: func(ctx *Context, _ []string) {
				if err := p.prowler.StopTrace(); err != nil {
					ctx.respError(err)
					return
				}
				ctx.respSuccess(fmt.Sprintf("%d instructions", len(p.prowler.TraceResults())))
			},
		},
		{
			method: http.MethodGet,
			path:   "/results",
			cmd:    "results",
			fn: func(ctx *Context, _ []string) {
				var buf strings.Builder
				utils.PrintResults(&buf, p.prowler.TraceResults())
				if err := p.prowler.Tracer().Err(); err != nil {
					fmt.Fprintf(&buf, "tracing stopped: %v\n", err)
				}
				ctx.respSuccess(buf.String())
			},
		},
		{
			method: http.MethodGet,
			path:   "/read",
			cmd:    "read",
			nargs:  1,
			fn: func(ctx *Context, args []string) {
				addr, err := utils.ParseAddress(args[0])
				if err != nil {
					ctx.respFailed(http.StatusBadRequest, err.Error())
					return
				}
				dt, err := p.dataType(args, 1)
				if err != nil {
					ctx.respFailed(http.StatusBadRequest, err.Error())
					return
				}
				val, err := p.prowler.Get(addr, dt)
				if err != nil {
					ctx.respError(err)
					return
				}
				ctx.respSuccess(val)
			},
		},
		{
			method: http.MethodPost,
			path:   "/write",
			cmd:    "write",
			nargs:  2,
			fn: func(ctx *Context, args []string) {
				addr, err := utils.ParseAddress(args[0])
				if err != nil {
					ctx.respFailed(http.StatusBadRequest, err.Error())
					return
				}
				dt, err := p.dataType(args, 2)
				if err != nil {
					ctx.respFailed(http.StatusBadRequest, err.Error())
					return
				}
				if err := p.prowler.Set(addr, dt, args[1]); err != nil {
					ctx.respError(err)
					return
				}

				val, err := p.prowler.Get(addr, dt)
				if err != nil {
					ctx.respError(err)
					return
				}
				ctx.respSuccess(val)
			},
		},
		{
			method: http.MethodGet,
			path:   "/modules",
			cmd:    "modules",
			fn: func(ctx *Context, args []string) {
				var ls []string
				if len(args) > 0 {
					ls = p.prowler.ListFuzzy(args[0])
				} else {
					ls = p.prowler.ListModules(nil, nil)
				}
				var buf strings.Builder
				utils.PrintModules(&buf, p.prowler.Describe(ls))
				ctx.respSuccess(buf.String())
			},
		},
	}

	p.router = r

	t := trie.New()
	for _, router := range p.router {
		md5 := utils.MD5(methodPath(router.method, router.path))
		t.Add(md5, router)
	}

	p.trie = t
}

func methodPath(method, path string) string {
	return fmt.Sprintf("%s:%s", method, path)
}
