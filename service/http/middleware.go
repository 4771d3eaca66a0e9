package http

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"memscope/utils"
)

type Handler func(ctx *Context)

type HandlerChain []Handler

func httpHandlerChain(do Handler) HandlerChain {
	return []Handler{
		parseRequest,
		printRequest,
		parseExpression,
		guard(do),
		printResponse,
	}
}

func (h HandlerChain) exec(ctx *Context) {
	for _, handler := range h {
		handler(ctx)
	}
}

// guard skips do once an earlier handler has answered the request.
func guard(do Handler) Handler {
	return func(ctx *Context) {
		if ctx.done() {
			return
		}
		do(ctx)
	}
}

func parseRequest(ctx *Context) {
	if ctx.read != nil {
		r := &request{
			requestID: uuid.New().String(),
			url:       utils.GetFullURL(ctx.read),
			path:      ctx.read.URL.Path,
			method:    ctx.read.Method,
			clientIP:  utils.GetClientIP(ctx.read),
		}

		bs, err := io.ReadAll(ctx.read.Body)
		if err != nil {
			ctx.respFailed(http.StatusBadRequest, err.Error())
			return
		}
		r.body = bs

		ctx.request = r
	}
}

func parseExpression(ctx *Context) {
	req := ctx.request
	if req == nil || ctx.done() {
		return
	}

	exr := new(Expression)
	if len(req.body) > 0 {
		if err := json.Unmarshal(req.body, exr); err != nil {
			ctx.respFailed(http.StatusBadRequest, err.Error())
			return
		}
	}
	ctx.expr = exr
}

func printRequest(ctx *Context) {
	logger := ctx.logger
	req := ctx.request
	if logger != nil && req != nil {
		logger.Infow("request",
			"id", req.requestID,
			"url", req.url,
			"method", req.method,
			"clientIP", req.clientIP,
			"path", req.path,
			"body", string(req.body),
		)
	}
}

func printResponse(ctx *Context) {
	logger := ctx.logger
	res := ctx.response
	if logger != nil && res != nil {
		id := ""
		if ctx.request != nil {
			id = ctx.request.requestID
		}
		logger.Infow("response", "id", id, "status", res.Status, "msg", res.Msg)
		logger.Debugf("data: %+v", res.Data)
	}
}
