package http

import (
	"encoding/json"
	"errors"
	"net/http"

	e "memscope/error"
	"memscope/pkg/logflags"
)

type Context struct {
	logger   logflags.Logger
	expr     *Expression
	index    int
	chain    HandlerChain
	request  *request
	response *response
	read     *http.Request
	write    http.ResponseWriter
}

func newContext(logger logflags.Logger, w http.ResponseWriter, r *http.Request) *Context {
	return &Context{
		logger: logger,
		read:   r,
		write:  w,
	}
}

// done reports whether a response has already been written.
func (c *Context) done() bool {
	return c.response != nil
}

func (c *Context) respSuccess(data interface{}) {
	c.resp(http.StatusOK, "", data)
}

func (c *Context) respFailed(code int, message string) {
	c.resp(code, message, nil)
}

func (c *Context) respError(err error) {
	c.respFailed(errorStatus(err), err.Error())
}

func (c *Context) resp(status int, msg string, data interface{}) {
	c.response = &response{
		Status: status,
		Msg:    msg,
		Data:   data,
	}

	bs, err := json.Marshal(c.response)
	if err != nil {
		c.write.WriteHeader(http.StatusInternalServerError)
		c.write.Write([]byte(err.Error()))
		return
	}
	c.write.Header().Set("Content-Type", "application/json")
	c.write.WriteHeader(status)
	c.write.Write(bs)
}

func (c *Context) Next() {
	c.index++
	if c.index < len(c.chain) {
		handler := c.chain[c.index]
		handler(c)
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, e.ProcessUnavailable):
		return http.StatusGone
	case errors.Is(err, e.TracerBusy), errors.Is(err, e.WatchBusy):
		return http.StatusConflict
	case errors.Is(err, e.UnsupportedSize), errors.Is(err, e.MisalignedAddress):
		return http.StatusBadRequest
	case errors.Is(err, e.UnsupportedPlatform):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}
