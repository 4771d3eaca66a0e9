package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"memscope/service"
)

type Client struct {
	addr   string
	url    string
	client *http.Client
}

func NewClient(addr string) (*Client, error) {
	c := &Client{
		addr:   addr,
		url:    fmt.Sprintf("http://%s", addr),
		client: &http.Client{Timeout: time.Second * 30},
	}

	if !c.IsMemscopeServer() {
		return nil, fmt.Errorf("%s is not a memscope server", c.addr)
	}
	return c, nil
}

var commands = map[service.CmdType]struct {
	method string
	path   string
	cmd    string
}{
	service.Load:     {http.MethodPost, "/load", "load"},
	service.Count:    {http.MethodGet, "/count", "count"},
	service.Pointers: {http.MethodGet, "/pointers", "pointers"},
	service.Follow:   {http.MethodGet, "/follow", "follow"},
	service.Trace:    {http.MethodPost, "/trace", "trace"},
	service.Stop:     {http.MethodPost, "/stop", "stop"},
	service.Results:  {http.MethodGet, "/results", "results"},
	service.Read:     {http.MethodGet, "/read", "read"},
	service.Write:    {http.MethodPost, "/write", "write"},
	service.Modules:  {http.MethodGet, "/modules", "modules"},
}

// SendExpr runs one command on the server; args are the command's
// arguments as typed on a shell line.
func (c *Client) SendExpr(cmdType service.CmdType, args string) (string, error) {
	command, ok := commands[cmdType]
	if !ok {
		return "", fmt.Errorf("unknown command type %d", cmdType)
	}

	expr := command.cmd
	if args != "" {
		expr += " " + args
	}
	resp, err := c.do(&doRequest{
		method: command.method,
		path:   command.path,
		expr:   expr,
	})
	if err != nil {
		return "", err
	}
	if resp.Status != http.StatusOK {
		return "", fmt.Errorf("%s: %s", http.StatusText(resp.Status), resp.Msg)
	}

	respStr, ok := resp.Data.(string)
	if !ok {
		return "", fmt.Errorf("unexpected response type %T", resp.Data)
	}

	return respStr, nil
}

func (c *Client) IsMemscopeServer() bool {
	if c.addr == "" {
		return false
	}

	resp, err := c.do(&doRequest{
		method: http.MethodGet,
		path:   "/memscope",
	})
	if err != nil {
		return false
	}

	return resp.Status == http.StatusOK
}

type doRequest struct {
	method string
	path   string
	header http.Header
	expr   string
}

func (c *Client) jsonHeader() http.Header {
	header := http.Header{}
	header.Set("Content-Type", "application/json")

	return header
}

func (c *Client) do(req *doRequest) (resp *response, err error) {
	url := c.url + req.path

	exr := newExpression(req.expr, os.Getpid())
	bs, err := json.Marshal(exr)
	if err != nil {
		return
	}

	r, err := http.NewRequest(req.method, url, bytes.NewReader(bs))
	if err != nil {
		return
	}

	if req.header == nil {
		r.Header = c.jsonHeader()
	} else {
		r.Header = req.header
	}

	res, err := c.client.Do(r)
	if err != nil {
		return
	}
	defer res.Body.Close()

	bs, err = io.ReadAll(res.Body)
	if err != nil {
		return
	}

	err = json.Unmarshal(bs, &resp)
	return
}
