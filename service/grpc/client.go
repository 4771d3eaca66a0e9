package grpc

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	e "memscope/error"
	"memscope/pkg/proxy"
)

// Client invokes a helper over its unix socket. Only one request is in
// flight at a time.
type Client struct {
	mu   sync.Mutex
	path string
	conn *grpc.ClientConn
}

var _ proxy.Invoker = (*Client)(nil)

func Dial(path string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+path,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v: %w", path, err, e.ProxyCommunication)
	}
	return &Client{path: path, conn: conn}, nil
}

func (c *Client) Invoke(ctx context.Context, req *proxy.Request) (*proxy.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp := new(proxy.Response)
	if err := c.conn.Invoke(ctx, invokeMethod, req, resp); err != nil {
		return nil, fmt.Errorf("%s %s: %v: %w", req.Op, req.ID, err, e.ProxyCommunication)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response %s does not match request %s: %w", resp.ID, req.ID, e.ProxyCommunication)
	}
	return resp, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
