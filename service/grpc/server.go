package grpc

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"

	"memscope/pkg/logflags"
	"memscope/pkg/proxy"
	"memscope/service"
)

const (
	serviceName  = "memscope.proxy.Proxy"
	invokeMethod = "/" + serviceName + "/Invoke"
)

type invokeServer interface {
	Invoke(context.Context, *proxy.Request) (*proxy.Response, error)
}

func invokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(proxy.Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(invokeServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: invokeMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(invokeServer).Invoke(ctx, req.(*proxy.Request))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*invokeServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler:    invokeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "memscope/proxy",
}

// Server exposes a proxy.Invoker on a unix socket.
type Server struct {
	service.ServerImpl
	path       string
	grpcServer *grpc.Server
	stopOnce   sync.Once
}

func NewServer(path string, inv proxy.Invoker) (*Server, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	s := &Server{
		ServerImpl: service.ServerImpl{
			Logger:   logflags.ProxyLogger(),
			Listener: lis,
			StopChan: make(chan struct{}),
		},
		path: path,
	}
	s.grpcServer = grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.UnaryInterceptor(s.logRequests),
	)
	s.grpcServer.RegisterService(&serviceDesc, inv)
	return s, nil
}

func (s *Server) Path() string {
	return s.path
}

func (s *Server) Run() error {
	return s.grpcServer.Serve(s.Listener)
}

func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.grpcServer.Stop()
		close(s.StopChan)
		if rerr := os.Remove(s.path); rerr != nil && !os.IsNotExist(rerr) {
			err = rerr
		}
	})
	return err
}

func (s *Server) logRequests(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	r, _ := req.(*proxy.Request)
	if r == nil {
		return resp, err
	}
	if err != nil {
		s.Logger.Errorw("request failed", "id", r.ID, "op", r.Op, "pid", r.PID, "error", err)
		return resp, err
	}
	status := proxy.Status("")
	if res, ok := resp.(*proxy.Response); ok {
		status = res.Status
	}
	s.Logger.Debugw("request", "id", r.ID, "op", r.Op, "pid", r.PID, "status", status, "took", time.Since(start))
	return resp, err
}
