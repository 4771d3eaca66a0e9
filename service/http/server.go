package http

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"memscope/pkg/logflags"
	"memscope/pkg/prowler"
	"memscope/service"
)

type Server struct {
	service.ServerImpl
	httpServer *http.Server
	pool       sync.Pool
}

func NewServer(listener net.Listener, p *prowler.Prowler) *Server {
	s := &Server{
		ServerImpl: service.ServerImpl{
			Logger:   logflags.HTTPLogger(),
			Listener: listener,
			StopChan: make(chan struct{}),
		},
		pool: sync.Pool{
			New: func() interface{} {
				return newProcessor(p)
			},
		},
	}

	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) Run() error {
	go func() {
		defer close(s.StopChan)
		if err := s.httpServer.Serve(s.Listener); err != nil && err != http.ErrServerClosed {
			s.Logger.Errorf("serve %s: %v", s.Listener.Addr(), err)
		}
	}()

	return nil
}

func (s *Server) Stop() error {
	return s.httpServer.Shutdown(context.Background())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := newContext(s.Logger, w, r)
	p := s.pool.Get().(*processor)
	defer s.pool.Put(p)
	ctx.chain = httpHandlerChain(p.worker)
	ctx.chain.exec(ctx)
}
