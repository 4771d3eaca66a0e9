package service

import (
	"net"

	"memscope/pkg/logflags"
)

// Server represents a server for a remote client
// to connect to.
type Server interface {
	Run() error
	Stop() error
}

// ServerImpl is the state shared by the session service and the proxy
// transport. StopChan is closed once the server stopped serving.
type ServerImpl struct {
	Logger   logflags.Logger
	Listener net.Listener
	StopChan chan struct{}
}
