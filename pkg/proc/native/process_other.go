//go:build !linux

package native

import (
	e "memscope/error"
	"memscope/pkg/config"
	"memscope/pkg/proc"
	"memscope/pkg/resolver"
)

// Process is only implemented on Linux.
type Process struct{}

func New(pid int, tracerCfg config.TracerConfig, resolverCfg config.ResolverConfig) (*Process, error) {
	return nil, e.UnsupportedPlatform
}

func (p *Process) Pid() int                                       { return 0 }
func (p *Process) Alive() bool                                    { return false }
func (p *Process) Bitness() (proc.Bitness, error)                 { return 0, e.UnsupportedPlatform }
func (p *Process) Resolver() *resolver.Resolver                   { return nil }
func (p *Process) Resolve(addr uint64) (uint64, string)           { return addr, "" }
func (p *Process) Watcher() proc.Watcher                          { return nil }
func (p *Process) ReadMemory(bs []byte, addr uint64) (int, error) { return 0, e.UnsupportedPlatform }
func (p *Process) WriteMemory(addr uint64, bs []byte) (int, error) {
	return 0, e.UnsupportedPlatform
}
func (p *Process) Allocate(size uint64) (uint64, error) { return 0, e.UnsupportedPlatform }
func (p *Process) Protect(addr, size uint64, prot proc.Protection) error {
	return e.UnsupportedPlatform
}
func (p *Process) Close() error { return nil }
