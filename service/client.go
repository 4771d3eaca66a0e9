package service

type CmdType int

const (
	Count CmdType = iota
	Pointers
	Follow
	Trace
	Stop
	Results
	Read
	Write
	Modules
	Load
)

// Client talks to a memscope server attached to a process.
type Client interface {
	SendExpr(cmdType CmdType, args string) (string, error)
	IsMemscopeServer() bool
}
