package utils

import (
	"strconv"

	"github.com/shirou/gopsutil/v4/process"
)

// CheckPid reports whether pid names a running process.
func CheckPid(pid string) bool {
	n, err := strconv.ParseInt(pid, 10, 32)
	if err != nil || n <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(n))
	return err == nil && ok
}

// ProcessName returns the executable name of pid, or "" when it is gone.
func ProcessName(pid int) string {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	name, err := p.Name()
	if err != nil {
		return ""
	}
	return name
}
