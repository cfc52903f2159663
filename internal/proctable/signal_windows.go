//go:build windows

package proctable

import (
	"os"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}

// StartUnix returns the process creation time in Unix seconds, or 0.
func StartUnix(pid int) int64 {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// Terminate kills pid; Windows has no SIGTERM equivalent for console-less processes.
func (Killer) Terminate(pid int) error {
	if !pidAlive(pid) {
		return ErrProcessGone
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return ErrProcessGone
	}
	return p.Kill()
}
