//go:build !windows

package proctable

import (
	"errors"
	"syscall"
)

// Terminate sends SIGTERM to pid.
func (Killer) Terminate(pid int) error {
	if pid <= 0 {
		return ErrProcessGone
	}
	err := syscall.Kill(pid, syscall.SIGTERM)
	if errors.Is(err, syscall.ESRCH) {
		return ErrProcessGone
	}
	return err
}
