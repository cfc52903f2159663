//go:build !windows

package spawn

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr starts the child in a new session so it has no
// controlling terminal and does not receive the caller's hangup.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
