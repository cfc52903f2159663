package spawn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Request describes a detached child process.
type Request struct {
	Executable string
	Args       []string
	// Env is the complete environment of the child in KEY=VALUE form.
	Env []string
	// Dir is the working directory; empty keeps the caller's.
	Dir string
	// LogPath receives the combined stdout and stderr of the child. It is
	// opened in append mode and created when missing.
	LogPath string
}

// Spawner starts detached processes and returns their pid without waiting
// for them.
type Spawner interface {
	Spawn(ctx context.Context, req Request) (int, error)
}

// Exec starts children with os/exec in a new session, the nohup equivalent:
// no terminal, stdin on the null device, output appended to a log file.
// The child is released so it outlives the caller.
type Exec struct{}

func (Exec) Spawn(ctx context.Context, req Request) (int, error) {
	if req.Executable == "" {
		return 0, errors.New("spawn: executable is empty")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var logF *os.File
	if req.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(req.LogPath), 0o750); err != nil {
			return 0, fmt.Errorf("create log dir: %w", err)
		}
		// #nosec G304 -- path is derived from configuration
		f, err := os.OpenFile(req.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return 0, fmt.Errorf("open log file: %w", err)
		}
		logF = f
		defer func() { _ = logF.Close() }()
	}
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer func() { _ = devNull.Close() }()

	// exec.Command rather than CommandContext: the child must not be killed
	// when the context of this invocation ends.
	// #nosec G204 -- executable and args come from the service catalogue
	cmd := exec.Command(req.Executable, req.Args...)
	cmd.Env = req.Env
	cmd.Dir = req.Dir
	cmd.Stdin = devNull
	if logF != nil {
		cmd.Stdout = logF
		cmd.Stderr = logF
	}
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", req.Executable, err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}
