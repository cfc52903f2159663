package proctable

import (
	"context"
	"errors"
	"os"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ErrProcessGone is returned when the requested pid does not exist (anymore).
var ErrProcessGone = errors.New("process does not exist")

// Process is one row of the process table.
type Process struct {
	PID     int
	Cmdline string
	// CreateMillis is the creation time in milliseconds since the epoch, used
	// to order candidates. StartUnix has second resolution and is stable
	// across readers; it is what process records persist.
	CreateMillis int64
	StartUnix    int64
	Zombie       bool
	UID          int // -1 when unknown
}

// Table queries the live process table.
type Table interface {
	// Processes lists every visible process.
	Processes(ctx context.Context) ([]Process, error)
	// Lookup returns the process with pid or ErrProcessGone.
	Lookup(ctx context.Context, pid int) (Process, error)
}

// System reads the host process table through gopsutil.
type System struct{}

func (System) Processes(ctx context.Context) ([]Process, error) {
	ps, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Process, 0, len(ps))
	self := os.Getpid()
	for _, p := range ps {
		if int(p.Pid) == self {
			continue
		}
		row, err := describe(ctx, p)
		if err != nil {
			// raced with exit between listing and inspection
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (System) Lookup(ctx context.Context, pid int) (Process, error) {
	if pid <= 0 {
		return Process{}, ErrProcessGone
	}
	if !pidAlive(pid) {
		return Process{}, ErrProcessGone
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return Process{}, ErrProcessGone
		}
		return Process{}, err
	}
	return describe(ctx, p)
}

func describe(ctx context.Context, p *gopsproc.Process) (Process, error) {
	row := Process{PID: int(p.Pid), UID: -1}
	// The command line can be unreadable for foreign processes; an empty
	// Cmdline means "unknown", not "no match".
	if cl, err := p.CmdlineWithContext(ctx); err == nil {
		row.Cmdline = cl
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil {
		row.CreateMillis = ms
	}
	row.StartUnix = StartUnix(row.PID)
	if row.StartUnix == 0 && row.CreateMillis > 0 {
		row.StartUnix = row.CreateMillis / 1000
	}
	if st, err := p.StatusWithContext(ctx); err == nil && len(st) > 0 {
		row.Zombie = st[0] == gopsproc.Zombie
	}
	if uids, err := p.UidsWithContext(ctx); err == nil && len(uids) > 0 {
		row.UID = int(uids[0])
	}
	if row.Cmdline == "" && row.CreateMillis == 0 && !pidAlive(row.PID) {
		return Process{}, ErrProcessGone
	}
	return row, nil
}
