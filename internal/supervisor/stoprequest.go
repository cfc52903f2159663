package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/airsvc/internal/catalog"
	"github.com/loykin/airsvc/internal/registry"
)

// StopRequester asks a process to shut itself down through its own control
// protocol. It returns once the request is accepted, not when the process
// has exited.
type StopRequester interface {
	RequestStop(ctx context.Context, inst catalog.Instance, rec registry.Record) error
}

// ExecStopRequester runs a command such as "airflow celery stop --pid FILE".
// Template placeholders: {executable}, {pidfile} (the service's own pidfile),
// {record} (record file path), {pid}, {host} and {qualifier}.
type ExecStopRequester struct {
	Executable string
	// Command returns the template for a kind.
	Command    func(kind string) []string
	RecordPath func(id string) string
	PIDFile    func(id string) string
	Env        []string
	Dir        string
	Timeout    time.Duration
}

func (r ExecStopRequester) RequestStop(ctx context.Context, inst catalog.Instance, rec registry.Record) error {
	argv := r.expand(r.Command(inst.Kind.Name), inst, rec)
	if len(argv) == 0 || argv[0] == "" {
		return errors.New("empty stop command")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	// #nosec G204 -- command template comes from configuration
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = r.Env
	cmd.Dir = r.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// grandchildren holding the output pipe must not outlive the timeout
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", strings.Join(argv, " "), ctx.Err())
		}
		msg := strings.TrimSpace(out.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, msg)
		}
		return fmt.Errorf("%s: %w", strings.Join(argv, " "), err)
	}
	return nil
}

func (r ExecStopRequester) expand(tmpl []string, inst catalog.Instance, rec registry.Record) []string {
	var path, pidfile string
	if r.RecordPath != nil {
		path = r.RecordPath(inst.ID())
	}
	if r.PIDFile != nil {
		pidfile = r.PIDFile(inst.ID())
	}
	rep := strings.NewReplacer(
		"{executable}", r.Executable,
		"{pidfile}", pidfile,
		"{record}", path,
		"{pid}", strconv.Itoa(rec.PID),
		"{qualifier}", inst.Qualifier(),
		"{host}", inst.Host,
	)
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		out[i] = rep.Replace(a)
	}
	return out
}
