package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/airsvc/internal/catalog"
	"github.com/loykin/airsvc/internal/config"
	"github.com/loykin/airsvc/internal/env"
	"github.com/loykin/airsvc/internal/history"
	"github.com/loykin/airsvc/internal/probe"
	"github.com/loykin/airsvc/internal/proctable"
	"github.com/loykin/airsvc/internal/registry"
	"github.com/loykin/airsvc/internal/spawn"
)

// Options wires a Supervisor. Only Config is required; every other
// collaborator defaults to the real implementation.
type Options struct {
	Config        *config.Config
	Registry      *registry.Registry
	Table         proctable.Table
	Spawner       spawn.Spawner
	Signaler      proctable.Signaler
	StopRequester StopRequester
	Env           *env.Env
	Logger        *slog.Logger
	// History receives lifecycle events; nil disables export.
	History history.Sink
	// RunID tags history events of this invocation.
	RunID string
	Now   func() time.Time
	// StartTime returns the start time of pid in unix seconds, 0 if unknown.
	StartTime func(pid int) int64
	// UID restricts process table scans; defaults to the current user,
	// negative disables the filter.
	UID *int
}

// Supervisor runs start, stop and status for service instances. It is
// meant for one invocation: operations run sequentially and nothing is
// cached between them.
type Supervisor struct {
	cfg       *config.Config
	reg       *registry.Registry
	table     proctable.Table
	spawner   spawn.Spawner
	signaler  proctable.Signaler
	stopper   StopRequester
	env       *env.Env
	logger    *slog.Logger
	history   history.Sink
	runID     string
	now       func() time.Time
	startTime func(pid int) int64
	uid       int
	prober    *probe.Prober
}

func New(o Options) (*Supervisor, error) {
	if o.Config == nil {
		return nil, errors.New("supervisor: config is required")
	}
	cfg := o.Config
	s := &Supervisor{
		cfg:       cfg,
		reg:       o.Registry,
		table:     o.Table,
		spawner:   o.Spawner,
		signaler:  o.Signaler,
		stopper:   o.StopRequester,
		env:       o.Env,
		logger:    o.Logger,
		history:   o.History,
		runID:     o.RunID,
		now:       o.Now,
		startTime: o.StartTime,
		uid:       os.Getuid(),
	}
	if o.UID != nil {
		s.uid = *o.UID
	}
	if s.reg == nil {
		s.reg = registry.New(cfg.StateDir)
	}
	if s.table == nil {
		s.table = proctable.System{}
	}
	if s.spawner == nil {
		s.spawner = spawn.Exec{}
	}
	if s.signaler == nil {
		s.signaler = proctable.Killer{}
	}
	if s.env == nil {
		s.env = env.New(cfg.Home)
		s.env.SetList(cfg.Env)
	}
	if s.stopper == nil {
		s.stopper = ExecStopRequester{
			Executable: cfg.Executable,
			Command:    cfg.StopCommand,
			RecordPath: s.reg.Path,
			PIDFile:    s.reg.PIDFile,
			Env:        s.env.Merge(nil),
			Dir:        cfg.Home,
			Timeout:    cfg.StopRequestTimeout,
		}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.startTime == nil {
		s.startTime = proctable.StartUnix
	}
	s.prober = probe.New(s.reg, s.table, s.logger)
	s.prober.UID = s.uid
	return s, nil
}

// Registry returns the registry the supervisor records processes in.
func (s *Supervisor) Registry() *registry.Registry { return s.reg }

// LogPath is the file receiving the combined output of inst.
func (s *Supervisor) LogPath(inst catalog.Instance) string {
	return filepath.Join(s.cfg.LogDir, url.PathEscape(inst.ID())+".log")
}

// Run executes cmd for every instance in order. A failing instance does not
// stop the others.
func (s *Supervisor) Run(ctx context.Context, cmd Command, instances []catalog.Instance) Report {
	rep := Report{Command: cmd, RunID: s.runID, Results: make([]Result, 0, len(instances))}
	for _, inst := range instances {
		var res Result
		switch cmd {
		case CommandStart:
			res = s.Launch(ctx, inst)
		case CommandStop:
			res = s.Stop(ctx, inst)
		case CommandStatus:
			res = s.Status(ctx, inst)
		default:
			res = Result{Instance: inst, Outcome: OutcomeError, Err: fmt.Errorf("unknown command %q", cmd)}
		}
		rep.Results = append(rep.Results, res)
	}
	return rep
}

// Status reports whether inst is running. A record left by a launch that
// died within the launch grace period is reported as a launch failure.
func (s *Supervisor) Status(ctx context.Context, inst catalog.Instance) Result {
	res := Result{Instance: inst}
	if s.remote(inst) {
		res = s.remoteStatus(inst)
		if res.Warning != nil {
			s.logger.Info("remote instance not probed", "instance", inst.ID(), "pid", res.PID)
		}
		return res
	}
	pr, err := s.probe(ctx, inst)
	if err != nil {
		res.Outcome = OutcomeError
		res.Err = err
		return res
	}
	if pr.Alive {
		res.Outcome = OutcomeUp
		res.PID = pr.PID
		res.Warning = pr.Warning()
		return res
	}
	if rec := pr.Record; pr.Stale && rec != nil && !rec.LaunchedAt.IsZero() &&
		s.now().Sub(rec.LaunchedAt) < s.cfg.LaunchGrace {
		res.Outcome = OutcomeError
		res.PID = rec.PID
		res.Err = fmt.Errorf("%w: exited shortly after launch, see %s", ErrLaunch, s.LogPath(inst))
		s.emit(ctx, history.EventError, res)
		return res
	}
	res.Outcome = OutcomeDown
	return res
}

// Known returns the instances worth reporting on this host: every kind
// (host-qualified ones on the configured hostname) followed by any other
// instance that has a record, e.g. workers of other hosts sharing the state
// directory.
func (s *Supervisor) Known(ctx context.Context) ([]catalog.Instance, error) {
	names := catalog.Core()
	for _, k := range catalog.Kinds() {
		if k.HostQualified() {
			names = append(names, k.Name)
		}
	}
	out, err := catalog.Resolve(names, s.cfg.Hostname)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(out))
	for _, inst := range out {
		seen[inst.ID()] = true
	}
	ids, err := s.reg.List()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if seen[id] {
			continue
		}
		inst, err := catalog.ParseID(id)
		if err != nil {
			s.logger.Warn("ignoring record of unknown instance", "id", id, "error", err)
			continue
		}
		seen[id] = true
		out = append(out, inst)
	}
	return out, nil
}

// probe wraps the prober and turns self-healing into history events.
func (s *Supervisor) probe(ctx context.Context, inst catalog.Instance) (probe.Result, error) {
	pr, err := s.prober.Probe(ctx, inst)
	if err != nil {
		return pr, fmt.Errorf("probe %s: %w", inst.ID(), err)
	}
	if pr.Stale {
		r := Result{Instance: inst, Outcome: OutcomeDown}
		if pr.Record != nil {
			r.PID = pr.Record.PID
		}
		s.emit(ctx, history.EventStale, r)
	}
	if pr.Alive && pr.Source == probe.SourceScan && (pr.Record == nil || pr.Record.PID != pr.PID) {
		s.emit(ctx, history.EventDiscover, Result{Instance: inst, Outcome: OutcomeUp, PID: pr.PID, Warning: pr.Warning()})
	}
	return pr, nil
}

// emit sends a history event. Sink failures are logged and never change
// the outcome of an operation.
func (s *Supervisor) emit(ctx context.Context, typ history.EventType, res Result) {
	if s.history == nil {
		return
	}
	rec := history.Record{
		Instance: res.Instance.ID(),
		Host:     s.cfg.Hostname,
		PID:      res.PID,
		Outcome:  string(res.Outcome),
		RunID:    s.runID,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	ev := history.Event{Type: typ, OccurredAt: s.now().UTC(), Record: rec}
	if err := s.history.Send(ctx, ev); err != nil {
		s.logger.Warn("history export failed", "instance", rec.Instance, "event", string(typ), "error", err)
	}
}
