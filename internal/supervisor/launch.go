package supervisor

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/loykin/airsvc/internal/catalog"
	"github.com/loykin/airsvc/internal/history"
	"github.com/loykin/airsvc/internal/metrics"
	"github.com/loykin/airsvc/internal/proctable"
	"github.com/loykin/airsvc/internal/registry"
	"github.com/loykin/airsvc/internal/spawn"
)

// Launch starts inst unless it is already running. It does not wait for the
// service to become ready.
func (s *Supervisor) Launch(ctx context.Context, inst catalog.Instance) Result {
	res := s.launch(ctx, inst)
	metrics.IncLaunch(inst.Kind.Name, string(res.Outcome))
	switch res.Outcome {
	case OutcomeLaunched:
		s.logger.Info("launched", "instance", inst.ID(), "pid", res.PID, "log", s.LogPath(inst))
		s.emit(ctx, history.EventStart, res)
	case OutcomeAlreadyRunning:
		s.logger.Info("already running", "instance", inst.ID(), "pid", res.PID)
	case OutcomeError:
		s.logger.Error("launch failed", "instance", inst.ID(), "error", res.Err)
		s.emit(ctx, history.EventError, res)
	}
	return res
}

func (s *Supervisor) launch(ctx context.Context, inst catalog.Instance) Result {
	res := Result{Instance: inst}
	if s.remote(inst) {
		return s.remoteLaunch(inst)
	}
	pr, err := s.probe(ctx, inst)
	if err != nil {
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("%w: %v", ErrLaunch, err)
		return res
	}
	if pr.Alive {
		res.Outcome = OutcomeAlreadyRunning
		res.PID = pr.PID
		res.Warning = pr.Warning()
		return res
	}

	if inst.Kind.Cardinality == catalog.HostLimitedSingleton {
		holder, pid, err := s.resourceHolder(ctx, inst)
		if err != nil {
			res.Outcome = OutcomeError
			res.Err = fmt.Errorf("%w: %v", ErrLaunch, err)
			return res
		}
		if holder != "" {
			res.Outcome = OutcomeError
			res.Err = fmt.Errorf("%w: %s resource %q is held by %s (pid %d)",
				ErrResourceConflict, inst.Host, inst.Kind.Resource, holder, pid)
			return res
		}
	}

	svc := s.cfg.Service(inst.Kind.Name)
	args := inst.Args()
	if len(svc.Args) > 0 {
		args = inst.ExpandAll(svc.Args)
	}
	if args, err = s.expandPIDFile(inst, args); err != nil {
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("%w: %v", ErrLaunch, err)
		return res
	}
	pid, err := s.spawner.Spawn(ctx, spawn.Request{
		Executable: s.cfg.Executable,
		Args:       args,
		Env:        s.env.Merge(svc.Env),
		Dir:        s.cfg.Home,
		LogPath:    s.LogPath(inst),
	})
	if err != nil {
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("%w: %v", ErrLaunch, err)
		return res
	}
	res.PID = pid

	if inst.Kind.OwnPIDFile {
		rec := registry.Record{
			ID:         inst.ID(),
			PID:        pid,
			StartUnix:  s.startTime(pid),
			LaunchedAt: s.now().UTC(),
			Source:     registry.SourceSpawn,
		}
		if err := s.reg.Write(rec); err != nil {
			// the child runs untracked; a later probe cannot see it
			res.Outcome = OutcomeError
			res.Err = fmt.Errorf("%w: pid %d started but not recorded: %v", ErrLaunch, pid, err)
			return res
		}
	}
	res.Outcome = OutcomeLaunched
	return res
}

// resourceHolder looks for any live process occupying the exclusive
// resource of inst on its host: a tracked instance of a kind sharing the
// resource, or an untracked process carrying such a kind's signature.
func (s *Supervisor) resourceHolder(ctx context.Context, inst catalog.Instance) (string, int, error) {
	kinds := catalog.SharingResource(inst.Kind)
	for _, k := range kinds {
		other := catalog.Instance{Kind: k, Host: inst.Host}
		if other.ID() == inst.ID() {
			continue
		}
		pr, err := s.probe(ctx, other)
		if err != nil {
			return "", 0, err
		}
		if pr.Alive {
			return other.ID(), pr.PID, nil
		}
	}

	procs, err := s.table.Processes(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("scan process table: %w", err)
	}
	for _, k := range kinds {
		other := catalog.Instance{Kind: k, Host: inst.Host}
		for _, p := range procs {
			if p.Zombie || p.Cmdline == "" {
				continue
			}
			if s.uid >= 0 && p.UID >= 0 && p.UID != s.uid {
				continue
			}
			if proctable.MatchesAny(p.Cmdline, k.Patterns) && proctable.HasToken(p.Cmdline, other.Qualifier()) {
				return other.ID() + " (untracked)", p.PID, nil
			}
		}
	}
	return "", 0, nil
}

// expandPIDFile substitutes the instance pidfile, creating its directory
// only when an argument asks for it.
func (s *Supervisor) expandPIDFile(inst catalog.Instance, args []string) ([]string, error) {
	if !slices.ContainsFunc(args, func(a string) bool { return strings.Contains(a, catalog.PIDFilePlaceholder) }) {
		return args, nil
	}
	path, err := s.reg.PreparePIDFile(inst.ID())
	if err != nil {
		return nil, err
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, catalog.PIDFilePlaceholder, path)
	}
	return out, nil
}
