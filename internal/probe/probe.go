package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/loykin/airsvc/internal/catalog"
	"github.com/loykin/airsvc/internal/metrics"
	"github.com/loykin/airsvc/internal/proctable"
	"github.com/loykin/airsvc/internal/registry"
)

// ErrAmbiguousProcessMatch flags a scan that found several candidates. The
// most recently started one is used; the choice is a heuristic.
var ErrAmbiguousProcessMatch = errors.New("ambiguous process match")

// Source names how liveness was established.
type Source string

const (
	SourceRecord Source = "record"
	SourceScan   Source = "scan"
)

// Result is the outcome of a liveness probe.
type Result struct {
	Alive bool
	PID   int
	// Source is empty when Alive is false.
	Source Source
	// Stale is set when a record existed but did not describe a live
	// process of this instance; the record has been removed.
	Stale bool
	// Record holds the record as it was read, before any cleanup.
	Record *registry.Record
	// Ambiguous is set when the scan matched several processes; Candidates
	// lists all of them, most recent first.
	Ambiguous  bool
	Candidates []int
}

// Warning returns ErrAmbiguousProcessMatch (wrapped with the candidates) for
// ambiguous results and nil otherwise.
func (r Result) Warning() error {
	if !r.Ambiguous {
		return nil
	}
	return fmt.Errorf("%w: candidates %v, using pid %d", ErrAmbiguousProcessMatch, r.Candidates, r.PID)
}

// Prober decides whether a service instance is running.
type Prober struct {
	Registry *registry.Registry
	Table    proctable.Table
	Logger   *slog.Logger
	// UID restricts scans to processes of this user; negative disables the filter.
	UID int
}

// New returns a prober that scans processes owned by the current user.
func New(reg *registry.Registry, table proctable.Table, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{Registry: reg, Table: table, Logger: logger, UID: os.Getuid()}
}

// Probe reports whether inst is running. Records are never trusted without
// re-validation: kinds keeping their own id are checked against the live
// process (existence, start time, command line), other kinds are found by
// scanning the process table.
func (p *Prober) Probe(ctx context.Context, inst catalog.Instance) (Result, error) {
	var (
		res Result
		err error
	)
	if inst.Kind.OwnPIDFile {
		res, err = p.probeRecord(ctx, inst)
	} else {
		res, err = p.probeScan(ctx, inst)
	}
	if err != nil {
		metrics.IncProbe(inst.Kind.Name, "error")
		return res, err
	}
	switch {
	case res.Alive:
		metrics.IncProbe(inst.Kind.Name, "alive")
	default:
		metrics.IncProbe(inst.Kind.Name, "dead")
	}
	if res.Stale {
		metrics.IncStaleRecord(inst.Kind.Name)
	}
	return res, nil
}

func (p *Prober) probeRecord(ctx context.Context, inst catalog.Instance) (Result, error) {
	id := inst.ID()
	rec, err := p.Registry.Read(id)
	switch {
	case errors.Is(err, registry.ErrNoRecord):
		return Result{}, nil
	case errors.Is(err, registry.ErrMalformed):
		p.Logger.Warn("removing unreadable process record", "instance", id, "error", err)
		return Result{Stale: true}, p.Registry.Delete(id)
	case err != nil:
		return Result{}, err
	}

	res := Result{Record: &rec}
	proc, err := p.Table.Lookup(ctx, rec.PID)
	if err != nil && !errors.Is(err, proctable.ErrProcessGone) {
		return res, err
	}
	if reason := mismatch(inst, rec, proc, err); reason != "" {
		p.Logger.Info("removing stale process record", "instance", id, "pid", rec.PID, "reason", reason)
		res.Stale = true
		return res, p.Registry.Delete(id)
	}
	res.Alive = true
	res.PID = rec.PID
	res.Source = SourceRecord
	return res, nil
}

// mismatch explains why proc does not belong to rec, or returns "".
func mismatch(inst catalog.Instance, rec registry.Record, proc proctable.Process, lookupErr error) string {
	if lookupErr != nil {
		return "process gone"
	}
	if proc.Zombie {
		return "process exited"
	}
	if rec.StartUnix > 0 && proc.StartUnix > 0 && rec.StartUnix != proc.StartUnix {
		return "pid reused"
	}
	if proc.Cmdline != "" && !proctable.MatchesAny(proc.Cmdline, inst.Kind.Patterns) {
		return "command line does not match"
	}
	if proc.Cmdline != "" && !proctable.HasToken(proc.Cmdline, inst.Qualifier()) {
		return "command line lacks instance qualifier"
	}
	return ""
}

func (p *Prober) probeScan(ctx context.Context, inst catalog.Instance) (Result, error) {
	id := inst.ID()
	var (
		res       Result
		malformed bool
	)
	rec, err := p.Registry.Read(id)
	switch {
	case err == nil:
		res.Record = &rec
	case errors.Is(err, registry.ErrMalformed):
		malformed = true
	case errors.Is(err, registry.ErrNoRecord):
	default:
		return res, err
	}

	procs, err := p.Table.Processes(ctx)
	if err != nil {
		return res, fmt.Errorf("scan process table: %w", err)
	}
	var cands []proctable.Process
	for _, proc := range procs {
		if proc.Zombie || proc.Cmdline == "" {
			continue
		}
		if p.UID >= 0 && proc.UID >= 0 && proc.UID != p.UID {
			continue
		}
		if !proctable.MatchesAny(proc.Cmdline, inst.Kind.Patterns) {
			continue
		}
		if !proctable.HasToken(proc.Cmdline, inst.Qualifier()) {
			continue
		}
		cands = append(cands, proc)
	}

	if len(cands) == 0 {
		if res.Record != nil || malformed {
			res.Stale = true
			p.Logger.Info("removing stale process record", "instance", id, "reason", "no matching process")
			return res, p.Registry.Delete(id)
		}
		return res, nil
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].CreateMillis != cands[j].CreateMillis {
			return cands[i].CreateMillis > cands[j].CreateMillis
		}
		return cands[i].PID > cands[j].PID
	})
	chosen := cands[0]
	res.Alive = true
	res.PID = chosen.PID
	res.Source = SourceScan
	if len(cands) > 1 {
		res.Ambiguous = true
		res.Candidates = make([]int, len(cands))
		for i, c := range cands {
			res.Candidates[i] = c.PID
		}
		metrics.IncAmbiguous(inst.Kind.Name)
		p.Logger.Warn("several processes match instance, using most recently started",
			"instance", id, "pid", chosen.PID, "candidates", res.Candidates)
	}

	if res.Record == nil || res.Record.PID != chosen.PID {
		nrec := registry.Record{
			ID:        id,
			PID:       chosen.PID,
			StartUnix: chosen.StartUnix,
			Source:    registry.SourceScan,
		}
		if err := p.Registry.Write(nrec); err != nil {
			return res, fmt.Errorf("refresh record %s: %w", id, err)
		}
		p.Logger.Debug("recorded discovered process", "instance", id, "pid", chosen.PID)
	}
	return res, nil
}
