package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/airsvc/internal/catalog"
	"github.com/loykin/airsvc/internal/history"
	"github.com/loykin/airsvc/internal/metrics"
	"github.com/loykin/airsvc/internal/proctable"
	"github.com/loykin/airsvc/internal/registry"
)

// Stop asks inst to terminate. It never waits for the process to exit.
func (s *Supervisor) Stop(ctx context.Context, inst catalog.Instance) Result {
	res := s.stop(ctx, inst)
	metrics.IncStop(inst.Kind.Name, string(res.Outcome))
	switch res.Outcome {
	case OutcomeStopped:
		s.logger.Info("stop requested", "instance", inst.ID(), "pid", res.PID, "mode", inst.Kind.Shutdown.String())
		s.emit(ctx, history.EventStop, res)
	case OutcomeNotRunning:
		s.logger.Info("not running", "instance", inst.ID())
	case OutcomeError:
		s.logger.Error("stop failed", "instance", inst.ID(), "error", res.Err)
		s.emit(ctx, history.EventError, res)
	}
	return res
}

func (s *Supervisor) stop(ctx context.Context, inst catalog.Instance) Result {
	res := Result{Instance: inst}
	if s.remote(inst) {
		return s.remoteStop(inst)
	}
	pr, err := s.probe(ctx, inst)
	if err != nil {
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("%w: %v", ErrStop, err)
		return res
	}
	if !pr.Alive {
		res.Outcome = OutcomeNotRunning
		return res
	}
	res.PID = pr.PID
	res.Warning = pr.Warning()

	switch inst.Kind.Shutdown {
	case catalog.ShutdownGraceful:
		return s.requestStop(ctx, inst, pr.Record, res)
	default:
		return s.signalStop(ctx, inst, res)
	}
}

// requestStop hands shutdown to the service's own protocol. The record stays
// in place: the stop command reads it, and the next probe removes it once
// the process is gone.
func (s *Supervisor) requestStop(ctx context.Context, inst catalog.Instance, rec *registry.Record, res Result) Result {
	if rec == nil || rec.PID != res.PID {
		nrec := registry.Record{ID: inst.ID(), PID: res.PID, StartUnix: s.startTime(res.PID), Source: registry.SourceScan}
		if err := s.reg.Write(nrec); err != nil {
			res.Outcome = OutcomeError
			res.Err = fmt.Errorf("%w: write record for stop request: %v", ErrStop, err)
			return res
		}
		rec = &nrec
	}
	// workers started without "--pid" have no pidfile of their own yet
	if err := s.reg.SeedPIDFile(inst.ID(), res.PID); err != nil {
		s.logger.Warn("could not seed pidfile", "instance", inst.ID(), "error", err)
	}
	if err := s.stopper.RequestStop(ctx, inst, *rec); err != nil {
		if s.gone(ctx, res.PID) {
			res.Outcome = OutcomeNotRunning
			res.PID = 0
			if err := s.reg.Delete(inst.ID()); err != nil {
				s.logger.Warn("could not remove process record", "instance", inst.ID(), "error", err)
			}
			return res
		}
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("%w: %v", ErrStop, err)
		return res
	}
	res.Outcome = OutcomeStopped
	return res
}

func (s *Supervisor) signalStop(ctx context.Context, inst catalog.Instance, res Result) Result {
	err := s.signaler.Terminate(res.PID)
	switch {
	case errors.Is(err, proctable.ErrProcessGone):
		res.Outcome = OutcomeNotRunning
		res.PID = 0
	case err != nil:
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("%w: signal pid %d: %v", ErrStop, res.PID, err)
		return res
	default:
		res.Outcome = OutcomeStopped
	}
	if err := s.reg.Delete(inst.ID()); err != nil {
		s.logger.Warn("could not remove process record", "instance", inst.ID(), "error", err)
	}
	return res
}

// gone reports whether pid no longer names a live process.
func (s *Supervisor) gone(ctx context.Context, pid int) bool {
	p, err := s.table.Lookup(ctx, pid)
	if errors.Is(err, proctable.ErrProcessGone) {
		return true
	}
	return err == nil && p.Zombie
}
