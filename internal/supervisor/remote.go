package supervisor

import (
	"errors"
	"fmt"

	"github.com/loykin/airsvc/internal/catalog"
	"github.com/loykin/airsvc/internal/registry"
)

// remote reports whether inst lives on another host sharing the state
// directory. Its pid means nothing in the local process table.
func (s *Supervisor) remote(inst catalog.Instance) bool {
	return inst.Host != "" && inst.Host != s.cfg.Hostname
}

// remoteRecord reads the record of a remote instance without validating or
// cleaning it. A malformed record still counts as present.
func (s *Supervisor) remoteRecord(inst catalog.Instance) (*registry.Record, error) {
	rec, err := s.reg.Read(inst.ID())
	switch {
	case errors.Is(err, registry.ErrNoRecord):
		return nil, nil
	case errors.Is(err, registry.ErrMalformed):
		return &registry.Record{ID: inst.ID()}, nil
	case err != nil:
		return nil, err
	}
	return &rec, nil
}

func (s *Supervisor) remoteStatus(inst catalog.Instance) Result {
	res := Result{Instance: inst}
	rec, err := s.remoteRecord(inst)
	switch {
	case err != nil:
		res.Outcome = OutcomeError
		res.Err = err
	case rec == nil:
		res.Outcome = OutcomeDown
	default:
		res.Outcome = OutcomeUnknown
		res.PID = rec.PID
		res.Warning = fmt.Errorf("%w: recorded on %s, not verifiable from %s", ErrRemoteInstance, inst.Host, s.cfg.Hostname)
	}
	return res
}

func (s *Supervisor) remoteStop(inst catalog.Instance) Result {
	res := Result{Instance: inst}
	rec, err := s.remoteRecord(inst)
	switch {
	case err != nil:
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("%w: %v", ErrStop, err)
	case rec == nil:
		res.Outcome = OutcomeNotRunning
	default:
		res.Outcome = OutcomeError
		res.PID = rec.PID
		res.Err = fmt.Errorf("%w: %w: run stop on %s", ErrStop, ErrRemoteInstance, inst.Host)
	}
	return res
}

func (s *Supervisor) remoteLaunch(inst catalog.Instance) Result {
	return Result{
		Instance: inst,
		Outcome:  OutcomeError,
		Err:      fmt.Errorf("%w: %w: run start on %s", ErrLaunch, ErrRemoteInstance, inst.Host),
	}
}
