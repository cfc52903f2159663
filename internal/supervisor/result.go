package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loykin/airsvc/internal/catalog"
)

var (
	// ErrLaunch reports a failed spawn, an untracked launch, or a service
	// that exited within the launch grace period.
	ErrLaunch = errors.New("launch failed")
	// ErrResourceConflict reports that another process already holds the
	// exclusive resource of a host-limited singleton.
	ErrResourceConflict = errors.New("resource conflict")
	// ErrStop reports a stop request that could not be delivered.
	ErrStop = errors.New("stop failed")
	// ErrRemoteInstance marks an instance qualified with another host. Its
	// record names a process id of that host, so it is only ever read here.
	ErrRemoteInstance = errors.New("instance belongs to another host")
)

// Command is one of the batch operations.
type Command string

const (
	CommandStart  Command = "start"
	CommandStop   Command = "stop"
	CommandStatus Command = "status"
)

// ParseCommand validates a command name.
func ParseCommand(s string) (Command, error) {
	switch c := Command(s); c {
	case CommandStart, CommandStop, CommandStatus:
		return c, nil
	}
	return "", fmt.Errorf("unknown command %q", s)
}

// Outcome is the machine-readable state reached by one instance.
type Outcome string

const (
	OutcomeUp             Outcome = "up"
	OutcomeDown           Outcome = "down"
	OutcomeLaunched       Outcome = "launched"
	OutcomeAlreadyRunning Outcome = "already-running"
	OutcomeStopped        Outcome = "stopped"
	OutcomeNotRunning     Outcome = "not-running"
	OutcomeError          Outcome = "error"
	// OutcomeUnknown is reported for a recorded instance of another host.
	OutcomeUnknown Outcome = "unknown"
)

// Result is the outcome of one operation on one instance.
type Result struct {
	Instance catalog.Instance
	Outcome  Outcome
	// PID is set for up, launched, already-running and stopped. For kinds
	// found by scanning a launched pid is the spawn pid, which may differ
	// from the pid later discovered.
	PID int
	// Err is set when Outcome is error.
	Err error
	// Warning carries non-fatal conditions such as an ambiguous scan.
	Warning error
}

// OK reports whether the result is an end state of cmd.
func (r Result) OK(cmd Command) bool {
	switch cmd {
	case CommandStart:
		return r.Outcome == OutcomeLaunched || r.Outcome == OutcomeAlreadyRunning
	case CommandStop:
		return r.Outcome == OutcomeStopped || r.Outcome == OutcomeNotRunning
	case CommandStatus:
		return r.Outcome == OutcomeUp || r.Outcome == OutcomeDown || r.Outcome == OutcomeUnknown
	}
	return false
}

// String renders the result the way status lines read, e.g.
// "scheduler up (pid=123)" or "worker@aber down".
func (r Result) String() string {
	s := r.Instance.ID() + " " + string(r.Outcome)
	if r.PID > 0 {
		s += fmt.Sprintf(" (pid=%d)", r.PID)
	}
	if r.Err != nil {
		s += ": " + r.Err.Error()
	}
	return s
}

type resultJSON struct {
	Instance string `json:"instance"`
	Service  string `json:"service"`
	Host     string `json:"host,omitempty"`
	Outcome  string `json:"outcome"`
	PID      int    `json:"pid,omitempty"`
	Error    string `json:"error,omitempty"`
	Warning  string `json:"warning,omitempty"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Instance: r.Instance.ID(),
		Service:  r.Instance.Kind.Name,
		Host:     r.Instance.Host,
		Outcome:  string(r.Outcome),
		PID:      r.PID,
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	if r.Warning != nil {
		out.Warning = r.Warning.Error()
	}
	return json.Marshal(out)
}

// Report collects the results of one batch, in request order.
type Report struct {
	Command Command  `json:"command"`
	RunID   string   `json:"run_id,omitempty"`
	Results []Result `json:"results"`
}

// OK is true when every instance reached an end state of the command.
func (r Report) OK() bool {
	for _, res := range r.Results {
		if !res.OK(r.Command) {
			return false
		}
	}
	return true
}

// Failed returns the results that did not reach an end state.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.OK(r.Command) {
			out = append(out, res)
		}
	}
	return out
}
