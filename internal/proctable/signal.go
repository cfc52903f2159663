package proctable

// Signaler delivers termination requests to processes.
type Signaler interface {
	// Terminate asks pid to exit. It returns ErrProcessGone when the process
	// no longer exists.
	Terminate(pid int) error
}

// Killer delivers real OS signals.
type Killer struct{}
