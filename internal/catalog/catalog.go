package catalog

import (
	"strings"
)

// Cardinality describes how many instances of a kind may exist.
type Cardinality int

const (
	// Singleton kinds run once per deployment and carry no host qualifier.
	Singleton Cardinality = iota
	// PerHost kinds run once on every worker host, qualified by hostname.
	PerHost
	// HostLimitedSingleton kinds are per-host and additionally hold an
	// exclusive local resource: at most one process of the resource class
	// may run on a host.
	HostLimitedSingleton
)

func (c Cardinality) String() string {
	switch c {
	case Singleton:
		return "singleton"
	case PerHost:
		return "per-host"
	case HostLimitedSingleton:
		return "host-limited-singleton"
	default:
		return "unknown"
	}
}

// ShutdownMode selects the stop procedure of a kind.
type ShutdownMode int

const (
	// ShutdownSignal sends SIGTERM to the recorded process.
	ShutdownSignal ShutdownMode = iota
	// ShutdownGraceful asks the platform to drain and stop the process.
	ShutdownGraceful
)

func (m ShutdownMode) String() string {
	if m == ShutdownGraceful {
		return "graceful"
	}
	return "signal"
}

// PIDFilePlaceholder is replaced with the instance's own pidfile path.
// Celery workers sharing an AIRFLOW_HOME each need a distinct one.
const PIDFilePlaceholder = "{pidfile}"

// Kind is an immutable service descriptor. Launch and shutdown behaviour is
// carried as data and dispatched by the supervisor.
type Kind struct {
	Name        string
	Cardinality Cardinality
	// OwnPIDFile is false for kinds whose entry point forks before the
	// final process id can be observed; those are found by table scan.
	OwnPIDFile bool
	Shutdown   ShutdownMode
	// Args is the argument template passed to the platform executable.
	// "{host}" is replaced with the instance host.
	Args []string
	// Patterns identify a process of this kind in its command line.
	Patterns []string
	// Qualifier is the token a host-qualified process embeds in its
	// command line ("{host}" expanded).
	Qualifier string
	// Resource names the exclusive resource class of a HostLimitedSingleton.
	Resource string
}

// HostQualified reports whether instances of k carry a host qualifier.
func (k Kind) HostQualified() bool {
	return k.Cardinality == PerHost || k.Cardinality == HostLimitedSingleton
}

var kinds = []Kind{
	{
		Name:        "api-server",
		Cardinality: Singleton,
		OwnPIDFile:  false,
		Shutdown:    ShutdownSignal,
		Args:        []string{"api-server"},
		Patterns:    []string{"airflow api_server", "airflow api-server"},
	},
	{
		Name:        "scheduler",
		Cardinality: Singleton,
		OwnPIDFile:  true,
		Shutdown:    ShutdownSignal,
		Args:        []string{"scheduler"},
		Patterns:    []string{"airflow scheduler"},
	},
	{
		Name:        "triggerer",
		Cardinality: Singleton,
		OwnPIDFile:  true,
		Shutdown:    ShutdownSignal,
		Args:        []string{"triggerer"},
		Patterns:    []string{"airflow triggerer"},
	},
	{
		Name:        "dag-processor",
		Cardinality: Singleton,
		OwnPIDFile:  true,
		Shutdown:    ShutdownSignal,
		Args:        []string{"dag-processor"},
		Patterns:    []string{"airflow dag-processor", "airflow dag_processor"},
	},
	{
		Name:        "worker",
		Cardinality: PerHost,
		OwnPIDFile:  true,
		Shutdown:    ShutdownGraceful,
		Args:        []string{"celery", "worker", "--pid", PIDFilePlaceholder, "--celery-hostname", "{host}"},
		Patterns:    []string{"airflow celery worker", "celeryd"},
		Qualifier:   "{host}",
	},
	{
		Name:        "worker-gpu",
		Cardinality: HostLimitedSingleton,
		OwnPIDFile:  true,
		Shutdown:    ShutdownGraceful,
		Args: []string{
			"celery", "worker",
			"--pid", PIDFilePlaceholder,
			"--queues", "gpu",
			"--celery-hostname", "{host}-gpu",
			"--concurrency", "1",
		},
		Patterns:  []string{"airflow celery worker", "celeryd"},
		Qualifier: "{host}-gpu",
		Resource:  "gpu",
	},
}

// core is the head-node set started, stopped or reported when no names are given.
var core = []string{"api-server", "scheduler", "triggerer", "dag-processor"}

// Kinds returns every known kind in catalogue order.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

// Names returns every known kind name in catalogue order.
func Names() []string {
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, k.Name)
	}
	return out
}

// Core returns the default head-node kind names in their fixed order.
func Core() []string {
	out := make([]string, len(core))
	copy(out, core)
	return out
}

// Lookup finds a kind by name.
func Lookup(name string) (Kind, bool) {
	for _, k := range kinds {
		if k.Name == name {
			return k, true
		}
	}
	return Kind{}, false
}

// SharingResource returns the other kinds holding the same exclusive
// resource class as k, k included.
func SharingResource(k Kind) []Kind {
	if k.Resource == "" {
		return nil
	}
	var out []Kind
	for _, o := range kinds {
		if o.Resource == k.Resource {
			out = append(out, o)
		}
	}
	return out
}

func expandHost(s, host string) string {
	return strings.ReplaceAll(s, "{host}", host)
}
