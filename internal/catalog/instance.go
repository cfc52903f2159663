package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidServiceName is returned when a requested name is not in the catalogue
// or its host qualifier is malformed.
var ErrInvalidServiceName = errors.New("invalid service name")

// Instance is a concrete runnable unit resolved from a requested name.
type Instance struct {
	Kind Kind
	Host string // empty for singleton kinds
}

// ID returns "kind" or "kind@host".
func (i Instance) ID() string {
	if i.Host == "" {
		return i.Kind.Name
	}
	return i.Kind.Name + "@" + i.Host
}

func (i Instance) String() string { return i.ID() }

// Args returns the executable arguments with the host placeholder expanded.
func (i Instance) Args() []string {
	return i.ExpandAll(i.Kind.Args)
}

// ExpandAll returns a copy of args with "{host}" replaced by the instance host.
func (i Instance) ExpandAll(args []string) []string {
	out := make([]string, len(args))
	for n, a := range args {
		out[n] = expandHost(a, i.Host)
	}
	return out
}

// Qualifier returns the command-line token identifying this instance among
// processes of the same kind, or "" for unqualified kinds.
func (i Instance) Qualifier() string {
	if i.Kind.Qualifier == "" || i.Host == "" {
		return ""
	}
	return expandHost(i.Kind.Qualifier, i.Host)
}

// ParseID turns an instance id back into an Instance. It is the inverse of
// Instance.ID and applies the same validation as Resolve.
func ParseID(id string) (Instance, error) {
	name, host, qualified := strings.Cut(strings.TrimSpace(id), "@")
	k, ok := Lookup(name)
	if !ok {
		return Instance{}, fmt.Errorf("%w: %q", ErrInvalidServiceName, id)
	}
	if !qualified {
		return Instance{Kind: k}, nil
	}
	if !k.HostQualified() {
		return Instance{}, fmt.Errorf("%w: %q: %s does not take a host qualifier", ErrInvalidServiceName, id, name)
	}
	if host == "" || strings.ContainsAny(host, "@/ \t") {
		return Instance{}, fmt.Errorf("%w: %q: bad host qualifier", ErrInvalidServiceName, id)
	}
	return Instance{Kind: k, Host: host}, nil
}

// Resolve expands requested names into instances. An empty request yields the
// core set; a bare host-qualified kind is qualified with hostname; "kind@host"
// passes through. Validation is total: if any name is invalid no instance is
// returned and the error lists every offending name.
func Resolve(names []string, hostname string) ([]Instance, error) {
	if len(names) == 0 {
		names = core
	}
	var (
		out  = make([]Instance, 0, len(names))
		seen = make(map[string]bool, len(names))
		bad  []string
	)
	for _, n := range names {
		inst, err := ParseID(n)
		if err != nil {
			bad = append(bad, n)
			continue
		}
		if inst.Kind.HostQualified() && inst.Host == "" {
			if hostname == "" {
				bad = append(bad, n)
				continue
			}
			inst.Host = hostname
		}
		if seen[inst.ID()] {
			continue
		}
		seen[inst.ID()] = true
		out = append(out, inst)
	}
	if len(bad) > 0 {
		return nil, fmt.Errorf("%w: %s (known: %s)", ErrInvalidServiceName,
			strings.Join(quoteAll(bad), ", "), strings.Join(Names(), ", "))
	}
	return out, nil
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}
