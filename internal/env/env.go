package env

import (
	"os"
	"sort"
	"strings"
)

// HomeVar is the variable every Airflow process reads its home from.
const HomeVar = "AIRFLOW_HOME"

type Var map[string]string

// Env composes child environments from the OS environment, global settings
// and per-service settings.
type Env struct {
	Var  Var    // global variables (K->V)
	Home string // forced into every composed environment when set
	env  Var    // cached base from OS environment
}

func New(home string) *Env {
	return &Env{
		Var:  make(Var),
		Home: home,
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// FromList replaces the base with kvs instead of the OS environment.
func (e *Env) FromList(kvs []string) {
	e.env = parse(kvs)
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetList sets global variables from "K=V" items; malformed items are ignored.
func (e *Env) SetList(kvs []string) {
	for k, v := range parse(kvs) {
		e.Set(k, v)
	}
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then global e.Var overrides
// then perService (slice of "K=V") overrides
// then AIRFLOW_HOME when Home is set.
// Values get ${VAR} expansion against the composed map (one pass, no
// recursion). The result is sorted by key.
func (e *Env) Merge(perService []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perService)+1)
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range parse(perService) {
		m[k] = v
	}
	if e.Home != "" {
		m[HomeVar] = e.Home
	}

	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	keys := make([]string, 0, len(expanded))
	for k := range expanded {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expanded[k])
	}
	return out
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// expand replaces ${VAR} references present in m. Unknown references and
// bare $VAR forms are left untouched.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
