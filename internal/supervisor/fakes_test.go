package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/airsvc/internal/catalog"
	"github.com/loykin/airsvc/internal/config"
	"github.com/loykin/airsvc/internal/env"
	"github.com/loykin/airsvc/internal/history"
	"github.com/loykin/airsvc/internal/proctable"
	"github.com/loykin/airsvc/internal/registry"
	"github.com/loykin/airsvc/internal/spawn"
)

// fakeOS is an in-memory process table that the fake spawner, signaler and
// stop requester act on.
type fakeOS struct {
	mu      sync.Mutex
	procs   map[int]proctable.Process
	nextPID int
}

func newFakeOS() *fakeOS {
	return &fakeOS{procs: make(map[int]proctable.Process), nextPID: 1000}
}

func (f *fakeOS) add(cmdline string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	pid := f.nextPID
	f.procs[pid] = proctable.Process{
		PID:          pid,
		Cmdline:      cmdline,
		CreateMillis: int64(pid) * 1000,
		StartUnix:    int64(pid),
		UID:          os.Getuid(),
	}
	return pid
}

func (f *fakeOS) kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.procs, pid)
}

func (f *fakeOS) Processes(context.Context) ([]proctable.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]proctable.Process, 0, len(f.procs))
	for _, p := range f.procs {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeOS) Lookup(_ context.Context, pid int) (proctable.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	if !ok {
		return proctable.Process{}, proctable.ErrProcessGone
	}
	return p, nil
}

func (f *fakeOS) startTime(pid int) int64 {
	p, err := f.Lookup(context.Background(), pid)
	if err != nil {
		return 0
	}
	return p.StartUnix
}

type fakeSpawner struct {
	os    *fakeOS
	reqs  []spawn.Request
	fail  map[string]error // by first argument after the executable
	crash bool             // child exits before anyone looks
}

func (s *fakeSpawner) Spawn(_ context.Context, req spawn.Request) (int, error) {
	s.reqs = append(s.reqs, req)
	if len(req.Args) > 0 {
		if err, ok := s.fail[req.Args[0]]; ok {
			return 0, err
		}
	}
	pid := s.os.add("/venv/bin/python /venv/bin/airflow " + strings.Join(req.Args, " "))
	if s.crash {
		s.os.kill(pid)
	}
	return pid, nil
}

type fakeSignaler struct {
	os   *fakeOS
	sent []int
	err  error
}

func (s *fakeSignaler) Terminate(pid int) error {
	s.sent = append(s.sent, pid)
	if s.err != nil {
		return s.err
	}
	if _, err := s.os.Lookup(context.Background(), pid); err != nil {
		return proctable.ErrProcessGone
	}
	s.os.kill(pid)
	return nil
}

type stopCall struct {
	inst catalog.Instance
	rec  registry.Record
}

type fakeStopper struct {
	calls []stopCall
	err   error
	// exits makes the request terminate the process before returning.
	exits bool
	os    *fakeOS
}

func (s *fakeStopper) RequestStop(_ context.Context, inst catalog.Instance, rec registry.Record) error {
	s.calls = append(s.calls, stopCall{inst: inst, rec: rec})
	if s.exits {
		s.os.kill(rec.PID)
	}
	return s.err
}

type memorySink struct {
	mu     sync.Mutex
	events []history.Event
	err    error
}

func (m *memorySink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memorySink) types() []history.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]history.EventType, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type harness struct {
	sup      *Supervisor
	cfg      *config.Config
	os       *fakeOS
	spawner  *fakeSpawner
	signaler *fakeSignaler
	stopper  *fakeStopper
	sink     *memorySink
	clock    *clock
	reg      *registry.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	home := t.TempDir()
	cfg := &config.Config{
		Home:               home,
		Executable:         "airflow",
		Hostname:           "aber",
		StateDir:           filepath.Join(home, "services-run"),
		LogDir:             filepath.Join(home, "services-logs"),
		LaunchGrace:        10 * time.Second,
		StopRequestTimeout: time.Second,
		Services: map[string]config.ServiceConfig{
			"triggerer": {Env: []string{"AIRFLOW__TRIGGERER__CAPACITY=50"}},
		},
	}
	fos := newFakeOS()
	e := env.New(home)
	e.FromList([]string{"PATH=/usr/bin"})
	h := &harness{
		cfg:      cfg,
		os:       fos,
		spawner:  &fakeSpawner{os: fos},
		signaler: &fakeSignaler{os: fos},
		stopper:  &fakeStopper{os: fos},
		sink:     &memorySink{},
		clock:    &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		reg:      registry.New(cfg.StateDir),
	}
	sup, err := New(Options{
		Config:        cfg,
		Registry:      h.reg,
		Table:         fos,
		Spawner:       h.spawner,
		Signaler:      h.signaler,
		StopRequester: h.stopper,
		Env:           e,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		History:       h.sink,
		RunID:         "run-test",
		Now:           h.clock.now,
		StartTime:     fos.startTime,
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	h.sup = sup
	return h
}

func mustInstance(t *testing.T, id string) catalog.Instance {
	t.Helper()
	inst, err := catalog.ParseID(id)
	if err != nil {
		t.Fatalf("parse %s: %v", id, err)
	}
	return inst
}

var errBoom = errors.New("boom")
