package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/airsvc/internal/catalog"
	"github.com/loykin/airsvc/internal/config"
	"github.com/loykin/airsvc/internal/history"
	"github.com/loykin/airsvc/internal/probe"
	"github.com/loykin/airsvc/internal/proctable"
	"github.com/loykin/airsvc/internal/registry"
)

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestLaunchIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := mustInstance(t, "scheduler")

	first := h.sup.Launch(ctx, inst)
	require.Equal(t, OutcomeLaunched, first.Outcome, first.String())
	require.Len(t, h.spawner.reqs, 1)

	rec, err := h.reg.Read("scheduler")
	require.NoError(t, err)
	assert.Equal(t, first.PID, rec.PID)
	assert.Equal(t, int64(first.PID), rec.StartUnix)
	assert.True(t, h.clock.t.Equal(rec.LaunchedAt), "launched at %v", rec.LaunchedAt)
	assert.Equal(t, registry.SourceSpawn, rec.Source)

	second := h.sup.Launch(ctx, inst)
	assert.Equal(t, OutcomeAlreadyRunning, second.Outcome)
	assert.Equal(t, first.PID, second.PID)
	assert.Len(t, h.spawner.reqs, 1, "second launch must not spawn")

	again, err := h.reg.Read("scheduler")
	require.NoError(t, err)
	assert.Equal(t, rec, again, "already-running must not touch the record")
	assert.Equal(t, []history.EventType{history.EventStart}, h.sink.types())
}

func TestLaunchSpawnRequest(t *testing.T) {
	h := newHarness(t)
	h.cfg.Services["worker"] = config.ServiceConfig{
		Args: []string{"celery", "worker", "--celery-hostname", "{host}", "--concurrency", "8"},
	}
	ctx := context.Background()

	require.Equal(t, OutcomeLaunched, h.sup.Launch(ctx, mustInstance(t, "triggerer")).Outcome)
	require.Equal(t, OutcomeLaunched, h.sup.Launch(ctx, mustInstance(t, "worker@aber")).Outcome)
	require.Len(t, h.spawner.reqs, 2)

	trig := h.spawner.reqs[0]
	assert.Equal(t, "airflow", trig.Executable)
	assert.Equal(t, []string{"triggerer"}, trig.Args)
	assert.Equal(t, h.cfg.Home, trig.Dir)
	assert.Equal(t, filepath.Join(h.cfg.LogDir, "triggerer.log"), trig.LogPath)
	assert.Contains(t, trig.Env, "AIRFLOW_HOME="+h.cfg.Home)
	assert.Contains(t, trig.Env, "AIRFLOW__TRIGGERER__CAPACITY=50")
	assert.Contains(t, trig.Env, "PATH=/usr/bin")

	worker := h.spawner.reqs[1]
	assert.Equal(t, []string{"celery", "worker", "--celery-hostname", "aber", "--concurrency", "8"}, worker.Args)
	assert.Equal(t, filepath.Join(h.cfg.LogDir, "worker@aber.log"), worker.LogPath)
	assert.NotContains(t, worker.Env, "AIRFLOW__TRIGGERER__CAPACITY=50")
}

func TestLaunchGivesEachWorkerItsOwnPIDFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.Equal(t, OutcomeLaunched, h.sup.Launch(ctx, mustInstance(t, "worker@aber")).Outcome)
	require.Equal(t, OutcomeLaunched, h.sup.Launch(ctx, mustInstance(t, "worker-gpu@aber")).Outcome)
	require.Len(t, h.spawner.reqs, 2)

	pidArg := func(args []string) string {
		i := slices.Index(args, "--pid")
		require.GreaterOrEqual(t, i, 0, "missing --pid in %v", args)
		require.Less(t, i+1, len(args))
		return args[i+1]
	}
	worker := pidArg(h.spawner.reqs[0].Args)
	gpu := pidArg(h.spawner.reqs[1].Args)
	assert.Equal(t, h.reg.PIDFile("worker@aber"), worker)
	assert.Equal(t, h.reg.PIDFile("worker-gpu@aber"), gpu)
	assert.NotEqual(t, worker, gpu)
	assert.NotEqual(t, h.reg.Path("worker@aber"), worker, "the service must not overwrite its record")
	assert.DirExists(t, filepath.Dir(worker))
	assert.Equal(t, []string{"celery", "worker", "--pid", worker, "--celery-hostname", "aber"}, h.spawner.reqs[0].Args)

	// kinds without the placeholder get no pidfile directory
	h2 := newHarness(t)
	require.Equal(t, OutcomeLaunched, h2.sup.Launch(ctx, mustInstance(t, "scheduler")).Outcome)
	assert.NoDirExists(t, filepath.Dir(h2.reg.PIDFile("scheduler")))
}

func TestRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := mustInstance(t, "dag-processor")

	launched := h.sup.Launch(ctx, inst)
	require.Equal(t, OutcomeLaunched, launched.Outcome)

	st := h.sup.Status(ctx, inst)
	assert.Equal(t, OutcomeUp, st.Outcome)
	assert.Equal(t, launched.PID, st.PID)

	stopped := h.sup.Stop(ctx, inst)
	assert.Equal(t, OutcomeStopped, stopped.Outcome)
	assert.Equal(t, launched.PID, stopped.PID)
	assert.Equal(t, []int{launched.PID}, h.signaler.sent)
	_, err := h.reg.Read(inst.ID())
	assert.ErrorIs(t, err, registry.ErrNoRecord)

	h.clock.t = h.clock.t.Add(time.Minute)
	assert.Equal(t, OutcomeDown, h.sup.Status(ctx, inst).Outcome)
	assert.Equal(t, OutcomeNotRunning, h.sup.Stop(ctx, inst).Outcome)
	assert.Len(t, h.signaler.sent, 1, "nothing is sent to a stopped service")
	assert.Equal(t, []history.EventType{history.EventStart, history.EventStop}, h.sink.types())
}

func TestSelfHealing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.reg.Write(registry.Record{ID: "scheduler", PID: 4242, StartUnix: 1}))

	st := h.sup.Status(ctx, mustInstance(t, "scheduler"))
	assert.Equal(t, OutcomeDown, st.Outcome)
	assert.NoError(t, st.Err)
	_, err := h.reg.Read("scheduler")
	assert.ErrorIs(t, err, registry.ErrNoRecord)

	assert.Equal(t, OutcomeDown, h.sup.Status(ctx, mustInstance(t, "scheduler")).Outcome)
	assert.Equal(t, []history.EventType{history.EventStale}, h.sink.types())
}

func TestStalePIDReuseIsNotTrusted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pid := h.os.add("/usr/bin/airflow scheduler")
	// the record describes an older process that had the same pid
	require.NoError(t, h.reg.Write(registry.Record{ID: "scheduler", PID: pid, StartUnix: int64(pid) - 500}))

	res := h.sup.Launch(ctx, mustInstance(t, "scheduler"))
	assert.Equal(t, OutcomeLaunched, res.Outcome)
	assert.NotEqual(t, pid, res.PID)
}

func TestStatusReportsEarlyExitWithinLaunchGrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.spawner.crash = true
	inst := mustInstance(t, "scheduler")

	launched := h.sup.Launch(ctx, inst)
	require.Equal(t, OutcomeLaunched, launched.Outcome)

	h.clock.t = h.clock.t.Add(2 * time.Second)
	st := h.sup.Status(ctx, inst)
	assert.Equal(t, OutcomeError, st.Outcome)
	assert.ErrorIs(t, st.Err, ErrLaunch)
	assert.Contains(t, st.Err.Error(), h.sup.LogPath(inst))

	// the stale record is gone, so the next status is a plain down
	assert.Equal(t, OutcomeDown, h.sup.Status(ctx, inst).Outcome)
}

func TestStatusAfterLaunchGraceIsDown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.spawner.crash = true
	inst := mustInstance(t, "triggerer")
	require.Equal(t, OutcomeLaunched, h.sup.Launch(ctx, inst).Outcome)

	h.clock.t = h.clock.t.Add(h.cfg.LaunchGrace + time.Second)
	assert.Equal(t, OutcomeDown, h.sup.Status(ctx, inst).Outcome)
}

func TestFallbackDiscovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.os.add("/usr/bin/bash")
	pid := h.os.add("/venv/bin/python /venv/bin/airflow api_server --port 8080")

	st := h.sup.Status(ctx, mustInstance(t, "api-server"))
	assert.Equal(t, OutcomeUp, st.Outcome)
	assert.Equal(t, pid, st.PID)
	assert.NoError(t, st.Warning)

	rec, err := h.reg.Read("api-server")
	require.NoError(t, err)
	assert.Equal(t, pid, rec.PID)
	assert.Equal(t, registry.SourceScan, rec.Source)
	assert.Equal(t, []history.EventType{history.EventDiscover}, h.sink.types())

	// a stable discovery is not reported again
	h.sup.Status(ctx, mustInstance(t, "api-server"))
	assert.Len(t, h.sink.types(), 1)
}

func TestAmbiguousDiscovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.os.add("airflow api_server")
	newest := h.os.add("airflow api-server")

	st := h.sup.Status(ctx, mustInstance(t, "api-server"))
	assert.Equal(t, OutcomeUp, st.Outcome)
	assert.Equal(t, newest, st.PID)
	assert.ErrorIs(t, st.Warning, probe.ErrAmbiguousProcessMatch)
	assert.True(t, st.OK(CommandStatus))
}

func TestLaunchScanKindWritesNoRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := mustInstance(t, "api-server")

	res := h.sup.Launch(ctx, inst)
	require.Equal(t, OutcomeLaunched, res.Outcome)
	_, err := h.reg.Read("api-server")
	assert.ErrorIs(t, err, registry.ErrNoRecord)

	st := h.sup.Status(ctx, inst)
	assert.Equal(t, OutcomeUp, st.Outcome)
	assert.Equal(t, res.PID, st.PID)

	stopped := h.sup.Stop(ctx, inst)
	assert.Equal(t, OutcomeStopped, stopped.Outcome)
	_, err = h.reg.Read("api-server")
	assert.ErrorIs(t, err, registry.ErrNoRecord)
}

func TestHostLimitedSingleton(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := mustInstance(t, "worker-gpu@aber")

	first := h.sup.Launch(ctx, inst)
	require.Equal(t, OutcomeLaunched, first.Outcome)
	second := h.sup.Launch(ctx, inst)
	assert.Equal(t, OutcomeAlreadyRunning, second.Outcome)
	assert.Equal(t, first.PID, second.PID)
	assert.Len(t, h.spawner.reqs, 1)

	// a regular worker on the same host does not occupy the gpu queue
	assert.Equal(t, OutcomeLaunched, h.sup.Launch(ctx, mustInstance(t, "worker@aber")).Outcome)
}

func TestHostLimitedSingletonUntrackedHolder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	holder := h.os.add("[celeryd: celery@aber-gpu:MainProcess] -active- (celery worker --queues gpu)")
	h.os.add("airflow celery worker --celery-hostname other-gpu")

	res := h.sup.Launch(ctx, mustInstance(t, "worker-gpu@aber"))
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrResourceConflict)
	assert.Contains(t, res.Err.Error(), "gpu")
	assert.Contains(t, res.Err.Error(), fmt.Sprintf("pid %d", holder))
	assert.Empty(t, h.spawner.reqs)

	// a gpu worker of another host does not hold this host's gpu
	h.os.kill(holder)
	assert.Equal(t, OutcomeLaunched, h.sup.Launch(ctx, mustInstance(t, "worker-gpu@aber")).Outcome)
}

func TestGracefulStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := mustInstance(t, "worker@aber")
	launched := h.sup.Launch(ctx, inst)
	require.Equal(t, OutcomeLaunched, launched.Outcome)

	res := h.sup.Stop(ctx, inst)
	assert.Equal(t, OutcomeStopped, res.Outcome)
	assert.Equal(t, launched.PID, res.PID)
	require.Len(t, h.stopper.calls, 1)
	assert.Equal(t, inst.ID(), h.stopper.calls[0].inst.ID())
	assert.Equal(t, launched.PID, h.stopper.calls[0].rec.PID)
	assert.Empty(t, h.signaler.sent, "graceful kinds are never signalled")

	// the record stays for the worker's warm shutdown
	_, err := h.reg.Read(inst.ID())
	assert.NoError(t, err)

	// the stop command addresses the worker through its pidfile
	b, err := os.ReadFile(h.reg.PIDFile(inst.ID()))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d\n", launched.PID), string(b))
}

func TestGracefulStopFailures(t *testing.T) {
	t.Run("request fails and process is gone", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		inst := mustInstance(t, "worker@aber")
		require.Equal(t, OutcomeLaunched, h.sup.Launch(ctx, inst).Outcome)
		h.stopper.err = errBoom
		h.stopper.exits = true

		res := h.sup.Stop(ctx, inst)
		assert.Equal(t, OutcomeNotRunning, res.Outcome)
		assert.NoError(t, res.Err)
	})
	t.Run("request fails and process lives", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		inst := mustInstance(t, "worker@aber")
		require.Equal(t, OutcomeLaunched, h.sup.Launch(ctx, inst).Outcome)
		h.stopper.err = errBoom

		res := h.sup.Stop(ctx, inst)
		assert.Equal(t, OutcomeError, res.Outcome)
		assert.ErrorIs(t, res.Err, ErrStop)
		assert.Contains(t, res.Err.Error(), "boom")
		assert.Contains(t, h.sink.types(), history.EventError)
	})
}

func TestSignalStopFailures(t *testing.T) {
	t.Run("target vanished", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		inst := mustInstance(t, "scheduler")
		require.Equal(t, OutcomeLaunched, h.sup.Launch(ctx, inst).Outcome)
		h.signaler.err = proctable.ErrProcessGone

		res := h.sup.Stop(ctx, inst)
		assert.Equal(t, OutcomeNotRunning, res.Outcome)
		_, err := h.reg.Read(inst.ID())
		assert.ErrorIs(t, err, registry.ErrNoRecord)
	})
	t.Run("permission denied", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		inst := mustInstance(t, "scheduler")
		require.Equal(t, OutcomeLaunched, h.sup.Launch(ctx, inst).Outcome)
		h.signaler.err = os.ErrPermission

		res := h.sup.Stop(ctx, inst)
		assert.Equal(t, OutcomeError, res.Outcome)
		assert.ErrorIs(t, res.Err, ErrStop)
		_, err := h.reg.Read(inst.ID())
		assert.NoError(t, err, "record of a live process is kept")
	})
}

func TestLaunchFailure(t *testing.T) {
	h := newHarness(t)
	h.spawner.fail = map[string]error{"scheduler": errBoom}
	res := h.sup.Launch(context.Background(), mustInstance(t, "scheduler"))
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrLaunch)
	_, err := h.reg.Read("scheduler")
	assert.ErrorIs(t, err, registry.ErrNoRecord)
}

func TestBatchIsolation(t *testing.T) {
	h := newHarness(t)
	h.spawner.fail = map[string]error{"triggerer": errBoom}
	instances, err := catalog.Resolve([]string{"scheduler", "triggerer", "dag-processor"}, "aber")
	require.NoError(t, err)

	rep := h.sup.Run(context.Background(), CommandStart, instances)
	require.Len(t, rep.Results, 3)
	assert.Equal(t, "run-test", rep.RunID)
	assert.Equal(t, OutcomeLaunched, rep.Results[0].Outcome)
	assert.Equal(t, OutcomeError, rep.Results[1].Outcome)
	assert.ErrorIs(t, rep.Results[1].Err, ErrLaunch)
	assert.Equal(t, OutcomeLaunched, rep.Results[2].Outcome)
	assert.False(t, rep.OK())
	failed := rep.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "triggerer", failed[0].Instance.ID())

	status := h.sup.Run(context.Background(), CommandStatus, instances)
	assert.True(t, status.OK())
	assert.Equal(t, []Outcome{OutcomeUp, OutcomeDown, OutcomeUp},
		[]Outcome{status.Results[0].Outcome, status.Results[1].Outcome, status.Results[2].Outcome})

	stop := h.sup.Run(context.Background(), CommandStop, instances)
	assert.True(t, stop.OK())
	assert.Equal(t, OutcomeNotRunning, stop.Results[1].Outcome)
}

func TestHistoryFailureDoesNotChangeOutcome(t *testing.T) {
	h := newHarness(t)
	h.sink.err = errBoom
	res := h.sup.Launch(context.Background(), mustInstance(t, "scheduler"))
	assert.Equal(t, OutcomeLaunched, res.Outcome)
	require.Len(t, h.sink.events, 1)
	ev := h.sink.events[0]
	assert.Equal(t, "scheduler", ev.Record.Instance)
	assert.Equal(t, "aber", ev.Record.Host)
	assert.Equal(t, "run-test", ev.Record.RunID)
	assert.Equal(t, res.PID, ev.Record.PID)
	assert.Equal(t, "launched", ev.Record.Outcome)
}

func TestKnown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Write(registry.Record{ID: "worker@zeta", PID: 1}))
	require.NoError(t, h.reg.Write(registry.Record{ID: "scheduler", PID: 2}))
	require.NoError(t, os.WriteFile(filepath.Join(h.cfg.StateDir, "flower.pid"), []byte("3\n"), 0o600))

	known, err := h.sup.Known(context.Background())
	require.NoError(t, err)
	ids := make([]string, len(known))
	for i, inst := range known {
		ids[i] = inst.ID()
	}
	assert.Equal(t, []string{
		"api-server", "scheduler", "triggerer", "dag-processor",
		"worker@aber", "worker-gpu@aber", "worker@zeta",
	}, ids)
}

func TestResultRendering(t *testing.T) {
	up := Result{Instance: mustInstance(t, "scheduler"), Outcome: OutcomeUp, PID: 123}
	assert.Equal(t, "scheduler up (pid=123)", up.String())
	down := Result{Instance: mustInstance(t, "worker@aber"), Outcome: OutcomeDown}
	assert.Equal(t, "worker@aber down", down.String())
	failed := Result{Instance: mustInstance(t, "worker-gpu@aber"), Outcome: OutcomeError, Err: ErrResourceConflict}
	assert.Equal(t, "worker-gpu@aber error: resource conflict", failed.String())

	b, err := json.Marshal(Report{Command: CommandStatus, Results: []Result{up, down, failed}})
	require.NoError(t, err)
	var decoded struct {
		Command string `json:"command"`
		Results []struct {
			Instance string `json:"instance"`
			Service  string `json:"service"`
			Host     string `json:"host"`
			Outcome  string `json:"outcome"`
			PID      int    `json:"pid"`
			Error    string `json:"error"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "status", decoded.Command)
	require.Len(t, decoded.Results, 3)
	assert.Equal(t, 123, decoded.Results[0].PID)
	assert.Equal(t, "worker", decoded.Results[1].Service)
	assert.Equal(t, "aber", decoded.Results[1].Host)
	assert.Equal(t, "resource conflict", decoded.Results[2].Error)
}

func TestParseCommand(t *testing.T) {
	for _, s := range []string{"start", "stop", "status"} {
		c, err := ParseCommand(s)
		require.NoError(t, err)
		assert.Equal(t, Command(s), c)
	}
	_, err := ParseCommand("restart")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrLaunch))
}

func TestRemoteInstanceRecordIsNeverTouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	remote := registry.Record{ID: "worker@zeta", PID: 777, StartUnix: 42}
	require.NoError(t, h.reg.Write(remote))

	insts, err := h.sup.Known(ctx)
	require.NoError(t, err)
	rep := h.sup.Run(ctx, CommandStatus, insts)
	assert.True(t, rep.OK())
	var got Result
	for _, r := range rep.Results {
		if r.Instance.ID() == "worker@zeta" {
			got = r
		}
	}
	assert.Equal(t, OutcomeUnknown, got.Outcome)
	assert.Equal(t, 777, got.PID)
	assert.ErrorIs(t, got.Warning, ErrRemoteInstance)

	stop := h.sup.Stop(ctx, mustInstance(t, "worker@zeta"))
	assert.Equal(t, OutcomeError, stop.Outcome)
	assert.ErrorIs(t, stop.Err, ErrStop)
	assert.ErrorIs(t, stop.Err, ErrRemoteInstance)
	assert.Empty(t, h.stopper.calls, "no stop request for another host's pid")
	assert.Empty(t, h.signaler.sent)

	start := h.sup.Launch(ctx, mustInstance(t, "worker@zeta"))
	assert.Equal(t, OutcomeError, start.Outcome)
	assert.ErrorIs(t, start.Err, ErrRemoteInstance)
	assert.Empty(t, h.spawner.reqs)

	rec, err := h.reg.Read("worker@zeta")
	require.NoError(t, err, "record of another host must survive")
	assert.Equal(t, remote.PID, rec.PID)
	assert.Equal(t, remote.StartUnix, rec.StartUnix)
	assert.NotContains(t, h.sink.types(), history.EventStale)
}

func TestRemoteInstanceWithoutRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := mustInstance(t, "worker-gpu@zeta")
	assert.Equal(t, OutcomeDown, h.sup.Status(ctx, inst).Outcome)
	assert.Equal(t, OutcomeNotRunning, h.sup.Stop(ctx, inst).Outcome)
}

func TestRemoteMalformedRecordIsKept(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(h.reg.Dir(), 0o750))
	require.NoError(t, os.WriteFile(h.reg.Path("worker@zeta"), []byte("garbage"), 0o600))
	res := h.sup.Status(context.Background(), mustInstance(t, "worker@zeta"))
	assert.Equal(t, OutcomeUnknown, res.Outcome)
	_, err := os.Stat(h.reg.Path("worker@zeta"))
	assert.NoError(t, err)
}
