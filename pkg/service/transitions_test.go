package service

import (
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/finitd-project/finitd/pkg/condition"
)

type fakeLauncher struct {
	nextPID   int
	failNext  bool
	signals   []fakeSignal
	stopCalls int
	stopErr   error
}

type fakeSignal struct {
	pid   int
	sig   syscall.Signal
	group bool
}

func (f *fakeLauncher) Launch(r *Record) (int, error) {
	if f.failNext {
		f.failNext = false
		return 0, errors.New("exec failed")
	}
	f.nextPID++
	return f.nextPID, nil
}

func (f *fakeLauncher) Signal(pid int, sig syscall.Signal, group bool) error {
	f.signals = append(f.signals, fakeSignal{pid, sig, group})
	return nil
}

func (f *fakeLauncher) RunStop(r *Record) error {
	f.stopCalls++
	return f.stopErr
}

type fakeLogger struct {
	lines []string
}

func (f *fakeLogger) Info(format string, args ...interface{})  { f.lines = append(f.lines, format) }
func (f *fakeLogger) Warn(format string, args ...interface{})  { f.lines = append(f.lines, format) }
func (f *fakeLogger) Error(format string, args ...interface{}) { f.lines = append(f.lines, format) }
func (f *fakeLogger) Transition(service string, pid int, action string) {
	f.lines = append(f.lines, action)
}

type testHarness struct {
	reg    *Registry
	store  *condition.Store
	launch *fakeLauncher
	log    *fakeLogger
	timers []armedTimer
}

type armedTimer struct {
	id   ID
	kind TimerKind
	d    time.Duration
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		store:  condition.New(t.TempDir()),
		launch: &fakeLauncher{nextPID: 100},
		log:    &fakeLogger{},
	}
	h.store.SetAvailable(true)
	h.reg = NewRegistry(h.store, h.launch, h.log, func(id ID, kind TimerKind, d time.Duration) {
		h.timers = append(h.timers, armedTimer{id, kind, d})
	})
	return h
}

func enabledRecord(id string, kind Kind) *Record {
	r := NewRecord(ID{Command: id}, kind)
	r.Enabled = true
	r.AllowedRunlevels = RunlevelBit(3)
	return r
}

// Scenario 1: happy daemon. HALTED -> READY -> RUNNING, pid/<name> ON.
func TestHappyDaemon(t *testing.T) {
	h := newHarness(t)
	r := enabledRecord("/usr/sbin/sshd", KindService)
	h.reg.Add(r)

	h.reg.StepAll()

	if r.State != StateRunning {
		t.Fatalf("state = %v, want RUNNING", r.State)
	}
	if r.PID <= 1 {
		t.Fatalf("pid = %d, want > 1", r.PID)
	}
	if v := h.store.Get(condName(r)); v != condition.ValueOn {
		t.Errorf("condition %s = %v, want ON", condName(r), v)
	}
}

// Scenario 2: crash loop cap. Repeated launch failures should block after
// SVC_RESPAWN_MAX consecutive crashes, with restart_cnt reset to 0.
func TestCrashLoopCap(t *testing.T) {
	h := newHarness(t)
	r := enabledRecord("/bin/flaky", KindService)
	h.reg.Add(r)

	h.launch.failNext = true
	h.reg.StepAll() // first attempt, from HALTED's initial enable

	for i := 0; i < respawnMax-1; i++ {
		h.launch.failNext = true
		h.reg.Notify(r, EventTimerFire, EventPayload{Timer: TimerRespawn})
		h.reg.StepAll()
		if r.Block == BlockCrashing {
			t.Fatalf("blocked CRASHING too early, after %d failures", i+2)
		}
	}

	h.launch.failNext = true
	h.reg.Notify(r, EventTimerFire, EventPayload{Timer: TimerRespawn})
	h.reg.StepAll()

	if r.Block != BlockCrashing {
		t.Fatalf("block = %v, want BlockCrashing after %d crashes", r.Block, respawnMax+1)
	}
	if r.RestartCnt != 0 {
		t.Errorf("restart_cnt = %d, want 0 after CRASHING", r.RestartCnt)
	}
	if r.State != StateHalted {
		t.Errorf("state = %v, want HALTED", r.State)
	}
}

// Scenario 2b: crash loop cap via a daemon that launches fine but exits
// immediately each time (runningChildGone's daemon branch), as opposed to
// TestCrashLoopCap's launch-failure path. Same cap, same reset-to-0 on
// CRASHING.
func TestCrashLoopCapOnDaemonExit(t *testing.T) {
	h := newHarness(t)
	r := enabledRecord("/bin/exits-immediately", KindService)
	h.reg.Add(r)
	h.reg.StepAll()

	if r.State != StateRunning {
		t.Fatalf("state = %v, want RUNNING", r.State)
	}

	for i := 0; i < respawnMax; i++ {
		h.reg.Reaped(r, syscall.WaitStatus(1<<8)) // exit code 1
		h.reg.StepAll()
		if r.Block == BlockCrashing {
			t.Fatalf("blocked CRASHING too early, after %d exits", i+1)
		}
		h.reg.Notify(r, EventTimerFire, EventPayload{Timer: TimerRespawn})
		h.reg.StepAll()
		if r.State != StateRunning {
			t.Fatalf("exit %d: state = %v, want RUNNING after respawn", i+1, r.State)
		}
	}

	h.reg.Reaped(r, syscall.WaitStatus(1<<8))
	h.reg.StepAll()

	if r.Block != BlockCrashing {
		t.Fatalf("block = %v, want BlockCrashing after %d exits", r.Block, respawnMax+1)
	}
	if r.RestartCnt != 0 {
		t.Errorf("restart_cnt = %d, want 0 after CRASHING", r.RestartCnt)
	}
	if r.State != StateHalted {
		t.Errorf("state = %v, want HALTED", r.State)
	}
}

// A daemon that crashes once, recovers, and then runs past the stability
// threshold must have its crash counter reset — otherwise a single old
// crash stays on the books forever and a later unrelated crash reaches
// CRASHING too soon.
func TestStableRunResetsRestartCnt(t *testing.T) {
	h := newHarness(t)
	r := enabledRecord("/bin/recovers", KindService)
	h.reg.Add(r)
	h.reg.StepAll()

	h.reg.Reaped(r, syscall.WaitStatus(1<<8))
	h.reg.StepAll()
	h.reg.Notify(r, EventTimerFire, EventPayload{Timer: TimerRespawn})
	h.reg.StepAll()

	if r.RestartCnt != 1 {
		t.Fatalf("restart_cnt = %d, want 1 after one crash", r.RestartCnt)
	}
	if r.ArmedTimer() != TimerStable {
		t.Fatalf("armed timer = %v, want TimerStable once back in RUNNING", r.ArmedTimer())
	}

	h.reg.Notify(r, EventTimerFire, EventPayload{Timer: TimerStable})
	h.reg.StepAll()

	if r.RestartCnt != 0 {
		t.Errorf("restart_cnt = %d, want 0 after a stable run", r.RestartCnt)
	}
}

// Scenario 4: kill escalation. A STOPPING service whose kill timer fires
// gets SIGKILL sent to its process group.
func TestKillEscalation(t *testing.T) {
	h := newHarness(t)
	r := enabledRecord("/bin/stubborn", KindService)
	r.KillDelayMS = 2000
	h.reg.Add(r)
	h.reg.StepAll()

	r.Enabled = false
	h.reg.Notify(r, EventDisable, EventPayload{})
	h.reg.StepAll()

	if r.State != StateStopping {
		t.Fatalf("state = %v, want STOPPING", r.State)
	}
	if len(h.timers) == 0 || h.timers[len(h.timers)-1].kind != TimerKillDelay {
		t.Fatalf("expected a kill-delay timer to be armed, got %+v", h.timers)
	}

	h.reg.Notify(r, EventTimerFire, EventPayload{Timer: TimerKillDelay})
	h.reg.StepAll()

	last := h.launch.signals[len(h.launch.signals)-1]
	if last.sig != syscall.SIGKILL || !last.group {
		t.Fatalf("last signal = %+v, want group SIGKILL", last)
	}

	h.reg.Reaped(r, syscall.WaitStatus(0))
	h.reg.StepAll()

	if r.State != StateHalted {
		t.Fatalf("state after reap = %v, want HALTED", r.State)
	}
}

// Scenario 5: condition flux. RUNNING -> WAITING on FLUX, WAITING -> RUNNING
// on ON with SIGCONT.
func TestConditionFlux(t *testing.T) {
	h := newHarness(t)
	r := enabledRecord("/usr/sbin/watcher", KindService)
	r.CondExpr = []condition.Term{{Name: "net/eth0/up"}}
	h.store.Set("net/eth0/up")
	h.reg.Add(r)
	h.reg.StepAll()

	if r.State != StateRunning {
		t.Fatalf("state = %v, want RUNNING", r.State)
	}

	h.store.SetFlux("net/eth0/up")
	h.reg.Mark(r)
	h.reg.StepAll()

	if r.State != StateWaiting {
		t.Fatalf("state after FLUX = %v, want WAITING", r.State)
	}
	lastSig := h.launch.signals[len(h.launch.signals)-1]
	if lastSig.sig != syscall.SIGSTOP {
		t.Fatalf("signal on FLUX = %v, want SIGSTOP", lastSig.sig)
	}

	h.store.Set("net/eth0/up")
	h.reg.Mark(r)
	h.reg.StepAll()

	if r.State != StateRunning {
		t.Fatalf("state after ON = %v, want RUNNING", r.State)
	}
	lastSig = h.launch.signals[len(h.launch.signals)-1]
	if lastSig.sig != syscall.SIGCONT {
		t.Fatalf("signal on resume = %v, want SIGCONT", lastSig.sig)
	}
}

// Scenario 3: SIGHUP-capable reload. Dirty + sighup_supported sends SIGHUP
// instead of restarting.
func TestSIGHUPReload(t *testing.T) {
	h := newHarness(t)
	r := enabledRecord("/usr/sbin/named", KindService)
	r.SigHUPSupported = true
	h.reg.Add(r)
	h.reg.StepAll()

	r.Dirty = true
	h.reg.Mark(r)
	h.reg.StepAll()

	last := h.launch.signals[len(h.launch.signals)-1]
	if last.sig != syscall.SIGHUP {
		t.Fatalf("last signal = %v, want SIGHUP", last.sig)
	}
	if r.Dirty {
		t.Errorf("dirty should be cleared after SIGHUP restart")
	}
	if r.State != StateRunning {
		t.Errorf("state = %v, want RUNNING (SIGHUP does not change state)", r.State)
	}
}

func TestRunTaskCompletesToDoneOnce(t *testing.T) {
	h := newHarness(t)
	r := enabledRecord("/usr/bin/fsck", KindTask)
	h.reg.Add(r)
	h.reg.StepAll()

	if r.State != StateRunning {
		t.Fatalf("state = %v, want RUNNING", r.State)
	}

	h.reg.Reaped(r, syscall.WaitStatus(0))
	h.reg.StepAll()

	if r.State != StateDone {
		t.Fatalf("state = %v, want DONE", r.State)
	}
	if r.Once != 1 {
		t.Errorf("once = %d, want 1", r.Once)
	}

	// Once > 0 means it must not relaunch even if re-marked as READY.
	r.State = StateReady
	h.reg.Mark(r)
	h.reg.StepAll()
	if r.State != StateReady {
		t.Errorf("a once-completed runtask should stay skipped, got state = %v", r.State)
	}
}
