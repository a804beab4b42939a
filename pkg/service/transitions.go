package service

import (
	"path/filepath"
	"syscall"
	"time"

	"github.com/finitd-project/finitd/pkg/condition"
)

// Launcher is the collaborator that actually forks/execs and signals
// processes. Step calls it but never blocks on it beyond the synchronous
// SysV stop-script case, which the launcher itself bounds.
type Launcher interface {
	// Launch starts the record's process and returns its pid, or an error
	// if fork/exec failed entirely (counted as a crash).
	Launch(r *Record) (pid int, err error)

	// Signal sends sig to pid. If group is true it signals the whole
	// process group (-pid); Step always passes group=true.
	Signal(pid int, sig syscall.Signal, group bool) error

	// RunStop invokes a SysV service's stop subcommand synchronously,
	// returning once the script has exited.
	RunStop(r *Record) error
}

// Logger is the narrow logging surface Step needs; *logging.Logger
// satisfies it.
type Logger interface {
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	Transition(service string, pid int, action string)
}

// condName returns the pid/<name> condition a running record publishes for
// its dependents.
func condName(r *Record) string {
	if r.ID.Tag != "" {
		return "pid/" + r.ID.Tag
	}
	return "pid/" + filepath.Base(r.ID.Command)
}

// Step advances a single record by one transition in response to ev, per
// the per-state guard table. It returns true if the record's state (or any
// state that matters for quiescence, such as an emitted signal) actually
// changed, which tells Registry.StepAll to keep looping.
func (reg *Registry) Step(r *Record, ev Event, p EventPayload) bool {
	if _, ok := behaviors[r.Kind]; !ok {
		reg.logInvariant(r, "unknown kind")
		return false
	}
	switch r.State {
	case StateHalted:
		return reg.stepHalted(r, ev, p)
	case StateReady:
		return reg.stepReady(r, ev, p)
	case StateRunning:
		return reg.stepRunning(r, ev, p)
	case StateStopping:
		return reg.stepStopping(r, ev, p)
	case StateWaiting:
		return reg.stepWaiting(r, ev, p)
	case StateDone:
		return reg.stepDone(r, ev, p)
	default:
		reg.logInvariant(r, "unknown state")
		return false
	}
}

// logInvariant logs an InvariantError for r at CRIT when the logger has a
// Crit method (*logging.Logger does), and through Error otherwise.
func (reg *Registry) logInvariant(r *Record, detail string) {
	err := &InvariantError{Service: r.ID.String(), Detail: detail}
	if c, ok := reg.logger.(interface{ Crit(string, ...interface{}) }); ok {
		c.Crit("service %s: %v", r.ID, err)
		return
	}
	reg.logger.Error("service %s: %v", r.ID, err)
}

func (reg *Registry) stepHalted(r *Record, ev Event, p EventPayload) bool {
	if ev == EventConfigChanged {
		// HALTED is a fixed point for config_changed; DONE -> HALTED is
		// the only config_changed row, so this is a no-op here.
		return false
	}

	if ev == EventTimerFire && p.Timer == TimerRespawn {
		r.CancelTimer()
		if r.Block == BlockRestarting {
			r.Block = BlockNone
		}
	}

	if r.Enabled && !r.Pinned && r.Block == BlockNone {
		r.State = StateReady
		reg.logger.Transition(r.ID.String(), 0, "ready")
		return true
	}
	return false
}

func (reg *Registry) stepReady(r *Record, ev Event, p EventPayload) bool {
	if !r.Enabled {
		r.State = StateHalted
		reg.logger.Transition(r.ID.String(), 0, "halted")
		return true
	}
	if reg.teardown {
		return false
	}

	beh := BehaviorOf(r.Kind)
	if beh.HonorsOnce && r.Once > 0 {
		return false
	}

	agg := reg.store.GetAgg(r.CondExpr)
	if agg != condition.ValueOn {
		return false
	}

	return reg.attemptLaunch(r, beh)
}

func (reg *Registry) attemptLaunch(r *Record, beh Behavior) bool {
	pid, err := reg.launcher.Launch(r)
	if err != nil {
		reg.logger.Error("service %s: launch failed: %v", r.ID, err)
		if r.Block == BlockMissing {
			r.State = StateHalted
			return true
		}
		if beh.Respawns {
			if exceeded := r.RecordCrash(); exceeded {
				r.Block = BlockCrashing
				r.State = StateHalted
				reg.logger.Error("service %s keeps crashing, not restarting", r.ID)
				return true
			}
			r.Block = BlockRestarting
			r.State = StateHalted
			reg.armRespawn(r)
			return true
		}
		r.State = StateHalted
		return true
	}

	reg.setPID(r, pid)
	r.StartTime = reg.now()
	r.State = StateRunning
	if r.PidfileSpec.Forking {
		r.SetForkingPending(true)
	}
	reg.logger.Transition(r.ID.String(), pid, "starting")
	reg.store.Set(condName(r))
	if beh.Respawns {
		reg.armStable(r)
	}
	return true
}

func (reg *Registry) stepRunning(r *Record, ev Event, p EventPayload) bool {
	if r.IsNoChild() {
		return reg.runningChildGone(r, p)
	}

	if ev == EventTimerFire && p.Timer == TimerStable {
		r.CancelTimer()
		r.RecordStableRun()
		return true
	}

	if !r.Enabled {
		reg.beginStop(r)
		return true
	}

	agg := reg.store.GetAgg(r.CondExpr)
	switch agg {
	case condition.ValueOff:
		reg.beginStop(r)
		return true
	case condition.ValueFlux:
		reg.launcher.Signal(r.PID, syscall.SIGSTOP, true)
		r.State = StateWaiting
		reg.logger.Transition(r.ID.String(), r.PID, "pausing")
		return true
	}

	if r.Dirty {
		reg.restartForConfigChange(r)
		return true
	}

	return false
}

func (reg *Registry) runningChildGone(r *Record, p EventPayload) bool {
	beh := BehaviorOf(r.Kind)
	if beh.CompletesRatherThanRuns {
		// Synthetic RUNNING -> STOPPING -> DONE: the process already exited
		// on its own, so there is nothing to signal; finalize immediately
		// using the exit status the reaper observed.
		r.CancelTimer()
		reg.store.Clear(condName(r))
		r.State = StateDone
		r.Once++
		if p.HasStatus {
			r.Started = p.ExitStatus.Exited() && p.ExitStatus.ExitStatus() == 0
		}
		reg.logger.Transition(r.ID.String(), 0, "done")
		return true
	}
	// Daemon died on its own: count the crash the same way a launch
	// failure does, then either block it pending an operator start or
	// schedule a retry via the respawn controller.
	r.CancelTimer()
	reg.store.Clear(condName(r))
	if exceeded := r.RecordCrash(); exceeded {
		r.Block = BlockCrashing
		r.State = StateHalted
		reg.logger.Error("service %s keeps crashing, not restarting", r.ID)
		return true
	}
	r.Block = BlockRestarting
	r.State = StateHalted
	reg.armRespawn(r)
	return true
}

func (reg *Registry) beginStop(r *Record) {
	r.State = StateStopping
	if BehaviorOf(r.Kind).SynchronousStop {
		reg.logger.Transition(r.ID.String(), r.PID, "stopping (sysv)")
		if err := reg.launcher.RunStop(r); err != nil {
			reg.logger.Warn("service %s: stop script failed: %v", r.ID, err)
		}
		reg.setPID(r, 0)
		return
	}

	reg.logger.Transition(r.ID.String(), r.PID, "sending "+r.SigHalt.String())
	reg.launcher.Signal(r.PID, r.SigHalt, true)
	reg.armKillTimer(r)
}

func (reg *Registry) restartForConfigChange(r *Record) {
	r.Dirty = false
	if r.SigHUPSupported {
		reg.logger.Transition(r.ID.String(), r.PID, "restarting, sending SIGHUP")
		reg.launcher.Signal(r.PID, syscall.SIGHUP, true)
		return
	}
	reg.logger.Transition(r.ID.String(), r.PID, "restarting")
	reg.beginStop(r)
	// READY re-entry happens naturally: once reaped, stepStopping moves
	// a daemon to HALTED, and HALTED re-evaluates Enabled on the next
	// pass and returns to READY.
}

func (reg *Registry) stepStopping(r *Record, ev Event, p EventPayload) bool {
	if r.IsNoChild() {
		r.CancelTimer()
		reg.store.Clear(condName(r))
		if BehaviorOf(r.Kind).CompletesRatherThanRuns {
			r.State = StateDone
			r.Once++
			if p.HasStatus {
				r.Started = p.ExitStatus.Exited() && p.ExitStatus.ExitStatus() == 0
			}
			reg.logger.Transition(r.ID.String(), 0, "done")
		} else {
			r.State = StateHalted
			reg.logger.Transition(r.ID.String(), 0, "halted")
		}
		return true
	}

	if ev == EventTimerFire && p.Timer == TimerKillDelay {
		reg.logger.Warn("service %s: stop timed out, sending SIGKILL", r.ID)
		reg.launcher.Signal(r.PID, syscall.SIGKILL, true)
		r.CancelTimer()
		return true
	}

	return false
}

func (reg *Registry) stepWaiting(r *Record, ev Event, p EventPayload) bool {
	if r.IsNoChild() {
		r.State = StateReady
		r.RestartCnt++
		reg.logger.Transition(r.ID.String(), 0, "ready")
		return true
	}

	agg := reg.store.GetAgg(r.CondExpr)
	switch agg {
	case condition.ValueOn:
		reg.launcher.Signal(r.PID, syscall.SIGCONT, true)
		r.State = StateRunning
		reg.logger.Transition(r.ID.String(), r.PID, "resuming")
		if !r.Dirty {
			reg.store.Reassert(condName(r))
		}
		return true
	case condition.ValueOff:
		reg.launcher.Signal(r.PID, syscall.SIGCONT, true)
		reg.beginStop(r)
		return true
	}
	return false
}

func (reg *Registry) stepDone(r *Record, ev Event, p EventPayload) bool {
	if ev == EventConfigChanged {
		r.State = StateHalted
		reg.logger.Transition(r.ID.String(), 0, "halted")
		return true
	}
	return false
}

func (reg *Registry) armKillTimer(r *Record) {
	r.ArmTimer(TimerKillDelay)
	d := time.Duration(r.KillDelayMS) * time.Millisecond
	reg.onArmTimer(r, TimerKillDelay, d)
}

func (reg *Registry) armRespawn(r *Record) {
	r.ArmTimer(TimerRespawn)
	// RecordCrash already incremented RestartCnt for this crash; RespawnDelay
	// wants the count *before* it, so the very first crash (RestartCnt==1)
	// still gets the immediate 1ms timer.
	d := RespawnDelay(r.RestartCnt - 1)
	reg.onArmTimer(r, TimerRespawn, d)
}

// armStable starts the respawn controller's stability window: if the
// record is still RUNNING with no further crash when this fires,
// stepRunning calls RecordStableRun and the crash counter resets.
func (reg *Registry) armStable(r *Record) {
	r.ArmTimer(TimerStable)
	reg.onArmTimer(r, TimerStable, stableRunThreshold)
}
