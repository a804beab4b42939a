// Package supervisor implements the global supervisor loop (spec.md §4.6,
// component 5): runlevel transitions, config reload orchestration, and
// shutdown sequencing. It drives pkg/service's per-record state machine
// the way the teacher's cmd wiring style joins registry, loader and
// event loop together, generalized to the runlevel/condition model instead
// of a dependency graph.
package supervisor

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/finitd-project/finitd/pkg/config"
	"github.com/finitd-project/finitd/pkg/eventloop"
	"github.com/finitd-project/finitd/pkg/logging"
	"github.com/finitd-project/finitd/pkg/service"
	"github.com/finitd-project/finitd/pkg/shutdown"
)

// EmergencyShutdownTimeout bounds how long Shutdown waits for services to
// drain before forcing the issue, matching pkg/shutdown's constant of the
// same name (kept independent since a config override may one day differ
// from the final kill sweep's own grace period).
const EmergencyShutdownTimeout = shutdown.EmergencyShutdownTimeout

// NetworkHooks are called when a runlevel transition crosses runlevel 1
// (Up going above it, Down coming back to it or below). Nothing in this
// repository sets them; a nil func is skipped.
type NetworkHooks struct {
	Up   func()
	Down func()
}

// HookSet is the HOOK_RUNLEVEL_CHANGE / HOOK_RUNLEVEL_UP / shutdown hook
// callbacks spec.md §4.6 names. Nothing in this repository sets them; a nil
// func is simply skipped.
type HookSet struct {
	OnRunlevelChange func(old, new int)
	OnRunlevelUp     func(old, new int)
	OnShutdown       func(service.ShutdownType)
}

type transition struct {
	oldLevel int
	newLevel int
}

// Supervisor is the global supervisor: the single owner of the current
// runlevel and of in-flight transition/shutdown state. Every method except
// the constructor must be called from the event loop goroutine (control
// commands reach it via Server's onLoop hop).
type Supervisor struct {
	registry *service.Registry
	loop     *eventloop.Loop
	loader   *config.Loader
	logger   *logging.Logger

	runlevel int
	pending  *transition

	shuttingDown  bool
	shutdownType  service.ShutdownType
	shutdownDeadline time.Time

	Hooks   HookSet
	Network NetworkHooks

	// LogRelease, if set, is called once a removed record has fully drained
	// (sweepRemoved), so the launcher can free that service's log buffer
	// reader/fd. Nil is fine: a host that never reloads config never needs it.
	LogRelease func(service.ID)

	// execOverride replaces the final pkg/shutdown syscalls with a no-op
	// recorder; set only by tests, analogous to pkg/shutdown's own
	// mockable killFunc/rebootFunc/execFunc package vars.
	execOverride     func(service.ShutdownType)
	shutdownExecuted bool
}

// New creates a Supervisor bound to registry/loop/loader, starting at the
// given initial runlevel (normally config.Settings.DefaultRunlevel, or -1
// for bootstrap/S).
func New(registry *service.Registry, loop *eventloop.Loop, loader *config.Loader, logger *logging.Logger, initialRunlevel int) *Supervisor {
	s := &Supervisor{
		registry: registry,
		loop:     loop,
		loader:   loader,
		logger:   logger,
		runlevel: initialRunlevel,
	}
	loop.SetHooks(eventloop.Hooks{
		OnReload: func() { _ = s.Reload() },
		OnHalt:   func() { s.Shutdown(service.ShutdownHalt) },
		OnReboot: func() { s.Shutdown(service.ShutdownReboot) },
		OnStop:   func(sig os.Signal) { s.Shutdown(service.ShutdownHalt) },
		OnTick:   s.tick,
	})
	return s
}

// Runlevel returns the current runlevel (-1 for S).
func (s *Supervisor) Runlevel() int { return s.runlevel }

// Bootstrap loads every configured stanza and runs the initial S -> default
// runlevel transition. Called once at startup before Loop.Run.
func (s *Supervisor) Bootstrap(defaultRunlevel int) error {
	recs, errs := s.loader.LoadAll()
	for _, err := range errs {
		s.logger.Warn("config: %v", err)
	}
	for _, r := range recs {
		s.registry.Add(r)
	}
	s.recomputeEnabled()
	s.registry.StepAll()
	return s.SetRunlevel(defaultRunlevel)
}

// SetRunlevel begins a transition to new, per spec.md §4.6's six-step
// sequence. Steps 1-3 run synchronously here; step 4 (teardown wait) is
// polled from tick, since nothing in the single-threaded loop may block
// waiting for a service to reach HALTED/DONE.
func (s *Supervisor) SetRunlevel(new int) error {
	if s.shuttingDown {
		return errors.New("supervisor: shutting down, refusing runlevel change")
	}
	if s.pending != nil {
		return errors.New("supervisor: runlevel transition already in progress")
	}

	old := s.runlevel
	if new == old {
		return nil
	}

	if s.Hooks.OnRunlevelChange != nil {
		s.Hooks.OnRunlevelChange(old, new)
	}

	s.runlevel = new
	s.recomputeEnabled()
	s.registry.SetTeardown(true)
	s.registry.StepAll()

	s.pending = &transition{oldLevel: old, newLevel: new}
	s.logger.Notice("runlevel change %d -> %d: waiting for services to drain", old, new)

	if s.teardownDrained() {
		s.finishTransition()
	}
	return nil
}

// recomputeEnabled applies spec.md §4.6 step 2 to every record: enabled =
// (runlevel ∈ allowed_runlevels) && block == NONE. Pinned records and
// records pending removal by a reload stay disabled.
func (s *Supervisor) recomputeEnabled() {
	for _, r := range s.registry.All() {
		want := !r.Removed() && r.AllowedRunlevels.Allows(s.runlevel) && r.Block == service.BlockNone && !r.Pinned
		if want == r.Enabled {
			continue
		}
		r.Enabled = want
		if want {
			s.registry.Notify(r, service.EventEnable, service.EventPayload{})
		} else {
			s.registry.Notify(r, service.EventDisable, service.EventPayload{})
		}
	}
}

// teardownDrained reports whether every record that must stop for the
// in-flight transition has reached HALTED or DONE.
func (s *Supervisor) teardownDrained() bool {
	for _, r := range s.registry.All() {
		if !r.Enabled && r.State != service.StateHalted && r.State != service.StateDone {
			return false
		}
	}
	return true
}

// tick is the loop's OnTick hook: it notices when an in-flight transition
// or shutdown has drained and completes it.
func (s *Supervisor) tick() {
	if s.pending != nil && s.teardownDrained() {
		s.finishTransition()
	}
	if s.shuttingDown {
		if s.teardownDrained() || time.Now().After(s.shutdownDeadline) {
			s.finishShutdown()
		}
	}
	s.sweepRemoved()
}

// finishTransition runs spec.md §4.6 steps 5-6 once teardown has drained.
func (s *Supervisor) finishTransition() {
	t := s.pending
	s.pending = nil
	s.registry.SetTeardown(false)

	if t.oldLevel <= 1 && t.newLevel > 1 {
		s.cleanBootstrapTasks()
	}

	if s.Hooks.OnRunlevelUp != nil {
		s.Hooks.OnRunlevelUp(t.oldLevel, t.newLevel)
	}

	s.recomputeEnabled()
	s.registry.StepAll()

	if t.oldLevel <= 1 && t.newLevel > 1 && s.Network.Up != nil {
		s.Network.Up()
	}
	if t.oldLevel > 1 && t.newLevel <= 1 && s.Network.Down != nil {
		s.Network.Down()
	}

	s.logger.Notice("runlevel change %d -> %d complete", t.oldLevel, t.newLevel)
}

// cleanBootstrapTasks implements svc_clean_bootstrap: runtask records
// scoped to runlevel S only are reset so a later soft-reboot can run them
// again from a clean slate.
func (s *Supervisor) cleanBootstrapTasks() {
	for _, r := range s.registry.All() {
		if r.AllowedRunlevels == service.BitS && r.Kind.IsRunTask() {
			r.Once = 0
			r.Started = false
		}
	}
}

// Reload implements spec.md §4.6's config reload sequence. Records that
// drop out of the config are disabled immediately (and swept once
// drained, by sweepRemoved); no transition barrier blocks the caller.
func (s *Supervisor) Reload() error {
	removed, errs := s.loader.Reload(s.registry)
	for _, err := range errs {
		s.logger.Warn("config reload: %v", err)
	}
	for _, r := range removed {
		if r.Enabled {
			r.Enabled = false
			s.registry.Notify(r, service.EventDisable, service.EventPayload{})
		}
	}
	s.recomputeEnabled()
	s.registry.StepAll()
	if len(errs) > 0 {
		return errors.Errorf("config reload: %d error(s)", len(errs))
	}
	return nil
}

// sweepRemoved deletes any record still marked removed once it has
// finished draining, cancelling its timer first per the cancellation
// ordering spec.md §5 requires.
func (s *Supervisor) sweepRemoved() {
	for _, r := range s.registry.All() {
		if r.Removed() && (r.State == service.StateHalted || r.State == service.StateDone) {
			s.loop.CancelTimer(r.ID)
			if s.LogRelease != nil {
				s.LogRelease(r.ID)
			}
			s.registry.Remove(r.ID)
		}
	}
}

// Shutdown begins the final sequence: disable every service, run shutdown
// hooks, and wait (bounded by EmergencyShutdownTimeout) for the drain
// before handing off to pkg/shutdown's reboot/poweroff/halt syscalls.
func (s *Supervisor) Shutdown(typ service.ShutdownType) {
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true
	s.shutdownType = typ
	s.shutdownDeadline = time.Now().Add(EmergencyShutdownTimeout)

	if s.Hooks.OnShutdown != nil {
		s.Hooks.OnShutdown(typ)
	}

	s.registry.SetTeardown(true)
	for _, r := range s.registry.All() {
		if r.Enabled {
			r.Enabled = false
			s.registry.Notify(r, service.EventDisable, service.EventPayload{})
		}
	}
	s.registry.StepAll()

	s.logger.Notice("shutdown (%s) initiated: waiting for services to stop", typ)
	if s.teardownDrained() {
		s.finishShutdown()
	}
}

func (s *Supervisor) finishShutdown() {
	s.logger.Notice("shutdown (%s): all services drained", s.shutdownType)
	s.shutdownExecuted = true

	if s.execOverride != nil {
		s.execOverride(s.shutdownType)
		return
	}

	if s.shutdownType == service.ShutdownSoftReboot {
		if err := shutdown.SoftReboot(s.logger); err != nil {
			s.logger.Error("soft reboot failed, falling back to hard reboot: %v", err)
			shutdown.Execute(service.ShutdownReboot, s.logger)
		}
		return
	}
	shutdown.Execute(s.shutdownType, s.logger)
}

// Run starts the bootstrap sequence and then blocks in the event loop
// until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, defaultRunlevel int) error {
	if err := s.Bootstrap(defaultRunlevel); err != nil {
		return errors.Wrap(err, "bootstrap")
	}
	return s.loop.Run(ctx)
}
