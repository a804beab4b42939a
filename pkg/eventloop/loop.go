package eventloop

import (
	"context"
	"os"
	"syscall"

	"github.com/finitd-project/finitd/pkg/logging"
	"github.com/finitd-project/finitd/pkg/service"
)

// reaper is the narrow surface Loop needs from pkg/reaper; kept as an
// interface here so pkg/eventloop doesn't import pkg/reaper directly (it
// would be the only consumer), avoiding a needless cross-package coupling
// for one method.
type reaper interface {
	ReapAll()
}

// Command is a unit of work the control socket (or any other external
// caller) wants run on the loop goroutine, serialized against every other
// source of state-machine input. Per spec §5's single-threaded model, a
// control command must never touch the registry directly from its own
// goroutine.
type Command func()

// Hooks are the supervisor-level reactions to signals; pkg/supervisor sets
// these before calling Run. A nil hook is simply not called.
type Hooks struct {
	OnReload  func()              // SIGHUP
	OnHalt    func()              // SIGUSR1
	OnReboot  func()              // SIGUSR2 / SIGINT as pid 1
	OnStop    func(sig os.Signal) // SIGTERM / SIGINT (not pid 1) / SIGQUIT
	OnTick    func()              // called once per turn after StepAll, for periodic housekeeping
}

// Loop is the central event coordinator: it owns the signal channel, the
// per-service timer set, and the command queue, and is the sole caller of
// Registry.StepAll.
type Loop struct {
	registry *service.Registry
	reap     reaper
	logger   *logging.Logger
	timers   *timerSet

	sigCh  chan os.Signal
	cmdCh  chan Command
	doneCh chan struct{}

	hooks Hooks
}

// New creates a Loop bound to registry. The returned Loop's ArmTimerFunc
// must be handed to registry.SetArmTimer so Step's timer arms route through
// this loop's clock.
func New(registry *service.Registry, reap reaper, logger *logging.Logger) *Loop {
	return &Loop{
		registry: registry,
		reap:     reap,
		logger:   logger,
		timers:   newTimerSet(),
		cmdCh:    make(chan Command, 64),
		doneCh:   make(chan struct{}),
	}
}

// SetHooks installs the supervisor's signal reactions.
func (l *Loop) SetHooks(h Hooks) { l.hooks = h }

// Post enqueues cmd to run on the loop goroutine at the next turn. Safe to
// call from any goroutine (the control socket's accept/serve goroutines).
func (l *Loop) Post(cmd Command) {
	select {
	case l.cmdCh <- cmd:
	case <-l.doneCh:
	}
}

// Run blocks until ctx is cancelled, processing signals,
// timer fires, and posted commands. Every turn ends with a call to
// Registry.StepAll so external events are always fully drained into
// quiescence before the loop waits again (spec §5's ordering guarantee).
func (l *Loop) Run(ctx context.Context) error {
	l.sigCh = SetupSignals()
	defer StopSignals(l.sigCh)

	l.reap.ReapAll() // clear any pre-existing zombies (soft-reboot re-exec case)
	l.registry.StepAll()

	for {
		select {
		case <-ctx.Done():
			close(l.doneCh)
			return ctx.Err()

		case sig := <-l.sigCh:
			l.handleSignal(sig)

		case fire := <-l.timers.fireCh:
			if rec, ok := l.registry.Get(fire.ID); ok {
				if rec.ArmedTimer() != fire.Kind {
					continue // stale fire for a cancelled/replaced timer
				}
				l.registry.Notify(rec, service.EventTimerFire, service.EventPayload{Timer: fire.Kind})
			}

		case cmd := <-l.cmdCh:
			cmd()
		}

		l.registry.StepAll()
		if l.hooks.OnTick != nil {
			l.hooks.OnTick()
		}
	}
}

func (l *Loop) handleSignal(sig os.Signal) {
	sysSig, ok := sig.(syscall.Signal)
	if !ok {
		return
	}

	switch sysSig {
	case syscall.SIGCHLD:
		l.reap.ReapAll()

	case syscall.SIGHUP:
		l.logger.Notice("received SIGHUP, reloading configuration")
		if l.hooks.OnReload != nil {
			l.hooks.OnReload()
		}

	case syscall.SIGUSR1:
		l.logger.Notice("received SIGUSR1, halting")
		if l.hooks.OnHalt != nil {
			l.hooks.OnHalt()
		}

	case syscall.SIGUSR2:
		l.logger.Notice("received SIGUSR2, rebooting")
		if l.hooks.OnReboot != nil {
			l.hooks.OnReboot()
		}

	case syscall.SIGINT:
		if os.Getpid() == 1 {
			l.logger.Notice("received SIGINT as pid 1 (Ctrl-Alt-Del), rebooting")
			if l.hooks.OnReboot != nil {
				l.hooks.OnReboot()
			}
			return
		}
		l.logger.Notice("received SIGINT, stopping")
		if l.hooks.OnStop != nil {
			l.hooks.OnStop(sig)
		}

	case syscall.SIGTERM, syscall.SIGQUIT:
		l.logger.Notice("received %v, stopping", sysSig)
		if l.hooks.OnStop != nil {
			l.hooks.OnStop(sig)
		}
	}
}

// ArmTimerFunc returns the service.TimerArmFunc registry wiring expects;
// real signature-compatible wrapper around timerSet.Arm.
func (l *Loop) ArmTimerFunc() service.TimerArmFunc {
	return l.timers.Arm
}

// CancelTimer exposes timer cancellation to callers that remove a record
// outright (registry.Remove doesn't itself know about the loop's timers).
func (l *Loop) CancelTimer(id service.ID) {
	l.timers.Cancel(id)
}
