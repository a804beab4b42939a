// Package reaper implements spec.md §4.5: the SIGCHLD-driven child-exit
// monitor. It is the sole owner of wait4 in the process (pkg/launcher never
// waits on the children it starts), draining every pending exit in one pass
// before the registry is stepped, so simultaneous deaths batch into a
// single quiescence pass per spec §5.
package reaper

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/finitd-project/finitd/pkg/logging"
	"github.com/finitd-project/finitd/pkg/service"
)

// TTYReaper is the external collaborator (spec §1's "TTY/getty spawner")
// that owns TTY-kind respawn; the reaper defers to it rather than routing
// TTY exits through the normal service Step path.
type TTYReaper interface {
	Reaped(pid int, status syscall.WaitStatus) (handled bool)
}

// Reaper drains SIGCHLD-signaled exits and turns them into registry events.
type Reaper struct {
	registry *service.Registry
	logger   *logging.Logger
	tty      TTYReaper
}

// New creates a Reaper bound to registry. tty may be nil if no TTY lines
// are configured.
func New(registry *service.Registry, logger *logging.Logger, tty TTYReaper) *Reaper {
	return &Reaper{registry: registry, logger: logger, tty: tty}
}

// ReapAll drains every reapable child with a non-blocking Wait4 loop. It is
// called once per SIGCHLD wakeup, and also opportunistically at startup to
// clear any pre-existing zombies (e.g. from a soft-reboot re-exec).
func (r *Reaper) ReapAll() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil {
			if err == unix.ECHILD {
				return
			}
			r.logger.Debug("reaper: wait4: %v", err)
			return
		}
		if pid <= 0 {
			return
		}
		r.reapOne(pid, syscall.WaitStatus(ws))
	}
}

func (r *Reaper) reapOne(pid int, status syscall.WaitStatus) {
	if r.tty != nil && r.tty.Reaped(pid, status) {
		return
	}

	rec, ok := r.registry.FindByPID(pid)
	if !ok {
		r.logger.Debug("reaper: reaped unknown pid %d (status %v)", pid, status)
		return
	}

	if rec.ForkingPending() {
		// The setup fork of a double-forking daemon exited; this is
		// expected and not the real service process. The real pid arrives
		// via the pidfile watcher (pkg/launcher's PidfileWatcher), which
		// re-registers the record under the new pid and clears the flag.
		return
	}

	// Sweep any remaining processes in the group: a daemon that forked
	// helpers of its own shouldn't leave them behind.
	if rec.PID > 1 {
		syscall.Kill(-rec.PID, syscall.SIGKILL)
	}

	r.registry.Reaped(rec, status)
}
