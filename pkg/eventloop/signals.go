// Package eventloop is the single select-loop at the center of finitd: the
// Clock & Timer Service of spec.md's system overview. It converts the
// three event sources spec §5 allows (signal-wakeups, timer fires, and
// commands from the control socket) into synchronous calls against the
// service registry, then steps the registry to quiescence — no
// state-machine logic ever runs concurrently with itself.
package eventloop

import (
	"os"
	"os/signal"
	"syscall"
)

// SetupSignals registers every signal the supervisor reacts to (spec.md
// §6) and returns the channel they arrive on. SIGCHLD is included so the
// loop can trigger a reap pass; SIGSTOP/SIGCONT are sent by finitd itself
// to services, not received by finitd, so they are not in this set.
func SetupSignals() chan os.Signal {
	sigCh := make(chan os.Signal, 16)
	signal.Notify(sigCh,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGHUP,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
		syscall.SIGCHLD,
	)
	return sigCh
}

// StopSignals removes all signal handlers.
func StopSignals(sigCh chan os.Signal) {
	signal.Stop(sigCh)
	close(sigCh)
}
