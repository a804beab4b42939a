package service

import (
	"syscall"
	"time"

	"github.com/finitd-project/finitd/pkg/condition"
)

// TimerArmFunc is called whenever Step arms a per-record timer. The event
// loop owns the actual time.Timer, keyed by (id, kind); on fire it looks
// the record up again and calls Step with EventTimerFire, so a timer that
// outlives its record (removed by a reload) is a safe no-op rather than a
// dangling pointer.
type TimerArmFunc func(id ID, kind TimerKind, d time.Duration)

// NowFunc is injected so tests can control time rather than reading the
// wall clock. Production wiring uses time.Now.
type NowFunc func() time.Time

// Registry is the service registry and step scheduler: it indexes records
// by ID and by pid, and drives Step across every dirty record to
// quiescence (Component 3 + Component 9 in the system overview).
type Registry struct {
	records map[ID]*Record
	byPID   map[int]*Record

	store    *condition.Store
	launcher Launcher
	logger   Logger
	armTimer TimerArmFunc
	now      NowFunc

	// teardown mirrors sm_global's state: while true, READY->RUNNING is
	// blocked so services drain during a runlevel change or shutdown.
	teardown bool

	queue   []*Record
	queued  map[ID]bool
	pending []pendingEvent
}

// NewRegistry creates an empty Registry. armTimer may be nil during tests
// that don't exercise timers; Step will then simply not schedule retries
// (the test drives EventTimerFire manually instead).
func NewRegistry(store *condition.Store, launcher Launcher, logger Logger, armTimer TimerArmFunc) *Registry {
	return &Registry{
		records:  make(map[ID]*Record),
		byPID:    make(map[int]*Record),
		store:    store,
		launcher: launcher,
		logger:   logger,
		armTimer: armTimer,
		now:      time.Now,
		queued:   make(map[ID]bool),
	}
}

// SetNow overrides the clock, for deterministic tests.
func (reg *Registry) SetNow(f NowFunc) { reg.now = f }

// SetArmTimer wires the event loop's timer arming function in after both
// Registry and Loop exist (Loop.New takes a *Registry, so the two can't be
// constructed in the other order).
func (reg *Registry) SetArmTimer(f TimerArmFunc) { reg.armTimer = f }

// SetTeardown flips the global teardown flag that blocks READY->RUNNING.
// Lifting it marks every record, so the next StepAll re-checks READY ones.
func (reg *Registry) SetTeardown(v bool) {
	reg.teardown = v
	if !v {
		reg.markAll()
	}
}

func (reg *Registry) onArmTimer(r *Record, kind TimerKind, d time.Duration) {
	if reg.armTimer != nil {
		reg.armTimer(r.ID, kind, d)
	}
}

// Add registers a new record. It is the caller's (config loader's)
// responsibility to ensure the ID is not already present; use Reload for
// the refresh-in-place path.
func (reg *Registry) Add(r *Record) {
	reg.records[r.ID] = r
	if r.PID > 1 {
		reg.byPID[r.PID] = r
	}
	reg.Mark(r)
}

// Get looks up a record by ID.
func (reg *Registry) Get(id ID) (*Record, bool) {
	r, ok := reg.records[id]
	return r, ok
}

// FindByPID looks up the record currently owning pid, used by the reaper.
func (reg *Registry) FindByPID(pid int) (*Record, bool) {
	r, ok := reg.byPID[pid]
	return r, ok
}

// Remove deletes a record entirely. Per the lifecycle invariant, this
// should only be called once state is HALTED or DONE and no enabled flag
// would bring it back (config deleted the stanza).
func (reg *Registry) Remove(id ID) {
	if r, ok := reg.records[id]; ok {
		if r.PID > 1 {
			delete(reg.byPID, r.PID)
		}
		delete(reg.queued, id)
	}
	delete(reg.records, id)
}

// All returns every registered record. Order is unspecified.
func (reg *Registry) All() []*Record {
	out := make([]*Record, 0, len(reg.records))
	for _, r := range reg.records {
		out = append(out, r)
	}
	return out
}

// Mark enqueues a record for stepping on the next StepAll pass, coalescing
// repeated marks (the spec's "Work Queue" component).
func (reg *Registry) Mark(r *Record) {
	if reg.queued[r.ID] {
		return
	}
	reg.queued[r.ID] = true
	reg.queue = append(reg.queue, r)
}

// Reaped records that r's child has been reaped with the given wait status
// and posts the EventChildExited event for the next StepAll pass. This is
// the only sanctioned way for the reaper to clear a record's pid.
func (reg *Registry) Reaped(r *Record, status syscall.WaitStatus) {
	reg.setPID(r, 0)
	reg.Notify(r, EventChildExited, EventPayload{ExitStatus: status, HasStatus: true})
}

// Notify posts ev to r and enqueues it; used by external callers (reaper,
// timer fire, condition watcher, operator command) that want to deliver a
// specific event rather than a generic re-check.
func (reg *Registry) Notify(r *Record, ev Event, p EventPayload) {
	reg.pending = append(reg.pending, pendingEvent{r, ev, p})
	reg.Mark(r)
}

type pendingEvent struct {
	r  *Record
	ev Event
	p  EventPayload
}

// StepAll drains the work queue, stepping every dirty record until a full
// pass produces no transition anywhere (quiescence). Per the step-loop
// design, any transition posts a fresh work-queue entry for every record,
// since a service leaving RUNNING may flip a condition another service is
// waiting on.
func (reg *Registry) StepAll() {
	for {
		events := reg.pending
		reg.pending = nil
		anyChanged := false

		for _, pe := range events {
			if reg.Step(pe.r, pe.ev, pe.p) {
				anyChanged = true
			}
		}

		if len(reg.queue) == 0 && len(reg.pending) == 0 {
			if !anyChanged {
				return
			}
			reg.markAll()
			continue
		}

		batch := reg.queue
		reg.queue = nil
		for _, r := range batch {
			reg.queued[r.ID] = false
		}

		for _, r := range batch {
			if reg.Step(r, EventCondChange, EventPayload{}) {
				anyChanged = true
			}
		}

		if anyChanged {
			reg.markAll()
		}
	}
}

// setPID updates a record's pid and keeps the by-pid index in sync. Step
// uses this instead of writing r.PID directly.
func (reg *Registry) setPID(r *Record, pid int) {
	if r.PID > 1 {
		delete(reg.byPID, r.PID)
	}
	r.OldPID = r.PID
	r.PID = pid
	if pid > 1 {
		reg.byPID[pid] = r
	}
}

// Refork updates a forking daemon's tracked pid once its pidfile appears,
// without running it through Step: the record is already RUNNING from the
// supervisor's point of view (the setup fork that Launch returned was only
// ever a placeholder pid), so this just repoints the by-pid index used by
// the reaper and FindByPID.
func (reg *Registry) Refork(r *Record, pid int) {
	reg.setPID(r, pid)
	r.SetForkingPending(false)
}

func (reg *Registry) markAll() {
	for _, r := range reg.records {
		reg.Mark(r)
	}
}
