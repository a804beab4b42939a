package eventloop

import (
	"time"

	"github.com/finitd-project/finitd/pkg/service"
)

// timerFire is what the central loop's timer machinery delivers: a
// (service ID, timer kind) pair rather than a closure over a *Record, per
// spec.md §9's "Timer callback owns service pointer" redesign note — the
// record is looked up again when the timer fires, so a timer that outlives
// its record (removed by a reload) is a safe no-op.
type timerFire struct {
	ID   service.ID
	Kind service.TimerKind
}

// timerSet owns one wall-clock time.Timer per service ID, arming a new one
// implicitly cancelling whatever was previously pending — mirroring
// Record.ArmTimer's "at most one timer per service" invariant in the
// component that actually owns the clock.
type timerSet struct {
	fireCh chan timerFire
	timers map[service.ID]*time.Timer
}

func newTimerSet() *timerSet {
	return &timerSet{
		fireCh: make(chan timerFire, 32),
		timers: make(map[service.ID]*time.Timer),
	}
}

// Arm implements service.TimerArmFunc.
func (ts *timerSet) Arm(id service.ID, kind service.TimerKind, d time.Duration) {
	if old, ok := ts.timers[id]; ok {
		old.Stop()
	}
	ts.timers[id] = time.AfterFunc(d, func() {
		select {
		case ts.fireCh <- timerFire{ID: id, Kind: kind}:
		default:
			// Channel full under extreme load: drop and let the next
			// StepAll's condition re-check catch it on the following pass.
		}
	})
}

// Cancel stops a pending timer for id, if any.
func (ts *timerSet) Cancel(id service.ID) {
	if t, ok := ts.timers[id]; ok {
		t.Stop()
		delete(ts.timers, id)
	}
}
