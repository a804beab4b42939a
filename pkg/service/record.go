package service

import (
	"strings"
	"syscall"
	"time"

	"github.com/finitd-project/finitd/pkg/condition"
)

// ID is a record's composite key: its command path plus an optional
// instance tag (the ":id" suffix in the declaration syntax). Two records
// with the same command but different tags are independent services, e.g.
// two getty instances on different ttys sharing one binary.
type ID struct {
	Command string
	Tag     string
}

func (id ID) String() string {
	if id.Tag == "" {
		return id.Command
	}
	return id.Command + ":" + id.Tag
}

// Record is a single configured service: the full state the per-service
// state machine operates on. It corresponds to the spec's "service record"
// and is deliberately a plain struct rather than a type hierarchy — the
// kind-specific behavior a subclass would hold lives in kinds.go's
// per-kind table, looked up by Record.Kind at Step time.
type Record struct {
	ID ID

	Kind  Kind
	State State
	Block Block

	AllowedRunlevels Runlevels
	CondExpr         []condition.Term

	PID    int
	OldPID int

	StartTime  time.Time
	RestartCnt int

	// Once counts completions for TASK/RUN/SYSV kinds. Once > 0 means the
	// record is skipped on further runlevel transitions until something
	// resets it to 0 (the supervisor's cleanBootstrapTasks, or an operator
	// unblock).
	Once int

	// Started is SysV's has-run-this-runlevel flag; distinct from Once,
	// since SysV services are controlled via start/stop rather than
	// exit-driven completion.
	Started bool

	// Dirty is raised when the record's configuration text changed since
	// its last start, and cleared once that change has been applied
	// (restart or SIGHUP).
	Dirty bool

	SigHalt         syscall.Signal
	KillDelayMS     int
	SigHUPSupported bool

	Credentials Credentials
	RLimits     RLimits
	EnvFile     string
	Cgroup      string
	LogConfig   LogConfig
	PidfileSpec PidfileSpec

	Args        []string
	Description string
	OriginFile  string

	// Enabled is recomputed by the global supervisor on every runlevel
	// change: Enabled = (current runlevel ∈ AllowedRunlevels) && Block == BlockNone.
	// Step never writes it; Step only reads it via the EventEnable/EventDisable
	// events the supervisor posts when it changes.
	Enabled bool

	// armedTimer names the single pending timer kind, if any. The actual
	// wall-clock timer lives in the event loop, keyed by (ID, armedTimer);
	// Record only remembers which purpose is outstanding so a stray fire
	// for a cancelled purpose can be ignored.
	armedTimer TimerKind

	// removed marks a record provisionally dropped during a config
	// reload; cleared if the reparse still produces this record.
	removed bool

	// forkingPending is set while a forking daemon ("pid:!/path") is
	// between its setup fork and the pidfile appearing; the reaper uses
	// this to decide whether an observed child exit is the expected
	// pre-daemonize parent exiting (ignore) or the real failure.
	forkingPending bool

	// Pinned inhibits automatic transitions (an operator "pin start"/"pin
	// stop" equivalent), set by finitctl stop and cleared by start/restart.
	// Step keeps a pinned HALTED record from moving to READY, and the
	// supervisor never re-enables a pinned record.
	Pinned bool
}

// NewRecord creates a Record with sensible defaults matching the
// declaration-syntax defaults: SIGTERM as the halt signal and a 10 s
// killdelay.
func NewRecord(id ID, kind Kind) *Record {
	return &Record{
		ID:          id,
		Kind:        kind,
		State:       StateHalted,
		SigHalt:     syscall.SIGTERM,
		KillDelayMS: 10000,
	}
}

// ForkingPending reports whether this record is a forking daemon between
// its setup fork and the pidfile appearing; the reaper uses it to decide
// whether an observed child exit is the expected pre-daemonize parent
// exiting (ignore) versus a real failure.
func (r *Record) ForkingPending() bool { return r.forkingPending }

// SetForkingPending is called by Step right after launching a forking
// daemon, and by Registry.Refork once the real pid is known.
func (r *Record) SetForkingPending(v bool) { r.forkingPending = v }

// IsNoChild reports whether pid should be treated as "no process": either
// zero, or the invariant-protecting sentinel pid<=1 (finitd itself is never
// a trackable child).
func (r *Record) IsNoChild() bool {
	return r.PID <= 1
}

// ArmTimer sets the single pending timer kind for this record, overwriting
// (and implicitly cancelling) whatever was previously armed.
func (r *Record) ArmTimer(kind TimerKind) {
	r.armedTimer = kind
}

// CancelTimer disarms the pending timer, if any.
func (r *Record) CancelTimer() {
	r.armedTimer = TimerNone
}

// ArmedTimer returns the currently pending timer kind.
func (r *Record) ArmedTimer() TimerKind {
	return r.armedTimer
}

// MarkRemoved flags this record as provisionally dropped by a config
// reload, pending either a matching stanza reappearing (ClearRemoved) or
// Registry.Remove once it reaches HALTED/DONE.
func (r *Record) MarkRemoved() { r.removed = true }

// ClearRemoved cancels a pending removal: the reparse still produced this
// record.
func (r *Record) ClearRemoved() { r.removed = false }

// Removed reports whether this record is pending removal.
func (r *Record) Removed() bool { return r.removed }

// configText is a canonical string of the config-derived fields that mark a
// record Dirty when a reload changes them: args, description, env file,
// cgroup, user/group names, halt signal, pidfile path and condition names.
// Used by Refresh (spec.md §3 lifecycle: "dirty raised on change").
func (r *Record) configText() string {
	parts := []string{
		strings.Join(r.Args, "\x1f"),
		r.Description,
		r.EnvFile,
		r.Cgroup,
		r.Credentials.User, r.Credentials.Group,
		r.SigHalt.String(),
		r.PidfileSpec.Path,
	}
	for _, t := range r.CondExpr {
		parts = append(parts, t.Name)
	}
	return strings.Join(parts, "\x1e")
}

// Refresh applies a freshly parsed record over r in place (spec.md §3:
// "updated in place on reload; fields compared field-by-field; dirty
// raised on change"). Runtime state (State, PID, RestartCnt, Once,
// armed timer, ...) is left untouched; only config-derived fields are
// overwritten. Returns whether the record's configuration text actually
// changed.
func (r *Record) Refresh(fresh *Record) (dirty bool) {
	before := r.configText()

	r.Kind = fresh.Kind
	r.AllowedRunlevels = fresh.AllowedRunlevels
	r.CondExpr = fresh.CondExpr
	r.Credentials = fresh.Credentials
	r.RLimits = fresh.RLimits
	r.EnvFile = fresh.EnvFile
	r.Cgroup = fresh.Cgroup
	r.LogConfig = fresh.LogConfig
	r.PidfileSpec = fresh.PidfileSpec
	r.Args = fresh.Args
	r.Description = fresh.Description
	r.OriginFile = fresh.OriginFile
	r.SigHalt = fresh.SigHalt
	r.KillDelayMS = fresh.KillDelayMS
	r.SigHUPSupported = fresh.SigHUPSupported
	if fresh.Block == BlockManual {
		r.Block = BlockManual
	} else if r.Block == BlockManual {
		r.Block = BlockNone
	}

	after := r.configText()
	if before != after {
		r.Dirty = true
		return true
	}
	return false
}

// CheckInvariants validates the small set of always-true invariants for
// this record; it's a debug aid, not a runtime guard, and nothing in the
// repository calls it.
func (r *Record) CheckInvariants() error {
	if r.State.HasNoPID() && r.PID != 0 {
		return &InvariantError{Service: r.ID.String(), Detail: "state has no pid but pid != 0"}
	}
	if r.State == StateRunning && r.PID <= 1 {
		return &InvariantError{Service: r.ID.String(), Detail: "RUNNING with pid <= 1"}
	}
	if r.RestartCnt > respawnMax {
		return &InvariantError{Service: r.ID.String(), Detail: "restart_cnt exceeds cap"}
	}
	if r.Block == BlockCrashing && r.RestartCnt != 0 {
		return &InvariantError{Service: r.ID.String(), Detail: "CRASHING block with nonzero restart_cnt"}
	}
	return nil
}
