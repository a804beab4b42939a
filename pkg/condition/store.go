// Package condition implements the tri-valued condition store: named
// facts about the environment (pid/zebra, net/eth0/up, hook/system-up)
// that services gate their startup on. Conditions live as files under a
// tmpfs directory; presence and a one-byte sentinel encode ON/OFF/FLUX.
package condition

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// Value is the tri-valued result of reading a condition or an aggregate
// expression.
type Value uint8

const (
	ValueOn Value = iota
	ValueOff
	ValueFlux
)

func (v Value) String() string {
	switch v {
	case ValueOn:
		return "on"
	case ValueOff:
		return "off"
	case ValueFlux:
		return "flux"
	default:
		return "unknown"
	}
}

// Term is one entry of a condition expression: a condition name plus
// whether it is negated (leading '!' in the declaration syntax, meaning
// "none of").
type Term struct {
	Name   string
	Negate bool
}

// sentinel byte values written into condition files.
const (
	sentinelOn   = 'O'
	sentinelFlux = 'F'
)

// Store is the tmpfs-backed condition store. It is only readable and
// writable after base filesystems are mounted; before that, writes are
// silently dropped and reads return ValueOn so bootstrap tasks are never
// stalled waiting on a store that doesn't exist yet.
type Store struct {
	mu        sync.Mutex
	dir       string
	available bool

	// locks guards concurrent writers to the same condition file; a single
	// finitd process is single-threaded so this only matters if an external
	// tool (finitctl) writes directly, which it doesn't — it always goes
	// through the control socket. Kept for the same reason the upstream
	// pidfile and journal code take a flock: defense against two finitd
	// instances pointed at the same runtime directory.
	locks map[string]*flock.Flock
}

// New creates a Store rooted at dir. The store starts unavailable; call
// SetAvailable(true) once base filesystems are confirmed mounted.
func New(dir string) *Store {
	return &Store{
		dir:   dir,
		locks: make(map[string]*flock.Flock),
	}
}

// SetAvailable flips the store's availability gate. cmd/finitd calls this
// once at startup, right after creating the store; finitd mounts nothing
// itself.
func (s *Store) SetAvailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = v
}

// Available reports whether the store is accepting reads/writes.
func (s *Store) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, filepath.FromSlash(name))
}

// Get returns the current value of a single named condition.
func (s *Store) Get(name string) Value {
	s.mu.Lock()
	avail := s.available
	s.mu.Unlock()

	if !avail {
		return ValueOn
	}

	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return ValueOff
	}
	if len(data) > 0 && data[0] == sentinelFlux {
		return ValueFlux
	}
	return ValueOn
}

// Set asserts a condition as ON. Idempotent: calling it twice in a row has
// the same effect as once.
func (s *Store) Set(name string) error {
	return s.write(name, sentinelOn)
}

// SetOneshot is an alias for Set, kept distinct at the call site to flag
// conditions that a one-shot task asserts on completion (e.g. hook/system-up)
// rather than a long-running daemon that will also Clear it on exit.
func (s *Store) SetOneshot(name string) error {
	return s.Set(name)
}

// Clear removes a condition, making it read back as OFF.
func (s *Store) Clear(name string) error {
	s.mu.Lock()
	avail := s.available
	s.mu.Unlock()
	if !avail {
		return nil
	}

	path := s.path(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "clearing condition %q", name)
	}
	return nil
}

// Reassert marks a condition FLUX and then immediately ON, so that anything
// depending on it observes a transient pause-worthy blip rather than a
// silent no-op. Step uses it when a paused service resumes from WAITING, so
// a watcher sees the condition blip rather than stay continuously ON.
func (s *Store) Reassert(name string) error {
	if err := s.write(name, sentinelFlux); err != nil {
		return err
	}
	return s.write(name, sentinelOn)
}

// SetFlux marks a condition as transiently in-flux without committing it to
// ON, unlike Reassert. A plugin uses this when a fact is actively changing
// and the eventual value (ON or OFF) isn't known yet — for example, a
// network link renegotiating speed before it's confirmed up or down.
func (s *Store) SetFlux(name string) error {
	return s.write(name, sentinelFlux)
}

func (s *Store) write(name string, sentinel byte) error {
	s.mu.Lock()
	avail := s.available
	s.mu.Unlock()
	if !avail {
		return nil
	}

	path := s.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "creating condition directory for %q", name)
	}

	lock := s.lockFor(path)
	if err := lock.Lock(); err != nil {
		return errors.Wrapf(err, "locking condition %q", name)
	}
	defer lock.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte{sentinel}, 0644); err != nil {
		return errors.Wrapf(err, "writing condition %q", name)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "committing condition %q", name)
	}
	return nil
}

func (s *Store) lockFor(path string) *flock.Flock {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[path]
	if !ok {
		lock = flock.New(path + ".lock")
		s.locks[path] = lock
	}
	return lock
}

// GetAgg aggregates a condition expression: ON iff every term evaluates to
// ON (honoring Negate), OFF if any term evaluates to OFF, else FLUX.
// Aggregation is monotone: ON ∧ OFF == OFF regardless of evaluation order.
func (s *Store) GetAgg(expr []Term) Value {
	if len(expr) == 0 {
		return ValueOn
	}

	sawFlux := false
	for _, term := range expr {
		v := s.termValue(term)
		switch v {
		case ValueOff:
			return ValueOff
		case ValueFlux:
			sawFlux = true
		}
	}
	if sawFlux {
		return ValueFlux
	}
	return ValueOn
}

// termValue evaluates one term, applying negation. Negation flips ON/OFF;
// FLUX always passes through as FLUX regardless of Negate, since "none of"
// on a condition mid-transition is itself a transient fact, not a settled
// boolean.
func (s *Store) termValue(t Term) Value {
	v := s.Get(t.Name)
	if !t.Negate {
		return v
	}
	switch v {
	case ValueOn:
		return ValueOff
	case ValueOff:
		return ValueOn
	default:
		return ValueFlux
	}
}

// Affects reports whether changed is referenced (by name, ignoring negation)
// anywhere in expr. Used to propagate dirtiness through the condition graph
// on reload: if a condition's producing service becomes dirty, everything
// that reads that condition becomes dirty too.
func Affects(changed string, expr []Term) bool {
	for _, t := range expr {
		if t.Name == changed {
			return true
		}
	}
	return false
}

// ParseExpr parses the comma-separated condition-expression grammar used in
// a service stanza: "<!cond1,cond2,...>" where a leading '!' on the whole
// list negates every term, e.g. "!net/eth0/up,hook/system-up" means "none of
// net/eth0/up, hook/system-up are on".
func ParseExpr(s string) []Term {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	negateAll := false
	if strings.HasPrefix(s, "!") {
		negateAll = true
		s = s[1:]
	}

	parts := strings.Split(s, ",")
	terms := make([]Term, 0, len(parts))
	for _, p := range parts {
		name := strings.TrimSpace(p)
		if name == "" {
			continue
		}
		terms = append(terms, Term{Name: name, Negate: negateAll})
	}
	return terms
}
