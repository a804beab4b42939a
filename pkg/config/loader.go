package config

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/finitd-project/finitd/pkg/condition"
	"github.com/finitd-project/finitd/pkg/service"
)

// Loader loads and reloads service stanzas from a set of directories
// (spec.md §1's "configuration parser" collaborator). Each regular file
// directly under a configured directory is parsed in full; one malformed
// stanza does not prevent the rest of the file, or other files, from
// loading.
type Loader struct {
	dirs []string
}

// NewLoader creates a Loader over dirs.
func NewLoader(dirs []string) *Loader {
	return &Loader{dirs: dirs}
}

// LoadAll parses every file in every configured directory and returns the
// resulting records plus any parse errors encountered (non-fatal).
func (l *Loader) LoadAll() ([]*service.Record, []error) {
	var recs []*service.Record
	var errs []error

	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, err)
			continue
		}

		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() || len(e.Name()) == 0 || e.Name()[0] == '.' {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)

		for _, name := range names {
			path := filepath.Join(dir, name)
			f, err := os.Open(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			fileRecs, fileErrs := ParseFile(f, path)
			f.Close()
			recs = append(recs, fileRecs...)
			errs = append(errs, fileErrs...)
		}
	}

	return recs, errs
}

// Reload implements spec.md §4.6's config-reload sequencing against reg:
//  1. mark every existing record provisionally removed
//  2. re-parse; for each fresh record either refresh the existing one
//     (clearing removed, raising dirty iff text changed) or register a new
//     one
//  3. anything still removed is handed back to the caller to unregister
//     (stop then delete) — Reload itself never forces a stop, since that
//     must go through the normal Step/teardown path
//  4. propagate dirtiness through the condition graph: a record whose own
//     published condition changed marks every consumer of that condition
//     dirty too
//
// Reload returns the records still marked removed (the caller stops and
// unregisters them once they reach HALTED/DONE) and any parse errors.
func (l *Loader) Reload(reg *service.Registry) (removed []*service.Record, errs []error) {
	existing := reg.All()
	for _, r := range existing {
		r.MarkRemoved()
	}

	fresh, errs := l.LoadAll()

	dirtyProducers := make(map[string]bool)

	for _, fr := range fresh {
		if cur, ok := reg.Get(fr.ID); ok {
			cur.ClearRemoved()
			if changed := cur.Refresh(fr); changed {
				dirtyProducers[condProducerName(cur)] = true
			}
			reg.Mark(cur)
		} else {
			reg.Add(fr)
		}
	}

	for _, r := range reg.All() {
		if r.Removed() {
			removed = append(removed, r)
			continue
		}
		for prod := range dirtyProducers {
			if condition.Affects(prod, r.CondExpr) {
				r.Dirty = true
				reg.Mark(r)
				break
			}
		}
	}

	return removed, errs
}

// condProducerName returns the pid/<name> condition a record publishes
// while running, matching service.condName's derivation (duplicated here
// since that helper is unexported — both read the same ID shape).
func condProducerName(r *service.Record) string {
	if r.ID.Tag != "" {
		return "pid/" + r.ID.Tag
	}
	return "pid/" + filepath.Base(r.ID.Command)
}
