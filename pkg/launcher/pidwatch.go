package launcher

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/finitd-project/finitd/pkg/logging"
	"github.com/finitd-project/finitd/pkg/service"
)

// PidfileWatcher bridges a forking daemon's "pid:!/path" contract (the
// process double-forks and writes its own pidfile) back into the registry:
// once the file appears, the record's tracked pid is repointed at the real
// daemon pid instead of the setup fork's.
type PidfileWatcher struct {
	registry *service.Registry
	logger   *logging.Logger
	w        *fsnotify.Watcher
}

// NewPidfileWatcher creates a watcher bound to registry.
func NewPidfileWatcher(registry *service.Registry, logger *logging.Logger) (*PidfileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &PidfileWatcher{registry: registry, logger: logger, w: w}, nil
}

// Watch registers dir (the pidfile's parent directory) for create events
// and starts the dispatch goroutine. Call once per distinct directory.
func (p *PidfileWatcher) Watch(ctx context.Context, dir string) error {
	if err := p.w.Add(dir); err != nil {
		return err
	}
	go p.loop(ctx)
	return nil
}

func (p *PidfileWatcher) loop(ctx context.Context) {
	defer p.w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.w.Events:
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			p.checkPath(ev.Name)
		case err := <-p.w.Errors:
			p.logger.Debug("pidfile watcher: %v", err)
		}
	}
}

func (p *PidfileWatcher) checkPath(path string) {
	for _, r := range p.registry.All() {
		if !r.PidfileSpec.Forking || r.PidfileSpec.Path != path {
			continue
		}
		if !r.ForkingPending() {
			continue
		}
		pid, result, err := ReadPIDFile(path)
		if err != nil || result != PIDResultOK {
			continue
		}
		p.registry.Refork(r, pid)
		p.logger.Transition(r.ID.String(), pid, "daemonized")
	}
}

// Close stops the watcher.
func (p *PidfileWatcher) Close() { p.w.Close() }
