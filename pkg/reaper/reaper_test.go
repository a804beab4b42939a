package reaper

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/finitd-project/finitd/pkg/condition"
	"github.com/finitd-project/finitd/pkg/logging"
	"github.com/finitd-project/finitd/pkg/service"
)

type fakeLauncher struct{}

func (fakeLauncher) Launch(r *service.Record) (int, error)               { return 0, nil }
func (fakeLauncher) Signal(pid int, sig syscall.Signal, group bool) error { return nil }
func (fakeLauncher) RunStop(r *service.Record) error                     { return nil }

func newTestRegistry(t *testing.T) *service.Registry {
	t.Helper()
	store := condition.New(t.TempDir())
	store.SetAvailable(true)
	logger := logging.New(logging.LevelError)
	return service.NewRegistry(store, fakeLauncher{}, logger, nil)
}

func TestReapAllReapsRealChild(t *testing.T) {
	reg := newTestRegistry(t)
	logger := logging.New(logging.LevelError)
	r := New(reg, logger, nil)

	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start test child: %v", err)
	}
	pid := cmd.Process.Pid

	rec := service.NewRecord(service.ID{Command: "true-test"}, service.KindTask)
	rec.State = service.StateStopping
	rec.PID = pid
	reg.Add(rec)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.ReapAll()
		if got, ok := reg.Get(rec.ID); ok && got.PID == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("child was never reaped")
}

func TestReapAllNoChildrenIsNoop(t *testing.T) {
	reg := newTestRegistry(t)
	logger := logging.New(logging.LevelError)
	r := New(reg, logger, nil)
	r.ReapAll() // must not panic or block when there's nothing to reap
}

type recordingTTYReaper struct {
	seen []int
}

func (r *recordingTTYReaper) Reaped(pid int, status syscall.WaitStatus) bool {
	r.seen = append(r.seen, pid)
	return true
}

func TestReapAllDefersToTTYReaper(t *testing.T) {
	reg := newTestRegistry(t)
	logger := logging.New(logging.LevelError)
	tty := &recordingTTYReaper{}
	r := New(reg, logger, tty)

	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start test child: %v", err)
	}
	pid := cmd.Process.Pid

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.ReapAll()
		if len(tty.seen) > 0 {
			if tty.seen[0] != pid {
				t.Fatalf("expected tty reaper to see pid %d, got %d", pid, tty.seen[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("tty reaper never observed the exit")
}
