package eventloop

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/finitd-project/finitd/pkg/condition"
	"github.com/finitd-project/finitd/pkg/logging"
	"github.com/finitd-project/finitd/pkg/service"
)

type fakeLauncher struct{}

func (fakeLauncher) Launch(r *service.Record) (int, error)          { return 123, nil }
func (fakeLauncher) Signal(pid int, sig syscall.Signal, group bool) error { return nil }
func (fakeLauncher) RunStop(r *service.Record) error                { return nil }

type countingReaper struct{ n int }

func (r *countingReaper) ReapAll() { r.n++ }

func newTestLoop(t *testing.T) (*Loop, *service.Registry, *countingReaper) {
	t.Helper()
	store := condition.New(t.TempDir())
	store.SetAvailable(true)
	logger := logging.New(logging.LevelError)
	reg := service.NewRegistry(store, fakeLauncher{}, logger, nil)
	reap := &countingReaper{}
	loop := New(reg, reap, logger)
	reg.SetArmTimer(loop.ArmTimerFunc())
	return loop, reg, reap
}

func TestPostRunsOnLoopGoroutine(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	ran := make(chan struct{})
	loop.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("posted command never ran")
	}

	cancel()
	<-done
}

func TestSIGHUPInvokesOnReloadHook(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	reloaded := make(chan struct{}, 1)
	loop.SetHooks(Hooks{OnReload: func() { reloaded <- struct{}{} }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	// Give Run a moment to install its signal.Notify before we send.
	time.Sleep(50 * time.Millisecond)
	syscall.Kill(os.Getpid(), syscall.SIGHUP)

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("SIGHUP did not invoke OnReload hook")
	}

	cancel()
	<-done
}

func TestContextCancelStopsRun(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := loop.Run(ctx)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOnTickCalledEachTurn(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	ticks := make(chan struct{}, 8)
	loop.SetHooks(Hooks{OnTick: func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	loop.Post(func() {})

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("OnTick was never called")
	}

	cancel()
	<-done
}
