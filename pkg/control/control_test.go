package control

import (
	"context"
	"net"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/finitd-project/finitd/pkg/condition"
	"github.com/finitd-project/finitd/pkg/eventloop"
	"github.com/finitd-project/finitd/pkg/logging"
	"github.com/finitd-project/finitd/pkg/service"
)

type syncPoster struct{}

func (syncPoster) Post(fn eventloop.Command) { fn() }

type fakeLauncher struct{}

func (fakeLauncher) Launch(r *service.Record) (int, error) { return 100, nil }

func (fakeLauncher) Signal(pid int, sig syscall.Signal, group bool) error { return nil }

func (fakeLauncher) RunStop(r *service.Record) error { return nil }

func newTestServer(t *testing.T) (*Server, *service.Registry, string) {
	t.Helper()
	store := condition.New(t.TempDir())
	reg := service.NewRegistry(store, fakeLauncher{}, logging.New(logging.LevelDebug), nil)
	sock := filepath.Join(t.TempDir(), "control.sock")
	s := NewServer(reg, syncPoster{}, nil, sock, logging.New(logging.LevelDebug))
	return s, reg, sock
}

func dial(t *testing.T, sock string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sock)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("failed to dial control socket: %v", err)
	return nil
}

func TestQueryVersion(t *testing.T) {
	s, _, sock := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	conn := dial(t, sock)
	defer conn.Close()

	if err := WritePacket(conn, CmdQueryVersion, nil); err != nil {
		t.Fatal(err)
	}
	typ, payload, err := ReadPacket(conn)
	if err != nil {
		t.Fatal(err)
	}
	if typ != RplyCPVersion {
		t.Fatalf("expected RplyCPVersion, got %d", typ)
	}
	if len(payload) != 2 {
		t.Fatalf("expected 2-byte version payload, got %d", len(payload))
	}
}

func TestStatusRoundTrip(t *testing.T) {
	s, reg, sock := newTestServer(t)
	id := service.ID{Command: "/bin/true"}
	rec := service.NewRecord(id, service.KindService)
	rec.PID = 42
	rec.State = service.StateRunning
	reg.Add(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	conn := dial(t, sock)
	defer conn.Close()

	if err := WritePacket(conn, CmdStatus, EncodeServiceRef(id)); err != nil {
		t.Fatal(err)
	}
	typ, payload, err := ReadPacket(conn)
	if err != nil {
		t.Fatal(err)
	}
	if typ != RplyServiceStatus {
		t.Fatalf("expected RplyServiceStatus, got %d", typ)
	}
	info, err := DecodeServiceStatus(payload)
	if err != nil {
		t.Fatal(err)
	}
	if info.PID != 42 || info.State != service.StateRunning {
		t.Errorf("unexpected status: %+v", info)
	}
}

func TestStatusNoSuchService(t *testing.T) {
	s, _, sock := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	conn := dial(t, sock)
	defer conn.Close()

	missing := service.ID{Command: "/bin/nope"}
	if err := WritePacket(conn, CmdStatus, EncodeServiceRef(missing)); err != nil {
		t.Fatal(err)
	}
	typ, _, err := ReadPacket(conn)
	if err != nil {
		t.Fatal(err)
	}
	if typ != RplyNoService {
		t.Fatalf("expected RplyNoService, got %d", typ)
	}
}

func TestListServices(t *testing.T) {
	s, reg, sock := newTestServer(t)
	reg.Add(service.NewRecord(service.ID{Command: "/bin/a"}, service.KindService))
	reg.Add(service.NewRecord(service.ID{Command: "/bin/b"}, service.KindTask))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	conn := dial(t, sock)
	defer conn.Close()

	if err := WritePacket(conn, CmdListServices, nil); err != nil {
		t.Fatal(err)
	}
	count := 0
	for {
		typ, _, err := ReadPacket(conn)
		if err != nil {
			t.Fatal(err)
		}
		if typ == RplyListDone {
			break
		}
		if typ != RplySvcInfo {
			t.Fatalf("unexpected packet type %d", typ)
		}
		count++
	}
	if count != 2 {
		t.Errorf("expected 2 services listed, got %d", count)
	}
}

func TestStartClearsManualBlock(t *testing.T) {
	s, reg, sock := newTestServer(t)
	id := service.ID{Command: "/bin/true"}
	rec := service.NewRecord(id, service.KindService)
	rec.Block = service.BlockManual
	rec.Pinned = true
	reg.Add(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	conn := dial(t, sock)
	defer conn.Close()

	if err := WritePacket(conn, CmdStart, EncodeServiceRef(id)); err != nil {
		t.Fatal(err)
	}
	typ, _, err := ReadPacket(conn)
	if err != nil {
		t.Fatal(err)
	}
	if typ != RplyACK {
		t.Fatalf("expected RplyACK, got %d", typ)
	}
	if rec.Block != service.BlockNone || rec.Pinned {
		t.Errorf("expected block cleared and unpinned, got block=%v pinned=%v", rec.Block, rec.Pinned)
	}
	if !rec.Enabled {
		t.Errorf("expected record enabled after start")
	}
}

func TestStopSetsManualBlock(t *testing.T) {
	s, reg, sock := newTestServer(t)
	id := service.ID{Command: "/bin/true"}
	rec := service.NewRecord(id, service.KindService)
	rec.Enabled = true
	reg.Add(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	conn := dial(t, sock)
	defer conn.Close()

	if err := WritePacket(conn, CmdStop, EncodeServiceRef(id)); err != nil {
		t.Fatal(err)
	}
	typ, _, err := ReadPacket(conn)
	if err != nil {
		t.Fatal(err)
	}
	if typ != RplyACK {
		t.Fatalf("expected RplyACK, got %d", typ)
	}
	if rec.Block != service.BlockManual || !rec.Pinned {
		t.Errorf("expected manual block and pin, got block=%v pinned=%v", rec.Block, rec.Pinned)
	}
}

func TestShutdownInvokesHook(t *testing.T) {
	s, _, sock := newTestServer(t)
	var got service.ShutdownType
	called := make(chan struct{}, 1)
	s.ShutdownFunc = func(st service.ShutdownType) {
		got = st
		called <- struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	conn := dial(t, sock)
	defer conn.Close()

	if err := WritePacket(conn, CmdShutdown, []byte{byte(service.ShutdownReboot)}); err != nil {
		t.Fatal(err)
	}
	typ, _, err := ReadPacket(conn)
	if err != nil {
		t.Fatal(err)
	}
	if typ != RplyACK {
		t.Fatalf("expected RplyACK, got %d", typ)
	}

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for shutdown hook")
	}
	if got != service.ShutdownReboot {
		t.Errorf("expected ShutdownReboot, got %v", got)
	}
}

func TestReloadAndSetRunlevelHooks(t *testing.T) {
	s, _, sock := newTestServer(t)
	reloaded := false
	s.ReloadFunc = func() error { reloaded = true; return nil }
	var level int
	s.SetRunlevelFunc = func(l int) error { level = l; return nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	conn := dial(t, sock)
	defer conn.Close()

	if err := WritePacket(conn, CmdReload, nil); err != nil {
		t.Fatal(err)
	}
	if typ, _, err := ReadPacket(conn); err != nil || typ != RplyACK {
		t.Fatalf("reload: typ=%d err=%v", typ, err)
	}
	if !reloaded {
		t.Errorf("expected ReloadFunc invoked")
	}

	if err := WritePacket(conn, CmdSetRunlevel, []byte{3}); err != nil {
		t.Fatal(err)
	}
	if typ, _, err := ReadPacket(conn); err != nil || typ != RplyACK {
		t.Fatalf("set runlevel: typ=%d err=%v", typ, err)
	}
	if level != 3 {
		t.Errorf("expected runlevel 3, got %d", level)
	}
}
