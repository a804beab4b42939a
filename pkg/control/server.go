package control

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/finitd-project/finitd/pkg/eventloop"
	"github.com/finitd-project/finitd/pkg/logging"
	"github.com/finitd-project/finitd/pkg/service"
)

// Poster schedules fn to run on the supervisor's single event loop
// goroutine; *eventloop.Loop satisfies this. Post itself may return before
// fn has run: Server.onLoop is what waits for it. Every registry touch a
// control command needs goes through onLoop, so the six-state machine is
// never driven from more than one goroutine.
type Poster interface {
	Post(fn eventloop.Command)
}

// LogSource looks up a running service's captured output; *launcher.Launcher
// satisfies this for services declared with log:buffer:N.
type LogSource interface {
	LogBuffer(id service.ID) (*service.LogBuffer, bool)
}

// Server listens on a Unix domain socket and handles finitctl connections.
// It mirrors the teacher's pkg/control/server.go accept-loop shape; the
// one structural difference is the onLoop hop every command takes before
// touching the registry.
type Server struct {
	registry  *service.Registry
	poster    Poster
	logSource LogSource
	sockPath  string
	logger    *logging.Logger

	listener net.Listener
	conns    map[*Connection]struct{}
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// SetRunlevelFunc, ReloadFunc and ShutdownFunc hand off to the global
	// supervisor, which owns runlevel transitions and shutdown sequencing;
	// Server itself only knows how to read and nudge individual records.
	SetRunlevelFunc func(level int) error
	ReloadFunc      func() error
	ShutdownFunc    func(service.ShutdownType)
}

// NewServer creates a control socket server bound to registry via poster.
func NewServer(registry *service.Registry, poster Poster, logSource LogSource, sockPath string, logger *logging.Logger) *Server {
	return &Server{
		registry:  registry,
		poster:    poster,
		logSource: logSource,
		sockPath:  sockPath,
		logger:    logger,
		conns:     make(map[*Connection]struct{}),
	}
}

// onLoop runs fn on the event loop goroutine and blocks until it returns.
func (s *Server) onLoop(fn func()) {
	done := make(chan struct{})
	s.poster.Post(func() {
		fn()
		close(done)
	})
	<-done
}

// Start binds the Unix socket and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.sockPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	listener, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return err
	}

	if err := os.Chmod(s.sockPath, 0600); err != nil {
		listener.Close()
		return err
	}

	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("control socket listening on %s", s.sockPath)
	return nil
}

// Stop closes the listener and all active connections.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.sockPath)

	s.logger.Info("control socket stopped")
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("control socket accept error: %v", err)
				continue
			}
		}

		c := newConnection(s, conn)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}()
	}
}
