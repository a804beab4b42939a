// Package launcher implements the Process Launcher component (spec §4.4):
// it forks and execs a service's process with the configured credentials,
// rlimits, environment, process group, and stdio redirection, and never
// itself waits on the child — pkg/reaper is the sole owner of wait4 per
// the single-threaded, SIGCHLD-driven model in spec §5.
package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"

	"github.com/pkg/errors"

	"github.com/finitd-project/finitd/pkg/service"
)

// rlimitHelperArg is the hidden cmd/finitd subcommand a Launcher re-execs
// itself as when a record declares rlimit overrides. Go's os/exec gives no
// pre-exec hook for setrlimit, unlike Credential (uid/gid) and Setsid,
// which the runtime already applies between fork and exec — so rlimits are
// the one thing that needs a second process image. RunRLimitHelper (below)
// is what that re-exec'd image runs.
const rlimitHelperArg = "__rlimit-exec"

// Launcher is the concrete implementation of service.Launcher.
type Launcher struct {
	selfExe string

	mu         sync.Mutex
	logBuffers map[service.ID]*service.LogBuffer
}

// New creates a Launcher. selfExe is the absolute path to the running
// finitd binary, used to re-exec the rlimit helper; pass "" to resolve it
// lazily via os.Executable on first use.
func New(selfExe string) *Launcher {
	return &Launcher{
		selfExe:    selfExe,
		logBuffers: make(map[service.ID]*service.LogBuffer),
	}
}

// LogBuffer returns the in-memory ring buffer capturing a record's output,
// if its LogConfig selects LogRingBuffer. Used by the control socket's catlog
// command.
func (l *Launcher) LogBuffer(id service.ID) (*service.LogBuffer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lb, ok := l.logBuffers[id]
	return lb, ok
}

// Release closes and forgets id's log buffer, if it has one. Called once a
// config reload's removed record has fully drained, so a deleted service's
// reader goroutine and pipe fd don't outlive it.
func (l *Launcher) Release(id service.ID) {
	l.mu.Lock()
	lb, ok := l.logBuffers[id]
	if ok {
		delete(l.logBuffers, id)
	}
	l.mu.Unlock()
	if ok {
		lb.Close()
	}
}

func (l *Launcher) exePath() (string, error) {
	if l.selfExe != "" {
		return l.selfExe, nil
	}
	p, err := os.Executable()
	if err != nil {
		return "", err
	}
	l.selfExe = p
	return p, nil
}

// Launch implements service.Launcher.
func (l *Launcher) Launch(r *service.Record) (int, error) {
	env, err := l.buildEnv(r)
	if err != nil {
		return 0, err
	}

	argv := r.Args
	if r.Kind == service.KindSysV {
		argv = []string{r.Args[0], "start"}
	}

	expanded, err := ExpandArgv(argv, env)
	if err != nil {
		return 0, errors.Wrap(err, "argv expansion")
	}

	bin, err := exec.LookPath(expanded[0])
	if err != nil {
		r.Block = service.BlockMissing
		return 0, &service.MissingBinaryError{Service: r.ID.String(), Path: expanded[0]}
	}
	expanded[0] = bin

	cmd, err := l.buildCmd(r, expanded, envSlice(env))
	if err != nil {
		return 0, service.WrapLaunch(r.ID.String(), err)
	}

	if err := cmd.Start(); err != nil {
		return 0, service.WrapLaunch(r.ID.String(), err)
	}

	if r.LogConfig.Type == service.LogRingBuffer {
		l.mu.Lock()
		lb := l.logBuffers[r.ID]
		l.mu.Unlock()
		if lb != nil {
			// The parent's copy of the pipe's write end must close now that
			// it has been dup'd into the child, or the reader never sees
			// EOF when the child exits.
			lb.CloseWriteEnd()
			lb.StartReader()
		}
	}

	// Deliberately do not call cmd.Wait(): pkg/reaper owns wait4 for every
	// service pid. Calling Wait here would race the reaper's Wait4(-1, ...)
	// for this exact exit, which is the mistake the teacher's event loop
	// explicitly worked around by refusing to reap at all (see
	// pkg/eventloop's history) — this implementation instead gives reaping
	// a single owner instead of avoiding it.
	return cmd.Process.Pid, nil
}

// buildEnv resolves the process environment: inherited finitd environment,
// HOME/PATH defaults for non-root credentials, then the env-file overlay.
func (l *Launcher) buildEnv(r *service.Record) (map[string]string, error) {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if eq := indexByte(kv, '='); eq >= 0 {
			env[kv[:eq]] = kv[eq+1:]
		}
	}

	if r.Credentials.User != "" {
		u, err := user.Lookup(r.Credentials.User)
		if err != nil {
			r.Block = service.BlockMissing
			return nil, &service.MissingUserError{Service: r.ID.String(), Name: r.Credentials.User}
		}
		env["HOME"] = u.HomeDir
		if _, ok := env["PATH"]; !ok {
			env["PATH"] = "/usr/local/bin:/usr/bin:/bin"
		}

		uid, err := strconv.ParseUint(u.Uid, 10, 32)
		if err != nil {
			r.Block = service.BlockMissing
			return nil, &service.MissingUserError{Service: r.ID.String(), Name: r.Credentials.User}
		}
		r.Credentials.UID = uint32(uid)

		if r.Credentials.Group != "" {
			g, err := user.LookupGroup(r.Credentials.Group)
			if err != nil {
				r.Block = service.BlockMissing
				return nil, &service.MissingUserError{Service: r.ID.String(), Name: r.Credentials.Group}
			}
			gid, err := strconv.ParseUint(g.Gid, 10, 32)
			if err != nil {
				r.Block = service.BlockMissing
				return nil, &service.MissingUserError{Service: r.ID.String(), Name: r.Credentials.Group}
			}
			r.Credentials.GID = uint32(gid)
		} else {
			gid, err := strconv.ParseUint(u.Gid, 10, 32)
			if err != nil {
				r.Block = service.BlockMissing
				return nil, &service.MissingUserError{Service: r.ID.String(), Name: r.Credentials.User}
			}
			r.Credentials.GID = uint32(gid)
		}
	}

	if r.EnvFile != "" {
		fileEnv, err := ParseEnvFile(r.EnvFile)
		if err != nil {
			if os.IsNotExist(err) {
				r.Block = service.BlockMissing
				return nil, &service.MissingEnvFileError{Service: r.ID.String(), Path: r.EnvFile}
			}
			return nil, errors.Wrapf(err, "reading env file %q", r.EnvFile)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}

	return env, nil
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// buildCmd assembles the exec.Cmd for argv, wiring credentials, process
// group, rlimits (via the re-exec helper when any are set), and stdio.
func (l *Launcher) buildCmd(r *service.Record, argv, env []string) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	if len(r.RLimits.Limits) > 0 {
		exe, err := l.exePath()
		if err != nil {
			return nil, errors.Wrap(err, "resolving finitd executable for rlimit helper")
		}
		helperArgs := append([]string{rlimitHelperArg}, encodeRLimits(r.RLimits)...)
		helperArgs = append(helperArgs, "--")
		helperArgs = append(helperArgs, argv...)
		cmd = exec.Command(exe, helperArgs...)
	} else {
		cmd = exec.Command(argv[0], argv[1:]...)
	}

	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if r.Credentials.UID != 0 || r.Credentials.GID != 0 {
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid: r.Credentials.UID,
			Gid: r.Credentials.GID,
		}
	}

	if err := l.attachStdio(r, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// attachStdio wires a record's LogConfig to the child's stdout/stderr.
func (l *Launcher) attachStdio(r *service.Record, cmd *exec.Cmd) error {
	switch r.LogConfig.Type {
	case service.LogNone:
		null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		cmd.Stdin, cmd.Stdout, cmd.Stderr = null, null, null

	case service.LogFile:
		f, err := os.OpenFile(r.LogConfig.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrapf(err, "opening log file %q", r.LogConfig.Path)
		}
		cmd.Stdout, cmd.Stderr = f, f

	case service.LogConsole:
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr

	case service.LogRingBuffer:
		l.mu.Lock()
		lb, reused := l.logBuffers[r.ID]
		l.mu.Unlock()
		if reused {
			// Carry the buffer across the restart instead of starting it
			// over: catlog should show one continuous history per service,
			// with the restart itself called out.
			lb.AppendRestartMarker()
		} else {
			lb = service.NewLogBuffer(r.LogConfig.Max)
		}
		w, err := lb.CreatePipe()
		if err != nil {
			return err
		}
		cmd.Stdout, cmd.Stderr = w, w
		l.mu.Lock()
		l.logBuffers[r.ID] = lb
		l.mu.Unlock()

	case service.LogPipe:
		// No pipe to the sidecar named in LogConfig.Pipe is created:
		// the child inherits finitd's own stdin/stdout/stderr, the same
		// as LogConsole.
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr

	default:
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdin, cmd.Stdout, cmd.Stderr = null, null, null
	}

	return nil
}

// Signal implements service.Launcher.
func (l *Launcher) Signal(pid int, sig syscall.Signal, group bool) error {
	if pid <= 1 {
		return nil
	}
	target := pid
	if group {
		target = -pid
	}
	if err := syscall.Kill(target, sig); err != nil && err != syscall.ESRCH {
		return errors.Wrapf(err, "signal %v to pid %d", sig, pid)
	}
	return nil
}

// RunStop implements service.Launcher: synchronous SysV stop invocation,
// per spec.md §4.4/§4.1 (STOPPING for SysV runs the stop script and waits).
func (l *Launcher) RunStop(r *service.Record) error {
	bin, err := exec.LookPath(r.Args[0])
	if err != nil {
		return &service.MissingBinaryError{Service: r.ID.String(), Path: r.Args[0]}
	}
	cmd := exec.Command(bin, "stop")
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	return cmd.Run()
}

func encodeRLimits(rl service.RLimits) []string {
	out := make([]string, 0, len(rl.Limits))
	for res, lim := range rl.Limits {
		out = append(out, fmt.Sprintf("%d=%d:%d", res, lim.Cur, lim.Max))
	}
	return out
}

// decodeRLimitArg parses one "resource=cur:max" argument produced by
// encodeRLimits.
func decodeRLimitArg(s string) (int, syscall.Rlimit, error) {
	eq := indexByte(s, '=')
	if eq < 0 {
		return 0, syscall.Rlimit{}, fmt.Errorf("malformed rlimit arg %q", s)
	}
	res, err := strconv.Atoi(s[:eq])
	if err != nil {
		return 0, syscall.Rlimit{}, err
	}
	colon := indexByte(s[eq+1:], ':')
	if colon < 0 {
		return 0, syscall.Rlimit{}, fmt.Errorf("malformed rlimit arg %q", s)
	}
	rest := s[eq+1:]
	cur, err := strconv.ParseUint(rest[:colon], 10, 64)
	if err != nil {
		return 0, syscall.Rlimit{}, err
	}
	max, err := strconv.ParseUint(rest[colon+1:], 10, 64)
	if err != nil {
		return 0, syscall.Rlimit{}, err
	}
	return res, syscall.Rlimit{Cur: cur, Max: max}, nil
}

// RunRLimitHelper is the entry point cmd/finitd registers for the hidden
// "__rlimit-exec" subcommand: it applies the rlimits encoded in args, then
// execve's the real target. It runs in the freshly forked child's own
// process image — a fresh argv/env owned entirely by this process, never
// storage reused across the fork boundary (spec.md §9's open question about
// the C original's svc->args reuse does not apply here by construction).
func RunRLimitHelper(args []string) error {
	i := 0
	for ; i < len(args); i++ {
		if args[i] == "--" {
			break
		}
		res, lim, err := decodeRLimitArg(args[i])
		if err != nil {
			return err
		}
		if err := syscall.Setrlimit(res, &lim); err != nil {
			// Reported on stderr, don't abort (spec §4.4 step 2: "apply
			// rlimits (log, don't abort, on failure)").
			fmt.Fprintf(os.Stderr, "finitd: rlimit-exec: setrlimit(%d): %v\n", res, err)
		}
	}
	if i == len(args) || i+1 >= len(args) {
		return fmt.Errorf("rlimit-exec: missing target argv after --")
	}
	target := args[i+1:]
	bin, err := exec.LookPath(target[0])
	if err != nil {
		return err
	}
	return syscall.Exec(bin, target, os.Environ())
}
