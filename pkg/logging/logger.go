// Package logging implements the finitd logging subsystem: a thin,
// printf-style facade over zerolog so call sites across the supervisor stay
// as terse as the teacher's fmt.Fprintf-based logger, while output is
// structured JSON (or a console-friendly renderer on a TTY) underneath.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// Level represents the logging level. finitd keeps the teacher's five-level
// vocabulary (DEBUG/INFO/NOTICE/WARN/ERROR); NOTICE has no zerolog equivalent
// and is mapped onto Info with a "notice":true field so it still sorts and
// filters distinctly in structured output.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelNotice
	LevelWarn
	LevelError
)

func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger provides structured logging for finitd.
type Logger struct {
	zl zerolog.Logger
}

// New creates a new Logger with the specified minimum level, writing to
// stderr. On a TTY, output renders through zerolog's ConsoleWriter; off a
// TTY (boot console redirected, or logging to a file/syslog pipe) it emits
// one JSON object per line.
func New(level Level) *Logger {
	var w interface {
		Write([]byte) (int, error)
	} = os.Stderr

	if fi, err := os.Stderr.Stat(); err == nil && (fi.Mode()&os.ModeCharDevice) != 0 {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	zl := zerolog.New(w).With().Timestamp().Logger().Level(level.zerologLevel())
	return &Logger{zl: zl}
}

// SetLevel changes the minimum logging level.
func (l *Logger) SetLevel(level Level) {
	l.zl = l.zl.Level(level.zerologLevel())
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	ev := l.zl.WithLevel(level.zerologLevel())
	if level == LevelNotice {
		ev = ev.Bool("notice", true)
	}
	ev.Msgf(format, args...)
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) { l.log(LevelInfo, format, args...) }

// Notice logs at notice level.
func (l *Logger) Notice(format string, args ...interface{}) { l.log(LevelNotice, format, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) { l.log(LevelWarn, format, args...) }

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) { l.log(LevelError, format, args...) }

// Crit logs an internal invariant violation without terminating the
// process: finitd is PID 1 and must never exit on an internal bug, so the
// service is left in its current state and the supervisor keeps running.
func (l *Logger) Crit(format string, args ...interface{}) {
	l.zl.WithLevel(zerolog.ErrorLevel).Bool("invariant_violation", true).Msgf(format, args...)
}

// Transition logs a single state-machine transition line: service
// identifier, pid, and the action taken ("starting", "sending SIGTERM",
// "sending SIGKILL", ...).
func (l *Logger) Transition(service string, pid int, action string) {
	l.zl.Info().Str("service", service).Int("pid", pid).Msg(action)
}

// Progress is the boot-time "[ OK ]"/"[WARN]"/"[FAIL]" indicator for
// non-bootstrap runlevels.
type Progress uint8

const (
	ProgressOK Progress = iota
	ProgressWarn
	ProgressFail
)

func (p Progress) tag() string {
	switch p {
	case ProgressOK:
		return "[ OK ]"
	case ProgressWarn:
		return "[WARN]"
	case ProgressFail:
		return "[FAIL]"
	default:
		return "[ ?? ]"
	}
}

// Boot emits a progress-indicator line for a boot-time service outcome.
func (l *Logger) Boot(p Progress, service string) {
	l.zl.Info().Str("service", service).Msg(p.tag() + " " + service)
}
