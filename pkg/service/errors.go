package service

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigError reports a malformed service stanza. The record is refused;
// other services are unaffected.
type ConfigError struct {
	File string
	Line int
	Msg  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// MissingBinaryError reports that a service's command could not be found
// in PATH. The service is marked Block=BlockMissing and moved to HALTED;
// it is surfaced to the operator but never auto-retried.
type MissingBinaryError struct {
	Service string
	Path    string
}

func (e *MissingBinaryError) Error() string {
	return fmt.Sprintf("service %q: binary %q not found", e.Service, e.Path)
}

// MissingEnvFileError reports that a service's env: file does not exist.
// Handled identically to MissingBinaryError.
type MissingEnvFileError struct {
	Service string
	Path    string
}

func (e *MissingEnvFileError) Error() string {
	return fmt.Sprintf("service %q: env file %q not found", e.Service, e.Path)
}

// MissingUserError reports that a service's declared @user or :group could
// not be resolved. Handled identically to MissingBinaryError: better to
// refuse the launch than silently exec as root.
type MissingUserError struct {
	Service string
	Name    string
}

func (e *MissingUserError) Error() string {
	return fmt.Sprintf("service %q: user/group %q not found", e.Service, e.Name)
}

// LaunchError wraps a fork/exec failure. It is counted as a crash for
// respawn purposes, same as an abnormal exit.
type LaunchError struct {
	Service string
	Cause   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("service %q: launch failed: %v", e.Service, e.Cause)
}

func (e *LaunchError) Unwrap() error { return e.Cause }

// WrapLaunch wraps a launcher-layer error with the owning service's name.
func WrapLaunch(service string, err error) error {
	if err == nil {
		return nil
	}
	return &LaunchError{Service: service, Cause: errors.Wrap(err, "launcher")}
}

// InvariantError records an internal invariant violation (e.g. an unknown
// service kind reaching Step). Per the error-handling policy, this is
// logged at CRIT and the record is left in its current state; it never
// panics and never brings down the supervisor.
type InvariantError struct {
	Service string
	Detail  string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation in service %q: %s", e.Service, e.Detail)
}

// NotFoundError is returned when a lookup by name or pid fails.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.What)
}
