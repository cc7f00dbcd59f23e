// Package process provides abstractions for running external processes.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
)

// Spec describes a command the launcher runs. It is inert until Command is called.
type Spec struct {
	// Name is a short label used in logs ("xvfb", "pulseaudio", "service").
	Name string

	// Path is the binary, resolved through PATH when it has no slash.
	Path string

	Args []string

	// Dir is the working directory. Empty inherits the launcher's.
	Dir string

	// Env is the full environment. Nil inherits the launcher's.
	Env []string

	// InheritOutput sends a daemon's stdout and stderr straight to the
	// launcher's stderr instead of a pipe the launcher reads. Needed when
	// the launcher execs into the service and stops reading.
	InheritOutput bool
}

// Command builds an *exec.Cmd in its own process group.
// It is not tied to a context: detached daemons must outlive the stage that started them.
func (s Spec) Command() *exec.Cmd {
	cmd := exec.Command(s.Path, s.Args...)
	s.apply(cmd)
	return cmd
}

// CommandContext builds an *exec.Cmd that is killed when ctx is done.
func (s Spec) CommandContext(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, s.Path, s.Args...)
	s.apply(cmd)
	return cmd
}

func (s Spec) apply(cmd *exec.Cmd) {
	cmd.Dir = s.Dir
	cmd.Env = s.Env
	// Set process group for clean group signalling
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// String returns the command line that would be executed (for logs and `plan`).
func (s Spec) String() string {
	parts := make([]string, 0, len(s.Args)+1)
	parts = append(parts, quote(s.Path))
	for _, a := range s.Args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.ContainsAny(s, " \t\n'\"$\\") {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return s
}

// RunError reports a command that ran but did not succeed.
type RunError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("%s: exit %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *RunError) Unwrap() error { return e.Err }

// Output runs the command to completion and returns its stdout.
// A non-zero exit is returned as *RunError carrying trimmed stderr.
func Output(ctx context.Context, s Spec) ([]byte, error) {
	cmd := s.CommandContext(ctx)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &RunError{
				Command:  s.String(),
				ExitCode: ExitCode(err),
				Stderr:   strings.TrimSpace(stderr.String()),
				Err:      err,
			}
		}
		return nil, fmt.Errorf("run %s: %w", s.Name, err)
	}
	return stdout.Bytes(), nil
}

// ExitCode extracts the exit code from a Wait() error.
// Signal deaths map to 128 + signal number, like a shell.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}

	// Unknown error, assume exit code 1
	return 1
}
