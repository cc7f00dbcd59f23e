package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// pollInterval is how often Terminate checks whether the target is gone.
const pollInterval = 50 * time.Millisecond

// killWait bounds the wait for the kernel to tear down a SIGKILLed process.
const killWait = time.Second

// Alive reports whether pid names a running, non-zombie process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	return !zombie(pid)
}

// zombie reports whether pid has exited and only waits for its parent to reap it.
func zombie(pid int) bool {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return false
	}
	st, err := p.Stat()
	return err == nil && st.State == "Z"
}

// TerminateResult describes how a process went away.
type TerminateResult int

const (
	// Gone means the process did not exist when signalled.
	Gone TerminateResult = iota
	// Terminated means the process exited within the grace period.
	Terminated
	// Killed means the process needed SIGKILL.
	Killed
)

func (r TerminateResult) String() string {
	switch r {
	case Gone:
		return "gone"
	case Terminated:
		return "terminated"
	case Killed:
		return "killed"
	default:
		return "unknown"
	}
}

// Terminate sends SIGTERM, waits up to grace, then escalates to SIGKILL.
// A process that vanishes at any point (ESRCH) is treated as success.
func Terminate(ctx context.Context, pid int, grace time.Duration) (TerminateResult, error) {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return Gone, nil
		}
		return Gone, fmt.Errorf("SIGTERM pid %d: %w", pid, err)
	}

	if waitGone(ctx, pid, grace) {
		return Terminated, nil
	}
	if err := ctx.Err(); err != nil {
		return Terminated, err
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return Terminated, nil
		}
		return Killed, fmt.Errorf("SIGKILL pid %d: %w", pid, err)
	}

	if !waitGone(ctx, pid, killWait) {
		return Killed, fmt.Errorf("pid %d still present after SIGKILL", pid)
	}
	return Killed, nil
}

// waitGone polls until pid is no longer alive, the timeout passes, or ctx is done.
func waitGone(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if !Alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !Alive(pid)
		case <-ticker.C:
		}
	}
}

// SignalGroup sends sig to the process group led by pid.
func SignalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
