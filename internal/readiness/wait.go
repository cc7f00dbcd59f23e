package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randomizedcoder/go-headless-launcher/internal/logging"
)

// ErrProcessExited is returned when the process being waited on exits first.
var ErrProcessExited = errors.New("process exited before becoming ready")

// TimeoutError is returned when a probe does not pass within its timeout.
type TimeoutError struct {
	Probe    string
	Timeout  time.Duration
	Attempts int
	LastErr  error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s not ready after %s (%d attempts)", e.Probe, e.Timeout, e.Attempts)
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// Options controls a Wait.
type Options struct {
	// Timeout bounds the whole wait. Must be positive.
	Timeout time.Duration

	Backoff BackoffConfig
	Seed    int64

	// Wake, when set, triggers an immediate re-check (e.g. a filesystem event).
	Wake <-chan struct{}

	// Exited, when set, aborts the wait with ErrProcessExited once closed.
	Exited <-chan struct{}

	Logger *slog.Logger
}

// Wait polls probe until it passes, the timeout expires, the watched
// process exits, or ctx is cancelled. It returns the time spent waiting.
func Wait(ctx context.Context, probe Probe, opts Options) (time.Duration, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = DefaultBackoffConfig()
	}

	start := time.Now()
	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	backoff := NewBackoff(opts.Seed, opts.Backoff)
	var lastErr error

	for {
		lastErr = probe.Check(ctx)
		attempts := backoff.Attempts() + 1
		if lastErr == nil {
			waited := time.Since(start)
			logger.Debug("probe_ready",
				"probe", probe.Name(),
				"attempts", attempts,
				"waited", waited.String(),
			)
			return waited, nil
		}

		delay := backoff.Next()
		logger.Debug("probe_not_ready",
			"probe", probe.Name(),
			"attempt", attempts,
			"error", lastErr,
			"next_check", delay.String(),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return time.Since(start), ctx.Err()
		case <-opts.Exited:
			timer.Stop()
			return time.Since(start), fmt.Errorf("%s: %w", probe.Name(), ErrProcessExited)
		case <-deadline.C:
			timer.Stop()
			// One last look: the dependency may have come up between checks.
			if err := probe.Check(ctx); err == nil {
				return time.Since(start), nil
			}
			return time.Since(start), &TimeoutError{
				Probe:    probe.Name(),
				Timeout:  opts.Timeout,
				Attempts: backoff.Attempts() + 1,
				LastErr:  lastErr,
			}
		case <-opts.Wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Sleep pauses for d or until ctx is done. It is the fixed-delay settle used in sleep mode.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
