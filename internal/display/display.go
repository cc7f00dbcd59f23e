// Package display starts the virtual framebuffer X server.
package display

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/randomizedcoder/go-headless-launcher/internal/config"
	"github.com/randomizedcoder/go-headless-launcher/internal/logging"
	"github.com/randomizedcoder/go-headless-launcher/internal/process"
	"github.com/randomizedcoder/go-headless-launcher/internal/readiness"
	"github.com/randomizedcoder/go-headless-launcher/internal/stage"
)

// EnvVar is the variable children use to find the display.
const EnvVar = "DISPLAY"

// ErrDisplayInUse is returned when on_conflict=fail and a live server holds the display.
var ErrDisplayInUse = errors.New("display already in use")

// recentLines is how much daemon output is logged when Xvfb dies early.
const recentLines = 20

// Server manages the Xvfb stage.
type Server struct {
	cfg     config.DisplayConfig
	rcfg    config.ReadinessConfig
	env     *process.Env
	logger  *slog.Logger
	verbose bool
	inherit bool

	// num is the parsed display number; numErr is set when Target is unusable.
	num    int
	numErr error

	daemon *process.Daemon
}

// Option configures a Server.
type Option func(*Server)

// WithInheritedOutput sends Xvfb output to the launcher's stderr instead of
// a pipe. Used when the launcher execs into the service.
func WithInheritedOutput(on bool) Option {
	return func(s *Server) { s.inherit = on }
}

// New creates the display stage. DISPLAY is written to env when the stage runs.
func New(cfg config.DisplayConfig, rcfg config.ReadinessConfig, env *process.Env, logger *slog.Logger, verbose bool, opts ...Option) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		cfg:     cfg,
		rcfg:    rcfg,
		env:     env,
		logger:  logger.With("stage", "display"),
		verbose: verbose,
	}
	s.num, s.numErr = Number(cfg.Target)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements stage.Stage.
func (s *Server) Name() string { return "display" }

// Daemon returns the Xvfb process, or nil if none was started.
func (s *Server) Daemon() *process.Daemon { return s.daemon }

// Spec returns the Xvfb command line.
func (s *Server) Spec() process.Spec {
	args := []string{
		s.cfg.Target,
		"-screen", "0", fmt.Sprintf("%dx%dx%d", s.cfg.Width, s.cfg.Height, s.cfg.Depth),
		"-nolisten", "tcp",
	}
	args = append(args, s.cfg.ExtraArgs...)
	return process.Spec{
		Name:          "xvfb",
		Path:          s.cfg.Binary,
		Args:          args,
		InheritOutput: s.inherit,
	}
}

// Number returns the display number from a local target like ":99" or
// ":99.0". Xvfb cannot serve a display on another host.
func Number(target string) (int, error) {
	rest, ok := strings.CutPrefix(target, ":")
	if !ok {
		return 0, fmt.Errorf("display %q is not a local :N display", target)
	}
	num, _, _ := strings.Cut(rest, ".")
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("display %q has no valid number", target)
	}
	return n, nil
}

// SocketPath returns the X socket for the configured display, or "" when
// the target has no valid display number.
func (s *Server) SocketPath() string {
	if s.numErr != nil {
		return ""
	}
	return filepath.Join(s.cfg.SocketDir, "X"+strconv.Itoa(s.num))
}

// LockPath returns the X server lock file for the configured display, or ""
// when the target has no valid display number.
func (s *Server) LockPath() string {
	if s.numErr != nil {
		return ""
	}
	return filepath.Join(s.cfg.LockDir, ".X"+strconv.Itoa(s.num)+"-lock")
}

// Run starts Xvfb detached and returns without waiting for it to be ready.
func (s *Server) Run(ctx context.Context) stage.Result {
	start := time.Now()
	if s.numErr != nil {
		return stage.Result{
			Stage:    s.Name(),
			Outcome:  stage.OutcomeFailed,
			Err:      s.numErr,
			Duration: time.Since(start),
		}
	}
	s.env.Set(EnvVar, s.cfg.Target)

	res := s.run()
	res.Stage = s.Name()
	res.Duration = time.Since(start)
	return res
}

func (s *Server) run() stage.Result {
	pid, live, err := s.lockHolder()
	if err != nil {
		s.logger.Warn("display_lock_unreadable", "lock", s.LockPath(), "error", err)
	}

	switch {
	case live && s.cfg.OnConflict == config.ConflictFail:
		return stage.Result{
			Outcome: stage.OutcomeFailed,
			Err:     fmt.Errorf("%s held by pid %d: %w", s.cfg.Target, pid, ErrDisplayInUse),
		}
	case live:
		s.logger.Info("display_reused", "display", s.cfg.Target, "pid", pid)
		return stage.Result{
			Outcome: stage.OutcomeReused,
			Detail:  fmt.Sprintf("pid %d", pid),
		}
	case pid > 0:
		s.removeStale(pid)
	}

	d, err := process.StartDaemon(s.Spec(), s.logger, s.verbose)
	if err != nil {
		return stage.Result{Outcome: stage.OutcomeFailed, Err: err}
	}
	s.daemon = d

	return stage.Result{
		Outcome: stage.OutcomeApplied,
		Detail:  fmt.Sprintf("pid %d", d.Pid()),
	}
}

// lockHolder reads the X lock file. It returns the recorded pid and whether
// that process is still alive. A missing lock file is not an error.
func (s *Server) lockHolder() (int, bool, error) {
	data, err := os.ReadFile(s.LockPath())
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false, fmt.Errorf("malformed lock file %s", s.LockPath())
	}
	return pid, process.Alive(pid), nil
}

// removeStale deletes a lock and socket left behind by a dead server,
// otherwise Xvfb refuses to start on that display.
func (s *Server) removeStale(pid int) {
	for _, path := range []string{s.LockPath(), s.SocketPath()} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("display_stale_remove_failed", "path", path, "error", err)
		}
	}
	s.logger.Info("display_stale_lock_removed", "display", s.cfg.Target, "dead_pid", pid)
}

// Settle waits until the display accepts connections (probe mode) or for
// the fixed settle delay (sleep mode).
func (s *Server) Settle(ctx context.Context) (time.Duration, error) {
	if s.rcfg.Mode == config.ReadinessSleep {
		d := s.rcfg.DisplaySettle.Std()
		return d, readiness.Sleep(ctx, d)
	}
	if s.numErr != nil {
		return 0, s.numErr
	}

	opts := readiness.Options{
		Timeout: s.rcfg.DisplayTimeout.Std(),
		Seed:    time.Now().UnixNano(),
		Logger:  s.logger,
	}

	watcher, err := readiness.WatchPath(s.SocketPath(), s.logger)
	if err != nil {
		// Polling alone still works.
		s.logger.Debug("display_watch_unavailable", "error", err)
	} else {
		defer watcher.Close()
		opts.Wake = watcher.Wake()
	}

	if s.daemon != nil {
		opts.Exited = s.daemon.Done()
	}

	probe := readiness.SocketProbe{ProbeName: "display", Path: s.SocketPath()}
	waited, err := readiness.Wait(ctx, probe, opts)
	if errors.Is(err, readiness.ErrProcessExited) {
		s.logger.Error("display_exited_early",
			"exit_code", s.daemon.ExitCode(),
			"wait_error", s.daemon.Err(),
			"output", s.daemon.RecentOutput(recentLines),
		)
	}
	if err == nil {
		s.logger.Info("display_ready", "display", s.cfg.Target, "waited", waited.String())
	}
	return waited, err
}
