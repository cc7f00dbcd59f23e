// Package audio starts the user-space sound server and selects its default output.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/randomizedcoder/go-headless-launcher/internal/config"
	"github.com/randomizedcoder/go-headless-launcher/internal/logging"
	"github.com/randomizedcoder/go-headless-launcher/internal/process"
	"github.com/randomizedcoder/go-headless-launcher/internal/readiness"
	"github.com/randomizedcoder/go-headless-launcher/internal/stage"
)

const recentLines = 20

// Server manages the PulseAudio stage.
type Server struct {
	cfg     config.AudioConfig
	rcfg    config.ReadinessConfig
	env     *process.Env
	logger  *slog.Logger
	verbose bool
	inherit bool

	daemon *process.Daemon
}

// Option configures a Server.
type Option func(*Server)

// WithInheritedOutput sends the daemon's output to the launcher's stderr
// instead of a pipe.
func WithInheritedOutput(on bool) Option {
	return func(s *Server) { s.inherit = on }
}

// New creates the audio daemon stage.
func New(cfg config.AudioConfig, rcfg config.ReadinessConfig, env *process.Env, logger *slog.Logger, verbose bool, opts ...Option) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		cfg:     cfg,
		rcfg:    rcfg,
		env:     env,
		logger:  logger.With("stage", "audio"),
		verbose: verbose,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements stage.Stage.
func (s *Server) Name() string { return "audio" }

// Daemon returns the audio server process, or nil if it was not started.
func (s *Server) Daemon() *process.Daemon { return s.daemon }

// Spec returns the daemon command line. The server stays in the foreground
// of its own process group and never exits on idle.
func (s *Server) Spec() process.Spec {
	args := []string{"--daemonize=no", "--exit-idle-time=-1"}
	args = append(args, s.cfg.ExtraArgs...)
	return process.Spec{
		Name:          "pulseaudio",
		Path:          s.cfg.Binary,
		Args:          args,
		Env:           s.env.Merge(os.Environ()),
		InheritOutput: s.inherit,
	}
}

// Run starts the audio daemon detached.
func (s *Server) Run(ctx context.Context) stage.Result {
	start := time.Now()
	res := stage.Result{Stage: s.Name()}

	d, err := process.StartDaemon(s.Spec(), s.logger, s.verbose)
	if err != nil {
		res.Outcome = stage.OutcomeFailed
		res.Err = err
	} else {
		s.daemon = d
		res.Outcome = stage.OutcomeApplied
		res.Detail = fmt.Sprintf("pid %d", d.Pid())
	}

	res.Duration = time.Since(start)
	return res
}

// ctl returns a control-utility invocation.
func (s *Server) ctl(args ...string) process.Spec {
	return ctlSpec(s.cfg.CtlBinary, s.env, args...)
}

func ctlSpec(binary string, env *process.Env, args ...string) process.Spec {
	return process.Spec{
		Name: "pactl",
		Path: binary,
		Args: args,
		Env:  env.Merge(os.Environ()),
	}
}

// Settle waits until the server answers `pactl info` (probe mode) or for
// the fixed settle delay (sleep mode).
func (s *Server) Settle(ctx context.Context) (time.Duration, error) {
	if s.rcfg.Mode == config.ReadinessSleep {
		d := s.rcfg.AudioSettle.Std()
		return d, readiness.Sleep(ctx, d)
	}

	opts := readiness.Options{
		Timeout: s.rcfg.AudioTimeout.Std(),
		Seed:    time.Now().UnixNano(),
		Logger:  s.logger,
	}
	if s.daemon != nil {
		opts.Exited = s.daemon.Done()
	}

	probe := readiness.CommandProbe{ProbeName: "audio", Spec: s.ctl("info")}
	waited, err := readiness.Wait(ctx, probe, opts)
	if errors.Is(err, readiness.ErrProcessExited) {
		s.logger.Error("audio_exited_early",
			"exit_code", s.daemon.ExitCode(),
			"wait_error", s.daemon.Err(),
			"output", s.daemon.RecentOutput(recentLines),
		)
	}
	if err == nil {
		s.logger.Info("audio_ready", "waited", waited.String())
	}
	return waited, err
}
