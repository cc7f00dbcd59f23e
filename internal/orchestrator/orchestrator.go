// Package orchestrator runs the startup sequence: display, audio, sink,
// workspace, reaper, then the foreground service.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gofrs/flock"

	"github.com/randomizedcoder/go-headless-launcher/internal/audio"
	"github.com/randomizedcoder/go-headless-launcher/internal/config"
	"github.com/randomizedcoder/go-headless-launcher/internal/display"
	"github.com/randomizedcoder/go-headless-launcher/internal/logging"
	"github.com/randomizedcoder/go-headless-launcher/internal/metrics"
	"github.com/randomizedcoder/go-headless-launcher/internal/preflight"
	"github.com/randomizedcoder/go-headless-launcher/internal/process"
	"github.com/randomizedcoder/go-headless-launcher/internal/readiness"
	"github.com/randomizedcoder/go-headless-launcher/internal/reaper"
	"github.com/randomizedcoder/go-headless-launcher/internal/service"
	"github.com/randomizedcoder/go-headless-launcher/internal/stage"
	"github.com/randomizedcoder/go-headless-launcher/internal/workspace"
)

var (
	// ErrAlreadyRunning is returned when another launcher holds the lock file.
	ErrAlreadyRunning = errors.New("another launcher is already running")

	// ErrPreflightFailed is returned when a required preflight check fails.
	ErrPreflightFailed = errors.New("preflight checks failed (set skip_preflight to override)")
)

// serviceStage labels the foreground service in stage metrics.
const serviceStage = "service"

// DaemonStage is a stage that starts a background server and can wait for it.
type DaemonStage interface {
	stage.Stage
	Settle(ctx context.Context) (time.Duration, error)
	Daemon() *process.Daemon
}

// ReapStage is the stale-process stage; Counts feeds the reaped metric.
type ReapStage interface {
	stage.Stage
	Counts() reaper.Counts
}

// ServiceRunner runs the foreground service and returns its exit status.
type ServiceRunner interface {
	Run(ctx context.Context) (int, error)
}

// PreflightFunc runs the startup checks.
type PreflightFunc func(cfg *config.Config) *preflight.Result

// Orchestrator runs each stage once, in order.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger
	env    *process.Env

	display   DaemonStage
	audio     DaemonStage
	sink      stage.Stage
	workspace stage.Stage
	reaper    ReapStage
	service   ServiceRunner

	preflight PreflightFunc
	sleep     func(ctx context.Context, d time.Duration) error
	out       io.Writer

	lock     *flock.Flock
	metrics  *metrics.Collector
	textfile *metrics.TextfileWriter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDisplay replaces the display stage.
func WithDisplay(s DaemonStage) Option { return func(o *Orchestrator) { o.display = s } }

// WithAudio replaces the audio stage.
func WithAudio(s DaemonStage) Option { return func(o *Orchestrator) { o.audio = s } }

// WithSink replaces the sink selection stage.
func WithSink(s stage.Stage) Option { return func(o *Orchestrator) { o.sink = s } }

// WithWorkspace replaces the workspace stage.
func WithWorkspace(s stage.Stage) Option { return func(o *Orchestrator) { o.workspace = s } }

// WithReaper replaces the reaper stage.
func WithReaper(s ReapStage) Option { return func(o *Orchestrator) { o.reaper = s } }

// WithService replaces the service launcher.
func WithService(s ServiceRunner) Option { return func(o *Orchestrator) { o.service = s } }

// WithPreflight replaces the preflight checks.
func WithPreflight(fn PreflightFunc) Option { return func(o *Orchestrator) { o.preflight = fn } }

// WithSleep replaces the reap settle delay.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithOutput sets where the preflight table is printed.
func WithOutput(w io.Writer) Option { return func(o *Orchestrator) { o.out = w } }

// New builds an orchestrator wired to the real stages. All children share
// one environment overlay so DISPLAY set by the display stage reaches them.
// In exec mode the daemons write to the launcher's stderr, since nothing is
// left to read a pipe once the launcher becomes the service.
func New(cfg *config.Config, collector *metrics.Collector, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = logging.Discard()
	}
	verbose := cfg.Logging.Verbose
	env := process.NewEnv()

	o := &Orchestrator{
		cfg:    cfg,
		logger: logger,
		env:    env,

		display:   display.New(cfg.Display, cfg.Readiness, env, logger, verbose, display.WithInheritedOutput(cfg.Service.Exec)),
		audio:     audio.New(cfg.Audio, cfg.Readiness, env, logger, verbose, audio.WithInheritedOutput(cfg.Service.Exec)),
		sink:      audio.NewSinkSelector(cfg.Audio, env, logger),
		workspace: workspace.New(cfg.Workspace, logger),
		reaper:    reaper.New(cfg.Reaper, logger),
		service:   service.New(cfg, env, logger),

		preflight: preflight.RunAll,
		sleep:     readiness.Sleep,
		out:       os.Stdout,

		lock:     flock.New(cfg.LockPath),
		metrics:  collector,
		textfile: metrics.NewTextfileWriter(cfg.MetricsTextfile, collector.Registry(), logger),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Env returns the environment overlay passed to every child.
func (o *Orchestrator) Env() *process.Env { return o.env }

// Metrics returns the run's collector.
func (o *Orchestrator) Metrics() *metrics.Collector { return o.metrics }

// Run executes the sequence and returns the service's exit status.
// A non-nil error always comes with exit status 1.
func (o *Orchestrator) Run(ctx context.Context) (int, error) {
	locked, err := o.lock.TryLock()
	if err != nil {
		return 1, fmt.Errorf("lock %s: %w", o.cfg.LockPath, err)
	}
	if !locked {
		return 1, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, o.cfg.LockPath)
	}
	defer o.lock.Unlock()

	if !o.cfg.SkipPreflight {
		result := o.preflight(o.cfg)
		preflight.PrintResults(o.out, result)
		if !result.Passed {
			return 1, ErrPreflightFailed
		}
	}

	o.logger.Info("launch_starting",
		"display", o.cfg.Display.Target,
		"readiness", o.cfg.Readiness.Mode,
		"strict", o.cfg.Readiness.Strict,
	)

	if err := o.startDaemon(ctx, o.display); err != nil {
		return o.abort(err, o.audio.Name(), o.sink.Name(), o.workspace.Name(), o.reaper.Name(), serviceStage)
	}
	if err := o.startDaemon(ctx, o.audio); err != nil {
		return o.abort(err, o.sink.Name(), o.workspace.Name(), o.reaper.Name(), serviceStage)
	}

	// Sink selection is best effort.
	o.runStage(ctx, o.sink)

	if res := o.runStage(ctx, o.workspace); res.Outcome == stage.OutcomeFailed {
		return o.abort(fmt.Errorf("workspace: %w", res.Err), o.reaper.Name(), serviceStage)
	}

	// Reaper failures are reported but never abort.
	o.runStage(ctx, o.reaper)
	counts := o.reaper.Counts()
	o.metrics.RecordReaped(counts.Terminated, counts.Killed)

	if err := o.sleep(ctx, o.cfg.Readiness.ReapSettle.Std()); err != nil {
		return o.abort(fmt.Errorf("reap settle: %w", err), serviceStage)
	}
	if err := ctx.Err(); err != nil {
		return o.abort(err, serviceStage)
	}

	o.logger.Info("stages_complete", "outcomes", o.metrics.Summary())
	o.writeMetrics()

	start := time.Now()
	code, err := o.service.Run(ctx)
	uptime := time.Since(start)

	o.metrics.RecordServiceExit(code, uptime)
	o.metrics.RecordStage(serviceResult(code, err, uptime))
	o.writeMetrics()

	if err != nil {
		return 1, fmt.Errorf("service: %w", err)
	}
	o.logger.Info("launch_finished",
		"exit_code", code,
		"category", metrics.ExitCategory(code),
		"uptime", uptime.String(),
	)
	return code, nil
}

// startDaemon runs a daemon stage and waits for it to settle. Failures abort
// only in strict mode. A skipped stage has nothing to wait for.
func (o *Orchestrator) startDaemon(ctx context.Context, s DaemonStage) error {
	res := o.runStage(ctx, s)
	if !res.Outcome.IsSuccess() {
		if res.Outcome == stage.OutcomeFailed {
			return o.degrade(s.Name(), res.Err)
		}
		return nil
	}

	waited, err := s.Settle(ctx)
	o.metrics.RecordReadiness(s.Name(), waited)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return o.degrade(s.Name(), err)
	}
	return nil
}

// degrade turns a display or audio problem into an abort or a warning.
func (o *Orchestrator) degrade(name string, err error) error {
	if o.cfg.Readiness.Strict {
		return fmt.Errorf("%s: %w", name, err)
	}
	o.logger.Warn("stage_degraded", "stage", name, "error", err)
	return nil
}

// runStage runs one stage, logs it and records its metrics.
func (o *Orchestrator) runStage(ctx context.Context, s stage.Stage) stage.Result {
	res := s.Run(ctx)
	if res.Stage == "" {
		res.Stage = s.Name()
	}
	o.metrics.RecordStage(res)

	attrs := []any{
		"stage", res.Stage,
		"outcome", res.Outcome.String(),
		"duration", res.Duration.String(),
	}
	if res.Detail != "" {
		attrs = append(attrs, "detail", res.Detail)
	}
	if res.Err != nil {
		attrs = append(attrs, "error", res.Err)
		o.logger.Warn("stage_complete", attrs...)
	} else {
		o.logger.Info("stage_complete", attrs...)
	}
	return res
}

// abort records the failure, marks the stages that never ran as skipped and
// returns exit status 1.
func (o *Orchestrator) abort(err error, skipped ...string) (int, error) {
	for _, name := range skipped {
		o.metrics.RecordStage(stage.Result{
			Stage:   name,
			Outcome: stage.OutcomeSkipped,
			Detail:  "launch aborted",
		})
	}
	o.logger.Error("launch_aborted", "error", err, "skipped", skipped)
	o.writeMetrics()
	return 1, err
}

// writeMetrics refreshes daemon error counts and writes the textfile.
func (o *Orchestrator) writeMetrics() {
	for _, s := range []DaemonStage{o.display, o.audio} {
		d := s.Daemon()
		if d == nil {
			continue
		}
		total := 0
		for _, n := range d.Output().CountErrors() {
			total += n
		}
		o.metrics.RecordDaemonErrors(s.Name(), total)
	}

	if err := o.textfile.Write(); err != nil {
		o.logger.Warn("metrics_write_failed", "path", o.textfile.Path(), "error", err)
	}
}

// serviceResult reports the service as a stage for metrics.
func serviceResult(code int, err error, uptime time.Duration) stage.Result {
	res := stage.Result{
		Stage:    serviceStage,
		Outcome:  stage.OutcomeApplied,
		Duration: uptime,
		Detail:   fmt.Sprintf("exit %d", code),
	}
	if err != nil || code != 0 {
		res.Outcome = stage.OutcomeFailed
		res.Err = err
	}
	return res
}
