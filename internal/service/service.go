// Package service runs the web service as the launcher's foreground child.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-headless-launcher/internal/config"
	"github.com/randomizedcoder/go-headless-launcher/internal/logging"
	"github.com/randomizedcoder/go-headless-launcher/internal/process"
	"github.com/randomizedcoder/go-headless-launcher/internal/readiness"
)

// Environment variables the service reads.
const (
	EnvApp  = "FLASK_APP"
	EnvMode = "FLASK_ENV"
)

// BindError is returned when the service address cannot be bound before launch.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("cannot bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// SignalSource subscribes c to the signals that should reach the service.
// It returns a function that unsubscribes.
type SignalSource func(c chan<- os.Signal) (stop func())

// ExecFunc replaces the current process image.
type ExecFunc func(argv0 string, argv []string, envv []string) error

// Launcher starts the service and waits for it.
type Launcher struct {
	cfg    *config.Config
	env    *process.Env
	logger *slog.Logger

	signals SignalSource
	exec    ExecFunc
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithSignalSource overrides OS signal subscription.
func WithSignalSource(s SignalSource) Option {
	return func(l *Launcher) { l.signals = s }
}

// WithExec overrides the execve used in exec mode.
func WithExec(fn ExecFunc) Option {
	return func(l *Launcher) { l.exec = fn }
}

// New creates a Launcher. env carries DISPLAY and any other variables set by earlier stages.
func New(cfg *config.Config, env *process.Env, logger *slog.Logger, opts ...Option) *Launcher {
	if logger == nil {
		logger = logging.Discard()
	}
	l := &Launcher{
		cfg:     cfg,
		env:     env,
		logger:  logger.With("stage", "service"),
		signals: notifySignals,
		exec:    unix.Exec,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func notifySignals(c chan<- os.Signal) func() {
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	return func() { signal.Stop(c) }
}

// Name returns the stage name.
func (l *Launcher) Name() string { return "service" }

// Spec returns the service command with its full environment.
func (l *Launcher) Spec() process.Spec {
	env := l.env.Clone()
	env.Set(EnvApp, l.cfg.Service.App)
	env.Set(EnvMode, l.cfg.Service.Mode)
	env.SetAll(l.cfg.Service.Env)

	return process.Spec{
		Name: "service",
		Path: l.cfg.Service.Command,
		Args: l.cfg.ServiceArgs(),
		Dir:  l.cfg.Service.WorkDir,
		Env:  env.Merge(os.Environ()),
	}
}

// CheckBind verifies the service address is free by binding and releasing it.
func CheckBind(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}
	return ln.Close()
}

// Run launches the service and blocks until it exits, returning its exit status.
// An error means the service could not be started at all.
func (l *Launcher) Run(ctx context.Context) (int, error) {
	addr := l.cfg.ServiceAddr()
	if err := CheckBind(addr); err != nil {
		return 1, err
	}

	spec := l.Spec()
	if l.cfg.Service.Exec {
		if err := l.execService(spec); err != nil {
			return 1, err
		}
		return 0, nil
	}

	cmd := spec.Command()
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	// Subscribe before Start so a signal arriving during startup is not lost.
	sigCh := make(chan os.Signal, 4)
	stop := l.signals(sigCh)
	defer stop()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return 1, fmt.Errorf("start service: %w", err)
	}
	pid := cmd.Process.Pid

	l.logger.Info("service_started",
		"pid", pid,
		"command", spec.String(),
		"dir", spec.Dir,
		"addr", addr,
		"env_overlay", l.env.Keys(),
	)

	done := make(chan struct{})
	go l.forwardSignals(sigCh, pid, done)
	go l.logReady(ctx, addr, done)

	err := cmd.Wait()
	close(done)

	code := process.ExitCode(err)
	l.logger.Info("service_exited",
		"pid", pid,
		"exit_code", code,
		"uptime", time.Since(start).String(),
	)
	return code, nil
}

// forwardSignals relays signals to the service's process group until it exits.
func (l *Launcher) forwardSignals(sigCh <-chan os.Signal, pid int, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sig := <-sigCh:
			s, ok := sig.(syscall.Signal)
			if !ok {
				continue
			}
			l.logger.Info("service_signal_forwarded", "pid", pid, "signal", s.String())
			if err := process.SignalGroup(pid, s); err != nil {
				l.logger.Warn("service_signal_failed", "pid", pid, "signal", s.String(), "error", err)
			}
		}
	}
}

// logReady reports when the service accepts connections. It never fails the run.
func (l *Launcher) logReady(ctx context.Context, addr string, done <-chan struct{}) {
	timeout := l.cfg.Service.ReadyTimeout.Std()
	if timeout <= 0 {
		return
	}
	probe := readiness.TCPProbe{ProbeName: "service", Addr: DialAddr(addr)}
	waited, err := readiness.Wait(ctx, probe, readiness.Options{
		Timeout: timeout,
		Seed:    time.Now().UnixNano(),
		Exited:  done,
		Logger:  l.logger,
	})
	if err != nil {
		l.logger.Warn("service_not_ready", "addr", addr, "error", err)
		return
	}
	l.logger.Info("service_ready", "addr", addr, "waited", waited.String())
}

// execService replaces the launcher with the service. It only returns on failure.
func (l *Launcher) execService(spec process.Spec) error {
	path, err := exec.LookPath(spec.Path)
	if err != nil {
		return fmt.Errorf("find service command: %w", err)
	}
	if spec.Dir != "" {
		if err := os.Chdir(spec.Dir); err != nil {
			return fmt.Errorf("chdir %s: %w", spec.Dir, err)
		}
	}

	l.logger.Info("service_exec", "command", spec.String(), "dir", spec.Dir)

	argv := append([]string{spec.Path}, spec.Args...)
	if err := l.exec(path, argv, spec.Env); err != nil {
		return fmt.Errorf("exec service: %w", err)
	}
	return nil
}

// DialAddr maps a wildcard listen address to loopback for local probing.
func DialAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}
	return net.JoinHostPort(host, port)
}
