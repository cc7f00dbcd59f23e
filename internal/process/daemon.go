package process

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/randomizedcoder/go-headless-launcher/internal/logging"
)

// Daemon is a detached background process started by the launcher.
// The launcher never restarts it; it only watches for early exit.
type Daemon struct {
	spec   Spec
	cmd    *exec.Cmd
	pid    int
	logger *slog.Logger
	output *logging.OutputHandler

	startTime time.Time
	done      chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

// StartDaemon starts spec in the background and returns immediately.
// stdout and stderr share one pipe that feeds an OutputHandler, unless
// spec.InheritOutput is set, in which case both go to the launcher's stderr.
func StartDaemon(spec Spec, logger *slog.Logger, verbose bool) (*Daemon, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	d := &Daemon{
		spec:   spec,
		cmd:    spec.Command(),
		logger: logger,
		output: logging.NewOutputHandler(spec.Name, logger, verbose),
		done:   make(chan struct{}),
	}

	var outRead, outWrite *os.File
	if spec.InheritOutput {
		d.cmd.Stdout = os.Stderr
		d.cmd.Stderr = os.Stderr
	} else {
		var err error
		outRead, outWrite, err = os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("create output pipe for %s: %w", spec.Name, err)
		}
		d.cmd.Stdout = outWrite
		d.cmd.Stderr = outWrite
	}

	d.startTime = time.Now()
	if err := d.cmd.Start(); err != nil {
		if outRead != nil {
			outRead.Close()
			outWrite.Close()
		}
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	d.pid = d.cmd.Process.Pid

	if outRead != nil {
		// Close parent's write-end after Start() so the reader sees EOF once
		// every holder of the pipe (including forked grandchildren) is gone.
		outWrite.Close()

		go func() {
			d.output.HandleReader(outRead)
			outRead.Close()
		}()
	}

	go d.wait()

	logger.Info("daemon_started",
		"name", spec.Name,
		"pid", d.pid,
		"command", spec.String(),
		"inherit_output", spec.InheritOutput,
	)

	return d, nil
}

// wait reaps the child. It does not wait for the output reader, which may
// stay open if the daemon forked.
func (d *Daemon) wait() {
	err := d.cmd.Wait()

	d.mu.Lock()
	d.waitErr = err
	d.exitCode = ExitCode(err)
	d.mu.Unlock()
	close(d.done)

	d.logger.Info("daemon_exited",
		"name", d.spec.Name,
		"pid", d.pid,
		"exit_code", ExitCode(err),
		"uptime", time.Since(d.startTime).String(),
	)
}

// Name returns the spec name.
func (d *Daemon) Name() string { return d.spec.Name }

// Pid returns the process ID.
func (d *Daemon) Pid() int { return d.pid }

// Done is closed when the process has exited.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// Exited reports whether the process has exited.
func (d *Daemon) Exited() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code, or -1 while running.
func (d *Daemon) ExitCode() int {
	if !d.Exited() {
		return -1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode
}

// Err returns the Wait() error, or nil while running.
func (d *Daemon) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waitErr
}

// RecentOutput returns the last n output lines.
func (d *Daemon) RecentOutput(n int) []string {
	return d.output.RecentLines(n)
}

// Output returns the handler collecting the daemon's output.
func (d *Daemon) Output() *logging.OutputHandler {
	return d.output
}
