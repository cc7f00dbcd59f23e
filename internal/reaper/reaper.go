// Package reaper terminates leftover instances of a named program.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-headless-launcher/internal/config"
	"github.com/randomizedcoder/go-headless-launcher/internal/logging"
	"github.com/randomizedcoder/go-headless-launcher/internal/process"
	"github.com/randomizedcoder/go-headless-launcher/internal/stage"
)

// commLen is the kernel's limit on /proc/<pid>/comm (TASK_COMM_LEN - 1).
const commLen = 15

// Match is a process whose name matched.
type Match struct {
	Pid   int
	Comm  string
	Argv0 string
}

// Counts summarises a reap.
type Counts struct {
	Matched    int
	Terminated int // exited after SIGTERM, or already gone
	Killed     int // needed SIGKILL
	Failed     int
}

// Find scans procRoot (normally /proc) for processes named name, excluding self.
// A process matches when its comm or the base name of argv[0] equals name.
// Zombies are skipped: they have already exited.
func Find(procRoot, name string, self int) ([]Match, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", procRoot, err)
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", procRoot, err)
	}

	shortName := name
	if len(shortName) > commLen {
		shortName = shortName[:commLen]
	}

	var matches []Match
	for _, p := range procs {
		if p.PID == self {
			continue
		}

		// Processes can exit mid-scan; unreadable entries are skipped.
		comm, _ := p.Comm()
		cmdline, _ := p.CmdLine()

		m := Match{Pid: p.PID, Comm: comm}
		if len(cmdline) > 0 {
			m.Argv0 = cmdline[0]
		}
		if m.Comm == "" && m.Argv0 == "" {
			continue
		}
		if m.Comm != shortName && filepath.Base(m.Argv0) != name {
			continue
		}
		if st, err := p.Stat(); err == nil && st.State == "Z" {
			continue
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// TerminateFunc signals one process; process.Terminate in production.
type TerminateFunc func(ctx context.Context, pid int, grace time.Duration) (process.TerminateResult, error)

// Reaper is the stale-process stage.
type Reaper struct {
	cfg       config.ReaperConfig
	logger    *slog.Logger
	procRoot  string
	self      int
	terminate TerminateFunc

	counts Counts
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithProcRoot overrides /proc.
func WithProcRoot(root string) Option {
	return func(r *Reaper) { r.procRoot = root }
}

// WithTerminate overrides how matched processes are signalled.
func WithTerminate(fn TerminateFunc) Option {
	return func(r *Reaper) { r.terminate = fn }
}

// New creates the reaper stage.
func New(cfg config.ReaperConfig, logger *slog.Logger, opts ...Option) *Reaper {
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Reaper{
		cfg:       cfg,
		logger:    logger.With("stage", "reap"),
		procRoot:  "/proc",
		self:      os.Getpid(),
		terminate: process.Terminate,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements stage.Stage.
func (r *Reaper) Name() string { return "reap" }

// Counts returns the totals from the last Run.
func (r *Reaper) Counts() Counts { return r.counts }

// Run implements stage.Stage. Finding nothing is success (noop).
func (r *Reaper) Run(ctx context.Context) stage.Result {
	start := time.Now()
	res := r.run(ctx)
	res.Stage = r.Name()
	res.Duration = time.Since(start)
	return res
}

func (r *Reaper) run(ctx context.Context) stage.Result {
	r.counts = Counts{}

	matches, err := Find(r.procRoot, r.cfg.ProcessName, r.self)
	if err != nil {
		r.logger.Warn("reap_scan_failed", "error", err)
		return stage.Result{Outcome: stage.OutcomeFailed, Err: err}
	}
	if len(matches) == 0 {
		r.logger.Info("reap_nothing_found", "name", r.cfg.ProcessName)
		return stage.Result{Outcome: stage.OutcomeNoop}
	}

	r.counts.Matched = len(matches)

	var errs []error
	for _, m := range matches {
		result, err := r.terminate(ctx, m.Pid, r.cfg.Grace.Std())
		if err != nil {
			r.counts.Failed++
			errs = append(errs, err)
			level := slog.LevelWarn
			if errors.Is(err, unix.EPERM) {
				level = slog.LevelError
			}
			r.logger.Log(ctx, level, "reap_failed", "pid", m.Pid, "comm", m.Comm, "error", err)
			continue
		}

		switch result {
		case process.Killed:
			r.counts.Killed++
		default:
			r.counts.Terminated++
		}
		r.logger.Info("reap_process",
			"pid", m.Pid,
			"comm", m.Comm,
			"result", result.String(),
		)
	}

	detail := fmt.Sprintf("%d matched, %d terminated, %d killed", r.counts.Matched, r.counts.Terminated, r.counts.Killed)
	if len(errs) > 0 {
		return stage.Result{
			Outcome: stage.OutcomeFailed,
			Err:     errors.Join(errs...),
			Detail:  detail,
		}
	}
	return stage.Result{Outcome: stage.OutcomeApplied, Detail: detail}
}
