// Package workspace creates the directories the web service writes into.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-headless-launcher/internal/config"
	"github.com/randomizedcoder/go-headless-launcher/internal/logging"
	"github.com/randomizedcoder/go-headless-launcher/internal/stage"
)

// DirResult reports what happened to one directory.
type DirResult struct {
	Path    string
	Created bool
	Chmoded bool
	Err     error
}

// Preparer ensures every configured directory exists with the configured mode.
type Preparer struct {
	cfg    config.WorkspaceConfig
	logger *slog.Logger
}

// New creates the workspace stage.
func New(cfg config.WorkspaceConfig, logger *slog.Logger) *Preparer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Preparer{cfg: cfg, logger: logger.With("stage", "workspace")}
}

// Name implements stage.Stage.
func (p *Preparer) Name() string { return "workspace" }

// Run implements stage.Stage. It is idempotent: a second run is a no-op.
// A directory that cannot be created fails the stage; a directory that
// exists but could not be chmoded or is not writable is only warned about.
func (p *Preparer) Run(ctx context.Context) stage.Result {
	start := time.Now()
	mode := p.cfg.Mode.Perm()

	if mode&0o002 != 0 {
		p.logger.Warn("workspace_world_writable", "mode", p.cfg.Mode.String())
	}

	var (
		changed int
		errs    []error
	)
	for _, dir := range p.cfg.Dirs {
		r := p.prepare(dir, mode)
		if r.Created || r.Chmoded {
			changed++
		}
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}

	res := stage.Result{Stage: p.Name(), Duration: time.Since(start)}
	switch {
	case len(errs) > 0:
		res.Outcome = stage.OutcomeFailed
		res.Err = errors.Join(errs...)
	case changed > 0:
		res.Outcome = stage.OutcomeApplied
		res.Detail = fmt.Sprintf("%d of %d directories changed", changed, len(p.cfg.Dirs))
	default:
		res.Outcome = stage.OutcomeNoop
	}
	return res
}

func (p *Preparer) prepare(dir string, mode os.FileMode) DirResult {
	r := DirResult{Path: dir}

	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		r.Err = fmt.Errorf("%s exists and is not a directory", dir)
		return r
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, mode); err != nil {
			r.Err = fmt.Errorf("create %s: %w", dir, err)
			return r
		}
		r.Created = true
		if info, err = os.Stat(dir); err != nil {
			r.Err = fmt.Errorf("stat %s: %w", dir, err)
			return r
		}
	case err != nil:
		r.Err = fmt.Errorf("stat %s: %w", dir, err)
		return r
	}

	// MkdirAll is subject to the umask; chmod sets the exact bits.
	if info.Mode().Perm() != mode {
		if err := os.Chmod(dir, mode); err != nil {
			p.logger.Warn("workspace_chmod_failed", "path", dir, "mode", fmt.Sprintf("%#o", mode), "error", err)
		} else {
			r.Chmoded = true
		}
	}

	if err := unix.Access(dir, unix.W_OK|unix.X_OK); err != nil {
		p.logger.Warn("workspace_not_writable", "path", dir, "error", err)
	}

	p.logger.Debug("workspace_dir_ready",
		"path", dir,
		"created", r.Created,
		"chmoded", r.Chmoded,
	)
	return r
}

// Check reports, without changing anything, which directories are missing
// or have the wrong mode. It backs the `plan` command.
func Check(cfg config.WorkspaceConfig) []string {
	var pending []string
	for _, dir := range cfg.Dirs {
		info, err := os.Stat(dir)
		switch {
		case err != nil:
			pending = append(pending, "create "+dir)
		case info.Mode().Perm() != cfg.Mode.Perm():
			pending = append(pending, fmt.Sprintf("chmod %s %s", cfg.Mode.String(), dir))
		}
	}
	return pending
}
