package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var displayTarget = regexp.MustCompile(`^:\d+(\.\d+)?$`)

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or the joined set of every problem found.
func Validate(cfg *Config) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Display
	if cfg.Display.Binary == "" {
		add("display.binary", "must not be empty")
	}
	if !displayTarget.MatchString(cfg.Display.Target) {
		add("display.target", "must be a local display like :99 or :99.0 (got %q)", cfg.Display.Target)
	}
	if cfg.Display.Width < 1 || cfg.Display.Height < 1 {
		add("display.geometry", "width and height must be at least 1 (got %dx%d)", cfg.Display.Width, cfg.Display.Height)
	}
	validDepths := map[int]bool{8: true, 15: true, 16: true, 24: true, 30: true, 32: true}
	if !validDepths[cfg.Display.Depth] {
		add("display.depth", "must be one of 8, 15, 16, 24, 30, 32 (got %d)", cfg.Display.Depth)
	}
	if cfg.Display.OnConflict != ConflictReuse && cfg.Display.OnConflict != ConflictFail {
		add("display.on_conflict", "must be 'reuse' or 'fail' (got %q)", cfg.Display.OnConflict)
	}

	// Audio
	if cfg.Audio.Binary == "" {
		add("audio.binary", "must not be empty")
	}
	if cfg.Audio.CtlBinary == "" {
		add("audio.ctl_binary", "must not be empty")
	}
	if strings.TrimSpace(cfg.Audio.SinkIndex) == "" {
		add("audio.sink_index", "must not be empty")
	}

	// Workspace
	if len(cfg.Workspace.Dirs) == 0 {
		add("workspace.dirs", "at least one directory is required")
	}
	for _, d := range cfg.Workspace.Dirs {
		if !filepath.IsAbs(d) {
			add("workspace.dirs", "must be absolute (got %q)", d)
		}
	}
	// Only permission bits are applied; setuid, setgid and sticky are rejected.
	if cfg.Workspace.Mode.Perm() == 0 || uint32(cfg.Workspace.Mode)&^0o777 != 0 {
		add("workspace.mode", "must be a permission mode between 0001 and 0777 (got %s)", cfg.Workspace.Mode)
	}

	// Reaper
	if cfg.Reaper.ProcessName == "" {
		add("reaper.process_name", "must not be empty")
	}
	if cfg.Reaper.Grace < 0 {
		add("reaper.grace", "must not be negative")
	}

	// Service
	if cfg.Service.Command == "" {
		add("service.command", "must not be empty")
	}
	if cfg.Service.Port < 1 || cfg.Service.Port > 65535 {
		add("service.port", "must be between 1 and 65535 (got %d)", cfg.Service.Port)
	}
	if cfg.Service.ReadyTimeout < 0 {
		add("service.ready_timeout", "must not be negative")
	}

	// Readiness
	if cfg.Readiness.Mode != ReadinessProbe && cfg.Readiness.Mode != ReadinessSleep {
		add("readiness.mode", "must be 'probe' or 'sleep' (got %q)", cfg.Readiness.Mode)
	}
	if cfg.Readiness.Mode == ReadinessProbe {
		if cfg.Readiness.DisplayTimeout <= 0 {
			add("readiness.display_timeout", "must be positive")
		}
		if cfg.Readiness.AudioTimeout <= 0 {
			add("readiness.audio_timeout", "must be positive")
		}
	}
	if cfg.Readiness.DisplaySettle < 0 || cfg.Readiness.AudioSettle < 0 || cfg.Readiness.ReapSettle < 0 {
		add("readiness.settle", "settle delays must not be negative")
	}

	// Logging
	validFormats := map[string]bool{"auto": true, "json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		add("logging.format", "must be 'auto', 'json' or 'text' (got %q)", cfg.Logging.Format)
	}

	if cfg.LockPath == "" {
		add("lock_path", "must not be empty")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}
