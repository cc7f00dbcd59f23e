package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the variable that points at a config file when --config is not given.
const EnvConfigPath = "HEADLESS_LAUNCHER_CONFIG"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load builds a Config from defaults, an optional file, and the process environment.
// Precedence: defaults < file < environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		if v, ok := lookup(EnvConfigPath); ok {
			path = strings.TrimSpace(v)
		}
	}
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile decodes a TOML or YAML file over cfg, chosen by extension.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file %s not found", path)
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return fmt.Errorf("parse config %s: %s", path, strict.String())
			}
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv overlays environment variables. DISPLAY, FLASK_APP and FLASK_ENV are the
// selectors the web service stack already understands; the rest are launcher specific.
func applyEnv(cfg *Config, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("DISPLAY", &cfg.Display.Target)
	str("FLASK_APP", &cfg.Service.App)
	str("FLASK_ENV", &cfg.Service.Mode)
	str("LAUNCHER_SINK_INDEX", &cfg.Audio.SinkIndex)
	str("LAUNCHER_LOG_FORMAT", &cfg.Logging.Format)
	str("LAUNCHER_LOG_LEVEL", &cfg.Logging.Level)
	str("LAUNCHER_READINESS", &cfg.Readiness.Mode)
	str("LAUNCHER_METRICS_TEXTFILE", &cfg.MetricsTextfile)
	str("LAUNCHER_LOCK_PATH", &cfg.LockPath)

	if v, ok := lookup("LAUNCHER_WORKSPACE_DIRS"); ok && strings.TrimSpace(v) != "" {
		var dirs []string
		for _, d := range filepath.SplitList(v) {
			if d = strings.TrimSpace(d); d != "" {
				dirs = append(dirs, d)
			}
		}
		cfg.Workspace.Dirs = dirs
	}

	if v, ok := lookup("LAUNCHER_SERVICE_PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return ValidationError{Field: "LAUNCHER_SERVICE_PORT", Message: fmt.Sprintf("not a number: %q", v)}
		}
		cfg.Service.Port = port
	}

	if v, ok := lookup("LAUNCHER_STRICT"); ok && strings.TrimSpace(v) != "" {
		strict, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return ValidationError{Field: "LAUNCHER_STRICT", Message: fmt.Sprintf("not a boolean: %q", v)}
		}
		cfg.Readiness.Strict = strict
	}

	return nil
}
