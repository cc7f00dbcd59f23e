// Package config provides configuration management for headless-launcher.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the launcher.
// Every stage receives the section it needs; nothing reads the process
// environment after Load returns.
type Config struct {
	Display   DisplayConfig   `toml:"display" yaml:"display"`
	Audio     AudioConfig     `toml:"audio" yaml:"audio"`
	Workspace WorkspaceConfig `toml:"workspace" yaml:"workspace"`
	Reaper    ReaperConfig    `toml:"reaper" yaml:"reaper"`
	Service   ServiceConfig   `toml:"service" yaml:"service"`
	Readiness ReadinessConfig `toml:"readiness" yaml:"readiness"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`

	// LockPath is the flock file that keeps a second launcher from running.
	LockPath string `toml:"lock_path" yaml:"lock_path"`

	// MetricsTextfile is where the Prometheus textfile is written. Empty disables it.
	MetricsTextfile string `toml:"metrics_textfile" yaml:"metrics_textfile"`

	SkipPreflight bool `toml:"skip_preflight" yaml:"skip_preflight"`
}

// DisplayConfig configures the virtual framebuffer.
type DisplayConfig struct {
	Binary     string   `toml:"binary" yaml:"binary"`
	Target     string   `toml:"target" yaml:"target"` // exported to children as DISPLAY
	Width      int      `toml:"width" yaml:"width"`
	Height     int      `toml:"height" yaml:"height"`
	Depth      int      `toml:"depth" yaml:"depth"`
	ExtraArgs  []string `toml:"extra_args" yaml:"extra_args"`
	SocketDir  string   `toml:"socket_dir" yaml:"socket_dir"`
	LockDir    string   `toml:"lock_dir" yaml:"lock_dir"`
	OnConflict string   `toml:"on_conflict" yaml:"on_conflict"` // reuse, fail
}

// AudioConfig configures the audio daemon and the default sink.
type AudioConfig struct {
	Binary    string   `toml:"binary" yaml:"binary"`
	ExtraArgs []string `toml:"extra_args" yaml:"extra_args"`
	CtlBinary string   `toml:"ctl_binary" yaml:"ctl_binary"`
	SinkIndex string   `toml:"sink_index" yaml:"sink_index"`
}

// WorkspaceConfig lists directories that must exist before the service starts.
type WorkspaceConfig struct {
	Dirs []string `toml:"dirs" yaml:"dirs"`
	Mode FileMode `toml:"mode" yaml:"mode"`
}

// ReaperConfig configures stale editor cleanup.
type ReaperConfig struct {
	ProcessName string   `toml:"process_name" yaml:"process_name"`
	Grace       Duration `toml:"grace" yaml:"grace"` // 0 = escalate to SIGKILL without waiting
}

// ServiceConfig configures the foreground web service.
type ServiceConfig struct {
	Command      string            `toml:"command" yaml:"command"`
	Args         []string          `toml:"args" yaml:"args"` // empty = "run --host H --port P"
	Host         string            `toml:"host" yaml:"host"`
	Port         int               `toml:"port" yaml:"port"`
	WorkDir      string            `toml:"work_dir" yaml:"work_dir"`
	App          string            `toml:"app" yaml:"app"`   // FLASK_APP
	Mode         string            `toml:"mode" yaml:"mode"` // FLASK_ENV
	Env          map[string]string `toml:"env" yaml:"env"`
	Exec         bool              `toml:"exec" yaml:"exec"`
	ReadyTimeout Duration          `toml:"ready_timeout" yaml:"ready_timeout"`
}

// ReadinessConfig controls how the orchestrator settles between stages.
type ReadinessConfig struct {
	Mode           string   `toml:"mode" yaml:"mode"` // probe, sleep
	Strict         bool     `toml:"strict" yaml:"strict"`
	DisplayTimeout Duration `toml:"display_timeout" yaml:"display_timeout"`
	AudioTimeout   Duration `toml:"audio_timeout" yaml:"audio_timeout"`
	DisplaySettle  Duration `toml:"display_settle" yaml:"display_settle"`
	AudioSettle    Duration `toml:"audio_settle" yaml:"audio_settle"`
	ReapSettle     Duration `toml:"reap_settle" yaml:"reap_settle"`
}

// LoggingConfig configures the launcher's own logger.
type LoggingConfig struct {
	Format  string `toml:"format" yaml:"format"` // auto, json, text
	Level   string `toml:"level" yaml:"level"`
	Verbose bool   `toml:"verbose" yaml:"verbose"`
}

// Readiness modes.
const (
	ReadinessProbe = "probe"
	ReadinessSleep = "sleep"
)

// Display conflict policies.
const (
	ConflictReuse = "reuse"
	ConflictFail  = "fail"
)

// DefaultConfig returns a Config with the container defaults.
func DefaultConfig() *Config {
	return &Config{
		Display: DisplayConfig{
			Binary:     "Xvfb",
			Target:     ":99",
			Width:      1024,
			Height:     768,
			Depth:      24,
			SocketDir:  "/tmp/.X11-unix",
			LockDir:    "/tmp",
			OnConflict: ConflictReuse,
		},
		Audio: AudioConfig{
			Binary:    "pulseaudio",
			CtlBinary: "pactl",
			SinkIndex: "0",
		},
		Workspace: WorkspaceConfig{
			Dirs: []string{"/app/app/static/uploads", "/app/app/static/uploads/segments"},
			Mode: 0o777,
		},
		Reaper: ReaperConfig{
			ProcessName: "audacity",
			Grace:       Duration(3 * time.Second),
		},
		Service: ServiceConfig{
			Command:      "flask",
			Host:         "0.0.0.0",
			Port:         5000,
			WorkDir:      "/app",
			App:          "app.main",
			Mode:         "development",
			ReadyTimeout: Duration(30 * time.Second),
		},
		Readiness: ReadinessConfig{
			Mode:           ReadinessProbe,
			Strict:         true,
			DisplayTimeout: Duration(10 * time.Second),
			AudioTimeout:   Duration(10 * time.Second),
			DisplaySettle:  Duration(2 * time.Second),
			AudioSettle:    Duration(2 * time.Second),
			ReapSettle:     Duration(1 * time.Second),
		},
		Logging: LoggingConfig{
			Format: "auto",
			Level:  "info",
		},
		LockPath: "/tmp/headless-launcher.lock",
	}
}

// ServiceArgs returns the argument list for the service command.
func (c *Config) ServiceArgs() []string {
	if len(c.Service.Args) > 0 {
		return c.Service.Args
	}
	return []string{"run", "--host", c.Service.Host, "--port", strconv.Itoa(c.Service.Port)}
}

// ServiceAddr returns the host:port the service binds.
func (c *Config) ServiceAddr() string {
	return net.JoinHostPort(c.Service.Host, strconv.Itoa(c.Service.Port))
}

// Duration is a time.Duration that reads "5s"-style strings from config files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// FileMode is an os.FileMode written as an octal string ("0777") in config files.
type FileMode os.FileMode

// Perm returns the permission bits.
func (m FileMode) Perm() os.FileMode { return os.FileMode(m).Perm() }

func (m FileMode) String() string { return fmt.Sprintf("%#o", uint32(m)) }

// MarshalText implements encoding.TextMarshaler.
func (m FileMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *FileMode) UnmarshalText(text []byte) error {
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(string(text))), "0o")
	v, err := strconv.ParseUint(raw, 8, 32)
	if err != nil {
		return fmt.Errorf("invalid file mode %q: %w", text, err)
	}
	*m = FileMode(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *FileMode) UnmarshalYAML(node *yaml.Node) error {
	return m.UnmarshalText([]byte(node.Value))
}
