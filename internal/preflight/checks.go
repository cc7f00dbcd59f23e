// Package preflight provides startup validation checks.
package preflight

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-headless-launcher/internal/config"
	"github.com/randomizedcoder/go-headless-launcher/internal/service"
)

// minFileDescriptors is the soft limit below which the service may run out of fds.
const minFileDescriptors = 1024

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Status returns the check's status symbol.
func (c Check) Status() string {
	switch {
	case !c.Passed:
		return "✗"
	case c.Warning:
		return "⚠"
	default:
		return "✓"
	}
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", c.Status(), c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", c.Status(), c.Name, c.Message)
}

// Warnings returns the checks that passed with a warning.
func (r *Result) Warnings() []Check {
	var out []Check
	for _, c := range r.Checks {
		if c.Passed && c.Warning {
			out = append(out, c)
		}
	}
	return out
}

// Failures returns the checks that failed.
func (r *Result) Failures() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// RunAll executes all preflight checks. Only a missing service command or a
// busy service port fail; everything else degrades to a warning because the
// stages themselves tolerate those problems.
func RunAll(cfg *config.Config) *Result {
	result := &Result{
		Checks: make([]Check, 0, 8),
		Passed: true,
	}

	result.add(checkBinary("xvfb", cfg.Display.Binary, false))
	result.add(checkBinary("pulseaudio", cfg.Audio.Binary, false))
	result.add(checkBinary("pactl", cfg.Audio.CtlBinary, false))
	result.add(checkBinary("service_command", cfg.Service.Command, true))
	result.add(checkFileDescriptors())
	result.add(checkServicePort(cfg.ServiceAddr()))
	result.add(checkWorkspace(cfg.Workspace.Dirs))

	return result
}

// checkBinary verifies a command resolves on PATH.
func checkBinary(name, command string, required bool) Check {
	command = strings.TrimSpace(command)
	path, err := exec.LookPath(command)
	if command != "" && err == nil {
		return Check{
			Name:    name,
			Passed:  true,
			Message: "found at " + path,
		}
	}

	msg := fmt.Sprintf("binary %q not found", command)
	if command == "" {
		msg = "command not configured"
	}
	return Check{
		Name:    name,
		Passed:  !required,
		Warning: !required,
		Message: msg,
	}
}

// checkFileDescriptors warns when the soft fd limit is low.
func checkFileDescriptors() Check {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}

	actual := int(limit.Cur)
	return Check{
		Name:     "file_descriptors",
		Required: minFileDescriptors,
		Actual:   actual,
		Passed:   true,
		Warning:  actual < minFileDescriptors,
		Message:  fmt.Sprintf("ulimit -n %d (recommend %d)", actual, minFileDescriptors),
	}
}

// checkServicePort fails when something already listens on the service address.
func checkServicePort(addr string) Check {
	if err := service.CheckBind(addr); err != nil {
		return Check{
			Name:    "service_port",
			Passed:  false,
			Message: err.Error(),
		}
	}
	return Check{
		Name:    "service_port",
		Passed:  true,
		Message: addr + " is free",
	}
}

// checkWorkspace warns when a workspace directory neither exists nor has a
// writable ancestor to create it under.
func checkWorkspace(dirs []string) Check {
	var problems []string
	for _, dir := range dirs {
		ancestor := nearestExisting(dir)
		if err := unix.Access(ancestor, unix.W_OK|unix.X_OK); err != nil {
			problems = append(problems, fmt.Sprintf("%s (%s not writable)", dir, ancestor))
		}
	}
	if len(problems) > 0 {
		return Check{
			Name:    "workspace",
			Passed:  true,
			Warning: true,
			Message: strings.Join(problems, "; "),
		}
	}
	return Check{
		Name:    "workspace",
		Passed:  true,
		Message: fmt.Sprintf("%d directories can be prepared", len(dirs)),
	}
}

// nearestExisting walks up from path to the first directory that exists.
func nearestExisting(path string) string {
	for p := filepath.Clean(path); ; p = filepath.Dir(p) {
		if _, err := os.Stat(p); err == nil || !errors.Is(err, fs.ErrNotExist) {
			return p
		}
		if p == filepath.Dir(p) {
			return p
		}
	}
}

// PrintResults writes the preflight check results as a table.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	fmt.Fprintln(w, Render(result))
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed or warning check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 4096 (or set nofile in the container runtime)"
	case "xvfb":
		return "install xvfb (apt install xvfb)"
	case "pulseaudio", "pactl":
		return "install pulseaudio and pulseaudio-utils"
	case "service_command":
		return "install the service (pip install flask) or set service.command"
	case "service_port":
		return "stop the process using the port or set service.port"
	case "workspace":
		return "mount a writable volume or change workspace.dirs"
	default:
		return "see documentation"
	}
}
