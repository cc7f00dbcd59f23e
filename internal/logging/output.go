package logging

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single output line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the maximum number of lines kept per process.
	MaxBufferedLines = 100
)

// OutputHandler handles stdout/stderr of a background process (Xvfb, pulseaudio, the service).
// It buffers recent lines for failure diagnostics and logs them.
type OutputHandler struct {
	source  string
	logger  *slog.Logger
	verbose bool

	// Circular buffer for recent lines
	buffer []string
	bufIdx int
	mu     sync.Mutex
}

// NewOutputHandler creates a new output handler for the named process.
func NewOutputHandler(source string, logger *slog.Logger, verbose bool) *OutputHandler {
	if logger == nil {
		logger = Discard()
	}
	return &OutputHandler{
		source:  source,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// HandleReader reads from an io.Reader and processes each line until EOF.
// Lines longer than MaxLineLength are cut and the rest of the line dropped.
// The reader is always drained so a writing process never sees a closed pipe.
// This should be run in a goroutine.
func (h *OutputHandler) HandleReader(r io.Reader) {
	br := bufio.NewReaderSize(r, MaxLineLength)
	var line []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 {
				h.HandleLine(string(line))
			}
			if err != io.EOF {
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}
		if room := MaxLineLength + 1 - len(line); room > 0 {
			line = append(line, chunk[:min(len(chunk), room)]...)
		}
		if isPrefix {
			continue
		}
		h.HandleLine(string(line))
		line = line[:0]
	}
}

// HandleLine processes a single line of output.
func (h *OutputHandler) HandleLine(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.mu.Unlock()

	h.logLine(line)
}

// logLine logs the line at appropriate level based on content.
func (h *OutputHandler) logLine(line string) {
	level := h.classifyLine(line)

	// In non-verbose mode, only log warnings and errors
	if !h.verbose && level == slog.LevelDebug {
		return
	}

	h.logger.Log(context.Background(), level, "process_output",
		"source", h.source,
		"line", line,
	)
}

// classifyLine determines the log level for a line based on content.
func (h *OutputHandler) classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	// Xvfb prefixes errors with (EE), pulseaudio with "E: ["
	if strings.Contains(line, "(EE)") ||
		strings.HasPrefix(line, "E: [") ||
		strings.Contains(lower, "fatal") ||
		strings.Contains(lower, "address already in use") ||
		strings.Contains(lower, "error") && strings.Contains(lower, "failed") {
		return slog.LevelWarn
	}

	if strings.Contains(line, "(WW)") ||
		strings.HasPrefix(line, "W: [") ||
		strings.Contains(lower, "warning") {
		return slog.LevelWarn
	}

	return slog.LevelDebug
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *OutputHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}

	lines := make([]string, 0, n)

	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		if h.buffer[idx] != "" {
			lines = append(lines, h.buffer[idx])
		}
	}

	return lines
}

// ErrorPatterns are startup failure signatures of the managed daemons.
var ErrorPatterns = []string{
	"Fatal server error",
	"Server is already active for display",
	"Cannot establish any listening sockets",
	"(EE)",
	"Daemon startup failed",
	"Failed to create secure directory",
	"Address already in use",
}

// CountErrors counts occurrences of error patterns in the buffer.
func (h *OutputHandler) CountErrors() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]int)

	for _, line := range h.buffer {
		if line == "" {
			continue
		}
		for _, pattern := range ErrorPatterns {
			if strings.Contains(line, pattern) {
				counts[pattern]++
			}
		}
	}

	return counts
}
