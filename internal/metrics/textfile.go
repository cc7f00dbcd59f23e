package metrics

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-headless-launcher/internal/logging"
)

// TextfileWriter writes a registry to a node_exporter textfile-collector file.
type TextfileWriter struct {
	path     string
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewTextfileWriter creates a writer. An empty path disables writing.
func NewTextfileWriter(path string, gatherer prometheus.Gatherer, logger *slog.Logger) *TextfileWriter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &TextfileWriter{
		path:     path,
		gatherer: gatherer,
		logger:   logger,
	}
}

// Enabled reports whether a path is configured.
func (w *TextfileWriter) Enabled() bool {
	return w.path != ""
}

// Write renders the current metrics. WriteToTextfile writes a temp file and
// renames it, so the collector never reads a partial file.
func (w *TextfileWriter) Write() error {
	if !w.Enabled() {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(w.path, w.gatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	w.logger.Debug("metrics_textfile_written", "path", w.path)
	return nil
}

// Path returns the target file.
func (w *TextfileWriter) Path() string {
	return w.path
}
