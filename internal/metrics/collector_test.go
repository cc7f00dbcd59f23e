package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/randomizedcoder/go-headless-launcher/internal/stage"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestCollector() *Collector {
	return NewCollector(CollectorConfig{Version: "test", RunID: "run-1"})
}

// gatherFamily returns the named metric family from the collector's registry.
func gatherFamily(t *testing.T, c *Collector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// =============================================================================
// Tests: NewCollector
// =============================================================================

func TestNewCollector_Info(t *testing.T) {
	c := newTestCollector()

	mf := gatherFamily(t, c, "headless_launcher_info")
	if len(mf.GetMetric()) != 1 {
		t.Fatalf("info series = %d, want 1", len(mf.GetMetric()))
	}
	m := mf.GetMetric()[0]
	if labelValue(m, "version") != "test" || labelValue(m, "run_id") != "run-1" {
		t.Errorf("info labels = %v", m.GetLabel())
	}
	if m.GetGauge().GetValue() != 1 {
		t.Errorf("info value = %v, want 1", m.GetGauge().GetValue())
	}
}

func TestNewCollector_Baselines(t *testing.T) {
	c := newTestCollector()

	if got := testutil.ToFloat64(c.serviceExitCode); got != -1 {
		t.Errorf("service_exit_code = %v, want -1", got)
	}
	for _, sig := range []string{"SIGTERM", "SIGKILL"} {
		if got := testutil.ToFloat64(c.reapedTotal.WithLabelValues(sig)); got != 0 {
			t.Errorf("reaped_processes_total{signal=%s} = %v, want 0", sig, got)
		}
	}
}

func TestNewCollector_IndependentRegistries(t *testing.T) {
	// Two collectors must not collide on registration.
	a := newTestCollector()
	b := newTestCollector()
	a.RecordReaped(1, 0)

	if got := testutil.ToFloat64(b.reapedTotal.WithLabelValues("SIGTERM")); got != 0 {
		t.Errorf("second collector saw %v reaped, want 0", got)
	}
}

// =============================================================================
// Tests: Recording
// =============================================================================

func TestCollector_RecordStage(t *testing.T) {
	tests := []struct {
		name    string
		result  stage.Result
		wantDur float64
	}{
		{
			name:    "applied",
			result:  stage.Result{Stage: "display", Outcome: stage.OutcomeApplied, Duration: 1500 * time.Millisecond},
			wantDur: 1.5,
		},
		{
			name:    "noop",
			result:  stage.Result{Stage: "reap", Outcome: stage.OutcomeNoop, Duration: 0},
			wantDur: 0,
		},
		{
			name:    "failed",
			result:  stage.Result{Stage: "sink", Outcome: stage.OutcomeFailed, Duration: 20 * time.Millisecond, Err: errors.New("x")},
			wantDur: 0.02,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCollector()
			c.RecordStage(tt.result)

			if got := testutil.ToFloat64(c.stageDuration.WithLabelValues(tt.result.Stage)); got != tt.wantDur {
				t.Errorf("stage_duration_seconds = %v, want %v", got, tt.wantDur)
			}
			for _, o := range stage.Outcomes {
				want := 0.0
				if o == tt.result.Outcome {
					want = 1
				}
				if got := testutil.ToFloat64(c.stageOutcome.WithLabelValues(tt.result.Stage, o.String())); got != want {
					t.Errorf("stage_outcome{outcome=%s} = %v, want %v", o, got, want)
				}
			}
		})
	}
}

func TestCollector_ResultsAndSummary(t *testing.T) {
	c := newTestCollector()
	c.RecordStage(stage.Result{Stage: "display", Outcome: stage.OutcomeApplied})
	c.RecordStage(stage.Result{Stage: "audio", Outcome: stage.OutcomeApplied})
	c.RecordStage(stage.Result{Stage: "sink", Outcome: stage.OutcomeNoop})

	results := c.Results()
	if len(results) != 3 || results[0].Stage != "display" || results[2].Stage != "sink" {
		t.Errorf("Results() = %v", results)
	}

	summary := c.Summary()
	if summary["applied"] != 2 || summary["noop"] != 1 {
		t.Errorf("Summary() = %v", summary)
	}
}

func TestCollector_RecordReaped(t *testing.T) {
	c := newTestCollector()
	c.RecordReaped(2, 1)
	c.RecordReaped(1, 0)

	if got := testutil.ToFloat64(c.reapedTotal.WithLabelValues("SIGTERM")); got != 3 {
		t.Errorf("SIGTERM = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.reapedTotal.WithLabelValues("SIGKILL")); got != 1 {
		t.Errorf("SIGKILL = %v, want 1", got)
	}
}

func TestCollector_RecordReadinessAndServiceExit(t *testing.T) {
	c := newTestCollector()
	c.RecordReadiness("display", 250*time.Millisecond)
	c.RecordServiceExit(143, 2*time.Second)
	c.RecordDaemonErrors("xvfb", 2)

	if got := testutil.ToFloat64(c.readinessWait.WithLabelValues("display")); got != 0.25 {
		t.Errorf("readiness_wait_seconds = %v, want 0.25", got)
	}
	if got := testutil.ToFloat64(c.serviceExitCode); got != 143 {
		t.Errorf("service_exit_code = %v, want 143", got)
	}
	if got := testutil.ToFloat64(c.serviceUptime); got != 2 {
		t.Errorf("service_uptime_seconds = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.daemonOutputError.WithLabelValues("xvfb")); got != 2 {
		t.Errorf("daemon_error_lines = %v, want 2", got)
	}
}

func TestExitCategory(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{0, "success"},
		{1, "error"},
		{128, "error"},
		{143, "signal_15"},
		{137, "signal_9"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := ExitCategory(tt.code); got != tt.want {
				t.Errorf("ExitCategory(%d) = %q, want %q", tt.code, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Tests: TextfileWriter
// =============================================================================

func TestTextfileWriter_Disabled(t *testing.T) {
	w := NewTextfileWriter("", newTestCollector().Registry(), nil)
	if w.Enabled() {
		t.Error("Enabled() = true with empty path")
	}
	if err := w.Write(); err != nil {
		t.Errorf("Write() error = %v", err)
	}
}

func TestTextfileWriter_Write(t *testing.T) {
	c := newTestCollector()
	c.RecordStage(stage.Result{Stage: "display", Outcome: stage.OutcomeReused, Duration: time.Second})

	path := filepath.Join(t.TempDir(), "textfile", "headless_launcher.prom")
	w := NewTextfileWriter(path, c.Registry(), nil)

	if err := w.Write(); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if w.Path() != path {
		t.Errorf("Path() = %q", w.Path())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	text := string(data)
	for _, want := range []string{
		`headless_launcher_stage_outcome{outcome="reused",stage="display"} 1`,
		`headless_launcher_stage_duration_seconds{stage="display"} 1`,
		`headless_launcher_info{run_id="run-1",version="test"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("textfile missing %q", want)
		}
	}

	// Rewrites replace the file.
	c.RecordServiceExit(0, time.Second)
	if err := w.Write(); err != nil {
		t.Fatalf("second Write() error = %v", err)
	}
	data, _ = os.ReadFile(path)
	if !strings.Contains(string(data), "headless_launcher_service_exit_code 0") {
		t.Error("second write did not update service_exit_code")
	}
}
