// Package stage defines the result every startup step reports.
package stage

import (
	"context"
	"time"
)

// Outcome represents what a stage actually did.
type Outcome int

const (
	// OutcomeApplied means the stage changed something (started a daemon, created a directory).
	OutcomeApplied Outcome = iota

	// OutcomeNoop means the stage succeeded without needing to act.
	OutcomeNoop

	// OutcomeReused means an existing resource was adopted (a display already running).
	OutcomeReused

	// OutcomeFailed means the stage attempted its work and failed.
	OutcomeFailed

	// OutcomeSkipped means the stage did not run (disabled or aborted run).
	OutcomeSkipped
)

// Outcomes lists every outcome, for metric label initialisation.
var Outcomes = []Outcome{OutcomeApplied, OutcomeNoop, OutcomeReused, OutcomeFailed, OutcomeSkipped}

// String returns a human-readable name for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeNoop:
		return "noop"
	case OutcomeReused:
		return "reused"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// IsSuccess returns true for outcomes that leave the stage's postcondition satisfied.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeApplied || o == OutcomeNoop || o == OutcomeReused
}

// Result is a stage's report to the orchestrator.
type Result struct {
	Stage    string
	Outcome  Outcome
	Duration time.Duration
	Err      error

	// Detail is a short human summary ("2 terminated, 1 killed").
	Detail string
}

// Stage is one step of the startup sequence.
type Stage interface {
	Name() string
	Run(ctx context.Context) Result
}
