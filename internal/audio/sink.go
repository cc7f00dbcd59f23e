package audio

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/randomizedcoder/go-headless-launcher/internal/config"
	"github.com/randomizedcoder/go-headless-launcher/internal/logging"
	"github.com/randomizedcoder/go-headless-launcher/internal/process"
	"github.com/randomizedcoder/go-headless-launcher/internal/stage"
)

// ctlTimeout bounds each control-utility call.
const ctlTimeout = 5 * time.Second

// Sink is one line of `pactl list short sinks`.
type Sink struct {
	Index string
	Name  string
}

// ParseSinks parses `pactl list short sinks` output: tab-separated index,
// name, driver, sample spec, state.
func ParseSinks(out []byte) []Sink {
	var sinks []Sink
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		sinks = append(sinks, Sink{Index: fields[0], Name: fields[1]})
	}
	return sinks
}

// SinkSelector sets the default output sink. It never fails the run:
// a missing sink is a no-op and a failing command is reported as failed.
type SinkSelector struct {
	cfg    config.AudioConfig
	env    *process.Env
	logger *slog.Logger
}

// NewSinkSelector creates the sink selection stage.
func NewSinkSelector(cfg config.AudioConfig, env *process.Env, logger *slog.Logger) *SinkSelector {
	if logger == nil {
		logger = logging.Discard()
	}
	return &SinkSelector{
		cfg:    cfg,
		env:    env,
		logger: logger.With("stage", "sink"),
	}
}

// Name implements stage.Stage.
func (s *SinkSelector) Name() string { return "sink" }

// Run implements stage.Stage.
func (s *SinkSelector) Run(ctx context.Context) stage.Result {
	start := time.Now()
	res := s.run(ctx)
	res.Stage = s.Name()
	res.Duration = time.Since(start)

	switch res.Outcome {
	case stage.OutcomeFailed:
		s.logger.Warn("sink_selection_failed", "sink", s.cfg.SinkIndex, "error", res.Err)
	case stage.OutcomeNoop:
		s.logger.Warn("sink_not_found", "sink", s.cfg.SinkIndex, "detail", res.Detail)
	default:
		s.logger.Info("sink_selected", "sink", s.cfg.SinkIndex)
	}
	return res
}

func (s *SinkSelector) run(ctx context.Context) stage.Result {
	ctx, cancel := context.WithTimeout(ctx, ctlTimeout)
	defer cancel()

	out, err := process.Output(ctx, ctlSpec(s.cfg.CtlBinary, s.env, "list", "short", "sinks"))
	if err != nil {
		return stage.Result{Outcome: stage.OutcomeFailed, Err: fmt.Errorf("list sinks: %w", err)}
	}

	sinks := ParseSinks(out)
	if !hasSink(sinks, s.cfg.SinkIndex) {
		return stage.Result{
			Outcome: stage.OutcomeNoop,
			Detail:  fmt.Sprintf("%d sinks available", len(sinks)),
		}
	}

	if _, err := process.Output(ctx, ctlSpec(s.cfg.CtlBinary, s.env, "set-default-sink", s.cfg.SinkIndex)); err != nil {
		return stage.Result{Outcome: stage.OutcomeFailed, Err: fmt.Errorf("set default sink: %w", err)}
	}
	return stage.Result{Outcome: stage.OutcomeApplied, Detail: "default sink " + s.cfg.SinkIndex}
}

// hasSink matches by index or by name; set-default-sink accepts either.
func hasSink(sinks []Sink, want string) bool {
	for _, sk := range sinks {
		if sk.Index == want || sk.Name == want {
			return true
		}
	}
	return false
}
