package audio

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-headless-launcher/internal/config"
	"github.com/randomizedcoder/go-headless-launcher/internal/process"
	"github.com/randomizedcoder/go-headless-launcher/internal/readiness"
	"github.com/randomizedcoder/go-headless-launcher/internal/stage"
)

const twoSinks = "0\talsa_output.pci.analog-stereo\tmodule-alsa-card.c\ts16le 2ch 44100Hz\tSUSPENDED\n" +
	"1\tauto_null\tmodule-null-sink.c\ts16le 2ch 44100Hz\tIDLE\n"

func writeStub(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// fakePactl writes a control utility that answers `list short sinks` with
// sinks, records every invocation to a log, and exits setExit on set-default-sink.
func fakePactl(t *testing.T, sinks string, setExit int) (binary, log string) {
	t.Helper()
	dir := t.TempDir()
	log = filepath.Join(dir, "calls")
	sinksFile := filepath.Join(dir, "sinks")
	require.NoError(t, os.WriteFile(sinksFile, []byte(sinks), 0o644))

	body := `echo "$@" >> ` + log + `
case "$1" in
  info) exit 0 ;;
  list) cat ` + sinksFile + ` ;;
  set-default-sink) exit ` + strconv.Itoa(setExit) + ` ;;
esac`
	return writeStub(t, "pactl", body), log
}

func calls(t *testing.T, log string) []string {
	t.Helper()
	data, err := os.ReadFile(log)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestParseSinks(t *testing.T) {
	sinks := ParseSinks([]byte(twoSinks + "\n   \n"))

	require.Len(t, sinks, 2)
	assert.Equal(t, Sink{Index: "0", Name: "alsa_output.pci.analog-stereo"}, sinks[0])
	assert.Equal(t, Sink{Index: "1", Name: "auto_null"}, sinks[1])
}

func TestParseSinks_Empty(t *testing.T) {
	assert.Empty(t, ParseSinks(nil))
}

func TestSpec(t *testing.T) {
	cfg := config.DefaultConfig()
	env := process.NewEnv()
	env.Set("DISPLAY", ":99")
	s := New(cfg.Audio, cfg.Readiness, env, nil, false)

	spec := s.Spec()
	assert.Equal(t, "pulseaudio", spec.Path)
	assert.Equal(t, []string{"--daemonize=no", "--exit-idle-time=-1"}, spec.Args)
	assert.Contains(t, spec.Env, "DISPLAY=:99")
	assert.False(t, spec.InheritOutput)
}

func TestSpec_InheritedOutput(t *testing.T) {
	cfg := config.DefaultConfig()
	s := New(cfg.Audio, cfg.Readiness, process.NewEnv(), nil, false, WithInheritedOutput(true))

	assert.True(t, s.Spec().InheritOutput)
}

func TestRun_StartsDaemon(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Audio.Binary = writeStub(t, "pulseaudio", "exec sleep 30")
	s := New(cfg.Audio, cfg.Readiness, process.NewEnv(), nil, false)

	res := s.Run(context.Background())
	require.NoError(t, res.Err)
	defer func() { _, _ = process.Terminate(context.Background(), s.Daemon().Pid(), time.Second) }()

	assert.Equal(t, stage.OutcomeApplied, res.Outcome)
	assert.Equal(t, "audio", res.Stage)
}

func TestRun_MissingBinary(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Audio.Binary = "/nonexistent/pulseaudio"
	s := New(cfg.Audio, cfg.Readiness, process.NewEnv(), nil, false)

	res := s.Run(context.Background())
	assert.Equal(t, stage.OutcomeFailed, res.Outcome)
	assert.Error(t, res.Err)
	assert.Nil(t, s.Daemon())
}

func TestSettle_ProbeReady(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Audio.CtlBinary, _ = fakePactl(t, twoSinks, 0)
	s := New(cfg.Audio, cfg.Readiness, process.NewEnv(), nil, false)

	_, err := s.Settle(context.Background())
	assert.NoError(t, err)
}

func TestSettle_ProbeTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Audio.CtlBinary = writeStub(t, "pactl", "echo 'Connection failure: Connection refused' >&2; exit 1")
	cfg.Readiness.AudioTimeout = config.Duration(150 * time.Millisecond)
	s := New(cfg.Audio, cfg.Readiness, process.NewEnv(), nil, false)

	_, err := s.Settle(context.Background())

	var te *readiness.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "audio", te.Probe)
}

func TestSettle_DaemonExitsEarly(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Audio.Binary = writeStub(t, "pulseaudio", "echo 'E: [pulseaudio] main.c: Daemon startup failed.' >&2; exit 1")
	cfg.Audio.CtlBinary = writeStub(t, "pactl", "exit 1")
	s := New(cfg.Audio, cfg.Readiness, process.NewEnv(), nil, false)

	require.Equal(t, stage.OutcomeApplied, s.Run(context.Background()).Outcome)

	_, err := s.Settle(context.Background())
	assert.ErrorIs(t, err, readiness.ErrProcessExited)
}

func TestSettle_SleepMode(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Readiness.Mode = config.ReadinessSleep
	cfg.Readiness.AudioSettle = config.Duration(10 * time.Millisecond)
	s := New(cfg.Audio, cfg.Readiness, process.NewEnv(), nil, false)

	waited, err := s.Settle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, waited)
}

func TestSinkSelector(t *testing.T) {
	tests := []struct {
		name      string
		sinks     string
		index     string
		setExit   int
		want      stage.Outcome
		wantErr   bool
		wantCalls []string
	}{
		{
			name:      "index present",
			sinks:     twoSinks,
			index:     "0",
			want:      stage.OutcomeApplied,
			wantCalls: []string{"list short sinks", "set-default-sink 0"},
		},
		{
			name:      "name present",
			sinks:     twoSinks,
			index:     "auto_null",
			want:      stage.OutcomeApplied,
			wantCalls: []string{"list short sinks", "set-default-sink auto_null"},
		},
		{
			name:      "index absent",
			sinks:     twoSinks,
			index:     "7",
			want:      stage.OutcomeNoop,
			wantCalls: []string{"list short sinks"},
		},
		{
			name:      "no sinks",
			sinks:     "",
			index:     "0",
			want:      stage.OutcomeNoop,
			wantCalls: []string{"list short sinks"},
		},
		{
			name:      "set fails",
			sinks:     twoSinks,
			index:     "0",
			setExit:   1,
			want:      stage.OutcomeFailed,
			wantErr:   true,
			wantCalls: []string{"list short sinks", "set-default-sink 0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			binary, log := fakePactl(t, tt.sinks, tt.setExit)
			cfg.Audio.CtlBinary = binary
			cfg.Audio.SinkIndex = tt.index

			res := NewSinkSelector(cfg.Audio, process.NewEnv(), nil).Run(context.Background())

			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, "sink", res.Stage)
			if tt.wantErr {
				assert.Error(t, res.Err)
			} else {
				assert.NoError(t, res.Err)
			}
			assert.Equal(t, tt.wantCalls, calls(t, log))
		})
	}
}

func TestSinkSelector_ListFails(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Audio.CtlBinary = "/nonexistent/pactl"

	res := NewSinkSelector(cfg.Audio, process.NewEnv(), nil).Run(context.Background())

	assert.Equal(t, stage.OutcomeFailed, res.Outcome)
	assert.Error(t, res.Err)
}
