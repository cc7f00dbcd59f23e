package service

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-headless-launcher/internal/config"
	"github.com/randomizedcoder/go-headless-launcher/internal/logging"
	"github.com/randomizedcoder/go-headless-launcher/internal/process"
)

func writeStub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flask")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T, command string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Service.Command = command
	cfg.Service.Host = "127.0.0.1"
	cfg.Service.Port = freePort(t)
	cfg.Service.WorkDir = t.TempDir()
	cfg.Service.ReadyTimeout = config.Duration(200 * time.Millisecond)
	return cfg
}

// noSignals keeps tests from subscribing to real OS signals.
func noSignals(chan<- os.Signal) func() { return func() {} }

func TestSpec_Defaults(t *testing.T) {
	cfg := config.DefaultConfig()
	env := process.NewEnv()
	env.Set("DISPLAY", ":99")

	spec := New(cfg, env, nil).Spec()

	assert.Equal(t, "flask", spec.Path)
	assert.Equal(t, []string{"run", "--host", "0.0.0.0", "--port", "5000"}, spec.Args)
	assert.Equal(t, "/app", spec.Dir)
	assert.Contains(t, spec.Env, "DISPLAY=:99")
	assert.Contains(t, spec.Env, "FLASK_APP=app.main")
	assert.Contains(t, spec.Env, "FLASK_ENV=development")
}

func TestSpec_ExtraEnvDoesNotLeakIntoShared(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Service.Env = map[string]string{"PYTHONUNBUFFERED": "1"}
	env := process.NewEnv()

	spec := New(cfg, env, nil).Spec()

	assert.Contains(t, spec.Env, "PYTHONUNBUFFERED=1")
	_, ok := env.Get(EnvApp)
	assert.False(t, ok, "service variables must not be written to the shared overlay")
}

func TestCheckBind(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	err = CheckBind(ln.Addr().String())
	var be *BindError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ln.Addr().String(), be.Addr)

	assert.NoError(t, CheckBind("127.0.0.1:0"))
}

func TestRun_ReturnsExitCode(t *testing.T) {
	cfg := testConfig(t, writeStub(t, "exit 3"))

	code, err := New(cfg, process.NewEnv(), nil, WithSignalSource(noSignals)).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestRun_RunsInWorkDirWithEnv(t *testing.T) {
	cfg := testConfig(t, writeStub(t, `[ "$FLASK_APP" = "app.main" ] && [ "$DISPLAY" = ":99" ] && [ "$(pwd)" = "$EXPECT_DIR" ]`))
	cfg.Service.Env = map[string]string{"EXPECT_DIR": cfg.Service.WorkDir}
	env := process.NewEnv()
	env.Set("DISPLAY", ":99")

	code, err := New(cfg, env, nil, WithSignalSource(noSignals)).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestRun_LogsEnvOverlay(t *testing.T) {
	cfg := testConfig(t, writeStub(t, "exit 0"))
	env := process.NewEnv()
	env.Set("DISPLAY", ":99")
	var buf bytes.Buffer

	_, err := New(cfg, env, logging.NewLoggerWithWriter(&buf, "text", "info"), WithSignalSource(noSignals)).Run(context.Background())

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "env_overlay=[DISPLAY]")
}

func TestRun_BindFailure(t *testing.T) {
	cfg := testConfig(t, writeStub(t, "exit 0"))
	ln, err := net.Listen("tcp", cfg.ServiceAddr())
	require.NoError(t, err)
	defer ln.Close()

	code, err := New(cfg, process.NewEnv(), nil, WithSignalSource(noSignals)).Run(context.Background())

	var be *BindError
	assert.ErrorAs(t, err, &be)
	assert.Equal(t, 1, code)
}

func TestRun_MissingCommand(t *testing.T) {
	cfg := testConfig(t, "/nonexistent/flask")

	code, err := New(cfg, process.NewEnv(), nil, WithSignalSource(noSignals)).Run(context.Background())

	assert.Error(t, err)
	assert.Equal(t, 1, code)
}

func TestRun_ForwardsSignals(t *testing.T) {
	cfg := testConfig(t, writeStub(t, "exec sleep 30"))

	source := func(c chan<- os.Signal) func() {
		go func() {
			time.Sleep(100 * time.Millisecond)
			c <- syscall.SIGTERM
		}()
		return func() {}
	}

	done := make(chan struct{})
	var code int
	var err error
	go func() {
		code, err = New(cfg, process.NewEnv(), nil, WithSignalSource(source)).Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("service did not exit after forwarded SIGTERM")
	}
	require.NoError(t, err)
	assert.Equal(t, 128+int(syscall.SIGTERM), code)
}

func TestRun_ExecMode(t *testing.T) {
	cfg := testConfig(t, writeStub(t, "exit 0"))
	cfg.Service.Exec = true

	wd, err := os.Getwd()
	require.NoError(t, err)
	defer func() { _ = os.Chdir(wd) }()

	var gotPath string
	var gotArgv, gotEnv []string
	fakeExec := func(path string, argv, env []string) error {
		gotPath, gotArgv, gotEnv = path, argv, env
		return nil
	}

	code, err := New(cfg, process.NewEnv(), nil, WithExec(fakeExec)).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, cfg.Service.Command, gotPath)
	assert.Equal(t, append([]string{cfg.Service.Command}, cfg.ServiceArgs()...), gotArgv)
	assert.Contains(t, gotEnv, "FLASK_ENV=development")
}

func TestRun_ExecModeFailure(t *testing.T) {
	cfg := testConfig(t, writeStub(t, "exit 0"))
	cfg.Service.Exec = true

	wd, err := os.Getwd()
	require.NoError(t, err)
	defer func() { _ = os.Chdir(wd) }()

	boom := errors.New("exec format error")
	code, err := New(cfg, process.NewEnv(), nil, WithExec(func(string, []string, []string) error { return boom })).Run(context.Background())

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, code)
}

func TestDialAddr(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"0.0.0.0:5000", "127.0.0.1:5000"},
		{":5000", "127.0.0.1:5000"},
		{"[::]:5000", "[::1]:5000"},
		{"10.0.0.5:8080", "10.0.0.5:8080"},
		{"garbage", "garbage"},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, DialAddr(tt.addr))
		})
	}
}
