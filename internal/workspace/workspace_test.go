package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-headless-launcher/internal/config"
	"github.com/randomizedcoder/go-headless-launcher/internal/stage"
)

func testDirs(t *testing.T) (string, []string) {
	t.Helper()
	root := t.TempDir()
	uploads := filepath.Join(root, "app", "static", "uploads")
	return root, []string{uploads, filepath.Join(uploads, "segments")}
}

func TestRun_CreatesDirectoriesWithMode(t *testing.T) {
	_, dirs := testDirs(t)
	p := New(config.WorkspaceConfig{Dirs: dirs, Mode: 0o777}, nil)

	res := p.Run(context.Background())

	require.NoError(t, res.Err)
	assert.Equal(t, stage.OutcomeApplied, res.Outcome)
	assert.Equal(t, "workspace", res.Stage)
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		// Exact bits despite the process umask.
		assert.Equal(t, os.FileMode(0o777), info.Mode().Perm(), dir)
	}
}

func TestRun_Idempotent(t *testing.T) {
	_, dirs := testDirs(t)
	p := New(config.WorkspaceConfig{Dirs: dirs, Mode: 0o777}, nil)

	require.Equal(t, stage.OutcomeApplied, p.Run(context.Background()).Outcome)

	res := p.Run(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, stage.OutcomeNoop, res.Outcome)
}

func TestRun_FixesExistingMode(t *testing.T) {
	_, dirs := testDirs(t)
	require.NoError(t, os.MkdirAll(dirs[1], 0o700))
	require.NoError(t, os.Chmod(dirs[0], 0o700))
	require.NoError(t, os.Chmod(dirs[1], 0o700))

	p := New(config.WorkspaceConfig{Dirs: dirs, Mode: 0o755}, nil)
	res := p.Run(context.Background())

	require.NoError(t, res.Err)
	assert.Equal(t, stage.OutcomeApplied, res.Outcome)
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	}
}

func TestRun_PathIsFile(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "uploads")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	p := New(config.WorkspaceConfig{Dirs: []string{file}, Mode: 0o777}, nil)
	res := p.Run(context.Background())

	assert.Equal(t, stage.OutcomeFailed, res.Outcome)
	assert.ErrorContains(t, res.Err, "not a directory")
}

func TestRun_ContinuesAfterFailure(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "blocker")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	good := filepath.Join(root, "good")

	p := New(config.WorkspaceConfig{Dirs: []string{filepath.Join(file, "child"), good}, Mode: 0o777}, nil)
	res := p.Run(context.Background())

	assert.Equal(t, stage.OutcomeFailed, res.Outcome)
	assert.DirExists(t, good)
}

func TestCheck(t *testing.T) {
	_, dirs := testDirs(t)
	cfg := config.WorkspaceConfig{Dirs: dirs, Mode: 0o777}

	assert.Equal(t, []string{"create " + dirs[0], "create " + dirs[1]}, Check(cfg))

	require.Equal(t, stage.OutcomeApplied, New(cfg, nil).Run(context.Background()).Outcome)
	assert.Empty(t, Check(cfg))

	require.NoError(t, os.Chmod(dirs[1], 0o700))
	assert.Equal(t, []string{"chmod 0777 " + dirs[1]}, Check(cfg))
}
