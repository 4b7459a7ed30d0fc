package launcher

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses unix commands")
	}
}

func TestLaunchResolvesBeforeWindowElapses(t *testing.T) {
	requireUnix(t)
	l := NewProcessLauncher("sleep", []string{"10"}, t.TempDir(), 30*time.Second, nil)

	start := time.Now()
	res, err := l.Launch(context.Background(), &LaunchRequest{
		ExecutionID: "exec-settle",
		Branch:      "ralph/settle",
		Prompt:      "do the thing",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotZero(t, res.AgentPID)
	assert.NotEmpty(t, res.AgentTaskID)
	assert.Less(t, time.Since(start), 10*time.Second,
		"a settled child must not hold the worker for the full window")
}

func TestLaunchReportsImmediateExitFailure(t *testing.T) {
	requireUnix(t)
	l := NewProcessLauncher("sh", []string{"-c", "exit 3"}, t.TempDir(), 5*time.Second, nil)

	res, err := l.Launch(context.Background(), &LaunchRequest{
		ExecutionID: "exec-crash",
		Branch:      "ralph/crash",
		Prompt:      "boom",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "exited during startup")
	assert.NotEmpty(t, res.LogPath)
}

func TestLaunchTreatsCleanEarlyExitAsSuccess(t *testing.T) {
	requireUnix(t)
	l := NewProcessLauncher("true", nil, t.TempDir(), 5*time.Second, nil)

	res, err := l.Launch(context.Background(), &LaunchRequest{
		ExecutionID: "exec-quick",
		Branch:      "ralph/quick",
		Prompt:      "noop",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestLaunchRejectsMissingWorktree(t *testing.T) {
	requireUnix(t)
	l := NewProcessLauncher("true", nil, t.TempDir(), 5*time.Second, nil)

	res, err := l.Launch(context.Background(), &LaunchRequest{
		ExecutionID:  "exec-lost",
		Branch:       "ralph/lost",
		Prompt:       "noop",
		WorktreePath: filepath.Join(t.TempDir(), "gone"),
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "worktree missing")
}
