package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLockAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")
	lock := newFileLock(path, 30*time.Second, 5*time.Second, nil)

	release, err := lock.Acquire()
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)

	release()
	_, statErr = os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	// Double release is a no-op.
	release()
}

func TestFileLockHeldByLiveWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")
	first := newFileLock(path, 30*time.Second, 5*time.Second, nil)
	second := newFileLock(path, 30*time.Second, 5*time.Second, nil)

	release, err := first.Acquire()
	require.NoError(t, err)
	defer release()

	_, err = second.Acquire()
	assert.ErrorIs(t, err, errLockHeld)
}

func TestFileLockReclaimsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")

	// A lock left behind by a dead writer, last refreshed a minute ago.
	stale := lockPayload{
		PID:         999999,
		Hostname:    "dead-host",
		AcquiredAt:  time.Now().Add(-2 * time.Minute),
		RefreshedAt: time.Now().Add(-time.Minute),
	}
	data, err := json.Marshal(&stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	lock := newFileLock(path, 30*time.Second, 5*time.Second, nil)
	release, err := lock.Acquire()
	require.NoError(t, err)
	release()
}

func TestFileLockCorruptIsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	lock := newFileLock(path, 30*time.Second, 5*time.Second, nil)
	release, err := lock.Acquire()
	require.NoError(t, err)
	release()
}

func TestFileLockFreshIsNotReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")

	fresh := lockPayload{
		PID:         999999,
		Hostname:    "other-host",
		AcquiredAt:  time.Now(),
		RefreshedAt: time.Now(),
	}
	data, err := json.Marshal(&fresh)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	lock := newFileLock(path, 30*time.Second, 5*time.Second, nil)
	_, err = lock.Acquire()
	assert.ErrorIs(t, err, errLockHeld)
}
