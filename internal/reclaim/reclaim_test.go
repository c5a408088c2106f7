package reclaim

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLock(t *testing.T, dir string, pid int) {
	t.Helper()
	target := fmt.Sprintf("testhost-%d", pid)
	require.NoError(t, os.Symlink(target, filepath.Join(dir, singletonLock)))
}

func TestInspectNoLock(t *testing.T) {
	r := New()
	holder, err := r.Inspect(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestInspectParsesPID(t *testing.T) {
	dir := t.TempDir()
	writeLock(t, dir, os.Getpid())

	r := New()
	holder, err := r.Inspect(dir)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, os.Getpid(), holder.PID)
	assert.Equal(t, "testhost", holder.Hostname)
}

func TestKillOrphansForDeadPIDRemovesStaleLocksWithoutCountingAKill(t *testing.T) {
	dir := t.TempDir()
	// A PID that is almost certainly not alive.
	writeLock(t, dir, 1<<30)
	require.NoError(t, os.WriteFile(filepath.Join(dir, singletonSocket), []byte(""), 0o644))

	r := New()
	killed, err := r.KillOrphansFor(dir, false)
	require.NoError(t, err)
	assert.Equal(t, 0, killed, "no process was alive to kill, only a stale lock was swept")

	_, err = os.Lstat(filepath.Join(dir, singletonLock))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, singletonSocket))
	assert.True(t, os.IsNotExist(err))
}

func TestKillOrphansForLiveHolderWithForceCountsTheKill(t *testing.T) {
	dir := t.TempDir()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	writeLock(t, dir, cmd.Process.Pid)

	r := New()
	killed, err := r.KillOrphansFor(dir, true)
	require.NoError(t, err)
	assert.Equal(t, 1, killed)
	assert.False(t, IsAlive(cmd.Process.Pid))
}

func TestHasLiveHolderWithOwnPID(t *testing.T) {
	dir := t.TempDir()
	writeLock(t, dir, os.Getpid())

	r := New()
	alive, err := r.HasLiveHolder(dir)
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestKillOrphansForLiveHolderWithoutForceNoOps(t *testing.T) {
	dir := t.TempDir()
	writeLock(t, dir, os.Getpid())

	r := New()
	killed, err := r.KillOrphansFor(dir, false)
	require.NoError(t, err)
	assert.Equal(t, 0, killed)

	_, err = os.Lstat(filepath.Join(dir, singletonLock))
	assert.NoError(t, err)
}
