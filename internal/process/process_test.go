package process

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSleeper(t *testing.T, name string, seconds int) (*Process, func()) {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), name+".log")
	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)

	pidFile := filepath.Join(t.TempDir(), name+".pid")
	p := New(Spec{Name: name, Argv: []string{"/bin/sleep", strconv.Itoa(seconds)}, PIDFile: pidFile})
	cmd := p.ConfigureCmd(nil, out)
	require.NoError(t, p.TryStart(cmd))
	return p, func() { _ = p.Kill() }
}

func TestProcess_StartWritesPIDFileAndIsAlive(t *testing.T) {
	p, cleanup := startSleeper(t, "a", 30)
	defer cleanup()

	alive, via := p.DetectAlive()
	assert.True(t, alive)
	assert.NotEmpty(t, via)

	snap := p.Snapshot()
	assert.True(t, snap.Running)
	assert.NotZero(t, snap.PID)

	pid, meta, err := ReadPIDFileWithMeta(p.spec.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, snap.PID, pid)
	require.NotNil(t, meta)
	assert.InDelta(t, snap.StartedAt.Unix(), meta.StartUnix, 2)
}

func TestProcess_StopGracefulKillsProcessGroup(t *testing.T) {
	p, _ := startSleeper(t, "b", 30)
	pid := p.Snapshot().PID

	err := p.Stop(2 * time.Second)
	assert.NoError(t, err)

	alive, _ := p.DetectAlive()
	assert.False(t, alive)
	assert.False(t, ProcessExists(pid))
}

func TestProcess_StopIsIdempotentOnDeadProcess(t *testing.T) {
	p, _ := startSleeper(t, "c", 30)
	require.NoError(t, p.Stop(2*time.Second))
	// Already dead: a second Stop call must not block or error.
	assert.NoError(t, p.Stop(2*time.Second))
}

func TestProcess_WatchExitFiresOnceOnNaturalExit(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "d.log")
	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)

	p := New(Spec{Name: "d", Argv: []string{"/bin/sh", "-c", "exit 7"}})
	cmd := p.ConfigureCmd(nil, out)
	require.NoError(t, p.TryStart(cmd))

	done := make(chan error, 1)
	p.WatchExit(func(err error) { done <- err })

	select {
	case err := <-done:
		assert.Error(t, err, "exit code 7 should surface as a non-nil error")
	case <-time.After(3 * time.Second):
		t.Fatal("WatchExit never fired")
	}

	snap := p.Snapshot()
	assert.False(t, snap.Running)
}

func TestProcess_AdoptExternal_DetectAliveByPID(t *testing.T) {
	p, cleanup := startSleeper(t, "e", 30)
	pid := p.Snapshot().PID
	cleanup()
	require.Eventually(t, func() bool { return !ProcessExists(pid) }, 2*time.Second, 10*time.Millisecond)

	adopted := New(Spec{Name: "e-adopted"})
	adopted.AdoptExternal(pid, time.Now())
	alive, _ := adopted.DetectAlive()
	assert.False(t, alive, "adopted process must report dead once the underlying PID is gone")
}
