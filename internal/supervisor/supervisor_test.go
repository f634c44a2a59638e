package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procwatch/procwatch/internal/env"
	"github.com/procwatch/procwatch/internal/logmgr"
	"github.com/procwatch/procwatch/internal/persist"
	"github.com/procwatch/procwatch/internal/registry"
	"github.com/procwatch/procwatch/internal/spawn"
)

func newTestSupervisor(t *testing.T, cfg Config) (*Supervisor, *registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Load(filepath.Join(dir, "progs.yaml"), nil)
	require.NoError(t, err)
	lm := logmgr.New(filepath.Join(dir, "log"), logmgr.Options{})
	store := persist.New(filepath.Join(dir, "pids.json"))
	sup := New(cfg, reg, lm, store, nil, nil, env.New(), spawn.Options{ConfigDir: dir}, nil)
	reg.SetIsRunning(sup.IsRunning)
	return sup, reg, dir
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o755))
	return p
}

// S1 — crash-restart-backoff: a program that exits 1 immediately runs out its
// budget of consecutive failures and lands in broken with no further spawns.
func TestSupervisor_CrashRestartBackoff_ReachesBroken(t *testing.T) {
	sup, reg, dir := newTestSupervisor(t, Config{
		DelaySeconds:           0,
		MaxConsecutiveFailures: 3,
		FailureResetSeconds:    60,
	})
	script := writeScript(t, dir, "fail.sh", "#!/bin/sh\nexit 1\n")
	require.NoError(t, reg.Add(registry.Program{Name: "A", Kind: registry.KindExec, Script: script, Enabled: true}))

	require.NoError(t, sup.Start("A"))

	require.Eventually(t, func() bool {
		info, err := sup.Status("A")
		return err == nil && info.State == StateBroken
	}, 5*time.Second, 10*time.Millisecond)

	info, err := sup.Status("A")
	require.NoError(t, err)
	assert.Equal(t, 3, info.ConsecutiveFailures)
	assert.Equal(t, 0, info.PID)

	// No further spawn happens once broken: starting again is the only way out.
	time.Sleep(50 * time.Millisecond)
	info, err = sup.Status("A")
	require.NoError(t, err)
	assert.Equal(t, StateBroken, info.State)

	// Manual restart resets the counter and is legal from broken.
	require.NoError(t, sup.Start("A"))
	require.Eventually(t, func() bool {
		info, err := sup.Status("A")
		return err == nil && info.State == StateBroken
	}, 5*time.Second, 10*time.Millisecond)
	info, err = sup.Status("A")
	require.NoError(t, err)
	assert.Equal(t, 3, info.ConsecutiveFailures)
}

func TestSupervisor_StartStop_Idempotent(t *testing.T) {
	sup, reg, dir := newTestSupervisor(t, Config{GracefulTimeout: time.Second})
	script := writeScript(t, dir, "sleep.sh", "#!/bin/sh\nsleep 30\n")
	require.NoError(t, reg.Add(registry.Program{Name: "B", Kind: registry.KindExec, Script: script, Enabled: true}))

	require.NoError(t, sup.Start("B"))
	info, err := sup.Status("B")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, info.State)
	assert.NotZero(t, info.PID)

	require.NoError(t, sup.Stop("B"))
	info, err = sup.Status("B")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, info.State)
	assert.Zero(t, info.PID)

	// Idempotent: stopping an already-stopped program is a no-op success.
	require.NoError(t, sup.Stop("B"))
}

func TestSupervisor_Start_IllegalFromRunning(t *testing.T) {
	sup, reg, dir := newTestSupervisor(t, Config{GracefulTimeout: time.Second})
	script := writeScript(t, dir, "sleep.sh", "#!/bin/sh\nsleep 30\n")
	require.NoError(t, reg.Add(registry.Program{Name: "C", Kind: registry.KindExec, Script: script, Enabled: true}))
	require.NoError(t, sup.Start("C"))
	t.Cleanup(func() { _ = sup.Stop("C") })

	err := sup.Start("C")
	assert.ErrorIs(t, err, ErrBadState)
}

// S2 — a run that stays alive past failure_reset_seconds resets the counter
// rather than accumulating toward broken.
func TestSupervisor_StableRun_ResetsFailureCounter(t *testing.T) {
	sup, reg, dir := newTestSupervisor(t, Config{
		DelaySeconds:           0,
		MaxConsecutiveFailures: 10,
		FailureResetSeconds:    1,
		MonitorInterval:        20 * time.Millisecond,
	})
	script := writeScript(t, dir, "flap.sh", "#!/bin/sh\nsleep 1.2\nexit 1\n")
	require.NoError(t, reg.Add(registry.Program{Name: "D", Kind: registry.KindExec, Script: script, Enabled: true}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Run(ctx)
	t.Cleanup(sup.Shutdown)

	require.NoError(t, sup.Start("D"))

	require.Eventually(t, func() bool {
		info, err := sup.Status("D")
		return err == nil && info.State == StateRestarting
	}, 5*time.Second, 10*time.Millisecond)

	info, err := sup.Status("D")
	require.NoError(t, err)
	assert.Equal(t, 1, info.ConsecutiveFailures, "first crash after a long run counts as one failure")

	// The second run outlives failure_reset_seconds, so its crash counts as one
	// failure again instead of two.
	require.Eventually(t, func() bool {
		info, err := sup.Status("D")
		return err == nil && info.State == StateRunning
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		info, err := sup.Status("D")
		return err == nil && info.State == StateRestarting
	}, 5*time.Second, 10*time.Millisecond)
	info, err = sup.Status("D")
	require.NoError(t, err)
	assert.Equal(t, 1, info.ConsecutiveFailures, "counter was reset during the stable second run")
}

func TestSupervisor_RemoveEntry_ClearsState(t *testing.T) {
	sup, reg, dir := newTestSupervisor(t, Config{})
	script := writeScript(t, dir, "sleep.sh", "#!/bin/sh\nsleep 30\n")
	require.NoError(t, reg.Add(registry.Program{Name: "E", Kind: registry.KindExec, Script: script, Enabled: true}))
	require.NoError(t, sup.Start("E"))
	require.NoError(t, sup.Stop("E"))
	require.NoError(t, reg.Remove("E"))
	sup.RemoveEntry("E")

	_, err := sup.Status("E")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyReattach_RejectsDeadPID(t *testing.T) {
	// An obviously-impossible PID should never verify as reattachable.
	ok := verifyReattach(persist.Entry{Name: "x", PID: 1 << 30, StartedAt: time.Now()})
	assert.False(t, ok)
}
