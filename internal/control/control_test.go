package control

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procwatch/procwatch/internal/env"
	"github.com/procwatch/procwatch/internal/installer"
	"github.com/procwatch/procwatch/internal/logmgr"
	"github.com/procwatch/procwatch/internal/persist"
	"github.com/procwatch/procwatch/internal/registry"
	"github.com/procwatch/procwatch/internal/spawn"
	"github.com/procwatch/procwatch/internal/supervisor"
)

func newTestController(t *testing.T) (*Controller, string) {
	t.Helper()
	dir := t.TempDir()
	logDir := filepath.Join(dir, "log")
	uploadRoot := filepath.Join(dir, "uploaded_programs")

	reg, err := registry.Load(filepath.Join(dir, "progs.yaml"), nil)
	require.NoError(t, err)
	lm := logmgr.New(logDir, logmgr.Options{})
	store := persist.New(filepath.Join(dir, "pids.json"))
	sup := supervisor.New(supervisor.Config{}, reg, lm, store, nil, nil, env.New(), spawn.Options{ConfigDir: dir}, nil)
	reg.SetIsRunning(sup.IsRunning)
	pool := installer.NewPool(installer.Options{UploadRoot: uploadRoot}, lm, 2)

	return New(reg, sup, pool, logDir, uploadRoot), dir
}

func TestController_AddAndStatus(t *testing.T) {
	c, dir := newTestController(t)
	script := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 30\n"), 0o755))

	require.NoError(t, c.Add(AddRequest{Name: "svc", Kind: registry.KindExec, Script: script, Enabled: false, Comment: "demo"}))

	view, err := c.Status("svc")
	require.NoError(t, err)
	assert.Equal(t, "stopped", view.State)
	assert.Equal(t, "demo", view.Comment)
	assert.False(t, view.Uploaded)
}

func TestController_AddDuplicateNameConflict(t *testing.T) {
	c, dir := newTestController(t)
	script := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 30\n"), 0o755))
	require.NoError(t, c.Add(AddRequest{Name: "svc", Kind: registry.KindExec, Script: script}))
	err := c.Add(AddRequest{Name: "svc", Kind: registry.KindExec, Script: script})
	assert.ErrorIs(t, err, ErrNameConflict)
}

func TestController_StartStopRemove(t *testing.T) {
	c, dir := newTestController(t)
	script := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 30\n"), 0o755))
	require.NoError(t, c.Add(AddRequest{Name: "svc", Kind: registry.KindExec, Script: script}))

	require.NoError(t, c.Start("svc"))
	view, err := c.Status("svc")
	require.NoError(t, err)
	assert.Equal(t, "running", view.State)
	assert.Greater(t, view.PID, 0)

	// Busy: can't remove while running.
	err = c.Remove("svc")
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, c.Stop("svc"))
	require.NoError(t, c.Remove("svc"))

	_, err = c.Status("svc")
	assert.Error(t, err)
}

func TestController_ReadLogs_UnknownProgram(t *testing.T) {
	c, _ := newTestController(t)
	_, err := c.ReadLogs("ghost", 0, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestController_ReadLogs_AfterAppend(t *testing.T) {
	c, dir := newTestController(t)
	script := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho hello\nsleep 30\n"), 0o755))
	require.NoError(t, c.Add(AddRequest{Name: "svc", Kind: registry.KindExec, Script: script}))
	require.NoError(t, c.Start("svc"))
	t.Cleanup(func() { _ = c.Stop("svc") })

	var page logmgr.Page
	require.Eventually(t, func() bool {
		var err error
		page, err = c.ReadLogs("svc", 0, 100)
		if err != nil {
			return false
		}
		// The supervisor's own banner lines share this log, so wait for the
		// child's output itself rather than for any line.
		for _, l := range page.Lines {
			if l == "hello" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, page.Lines, "hello")
}

func TestController_UpdateRejectsNonUploadedProgram(t *testing.T) {
	c, dir := newTestController(t)
	script := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 30\n"), 0o755))
	require.NoError(t, c.Add(AddRequest{Name: "svc", Kind: registry.KindExec, Script: script}))

	err := c.Update("svc", nil)
	assert.ErrorIs(t, err, ErrBadDeclaration)
}
