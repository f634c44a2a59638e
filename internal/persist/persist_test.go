package persist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsEmptySnapshot(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "pids.json"))
	assert.Empty(t, s.Load())
}

func TestLoad_CorruptFileReturnsEmptySnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pids.json")
	require.NoError(t, os.WriteFile(path, []byte("{not valid json"), 0o644))

	s := New(path)
	assert.Empty(t, s.Load())
}

func TestSaveThenLoad_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pids.json")
	s := New(path)
	started := time.Now().UTC().Truncate(time.Second)
	snap := Snapshot{
		"web": {Name: "web", PID: 4242, StartedAt: started, State: "running"},
	}
	require.NoError(t, s.Save(snap))

	loaded := s.Load()
	require.Contains(t, loaded, "web")
	assert.Equal(t, 4242, loaded["web"].PID)
	assert.True(t, loaded["web"].StartedAt.Equal(started))
}

func TestPut_AddsEntryWithoutDisturbingOthers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pids.json")
	s := New(path)
	require.NoError(t, s.Put(Entry{Name: "a", PID: 1, State: "running"}))
	require.NoError(t, s.Put(Entry{Name: "b", PID: 2, State: "running"}))

	snap := s.Load()
	assert.Len(t, snap, 2)
	assert.Equal(t, 1, snap["a"].PID)
	assert.Equal(t, 2, snap["b"].PID)
}

func TestDelete_RemovesEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pids.json")
	s := New(path)
	require.NoError(t, s.Put(Entry{Name: "a", PID: 1, State: "running"}))
	require.NoError(t, s.Delete("a"))

	assert.Empty(t, s.Load())
}

func TestDelete_MissingNameIsNoop(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "pids.json"))
	assert.NoError(t, s.Delete("ghost"))
}

func TestSave_EmptyPathIsNoop(t *testing.T) {
	s := New("")
	assert.NoError(t, s.Save(Snapshot{"a": {Name: "a"}}))
	assert.Empty(t, s.Load())
}
