// Package persist implements the supervisor's reattach snapshot (§4.7): a
// small `pids.json` document mapping program name to its last known
// (pid, started_at, state), written atomically on every transition into or
// out of the running state. It is never treated as a journal — a corrupt or
// unreadable snapshot is dropped and the supervisor continues with an empty
// one, grounded on the teacher's write-temp-then-rename PID file discipline
// (internal/process/pidfile.go) generalized from one process to the whole fleet.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is the minimum state needed to reattach to a still-running child.
type Entry struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	State     string    `json:"state"`
}

// Snapshot is the on-disk document shape: name -> Entry.
type Snapshot map[string]Entry

// Store owns the snapshot file at path and serialises writes to it.
type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the snapshot file. A missing, unreadable, or malformed file is
// treated as an empty snapshot rather than an error, per §4.7 ("corruption =
// drop and continue with empty snapshot").
func (s *Store) Load() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() Snapshot {
	if s.path == "" {
		return Snapshot{}
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return Snapshot{}
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}
	}
	if snap == nil {
		snap = Snapshot{}
	}
	return snap
}

// Save atomically overwrites the snapshot file with snap (write-temp, fsync,
// rename). A nil or empty snap still writes an empty document so stale
// entries from a previous run don't linger.
func (s *Store) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(snap)
}

func (s *Store) saveLocked(snap Snapshot) error {
	if s.path == "" {
		return nil
	}
	if snap == nil {
		snap = Snapshot{}
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("persist: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".pids-*.json.tmp")
	if err != nil {
		return fmt.Errorf("persist: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("persist: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("persist: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("persist: rename: %w", err)
	}
	return nil
}

// Put updates snap[entry.Name] = entry, holding s.mu across the whole
// read-modify-write so two programs transitioning concurrently (e.g. a
// scheduled restart racing an HTTP-driven start of another program) can never
// interleave their Load/Save and silently drop each other's entry.
func (s *Store) Put(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.loadLocked()
	snap[entry.Name] = entry
	return s.saveLocked(snap)
}

// Delete removes name from the snapshot, if present, under the same
// whole-operation lock as Put.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.loadLocked()
	if _, ok := snap[name]; !ok {
		return nil
	}
	delete(snap, name)
	return s.saveLocked(snap)
}
