// Package logmgr manages each supervised program's combined stdout/stderr log.
// Rotation here cannot use lumberjack's rename-then-recreate scheme: a child
// process holds its stdout fd open in append mode for its entire lifetime, and
// renaming the file out from under that fd would silently orphan future writes
// into a file nothing ever reads again. Instead logmgr copies the current
// content to a numbered backup and truncates the original in place, so the
// child's fd keeps writing into the same inode across a rotation.
package logmgr

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	DefaultMaxSizeBytes = 10 * 1024 * 1024 // 10 MB
	DefaultMaxBackups   = 3
)

// Options configures rotation behavior for a program's log.
type Options struct {
	MaxSizeBytes int64
	MaxBackups   int
}

func (o Options) withDefaults() Options {
	if o.MaxSizeBytes <= 0 {
		o.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if o.MaxBackups <= 0 {
		o.MaxBackups = DefaultMaxBackups
	}
	return o
}

// Manager owns one open log file per program name and rotates it in place
// when it grows past the configured size. Safe for concurrent use.
type Manager struct {
	dir string
	opt Options

	mu    sync.Mutex
	files map[string]*managedLog
}

type managedLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
	opt  Options
}

func New(dir string, opt Options) *Manager {
	return &Manager{dir: dir, opt: opt.withDefaults(), files: make(map[string]*managedLog)}
}

func (m *Manager) pathFor(name string) string {
	return filepath.Join(m.dir, name+".log")
}

// Open returns the append-mode writer for name, opening (and creating) it on
// first use. The returned io.WriteCloser wraps size tracking so writes trigger
// rotation transparently; callers should pass it directly to exec.Cmd.Stdout.
func (m *Manager) Open(name string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ml, ok := m.files[name]; ok {
		return ml, nil
	}

	if err := os.MkdirAll(m.dir, 0o750); err != nil {
		return nil, fmt.Errorf("logmgr: create log dir: %w", err)
	}
	path := m.pathFor(name)
	// Read-write, since rotation copies the current content back out of f.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("logmgr: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("logmgr: stat %s: %w", path, err)
	}
	ml := &managedLog{path: path, f: f, size: info.Size(), opt: m.opt}
	m.files[name] = ml
	return ml, nil
}

// Close closes and forgets the writer for name, if open.
func (m *Manager) Close(name string) error {
	m.mu.Lock()
	ml, ok := m.files[name]
	delete(m.files, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return ml.f.Close()
}

func (ml *managedLog) Write(p []byte) (int, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	n, err := ml.f.Write(p)
	ml.size += int64(n)
	if err != nil {
		return n, err
	}
	if ml.size >= ml.opt.MaxSizeBytes {
		if rerr := ml.rotateLocked(); rerr != nil {
			return n, rerr
		}
	}
	return n, nil
}

func (ml *managedLog) Close() error {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return ml.f.Close()
}

// rotateLocked copies the file's current bytes to a numbered backup, then
// truncates the live file to zero length and seeks the write offset back to 0.
// Callers must hold ml.mu.
func (ml *managedLog) rotateLocked() error {
	if _, err := ml.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("logmgr: seek for rotation: %w", err)
	}
	shiftBackups(ml.path, ml.opt.MaxBackups)
	backupPath := ml.path + ".1"
	backup, err := os.OpenFile(backupPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("logmgr: open backup %s: %w", backupPath, err)
	}
	if _, err := io.Copy(backup, ml.f); err != nil {
		_ = backup.Close()
		return fmt.Errorf("logmgr: copy to backup: %w", err)
	}
	if err := backup.Close(); err != nil {
		return fmt.Errorf("logmgr: close backup: %w", err)
	}
	if err := ml.f.Truncate(0); err != nil {
		return fmt.Errorf("logmgr: truncate: %w", err)
	}
	if _, err := ml.f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("logmgr: seek after truncate: %w", err)
	}
	ml.size = 0
	return nil
}

// shiftBackups renames path.N to path.N+1 for existing backups, walking from
// the highest number down so no rename clobbers a file not yet moved.
// Anything that would land beyond maxBackups is discarded. Called before
// path.1 is overwritten with the log's current content, so the backup that
// was path.1 survives as path.2.
func shiftBackups(path string, maxBackups int) {
	for n := maxBackups; n >= 1; n-- {
		src := fmt.Sprintf("%s.%d", path, n)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if n+1 > maxBackups {
			_ = os.Remove(src)
			continue
		}
		dst := fmt.Sprintf("%s.%d", path, n+1)
		_ = os.Rename(src, dst)
	}
}

// Page is the result of a paginated log read.
type Page struct {
	Lines      []string
	Offset     int   // the offset actually served (clamped, see Read)
	TotalLines int
	TotalBytes int64
	Rotated    bool // true if the requested offset had to be clamped to the final page
}

// Read returns up to maxLines lines starting at line offset (0-based, counted
// from the start of the file) from the combined log for name. If offset
// exceeds the current line count — typically because the file was rotated out
// from under a client mid-pagination — the final page is returned instead and
// Rotated is set, per the tolerant-of-rotation contract.
func Read(dir, name string, offset, maxLines int) (Page, error) {
	if maxLines <= 0 {
		maxLines = 100
	}
	path := filepath.Join(dir, name+".log")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Page{}, nil
		}
		return Page{}, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return Page{}, err
	}

	var all []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return Page{}, err
	}

	total := len(all)
	if offset < 0 {
		offset = 0
	}
	page := Page{TotalLines: total, TotalBytes: info.Size(), Offset: offset}
	if offset >= total {
		// Tolerant of rotation: serve the final page instead of an empty one.
		page.Rotated = offset > 0 && total > 0
		start := total - maxLines
		if start < 0 {
			start = 0
		}
		page.Lines = all[start:total]
		page.Offset = start
		return page, nil
	}
	end := offset + maxLines
	if end > total {
		end = total
	}
	page.Lines = all[offset:end]
	return page, nil
}

// Backups lists existing rotated backup files for name, sorted by file name,
// so name.log.1 (the most recent backup) comes first.
func Backups(dir, name string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	prefix := name + ".log."
	var backups []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			if _, err := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix)); err == nil {
				backups = append(backups, e.Name())
			}
		}
	}
	sort.Strings(backups)
	return backups, nil
}
