// Package registry maintains the set of declared programs: load from and
// persist to progs.yaml, with atomic write-temp-then-rename writes so a crash
// mid-save can never corrupt the document, grounded on the teacher's config
// loader idiom of one document describing the full program list.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrNameConflict    = errors.New("name already registered")
	ErrNotFound        = errors.New("program not found")
	ErrBusy            = errors.New("program is running")
	ErrBadDeclaration  = errors.New("bad declaration")
	ErrUnsafeName      = errors.New("unsafe program name")
)

// Kind mirrors spawn.Kind without importing it, keeping the registry
// independent of how invocations get resolved.
type Kind string

const (
	KindPython Kind = "python"
	KindNode   Kind = "node"
	KindExec   Kind = "exec"
)

// Program is a persisted declaration, per the `progs.yaml` schema.
type Program struct {
	Name        string   `yaml:"name"`
	Kind        Kind     `yaml:"type,omitempty"`
	Script      string   `yaml:"script,omitempty"`
	Module      string   `yaml:"module,omitempty"`
	Enabled     bool     `yaml:"enabled"`
	Uploaded    bool     `yaml:"uploaded"`
	Venv        string   `yaml:"venv,omitempty"`
	Cwd         string   `yaml:"cwd,omitempty"`
	Args        []string `yaml:"args,omitempty"`
	Environment []string `yaml:"environment,omitempty"`
	Comment     string   `yaml:"comment,omitempty"`
}

type document struct {
	Programs []Program `yaml:"programs"`
}

// Patch describes a partial edit to an existing Program; nil fields are left
// unchanged.
type Patch struct {
	Kind        *Kind
	Script      *string
	Module      *string
	Enabled     *bool
	Venv        *string
	Cwd         *string
	Args        *[]string
	Environment *[]string
	Comment     *string
}

// IsRunningFunc reports whether a program is currently outside the
// {stopped, error} states, used to enforce the Busy rule on remove.
type IsRunningFunc func(name string) bool

// Registry holds the in-memory set of declarations and persists it to path.
type Registry struct {
	path      string
	isRunning IsRunningFunc

	mu       sync.RWMutex
	byName   map[string]Program
	order    []string // preserves declaration order for persistence
}

// Load reads path if it exists, or starts empty if it doesn't.
func Load(path string, isRunning IsRunningFunc) (*Registry, error) {
	r := &Registry{path: path, isRunning: isRunning, byName: make(map[string]Program)}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", path, err)
	}
	for _, p := range doc.Programs {
		if err := validate(p); err != nil {
			continue // missing/invalid fields fail load for that program only
		}
		r.byName[p.Name] = p
		r.order = append(r.order, p.Name)
	}
	return r, nil
}

func validate(p Program) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrBadDeclaration)
	}
	if !safeName(p.Name) {
		return fmt.Errorf("%w: %s", ErrUnsafeName, p.Name)
	}
	hasScript := p.Script != ""
	hasModule := p.Module != ""
	if hasScript == hasModule {
		return fmt.Errorf("%w: %s needs exactly one of script/module", ErrBadDeclaration, p.Name)
	}
	if hasModule && p.Kind != KindPython && p.Kind != "" {
		return fmt.Errorf("%w: %s: module requires kind=python", ErrBadDeclaration, p.Name)
	}
	return nil
}

func safeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

// SetIsRunning binds the running-state predicate after construction, since
// the supervisor that can answer it is itself built from a loaded Registry.
func (r *Registry) SetIsRunning(fn IsRunningFunc) {
	r.mu.Lock()
	r.isRunning = fn
	r.mu.Unlock()
}

// List returns all declarations in declaration order.
func (r *Registry) List() []Program {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Program, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Get returns the declaration for name.
func (r *Registry) Get(name string) (Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	if !ok {
		return Program{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

// Add inserts a new declaration, failing with ErrNameConflict if name exists.
func (r *Registry) Add(p Program) error {
	if err := validate(p); err != nil {
		return err
	}
	r.mu.Lock()
	if _, exists := r.byName[p.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNameConflict, p.Name)
	}
	r.byName[p.Name] = p
	r.order = append(r.order, p.Name)
	r.mu.Unlock()
	return r.persist()
}

// Edit applies patch to the declaration named name. Permitted in any run
// state; changes to script/module/kind/venv/cwd only affect the next start.
func (r *Registry) Edit(name string, patch Patch) (Program, error) {
	r.mu.Lock()
	p, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return Program{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	applyPatch(&p, patch)
	if err := validate(p); err != nil {
		r.mu.Unlock()
		return Program{}, err
	}
	r.byName[name] = p
	r.mu.Unlock()
	if err := r.persist(); err != nil {
		return Program{}, err
	}
	return p, nil
}

func applyPatch(p *Program, patch Patch) {
	if patch.Kind != nil {
		p.Kind = *patch.Kind
	}
	if patch.Script != nil {
		p.Script = *patch.Script
		p.Module = ""
	}
	if patch.Module != nil {
		p.Module = *patch.Module
		p.Script = ""
	}
	if patch.Enabled != nil {
		p.Enabled = *patch.Enabled
	}
	if patch.Venv != nil {
		p.Venv = *patch.Venv
	}
	if patch.Cwd != nil {
		p.Cwd = *patch.Cwd
	}
	if patch.Args != nil {
		p.Args = *patch.Args
	}
	if patch.Environment != nil {
		p.Environment = *patch.Environment
	}
	if patch.Comment != nil {
		p.Comment = *patch.Comment
	}
}

// Remove deletes the declaration named name. Fails with ErrBusy unless the
// program is currently stopped or in the error state.
func (r *Registry) Remove(name string) error {
	if r.isRunning != nil && r.isRunning(name) {
		return fmt.Errorf("%w: %s", ErrBusy, name)
	}
	r.mu.Lock()
	if _, ok := r.byName[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.byName, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	return r.persist()
}

// persist writes the current document atomically: write to a temp file in the
// same directory, fsync, then rename over the target.
func (r *Registry) persist() error {
	if r.path == "" {
		return nil
	}
	r.mu.RLock()
	doc := document{Programs: make([]Program, 0, len(r.order))}
	for _, name := range r.order {
		doc.Programs = append(doc.Programs, r.byName[name])
	}
	r.mu.RUnlock()

	b, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("registry: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".progs-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("registry: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("registry: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("registry: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: close temp: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("registry: rename: %w", err)
	}
	return nil
}

// SortedNames returns all declared names in sorted order, for deterministic
// iteration (e.g. dashboard listings that don't care about insertion order).
func (r *Registry) SortedNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
