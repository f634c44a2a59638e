// Package installer implements the upload/update pipeline (§4.6): validating
// an uploaded archive, staging it into an isolated directory, building a
// language-specific runtime environment, and streaming every step into the
// program's own log so an operator watching the normal log viewer sees
// install progress. Grounded structurally on the "build a venv, pip install,
// stream output" shape seen in the pack's Python-environment tooling, with
// process spawning and banner streaming reusing internal/process's command
// conventions; archive handling uses the standard library (no third-party
// zip/tar library appears anywhere in the retrieval pack).
package installer

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/procwatch/procwatch/internal/logmgr"
	"github.com/procwatch/procwatch/internal/spawn"
)

var (
	ErrUnsafePath      = errors.New("unsafe archive path")
	ErrArchiveTooLarge = errors.New("archive too large")
	ErrInstallTimeout  = errors.New("install timed out")
	ErrBusy            = errors.New("target directory busy")
)

const (
	DefaultMaxArchiveBytes = 50 * 1024 * 1024
	DefaultInstallTimeout  = 5 * time.Minute
)

// Options configures the pool-wide defaults used by every install.
type Options struct {
	UploadRoot      string        // e.g. <base>/uploaded_programs
	MaxArchiveBytes int64         // default DefaultMaxArchiveBytes
	InstallTimeout  time.Duration // default DefaultInstallTimeout
	PythonPath      string        // interpreter used to create venvs, default "python3"
	NPMPath         string        // default "npm"
}

func (o Options) withDefaults() Options {
	if o.MaxArchiveBytes <= 0 {
		o.MaxArchiveBytes = DefaultMaxArchiveBytes
	}
	if o.InstallTimeout <= 0 {
		o.InstallTimeout = DefaultInstallTimeout
	}
	if o.PythonPath == "" {
		o.PythonPath = "python3"
	}
	if o.NPMPath == "" {
		o.NPMPath = "npm"
	}
	return o
}

// Request describes one install/update run.
type Request struct {
	Name       string
	Kind       spawn.Kind
	Archive    io.Reader
	Update     bool   // true = replace code of an existing uploaded program
	ScriptHint string // relative path of the main script/entrypoint, chmod +x'd for exec kind
}

// Result is returned to the caller once an install finishes (success or not).
type Result struct {
	Name    string
	Dir     string // uploaded_programs/{name}, valid even on failure (left for diagnostics)
	Err     error
	Elapsed time.Duration
}

// Pool runs install pipelines on a bounded set of workers (§5: "bounded pool
// recommended, e.g. 4"), each install holding exclusive access to its own
// program directory for the duration.
type Pool struct {
	opt    Options
	logmgr *logmgr.Manager

	sem chan struct{}
	wg  sync.WaitGroup
}

func NewPool(opt Options, lm *logmgr.Manager, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{opt: opt.withDefaults(), logmgr: lm, sem: make(chan struct{}, workers)}
}

// Submit queues req on the pool and calls onDone exactly once from a worker
// goroutine when the install finishes. Submit itself never blocks the caller:
// the pool slot is acquired inside the worker goroutine, so HTTP upload/update
// endpoints can return "accepted" immediately.
func (p *Pool) Submit(ctx context.Context, req Request, onDone func(Result)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sem <- struct{}{}
		defer func() { <-p.sem }()

		start := time.Now()
		dir, err := p.run(ctx, req)
		res := Result{Name: req.Name, Dir: dir, Err: err, Elapsed: time.Since(start)}
		if onDone != nil {
			onDone(res)
		}
	}()
}

// Wait blocks until every submitted install has completed; used by tests and
// graceful shutdown paths that want to drain the pool.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) targetDir(name string) string {
	return filepath.Join(p.opt.UploadRoot, sanitizeName(name))
}

func (p *Pool) run(ctx context.Context, req Request) (string, error) {
	target := p.targetDir(req.Name)

	if req.Update {
		if _, err := os.Stat(target); err != nil {
			return target, fmt.Errorf("%w: %s has no existing install to update", ErrBusy, req.Name)
		}
	} else if _, err := os.Stat(target); err == nil {
		return target, fmt.Errorf("%w: %s already has an install directory", ErrBusy, req.Name)
	}

	archiveBytes, err := readLimited(req.Archive, p.opt.MaxArchiveBytes)
	if err != nil {
		return target, err
	}
	zr, err := zip.NewReader(bytes.NewReader(archiveBytes), int64(len(archiveBytes)))
	if err != nil {
		return target, fmt.Errorf("installer: open archive: %w", err)
	}
	if err := validateEntries(zr.File); err != nil {
		return target, err
	}

	staging := filepath.Join(p.opt.UploadRoot, ".staging-"+sanitizeName(req.Name)+"-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0o750); err != nil {
		return target, fmt.Errorf("installer: mkdir staging: %w", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	prefix := commonTopLevelDir(zr.File)
	if err := extractAll(zr.File, staging, prefix); err != nil {
		return target, err
	}

	out, openErr := p.logmgr.Open(req.Name)
	if openErr != nil {
		return target, fmt.Errorf("installer: open log: %w", openErr)
	}
	banner(out, "install started (name=%s update=%v)", req.Name, req.Update)

	if err := p.swap(staging, target, req.Update); err != nil {
		banner(out, "install failed during swap: %v", err)
		return target, err
	}

	installCtx, cancel := context.WithTimeout(ctx, p.opt.InstallTimeout)
	defer cancel()

	if err := p.buildEnvironment(installCtx, req, target, out); err != nil {
		banner(out, "install failed: %v", err)
		return target, err
	}

	banner(out, "install finished successfully")
	return target, nil
}

// swap moves the staged directory into place. For a fresh install this is a
// single atomic rename. For an update, the program's existing .venv/
// node_modules are preserved by grafting them from the old directory into the
// staged one before the old directory is discarded, per §4.6 step 3/4.
func (p *Pool) swap(staging, target string, update bool) error {
	if !update {
		if err := os.Rename(staging, target); err != nil {
			return fmt.Errorf("installer: swap into place: %w", err)
		}
		return nil
	}

	for _, preserved := range []string{".venv", "node_modules"} {
		src := filepath.Join(target, preserved)
		if info, err := os.Stat(src); err == nil && info.IsDir() {
			dst := filepath.Join(staging, preserved)
			if err := os.Rename(src, dst); err != nil {
				return fmt.Errorf("installer: preserve %s: %w", preserved, err)
			}
		}
	}
	old := target + ".old-" + uuid.NewString()
	if err := os.Rename(target, old); err != nil {
		return fmt.Errorf("installer: displace old install: %w", err)
	}
	if err := os.Rename(staging, target); err != nil {
		_ = os.Rename(old, target) // best-effort restore
		return fmt.Errorf("installer: swap staged update: %w", err)
	}
	_ = os.RemoveAll(old)
	return nil
}

func (p *Pool) buildEnvironment(ctx context.Context, req Request, dir string, out io.Writer) error {
	switch req.Kind {
	case spawn.KindPython, "":
		venv := filepath.Join(dir, ".venv")
		if _, err := os.Stat(venv); err != nil {
			banner(out, "creating virtualenv at %s", venv)
			if err := p.runStep(ctx, out, dir, p.opt.PythonPath, "-m", "venv", venv); err != nil {
				return err
			}
		}
		reqFile := filepath.Join(dir, "requirements.txt")
		if _, err := os.Stat(reqFile); err == nil {
			pip := filepath.Join(venv, "bin", "pip")
			banner(out, "installing requirements.txt")
			if err := p.runStep(ctx, out, dir, pip, "install", "-r", reqFile); err != nil {
				return err
			}
		}
	case spawn.KindNode:
		pkgFile := filepath.Join(dir, "package.json")
		if _, err := os.Stat(pkgFile); err == nil {
			banner(out, "running npm install")
			if err := p.runStep(ctx, out, dir, p.opt.NPMPath, "install"); err != nil {
				return err
			}
		}
	case spawn.KindExec:
		if req.ScriptHint != "" {
			script := filepath.Join(dir, req.ScriptHint)
			if info, err := os.Stat(script); err == nil {
				_ = os.Chmod(script, info.Mode()|0o111)
			}
		}
	}
	return nil
}

// runStep runs one install subprocess, streaming its combined output into out,
// subject to ctx's deadline. It writes no banners itself; callers write one
// before each step.
func (p *Pool) runStep(ctx context.Context, out io.Writer, dir string, name string, args ...string) error {
	// #nosec G204 -- argv is built entirely from installer-controlled paths, never raw archive content.
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %s", ErrInstallTimeout, name)
	}
	if err != nil {
		return fmt.Errorf("installer: %s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}

func banner(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, "----- installer: %s -----\n", fmt.Sprintf(format, args...))
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	limited := io.LimitReader(r, max+1)
	b, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("installer: read archive: %w", err)
	}
	if int64(len(b)) > max {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrArchiveTooLarge, max)
	}
	return b, nil
}

func validateEntries(files []*zip.File) error {
	for _, f := range files {
		name := f.Name
		if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
			return fmt.Errorf("%w: %s", ErrUnsafePath, name)
		}
		clean := filepath.ToSlash(filepath.Clean(name))
		for _, seg := range strings.Split(clean, "/") {
			if seg == ".." {
				return fmt.Errorf("%w: %s", ErrUnsafePath, name)
			}
		}
	}
	return nil
}

// commonTopLevelDir implements the auto-flatten rule: if every entry in the
// archive shares the same single top-level path component, that component is
// treated as a wrapper directory and stripped during extraction.
func commonTopLevelDir(files []*zip.File) string {
	var top string
	for _, f := range files {
		clean := filepath.ToSlash(filepath.Clean(f.Name))
		component := clean
		if idx := strings.IndexByte(clean, '/'); idx >= 0 {
			component = clean[:idx]
		} else if !f.FileInfo().IsDir() {
			return "" // a top-level file exists alongside dirs; no single wrapper
		}
		if top == "" {
			top = component
		} else if top != component {
			return ""
		}
	}
	return top
}

func extractAll(files []*zip.File, dest, stripPrefix string) error {
	for _, f := range files {
		rel := filepath.ToSlash(filepath.Clean(f.Name))
		if stripPrefix != "" {
			rel = strings.TrimPrefix(rel, stripPrefix+"/")
			if rel == stripPrefix || rel == "" {
				continue
			}
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(filepath.Separator)) && target != filepath.Clean(dest) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return fmt.Errorf("installer: mkdir %s: %w", target, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return fmt.Errorf("installer: mkdir %s: %w", filepath.Dir(target), err)
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("installer: open entry %s: %w", f.Name, err)
	}
	defer func() { _ = src.Close() }()

	mode := f.Mode()
	if mode == 0 {
		mode = 0o640
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o600)
	if err != nil {
		return fmt.Errorf("installer: create %s: %w", target, err)
	}
	defer func() { _ = dst.Close() }()

	// #nosec G110 -- archive size is bounded by readLimited before extraction begins.
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("installer: write %s: %w", target, err)
	}
	return nil
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "program"
	}
	return b.String()
}
