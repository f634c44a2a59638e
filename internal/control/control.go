// Package control implements the thin facade (§4.8) the HTTP layer and CLI
// both call through: Registry + Supervisor + Installer + Log Manager wired
// into one surface, grounded on the teacher's root provisr.go re-export of
// internal/manager behind a simplified public API.
package control

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/procwatch/procwatch/internal/cpusampler"
	"github.com/procwatch/procwatch/internal/installer"
	"github.com/procwatch/procwatch/internal/logmgr"
	"github.com/procwatch/procwatch/internal/registry"
	"github.com/procwatch/procwatch/internal/spawn"
	"github.com/procwatch/procwatch/internal/supervisor"
)

var (
	ErrNameConflict   = registry.ErrNameConflict
	ErrNotFound       = registry.ErrNotFound
	ErrBusy           = registry.ErrBusy
	ErrBadDeclaration = registry.ErrBadDeclaration
)

// StatusView is the facade's per-program status projection (§6.2 JSON shape).
type StatusView struct {
	Name                string
	State               string
	PID                 int
	StartedAt           time.Time
	UptimeSeconds       int64
	ConsecutiveFailures int
	CPUSamples          []cpusampler.Sample
	Kind                registry.Kind
	Enabled             bool
	Uploaded            bool
	Comment             string
}

// AddRequest declares a program with no archive attached.
type AddRequest struct {
	Name        string
	Kind        registry.Kind
	Script      string
	Module      string
	Enabled     bool
	Venv        string
	Cwd         string
	Args        []string
	Environment []string
	Comment     string
}

// UploadRequest declares a program and queues an archive install for it.
type UploadRequest struct {
	Name        string
	Kind        registry.Kind
	Enabled     bool // auto-start once the install finishes
	Venv        string
	Cwd         string
	Args        []string
	Environment []string
	Comment     string
	ScriptHint  string
	Archive     io.Reader
}

// Controller is the single facade the gin router and the cobra CLI both call.
type Controller struct {
	reg        *registry.Registry
	sup        *supervisor.Supervisor
	install    *installer.Pool
	logDir     string
	uploadRoot string
}

func New(reg *registry.Registry, sup *supervisor.Supervisor, install *installer.Pool, logDir, uploadRoot string) *Controller {
	return &Controller{reg: reg, sup: sup, install: install, logDir: logDir, uploadRoot: uploadRoot}
}

// Status returns the merged live+declared view for one program.
func (c *Controller) Status(name string) (StatusView, error) {
	decl, err := c.reg.Get(name)
	if err != nil {
		return StatusView{}, err
	}
	info, err := c.sup.Status(name)
	if err != nil {
		return StatusView{}, err
	}
	return c.view(decl, info), nil
}

// StatusAll returns the merged view for every declared program, in declaration order.
func (c *Controller) StatusAll() []StatusView {
	decls := c.reg.List()
	out := make([]StatusView, 0, len(decls))
	for _, decl := range decls {
		info, err := c.sup.Status(decl.Name)
		if err != nil {
			continue
		}
		out = append(out, c.view(decl, info))
	}
	return out
}

func (c *Controller) view(decl registry.Program, info supervisor.Info) StatusView {
	var uptime int64
	if info.State == supervisor.StateRunning && !info.StartedAt.IsZero() {
		uptime = int64(time.Since(info.StartedAt).Seconds())
	}
	return StatusView{
		Name:                decl.Name,
		State:               string(info.State),
		PID:                 info.PID,
		StartedAt:           info.StartedAt,
		UptimeSeconds:       uptime,
		ConsecutiveFailures: info.ConsecutiveFailures,
		CPUSamples:          c.sup.CPUSamples(decl.Name),
		Kind:                decl.Kind,
		Enabled:             decl.Enabled,
		Uploaded:            decl.Uploaded,
		Comment:             decl.Comment,
	}
}

func (c *Controller) Start(name string) error   { return c.sup.Start(name) }
func (c *Controller) Stop(name string) error    { return c.sup.Stop(name) }
func (c *Controller) Restart(name string) error { return c.sup.Restart(name) }

// Add registers a new, not-yet-running program declaration.
func (c *Controller) Add(req AddRequest) error {
	p := registry.Program{
		Name:        req.Name,
		Kind:        req.Kind,
		Script:      req.Script,
		Module:      req.Module,
		Enabled:     req.Enabled,
		Uploaded:    false,
		Venv:        req.Venv,
		Cwd:         req.Cwd,
		Args:        req.Args,
		Environment: req.Environment,
		Comment:     req.Comment,
	}
	return c.reg.Add(p)
}

// Edit applies a partial update to an existing declaration.
func (c *Controller) Edit(name string, patch registry.Patch) (registry.Program, error) {
	return c.reg.Edit(name, patch)
}

// Remove deletes a declaration and its log files. For an uploaded program it
// also deletes the install directory, per §6.2.
func (c *Controller) Remove(name string) error {
	decl, err := c.reg.Get(name)
	if err != nil {
		return err
	}
	if err := c.reg.Remove(name); err != nil {
		return err
	}
	c.sup.RemoveEntry(name)
	if decl.Uploaded {
		_ = os.RemoveAll(filepath.Join(c.uploadRoot, sanitizeName(name)))
	}
	removeLogFiles(c.logDir, name)
	return nil
}

// Upload registers a new program as `uploaded` and queues its install.
func (c *Controller) Upload(req UploadRequest) error {
	p := registry.Program{
		Name:        req.Name,
		Kind:        req.Kind,
		Script:      req.ScriptHint,
		Enabled:     req.Enabled,
		Uploaded:    true,
		Venv:        req.Venv,
		Cwd:         req.Cwd,
		Args:        req.Args,
		Environment: req.Environment,
		Comment:     req.Comment,
	}
	if err := c.reg.Add(p); err != nil {
		return err
	}
	if err := c.sup.MarkInstalling(req.Name); err != nil {
		return err
	}
	autoStart := req.Enabled
	c.install.Submit(context.Background(), installer.Request{
		Name:       req.Name,
		Kind:       spawn.Kind(req.Kind),
		Archive:    req.Archive,
		ScriptHint: req.ScriptHint,
	}, func(res installer.Result) {
		c.sup.MarkInstallResult(req.Name, res.Err, autoStart)
	})
	return nil
}

// Update replaces the code of an existing uploaded program. The program must
// be stopped or in error state.
func (c *Controller) Update(name string, archive io.Reader) error {
	decl, err := c.reg.Get(name)
	if err != nil {
		return err
	}
	if !decl.Uploaded {
		return fmt.Errorf("%w: %s was not installed via upload", ErrBadDeclaration, name)
	}
	if err := c.sup.MarkInstalling(name); err != nil {
		return err
	}
	c.install.Submit(context.Background(), installer.Request{
		Name:    name,
		Kind:    spawn.Kind(decl.Kind),
		Archive: archive,
		Update:  true,
	}, func(res installer.Result) {
		c.sup.MarkInstallResult(name, res.Err, false)
	})
	return nil
}

// ReadLogs returns a paginated read of name's combined log.
func (c *Controller) ReadLogs(name string, offset, max int) (logmgr.Page, error) {
	if _, err := c.reg.Get(name); err != nil {
		return logmgr.Page{}, err
	}
	return logmgr.Read(c.logDir, name, offset, max)
}

func removeLogFiles(dir, name string) {
	_ = os.Remove(filepath.Join(dir, name+".log"))
	backups, err := logmgr.Backups(dir, name)
	if err != nil {
		return
	}
	for _, b := range backups {
		_ = os.Remove(filepath.Join(dir, b))
	}
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
