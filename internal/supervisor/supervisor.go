// Package supervisor implements the per-program state machine and monitor
// loop (§4.2): starting/observing/restarting-with-backoff/stopping a fleet of
// child processes, each serialised by its own mutex, grounded on the
// teacher's internal/manager.Manager monitor(e)-goroutine-per-entry design
// and ReconcileOnce/ticker loop, generalized from a boolean AutoRestart into
// the full failure-counted state machine this spec requires.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/procwatch/procwatch/internal/cpusampler"
	"github.com/procwatch/procwatch/internal/detector"
	"github.com/procwatch/procwatch/internal/env"
	"github.com/procwatch/procwatch/internal/logmgr"
	"github.com/procwatch/procwatch/internal/metrics"
	"github.com/procwatch/procwatch/internal/persist"
	"github.com/procwatch/procwatch/internal/process"
	"github.com/procwatch/procwatch/internal/registry"
	"github.com/procwatch/procwatch/internal/spawn"
)

var (
	ErrNotFound    = errors.New("program not found")
	ErrBadState    = errors.New("illegal state for operation")
	ErrSpawnFailed = errors.New("spawn failed")
)

var errAdoptedExited = errors.New("adopted process no longer alive")

// Info is a point-in-time snapshot of one program's live state, copied out
// from under its entry mutex so callers never observe a partial mutation.
type Info struct {
	Name                string
	State               State
	PID                 int
	StartedAt           time.Time
	ConsecutiveFailures int
	LastFailureAt       time.Time
}

// Config carries the restart/backoff policy and monitor cadence. The restart
// fields come from manager.yaml's `restart` section (§6.1); GracefulTimeout
// and MonitorInterval are not read from it and fall back to their defaults.
type Config struct {
	DelaySeconds           int
	MaxConsecutiveFailures int
	FailureResetSeconds    int
	GracefulTimeout        time.Duration
	MonitorInterval        time.Duration
}

func (c Config) withDefaults() Config {
	if c.DelaySeconds <= 0 {
		c.DelaySeconds = 1
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 10
	}
	if c.FailureResetSeconds <= 0 {
		c.FailureResetSeconds = 60
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = 10 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 2 * time.Second
	}
	return c
}

type entry struct {
	mu       sync.Mutex
	info     Info
	proc     *process.Process
	runStart time.Time
}

// Supervisor owns one entry per declared program and the monitor loop that
// drives their state transitions.
type Supervisor struct {
	cfg       Config
	reg       *registry.Registry
	logmgr    *logmgr.Manager
	store     *persist.Store
	ledger    *persist.Ledger
	cpu       *cpusampler.Sampler
	globalEnv *env.Env
	spawnOpt  spawn.Options
	log       *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Supervisor. logger may be nil, in which case slog.Default() is used.
func New(cfg Config, reg *registry.Registry, lm *logmgr.Manager, store *persist.Store, ledger *persist.Ledger, cpu *cpusampler.Sampler, globalEnv *env.Env, spawnOpt spawn.Options, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:       cfg.withDefaults(),
		reg:       reg,
		logmgr:    lm,
		store:     store,
		ledger:    ledger,
		cpu:       cpu,
		globalEnv: globalEnv,
		spawnOpt:  spawnOpt,
		log:       logger,
		entries:   make(map[string]*entry),
		stopCh:    make(chan struct{}),
	}
}

func (s *Supervisor) getOrCreate(name string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		return e, nil
	}
	if _, err := s.reg.Get(name); err != nil {
		return nil, err
	}
	e := &entry{info: Info{Name: name, State: StateStopped}}
	s.entries[name] = e
	return e, nil
}

func (s *Supervisor) get(name string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[name]
}

func (s *Supervisor) snapshotEntries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// Status returns the current Info for name. A declared-but-never-started
// program reports State=stopped with no pid.
func (s *Supervisor) Status(name string) (Info, error) {
	e := s.get(name)
	if e == nil {
		if _, err := s.reg.Get(name); err != nil {
			return Info{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Info{Name: name, State: StateStopped}, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info, nil
}

// StatusAll returns Info for every declared program, in registry order.
func (s *Supervisor) StatusAll() []Info {
	decls := s.reg.List()
	out := make([]Info, 0, len(decls))
	for _, d := range decls {
		info, err := s.Status(d.Name)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out
}

// IsRunning reports whether name is in any state other than stopped/error,
// i.e. whether Registry.Remove should refuse it as Busy.
func (s *Supervisor) IsRunning(name string) bool {
	e := s.get(name)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info.State != StateStopped && e.info.State != StateError
}

// CPUSamples exposes the CPU sampler's ring for name, or nil if the sampling
// capability is unavailable or the program has no recorded samples (§4.5:
// status reports null rather than fabricating zeros).
func (s *Supervisor) CPUSamples(name string) []cpusampler.Sample {
	if s.cpu == nil {
		return nil
	}
	return s.cpu.Samples(name)
}

// Start spawns name's declared command. Legal from stopped/error/restarting/broken.
func (s *Supervisor) Start(name string) error {
	e, err := s.getOrCreate(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !canStart(e.info.State) {
		return fmt.Errorf("%w: %s is %s", ErrBadState, name, e.info.State)
	}
	decl, err := s.reg.Get(name)
	if err != nil {
		return err
	}

	if e.info.State == StateBroken {
		e.info.ConsecutiveFailures = 0
	}
	e.info.State = StateStarting

	resolved, err := spawn.Build(toSpawnDecl(decl), s.spawnOpt, s.globalEnv)
	if err != nil {
		e.info.State = StateError
		s.appendLog(name, "spawn build failed: %v", err)
		return err
	}
	for _, kv := range resolved.InvalidEnv {
		s.appendLog(name, "skipping invalid environment entry %q (want KEY=VALUE)", kv)
	}

	out, err := s.logmgr.Open(name)
	if err != nil {
		e.info.State = StateError
		return fmt.Errorf("%w: open log: %v", ErrSpawnFailed, err)
	}

	p := process.New(process.Spec{Name: name, Argv: resolved.Argv, WorkDir: resolved.WorkDir, Env: resolved.Env})
	cmd := p.ConfigureCmd(resolved.Env, out)
	if err := p.TryStart(cmd); err != nil {
		e.info.State = StateError
		s.appendLog(name, "spawn failed: %v", err)
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	e.proc = p
	e.info.State = StateRunning
	e.info.PID = cmd.Process.Pid
	e.info.StartedAt = time.Now()
	e.runStart = e.info.StartedAt
	s.persistRunning(e.info)
	metrics.IncStart(name)
	metrics.SetCurrentState(name, string(StateRunning), true)
	if s.ledger != nil {
		s.ledger.RecordStart(context.Background(), name, e.info.PID)
	}
	s.appendLog(name, "started pid=%d", e.info.PID)

	p.WatchExit(func(exitErr error) { s.onExit(name, exitErr) })
	return nil
}

// Stop gracefully terminates name's child, escalating to a forceful kill
// after GracefulTimeout. Idempotent on stopped/error/broken.
func (s *Supervisor) Stop(name string) error {
	e := s.get(name)
	if e == nil {
		if _, err := s.reg.Get(name); err != nil {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.info.State {
	case StateStopped, StateError, StateBroken:
		return nil
	}

	e.info.State = StateStopping
	if e.proc != nil {
		_ = e.proc.Stop(s.cfg.GracefulTimeout)
	}
	e.info.PID = 0
	e.info.State = StateStopped
	s.clearPersist(name)
	metrics.IncStop(name)
	metrics.SetCurrentState(name, string(StateStopped), true)
	if s.ledger != nil {
		s.ledger.RecordStop(context.Background(), name, 0, "stopped")
	}
	s.appendLog(name, "stopped")
	return nil
}

// Restart stops then starts name, resetting the failure counter and clearing
// a prior broken state.
func (s *Supervisor) Restart(name string) error {
	if err := s.Stop(name); err != nil {
		return err
	}
	if e := s.get(name); e != nil {
		e.mu.Lock()
		e.info.ConsecutiveFailures = 0
		e.mu.Unlock()
	}
	return s.Start(name)
}

// onExit runs once per completed run, invoked either by the WatchExit
// goroutine for a child we forked ourselves, or by the monitor loop for an
// adopted/reattached process detected as dead.
func (s *Supervisor) onExit(name string, exitErr error) {
	e := s.get(name)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.info.State != StateRunning && e.info.State != StateStopping {
		return // already handled by an explicit Stop that holds this lock
	}
	if e.info.State == StateStopping {
		e.info.State = StateStopped
		e.info.PID = 0
		s.clearPersist(name)
		return
	}

	runDuration := time.Since(e.runStart)
	decl, derr := s.reg.Get(name)
	enabled := derr == nil && decl.Enabled
	e.info.PID = 0

	clean := exitErr == nil
	resetWindow := time.Duration(s.cfg.FailureResetSeconds) * time.Second

	if !enabled {
		e.info.State = StateStopped
		s.clearPersist(name)
		s.appendLog(name, "exited (program disabled, clean=%v)", clean)
		if s.ledger != nil {
			s.ledger.RecordStop(context.Background(), name, 0, fmt.Sprintf("disabled clean=%v", clean))
		}
		return
	}

	isFailure := !clean || runDuration < resetWindow
	if !isFailure {
		e.info.State = StateStopped
		s.clearPersist(name)
		s.appendLog(name, "exited cleanly after %s", runDuration)
		if s.ledger != nil {
			s.ledger.RecordStop(context.Background(), name, 0, "clean")
		}
		return
	}

	e.info.ConsecutiveFailures++
	e.info.LastFailureAt = time.Now()
	s.appendLog(name, "crashed after %s (consecutive_failures=%d): %v", runDuration, e.info.ConsecutiveFailures, exitErr)
	if s.ledger != nil {
		s.ledger.RecordStop(context.Background(), name, 0, fmt.Sprintf("crash: %v", exitErr))
	}

	if e.info.ConsecutiveFailures >= s.cfg.MaxConsecutiveFailures {
		e.info.State = StateBroken
		s.clearPersist(name)
		s.appendLog(name, "broken: reached max consecutive failures (%d)", s.cfg.MaxConsecutiveFailures)
		metrics.RecordStateTransition(name, string(StateRunning), string(StateBroken))
		metrics.SetCurrentState(name, string(StateBroken), true)
		return
	}

	e.info.State = StateRestarting
	s.clearPersist(name)
	metrics.RecordStateTransition(name, string(StateRunning), string(StateRestarting))
	metrics.IncRestart(name)
	delay := time.Duration(s.cfg.DelaySeconds) * time.Second
	time.AfterFunc(delay, func() { s.triggerRestart(name) })
}

func (s *Supervisor) triggerRestart(name string) {
	if err := s.Start(name); err != nil {
		s.log.Warn("scheduled restart failed", "name", name, "error", err)
	}
}

// MarkInstalling transitions name into the installing state, legal only from
// stopped/error, and returns the error otherwise so the caller (the install
// pipeline's dispatcher) never starts extracting into a directory that's
// mid-run.
func (s *Supervisor) MarkInstalling(name string) error {
	e, err := s.getOrCreate(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.info.State != StateStopped && e.info.State != StateError {
		return fmt.Errorf("%w: %s is %s", ErrBadState, name, e.info.State)
	}
	e.info.State = StateInstalling
	return nil
}

// MarkInstallResult applies the outcome of a finished install: stopped (then
// started if requested) on success, error on failure.
func (s *Supervisor) MarkInstallResult(name string, installErr error, autoStart bool) {
	e := s.get(name)
	if e == nil {
		return
	}
	e.mu.Lock()
	if installErr != nil {
		e.info.State = StateError
		e.mu.Unlock()
		s.appendLog(name, "install failed: %v", installErr)
		return
	}
	e.info.State = StateStopped
	e.mu.Unlock()
	s.appendLog(name, "install finished")
	if autoStart {
		if err := s.Start(name); err != nil {
			s.appendLog(name, "auto-start after install failed: %v", err)
		}
	}
}

// RemoveEntry drops all in-memory and persisted state for name. Callers must
// have already confirmed via Registry.Remove that name is in a removable state.
func (s *Supervisor) RemoveEntry(name string) {
	s.mu.Lock()
	delete(s.entries, name)
	s.mu.Unlock()
	s.clearPersist(name)
	_ = s.logmgr.Close(name)
}

func (s *Supervisor) persistRunning(info Info) {
	if s.store == nil {
		return
	}
	_ = s.store.Put(persist.Entry{Name: info.Name, PID: info.PID, StartedAt: info.StartedAt, State: string(StateRunning)})
}

func (s *Supervisor) clearPersist(name string) {
	if s.store == nil {
		return
	}
	_ = s.store.Delete(name)
}

func (s *Supervisor) appendLog(name, format string, args ...any) {
	out, err := s.logmgr.Open(name)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(out, "----- supervisor: %s -----\n", fmt.Sprintf(format, args...))
}

// Reattach loads the persisted snapshot and, for every entry whose recorded
// PID still exists with a matching process-creation time, adopts it as
// running under this supervisor instance (§4.7). Entries that fail
// verification are dropped without an error: a "reattach lost" line is
// appended to the program's log and the program stays stopped.
func (s *Supervisor) Reattach() {
	if s.store == nil {
		return
	}
	snap := s.store.Load()
	for _, decl := range s.reg.List() {
		pe, ok := snap[decl.Name]
		if !ok || pe.PID <= 0 {
			continue
		}
		e, err := s.getOrCreate(decl.Name)
		if err != nil {
			continue
		}
		if !verifyReattach(pe) {
			s.appendLog(decl.Name, "reattach lost: pid %d no longer matches recorded start time", pe.PID)
			continue
		}
		p := process.New(process.Spec{Name: decl.Name})
		p.AdoptExternal(pe.PID, pe.StartedAt)

		e.mu.Lock()
		e.proc = p
		e.info.State = StateRunning
		e.info.PID = pe.PID
		e.info.StartedAt = pe.StartedAt
		e.runStart = pe.StartedAt
		e.mu.Unlock()

		_, _ = s.logmgr.Open(decl.Name)
		s.persistRunning(e.info)
		s.log.Info("reattached program", "name", decl.Name, "pid", pe.PID)
	}
}

// verifyReattach checks that pe.PID is alive and was created at approximately
// pe.StartedAt. If creation time can't be determined, reattach is refused
// rather than trusting a possibly-reused PID (§9 Design Notes).
func verifyReattach(pe persist.Entry) bool {
	if !process.ProcessExists(pe.PID) {
		return false
	}
	created := detector.ProcessCreateUnix(pe.PID)
	if created == 0 {
		return false
	}
	skew := created - pe.StartedAt.Unix()
	if skew < 0 {
		skew = -skew
	}
	return skew <= 5
}

// BootStart starts every enabled program that is still stopped, called once
// after Reattach.
func (s *Supervisor) BootStart() {
	for _, decl := range s.reg.List() {
		if !decl.Enabled {
			continue
		}
		if e := s.get(decl.Name); e != nil {
			e.mu.Lock()
			st := e.info.State
			e.mu.Unlock()
			if st != StateStopped {
				continue
			}
		}
		if err := s.Start(decl.Name); err != nil {
			s.log.Warn("boot start failed", "name", decl.Name, "error", err)
		}
	}
}

// Run starts the monitor loop and CPU sampler; both stop when ctx is
// cancelled or Shutdown is called.
func (s *Supervisor) Run(ctx context.Context) {
	if s.cpu != nil {
		s.cpu.Run(ctx, s.livePIDs)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Supervisor) livePIDs() map[string]int {
	out := make(map[string]int)
	for _, e := range s.snapshotEntries() {
		e.mu.Lock()
		if e.info.State == StateRunning && e.info.PID > 0 {
			out[e.info.Name] = e.info.PID
		}
		e.mu.Unlock()
	}
	return out
}

// tick is the monitor worker's single pass over every entry. It recovers from
// any panic raised while checking one program so a single misbehaving
// program can never take down the loop (§7: "must catch and log any exception
// ... and continue with the next program").
func (s *Supervisor) tick() {
	for _, e := range s.snapshotEntries() {
		s.checkEntry(e)
	}
}

func (s *Supervisor) checkEntry(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("monitor: recovered panic checking program", "name", e.info.Name, "recover", r)
		}
	}()

	e.mu.Lock()
	state := e.info.State
	name := e.info.Name
	failures := e.info.ConsecutiveFailures
	runStart := e.runStart
	var adopted *process.Process
	if state == StateRunning && e.proc != nil && e.proc.CopyCmd() == nil {
		adopted = e.proc
	}
	e.mu.Unlock()

	if state != StateRunning {
		return
	}

	if adopted != nil {
		if alive, _ := adopted.DetectAlive(); !alive {
			s.onExit(name, errAdoptedExited)
			return
		}
	}

	if s.cfg.FailureResetSeconds > 0 && failures > 0 && time.Since(runStart) >= time.Duration(s.cfg.FailureResetSeconds)*time.Second {
		e.mu.Lock()
		if e.info.State == StateRunning && e.runStart.Equal(runStart) {
			e.info.ConsecutiveFailures = 0
		}
		e.mu.Unlock()
	}
}

// Shutdown stops the monitor loop and CPU sampler and writes a final,
// consistent snapshot, without sending any signal to managed children (§6.3).
func (s *Supervisor) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	if s.cpu != nil {
		s.cpu.Stop()
	}
	if s.store == nil {
		return
	}
	snap := persist.Snapshot{}
	for _, e := range s.snapshotEntries() {
		e.mu.Lock()
		switch e.info.State {
		case StateRunning, StateStopping, StateRestarting, StateInstalling:
			snap[e.info.Name] = persist.Entry{Name: e.info.Name, PID: e.info.PID, StartedAt: e.info.StartedAt, State: string(e.info.State)}
		}
		e.mu.Unlock()
	}
	_ = s.store.Save(snap)
}

func toSpawnDecl(p registry.Program) spawn.Declaration {
	return spawn.Declaration{
		Name:        p.Name,
		Kind:        spawn.Kind(p.Kind),
		Script:      p.Script,
		Module:      p.Module,
		Venv:        p.Venv,
		WorkDir:     p.Cwd,
		Args:        p.Args,
		Environment: p.Environment,
	}
}
