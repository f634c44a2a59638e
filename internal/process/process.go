package process

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/procwatch/procwatch/internal/detector"
)

// Status is a point-in-time snapshot of a Process's observed state.
type Status struct {
	Name      string
	Running   bool
	PID       int
	StartedAt time.Time
	StoppedAt time.Time
	ExitErr   error
}

// Process wraps a single OS child process: starting it, observing it, and
// tearing it down without racing the goroutine that reaps it.
type Process struct {
	spec       Spec
	cmd        *exec.Cmd
	status     Status
	mu         sync.Mutex
	out        io.WriteCloser
	waitDone   chan struct{}
	monitoring bool
}

func New(spec Spec) *Process { return &Process{spec: spec} }

// ConfigureCmd builds an *exec.Cmd for this process. out is the already-open
// combined stdout+stderr destination (owned by the caller's Log Manager); Process
// never manages log file lifecycle itself, only writes to what it's given.
func (r *Process) ConfigureCmd(mergedEnv []string, out io.WriteCloser) *exec.Cmd {
	r.mu.Lock()
	spec := r.spec
	r.mu.Unlock()

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(mergedEnv) > 0 {
		cmd.Env = mergedEnv
	}
	// Detach into its own process group so a supervisor shutdown signal never
	// propagates to the child (see concurrency model: children must survive
	// a supervisor restart across the reattach boundary).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	r.mu.Lock()
	r.out = out
	r.mu.Unlock()

	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	} else {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}
	return cmd
}

func (r *Process) CopyCmd() *exec.Cmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmd
}

func (r *Process) SetStarted(cmd *exec.Cmd) {
	r.mu.Lock()
	r.cmd = cmd
	r.waitDone = make(chan struct{})
	r.status.Name = r.spec.Name
	r.status.Running = true
	r.status.PID = cmd.Process.Pid
	r.status.StartedAt = time.Now()
	r.mu.Unlock()
}

// TryStart starts cmd and records the resulting PID, writing the PID file synchronously
// so it is observable by any concurrent reattach check immediately after Start returns.
func (r *Process) TryStart(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	r.SetStarted(cmd)
	r.WritePIDFile()
	return nil
}

// AdoptExternal marks this Process as governing an already-running child that
// this supervisor instance did not fork itself (the reattach case). There is
// no *exec.Cmd to Wait() on, so liveness is established purely by PID probing
// in DetectAlive; callers must not call WatchExit on an adopted Process.
func (r *Process) AdoptExternal(pid int, startedAt time.Time) {
	r.mu.Lock()
	r.status.Name = r.spec.Name
	r.status.Running = true
	r.status.PID = pid
	r.status.StartedAt = startedAt
	r.mu.Unlock()
}

// WatchExit starts a background goroutine that blocks on cmd.Wait() for the
// process most recently started via TryStart and invokes onExit exactly once
// with the resulting error when the child exits, reaping it so it never
// becomes a zombie. A no-op if a wait goroutine is already running (e.g.
// because Stop/Kill started one first) or if this Process has no *exec.Cmd
// of its own (the adopted/reattached case).
func (r *Process) WatchExit(onExit func(error)) {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if !r.MonitoringStartIfNeeded() {
		return
	}
	go func() {
		err := cmd.Wait()
		r.CloseWaitDone()
		r.MarkExited(err)
		r.CloseWriter()
		r.MonitoringStop()
		onExit(err)
	}()
}

func (r *Process) CloseWaitDone() {
	r.mu.Lock()
	if r.waitDone != nil {
		close(r.waitDone)
		r.waitDone = nil
	}
	r.mu.Unlock()
}

func (r *Process) WaitDoneChan() chan struct{} {
	r.mu.Lock()
	wd := r.waitDone
	r.mu.Unlock()
	return wd
}

func (r *Process) MarkExited(err error) {
	r.mu.Lock()
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	r.status.ExitErr = err
	r.mu.Unlock()
}

func (r *Process) MonitoringStartIfNeeded() bool {
	r.mu.Lock()
	if r.monitoring {
		r.mu.Unlock()
		return false
	}
	r.monitoring = true
	r.mu.Unlock()
	return true
}

func (r *Process) MonitoringStop() {
	r.mu.Lock()
	r.monitoring = false
	r.mu.Unlock()
}

func (r *Process) IsMonitoring() bool {
	r.mu.Lock()
	v := r.monitoring
	r.mu.Unlock()
	return v
}

// CloseWriter drops this Process's reference to its output writer. The writer
// belongs to the caller's Log Manager and is left open.
func (r *Process) CloseWriter() {
	r.mu.Lock()
	r.out = nil
	r.mu.Unlock()
}

func (r *Process) WritePIDFile() {
	r.mu.Lock()
	pidFile := r.spec.PIDFile
	pid := 0
	started := r.status.StartedAt
	if r.cmd != nil && r.cmd.Process != nil {
		pid = r.cmd.Process.Pid
	}
	r.mu.Unlock()

	if pidFile == "" || pid == 0 {
		return
	}
	_ = os.MkdirAll(filepath.Dir(pidFile), 0o750)
	meta := PIDMeta{StartUnix: started.Unix()}
	b, _ := metaJSON(meta)
	content := strconv.Itoa(pid) + "\n\n" + string(b) + "\n"
	_ = os.WriteFile(pidFile, []byte(content), 0o600)
}

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	s := r.status
	r.mu.Unlock()
	return s
}

// DetectAlive probes liveness without racing os/exec's internal state.
func (r *Process) DetectAlive() (bool, string) {
	r.mu.Lock()
	cmd := r.cmd
	adoptedPID := 0
	if cmd == nil && r.status.Running {
		adoptedPID = r.status.PID
	}
	r.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		pid := cmd.Process.Pid
		if isZombieLinux(pid) {
			return false, ""
		}
		if syscall.Kill(pid, 0) == nil {
			return true, "exec:pid"
		}
	} else if adoptedPID > 0 {
		if isZombieLinux(adoptedPID) {
			return false, ""
		}
		if err := syscall.Kill(adoptedPID, 0); err == nil || errors.Is(err, syscall.EPERM) {
			return true, "adopted:pid"
		}
	}

	for _, d := range r.detectors() {
		ok, _ := d.Alive()
		if ok {
			return true, d.Describe()
		}
	}
	return false, ""
}

func (r *Process) detectors() []detector.Detector {
	r.mu.Lock()
	defer r.mu.Unlock()
	dets := make([]detector.Detector, 0, len(r.spec.Detectors)+1)
	if r.spec.PIDFile != "" {
		dets = append(dets, detector.PIDFileDetector{PIDFile: r.spec.PIDFile})
	}
	dets = append(dets, r.spec.Detectors...)
	return dets
}

func isZombieLinux(pid int) bool {
	path := "/proc/" + strconv.Itoa(pid) + "/status"
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// Stop sends SIGTERM to the process group, escalating to SIGKILL after wait.
// Exit handling/reaping is coordinated with any concurrently running monitor
// goroutine via waitDone/monitoring so the child is reaped exactly once.
// A child that exits because of these signals is a successful stop: Stop
// returns nil, and the wait error stays available in Snapshot().ExitErr.
func (r *Process) Stop(wait time.Duration) error {
	alive, _ := r.DetectAlive()
	if !alive {
		return nil
	}
	cmd := r.CopyCmd()
	if cmd != nil && cmd.Process != nil {
		pid := cmd.Process.Pid
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		r.awaitExit(pid, wait)
	} else {
		// Adopted/reattached process: no *exec.Cmd to Wait() on, so after
		// signalling we just poll DetectAlive until it dies or the window elapses.
		pid := r.Snapshot().PID
		if pid > 0 {
			_ = syscall.Kill(-pid, syscall.SIGTERM)
			r.pollUntilDead(pid, wait)
		}
	}
	rs := r.Snapshot()
	r.MarkExited(rs.ExitErr)
	return nil
}

// pollUntilDead waits up to wait for an adopted process to disappear,
// escalating to SIGKILL if it survives the window.
func (r *Process) pollUntilDead(pid int, wait time.Duration) {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if alive, _ := r.DetectAlive(); !alive {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	deadline = time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if alive, _ := r.DetectAlive(); !alive {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Kill sends SIGKILL immediately and attempts to reap within a short grace window.
func (r *Process) Kill() error {
	cmd := r.CopyCmd()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	r.awaitExit(pid, 200*time.Millisecond)
	rs := r.Snapshot()
	return rs.ExitErr
}

func (r *Process) awaitExit(pid int, wait time.Duration) {
	cmd := r.CopyCmd()
	if r.IsMonitoring() {
		wd := r.WaitDoneChan()
		if wd == nil {
			time.Sleep(wait)
			return
		}
		select {
		case <-wd:
		case <-time.After(wait):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			select {
			case <-wd:
			case <-time.After(200 * time.Millisecond):
			}
		}
		return
	}
	if r.MonitoringStartIfNeeded() {
		ch := make(chan error, 1)
		go func() {
			err := cmd.Wait()
			r.CloseWaitDone()
			r.MarkExited(err)
			ch <- err
		}()
		select {
		case <-ch:
		case <-time.After(wait):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			select {
			case <-ch:
			case <-time.After(200 * time.Millisecond):
			}
		}
		r.CloseWriter()
		r.MonitoringStop()
		return
	}
	wd := r.WaitDoneChan()
	if wd != nil {
		select {
		case <-wd:
		case <-time.After(wait):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			select {
			case <-wd:
			case <-time.After(200 * time.Millisecond):
			}
		}
		return
	}
	time.Sleep(wait)
}
