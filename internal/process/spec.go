package process

import (
	"os/exec"

	"github.com/procwatch/procwatch/internal/detector"
)

// Spec describes the concrete OS-level invocation of a managed child.
// It is produced by the spawner (internal/spawn) from a program declaration;
// Process itself has no notion of "kind" (python/node/exec) — by the time a
// Spec reaches here, Argv is a fully resolved argument vector.
type Spec struct {
	Name    string   // program name, used for log/pidfile naming
	Argv    []string // resolved argv; Argv[0] is the executable
	WorkDir string
	Env     []string // final merged environment (already includes inherited+globals+program)
	PIDFile string

	Detectors []detector.Detector
}

// BuildCommand constructs an *exec.Cmd from the resolved Argv.
// Unlike the teacher's shell-string spec, kind resolution happens once in
// internal/spawn, which builds Argv directly without any shell; by the time a
// Process configures its command, Argv is already an explicit argument vector.
func (s *Spec) BuildCommand() *exec.Cmd {
	if len(s.Argv) == 0 {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	name := s.Argv[0]
	var args []string
	if len(s.Argv) > 1 {
		args = s.Argv[1:]
	}
	// #nosec G204 -- Argv is built by internal/spawn from a validated declaration, never raw user shell text.
	return exec.Command(name, args...)
}
