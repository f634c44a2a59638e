package spawn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/procwatch/procwatch/internal/env"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_PythonModuleDoesNotTouchDisk(t *testing.T) {
	res, err := Build(Declaration{Name: "n", Module: "pkg.main"}, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "-m", "pkg.main"}, res.Argv)
}

func TestBuild_PythonVenvInterpreter(t *testing.T) {
	venv := t.TempDir()
	res, err := Build(Declaration{Name: "n", Module: "pkg.main", Venv: venv}, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(venv, "bin", "python"), res.Argv[0])
}

func TestBuild_PythonScriptMustExist(t *testing.T) {
	dir := t.TempDir()
	_, err := Build(Declaration{Name: "n", Script: "missing.py"}, Options{GlobalWorkDir: dir}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBuild_PythonScriptResolvesAgainstWorkDir(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "app.py")
	require.NoError(t, os.WriteFile(script, []byte("pass"), 0o644))

	res, err := Build(Declaration{Name: "n", Script: "app.py"}, Options{GlobalWorkDir: dir}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", script}, res.Argv)
	assert.Equal(t, dir, res.WorkDir)
}

func TestBuild_NodeKindUsesNodeRuntime(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "server.js")
	require.NoError(t, os.WriteFile(script, []byte("x"), 0o644))

	res, err := Build(Declaration{Name: "n", Kind: KindNode, Script: "server.js", Args: []string{"--port", "8080"}}, Options{GlobalWorkDir: dir, GlobalNode: "/usr/local/bin/node"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/local/bin/node", script, "--port", "8080"}, res.Argv)
}

func TestBuild_ExecKindRequiresExecutableBit(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o644))

	_, err := Build(Declaration{Name: "n", Kind: KindExec, Script: "run.sh"}, Options{GlobalWorkDir: dir}, nil)
	assert.ErrorIs(t, err, ErrNotExecutable)

	require.NoError(t, os.Chmod(script, 0o755))
	res, err := Build(Declaration{Name: "n", Kind: KindExec, Script: "run.sh"}, Options{GlobalWorkDir: dir}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{script}, res.Argv)
}

func TestBuild_RejectsMissingNameScriptModuleOrBoth(t *testing.T) {
	_, err := Build(Declaration{Script: "a.py"}, Options{}, nil)
	assert.ErrorIs(t, err, ErrBadDeclaration)

	_, err = Build(Declaration{Name: "n"}, Options{}, nil)
	assert.ErrorIs(t, err, ErrBadDeclaration)

	_, err = Build(Declaration{Name: "n", Script: "a.py", Module: "m"}, Options{}, nil)
	assert.ErrorIs(t, err, ErrBadDeclaration)
}

func TestBuild_RejectsModuleWithNonPythonKind(t *testing.T) {
	_, err := Build(Declaration{Name: "n", Kind: KindNode, Module: "m"}, Options{}, nil)
	assert.ErrorIs(t, err, ErrBadDeclaration)
}

func TestBuild_UnknownKind(t *testing.T) {
	_, err := Build(Declaration{Name: "n", Script: "a.py", Kind: Kind("ruby")}, Options{}, nil)
	assert.ErrorIs(t, err, ErrBadDeclaration)
}

func TestBuild_MergesGlobalEnvironment(t *testing.T) {
	e := env.New().WithSet("PROCWATCH_GLOBAL", "1")
	res, err := Build(Declaration{Name: "n", Module: "m", Environment: []string{"LOCAL=2"}}, Options{}, e)
	require.NoError(t, err)
	assert.Contains(t, res.Env, "PROCWATCH_GLOBAL=1")
	assert.Contains(t, res.Env, "LOCAL=2")
}

func TestBuild_NilGlobalEnvPassesDeclarationEnvironmentThrough(t *testing.T) {
	res, err := Build(Declaration{Name: "n", Module: "m", Environment: []string{"LOCAL=2"}}, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"LOCAL=2"}, res.Env)
}

func TestBuild_AbsoluteScriptPathIgnoresWorkDir(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "abs.py")
	require.NoError(t, os.WriteFile(script, []byte("pass"), 0o644))

	res, err := Build(Declaration{Name: "n", Script: script}, Options{GlobalWorkDir: "/somewhere/else"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", script}, res.Argv)
}
