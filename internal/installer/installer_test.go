package installer

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procwatch/procwatch/internal/logmgr"
	"github.com/procwatch/procwatch/internal/spawn"
)

func buildZip(t *testing.T, files map[string]string) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return bytes.NewReader(buf.Bytes())
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "my_app-1", sanitizeName("my app-1"))
	assert.Equal(t, "program", sanitizeName("///"))
}

func TestValidateEntries_RejectsAbsoluteAndTraversalPaths(t *testing.T) {
	mkZip := func(name string) []*zip.File {
		return []*zip.File{{FileHeader: zip.FileHeader{Name: name}}}
	}
	assert.ErrorIs(t, validateEntries(mkZip("/etc/passwd")), ErrUnsafePath)
	assert.ErrorIs(t, validateEntries(mkZip("../escape.txt")), ErrUnsafePath)
	assert.ErrorIs(t, validateEntries(mkZip("a/../../b.txt")), ErrUnsafePath)
	assert.NoError(t, validateEntries(mkZip("a/b/c.txt")))
}

func TestCommonTopLevelDir_DetectsSingleWrapperDirectory(t *testing.T) {
	mk := func(names ...string) []*zip.File {
		var out []*zip.File
		for _, n := range names {
			out = append(out, &zip.File{FileHeader: zip.FileHeader{Name: n}})
		}
		return out
	}
	assert.Equal(t, "app", commonTopLevelDir(mk("app/main.py", "app/lib/util.py")))
	assert.Equal(t, "", commonTopLevelDir(mk("main.py", "app/lib/util.py")), "mixed top-level file disables auto-flatten")
	assert.Equal(t, "", commonTopLevelDir(mk("app/main.py", "other/main.py")))
}

func newTestPool(t *testing.T) (*Pool, string) {
	t.Helper()
	root := t.TempDir()
	uploadRoot := filepath.Join(root, "uploaded_programs")
	require.NoError(t, os.MkdirAll(uploadRoot, 0o755))
	lm := logmgr.New(filepath.Join(root, "log"), logmgr.Options{})
	pool := NewPool(Options{UploadRoot: uploadRoot, InstallTimeout: 5 * time.Second}, lm, 2)
	return pool, uploadRoot
}

func submitAndWait(t *testing.T, pool *Pool, req Request) Result {
	t.Helper()
	resCh := make(chan Result, 1)
	pool.Submit(context.Background(), req, func(r Result) { resCh <- r })
	select {
	case r := <-resCh:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("install did not complete in time")
		return Result{}
	}
}

func TestRun_NewExecInstall_AutoFlattensAndMarksExecutable(t *testing.T) {
	pool, uploadRoot := newTestPool(t)
	archive := buildZip(t, map[string]string{
		"myapp/run.sh":       "#!/bin/sh\necho hi\n",
		"myapp/data/seed.txt": "seed",
	})

	res := submitAndWait(t, pool, Request{Name: "my app", Kind: spawn.KindExec, Archive: archive, ScriptHint: "run.sh"})
	require.NoError(t, res.Err)

	target := filepath.Join(uploadRoot, "my_app")
	assert.Equal(t, target, res.Dir)

	info, err := os.Stat(filepath.Join(target, "run.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o111, "exec kind must chmod +x the entrypoint")

	_, err = os.Stat(filepath.Join(target, "data", "seed.txt"))
	assert.NoError(t, err, "auto-flatten strips the single wrapper directory")
}

func TestRun_DuplicateNewInstallIsBusy(t *testing.T) {
	pool, _ := newTestPool(t)
	archive := func() *bytes.Reader { return buildZip(t, map[string]string{"run.sh": "x"}) }

	first := submitAndWait(t, pool, Request{Name: "svc", Kind: spawn.KindExec, Archive: archive(), ScriptHint: "run.sh"})
	require.NoError(t, first.Err)

	second := submitAndWait(t, pool, Request{Name: "svc", Kind: spawn.KindExec, Archive: archive(), ScriptHint: "run.sh"})
	assert.ErrorIs(t, second.Err, ErrBusy)
}

func TestRun_UpdateRequiresExistingInstall(t *testing.T) {
	pool, _ := newTestPool(t)
	archive := buildZip(t, map[string]string{"run.sh": "x"})

	res := submitAndWait(t, pool, Request{Name: "never-installed", Kind: spawn.KindExec, Archive: archive, Update: true})
	assert.ErrorIs(t, res.Err, ErrBusy)
}

func TestRun_UpdatePreservesVenvDirectory(t *testing.T) {
	pool, uploadRoot := newTestPool(t)
	first := submitAndWait(t, pool, Request{
		Name: "svc", Kind: spawn.KindExec, Archive: buildZip(t, map[string]string{"run.sh": "old"}), ScriptHint: "run.sh",
	})
	require.NoError(t, first.Err)

	target := filepath.Join(uploadRoot, "svc")
	venvMarker := filepath.Join(target, ".venv", "marker.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(venvMarker), 0o755))
	require.NoError(t, os.WriteFile(venvMarker, []byte("keep-me"), 0o644))

	second := submitAndWait(t, pool, Request{
		Name: "svc", Kind: spawn.KindExec, Archive: buildZip(t, map[string]string{"run.sh": "new"}), Update: true, ScriptHint: "run.sh",
	})
	require.NoError(t, second.Err)

	b, err := os.ReadFile(venvMarker)
	require.NoError(t, err, "update must preserve the pre-existing .venv directory")
	assert.Equal(t, "keep-me", string(b))

	content, err := os.ReadFile(filepath.Join(target, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(content))
}

func TestRun_RejectsArchiveOverSizeLimit(t *testing.T) {
	root := t.TempDir()
	uploadRoot := filepath.Join(root, "uploaded_programs")
	require.NoError(t, os.MkdirAll(uploadRoot, 0o755))
	lm := logmgr.New(filepath.Join(root, "log"), logmgr.Options{})
	pool := NewPool(Options{UploadRoot: uploadRoot, MaxArchiveBytes: 16}, lm, 1)

	archive := buildZip(t, map[string]string{"run.sh": "this content is definitely longer than sixteen bytes"})
	res := submitAndWait(t, pool, Request{Name: "big", Kind: spawn.KindExec, Archive: archive, ScriptHint: "run.sh"})
	assert.ErrorIs(t, res.Err, ErrArchiveTooLarge)
}

func TestRun_RejectsUnsafeArchivePaths(t *testing.T) {
	pool, _ := newTestPool(t)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("../escape.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	res := submitAndWait(t, pool, Request{Name: "evil", Kind: spawn.KindExec, Archive: bytes.NewReader(buf.Bytes())})
	assert.ErrorIs(t, res.Err, ErrUnsafePath)
}
