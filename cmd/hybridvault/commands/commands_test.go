package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybridvault/hybridvault/internal/app"
	"github.com/hybridvault/hybridvault/internal/storage"
	"github.com/hybridvault/hybridvault/internal/storage/objectstore"
)

// setup points the CLI at a temporary git root and an in-memory object store
// shared by every run within the test.
func setup(t *testing.T) {
	t.Helper()
	t.Setenv("HYBRIDVAULT_GIT_ROOT", t.TempDir())
	t.Setenv("HYBRIDVAULT_GIT_BACKEND", "gogit")
	t.Setenv("HYBRIDVAULT_LOG_LEVEL", "error")

	prev := appOptions
	appOptions = []app.Option{app.WithObjectClient(objectstore.NewMemoryClient())}
	t.Cleanup(func() { appOptions = prev })
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root, release := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"-t", "acme", "-w", "ml"}, args...))
	err := root.Execute()
	require.NoError(t, release())
	return out.String(), err
}

func TestStoreAndGet(t *testing.T) {
	setup(t)

	out, err := run(t, "# plan\n", "store", "notes/plan.md", "-m", "first draft", "--author", "Ada <ada@example.com>")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "git\t"), out)

	out, err = run(t, "", "get", "notes/plan.md")
	require.NoError(t, err)
	assert.Equal(t, "# plan\n", out)

	out, err = run(t, "", "log", "notes/plan.md")
	require.NoError(t, err)
	assert.Contains(t, out, "first draft")
	assert.Contains(t, out, "Ada")
}

func TestStoreFromFileRoutesBinaryToObject(t *testing.T) {
	setup(t)

	src := filepath.Join(t.TempDir(), "weights.bin")
	require.NoError(t, os.WriteFile(src, []byte{0, 1, 2, 0xff}, 0644))

	out, err := run(t, "", "store", "models/weights.bin", src)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "object\t"), out)

	out, err = run(t, "", "stat", "models/weights.bin")
	require.NoError(t, err)
	var obj storage.StoredObject
	require.NoError(t, json.Unmarshal([]byte(out), &obj))
	assert.Equal(t, storage.BackendObject, obj.Backend)
	assert.EqualValues(t, 4, obj.Size)
}

func TestShowHistoricalVersion(t *testing.T) {
	setup(t)

	_, err := run(t, "v1\n", "store", "a.txt")
	require.NoError(t, err)
	_, err = run(t, "v2\n", "store", "a.txt")
	require.NoError(t, err)

	out, err := run(t, "", "log", "a.txt", "--json")
	require.NoError(t, err)
	var versions []storage.VersionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &versions))
	require.Len(t, versions, 2)

	out, err = run(t, "", "show", "a.txt", versions[1].Version)
	require.NoError(t, err)
	assert.Equal(t, "v1\n", out)

	out, err = run(t, "", "get", "a.txt", "--version", versions[1].Version)
	require.NoError(t, err)
	assert.Equal(t, "v1\n", out)
}

func TestListExistsAndRemove(t *testing.T) {
	setup(t)

	_, err := run(t, "hello\n", "store", "docs/a.txt")
	require.NoError(t, err)
	_, err = run(t, "\x00\x01", "store", "docs/b.png")
	require.NoError(t, err)

	out, err := run(t, "", "ls", "docs")
	require.NoError(t, err)
	assert.Contains(t, out, "docs/a.txt")
	assert.Contains(t, out, "docs/b.png")

	out, err = run(t, "", "exists", "docs/b.png")
	require.NoError(t, err)
	assert.Equal(t, "true\n", out)

	_, err = run(t, "", "rm", "docs/b.png")
	require.NoError(t, err)

	out, err = run(t, "", "exists", "docs/b.png")
	assert.ErrorIs(t, err, errMissing)
	assert.Equal(t, "false\n", out)
}

func TestSyncGitToObject(t *testing.T) {
	setup(t)

	_, err := run(t, "print(1)\n", "store", "src/main.py")
	require.NoError(t, err)

	out, err := run(t, "", "sync", "src/main.py", "--from", "git", "--to", "object")
	require.NoError(t, err)
	var res storage.SyncResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, storage.BackendGit, res.From)
	assert.Equal(t, storage.BackendObject, res.To)

	out, err = run(t, "", "get", "src/main.py", "--backend", "object")
	require.NoError(t, err)
	assert.Equal(t, "print(1)\n", out)
}

func TestMissingScopeAndBadFlags(t *testing.T) {
	setup(t)

	root, release := NewRootCmd()
	root.SetArgs([]string{"get", "a.txt"})
	root.SetOut(&bytes.Buffer{})
	err := root.Execute()
	require.NoError(t, release())
	assert.ErrorContains(t, err, "--team and --workspace")

	_, err = run(t, "", "get", "a.txt", "--backend", "tape")
	assert.ErrorContains(t, err, "unknown --backend")

	_, err = run(t, "", "get", "missing.txt")
	assert.True(t, storage.IsNotFound(err), "%v", err)
}

func TestMetricsFileWrittenOnExit(t *testing.T) {
	setup(t)

	path := filepath.Join(t.TempDir(), "hybridvault.prom")
	_, err := run(t, "# guide\n", "store", "guide.md", "--metrics-file", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hybridvault_routing_decisions_total")
	assert.Contains(t, string(data), `hybridvault_backups_total{status="success"}`)
}
