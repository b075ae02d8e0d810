package hybrid

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hybridvault/hybridvault/internal/logging"
	"github.com/hybridvault/hybridvault/internal/metrics"
	"github.com/hybridvault/hybridvault/internal/storage"
	"github.com/hybridvault/hybridvault/internal/storage/gitstore"
	"github.com/hybridvault/hybridvault/internal/storage/objectstore"
)

type fixture struct {
	router *Router
	git    *gitstore.Provider
	object *objectstore.Provider
	client *objectstore.MemoryClient
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	mgr := gitstore.NewManager(gitstore.ManagerConfig{Root: t.TempDir(), Impl: gitstore.ImplGoGit}, nil)
	git := gitstore.New(mgr, nil)
	mc := objectstore.NewMemoryClient()
	object := objectstore.New(mc, objectstore.Config{Versioning: true})
	return &fixture{router: New(git, object, cfg), git: git, object: object, client: mc}
}

func opts() storage.Options {
	return storage.Options{TeamID: "t1", WorkspaceID: "w1"}
}

// failing wraps a provider and fails every data operation with err.
type failing struct {
	storage.Provider
	err error
}

func (f failing) Store(context.Context, string, []byte, storage.Options) (*storage.StoredObject, error) {
	return nil, f.err
}

func (f failing) Retrieve(context.Context, string, storage.Options) (*storage.StoredObject, error) {
	return nil, f.err
}

func (f failing) RetrieveVersion(context.Context, string, string, storage.Options) (*storage.StoredObject, error) {
	return nil, f.err
}

func (f failing) GetMetadata(context.Context, string, storage.Options) (*storage.StoredObject, error) {
	return nil, f.err
}

func (f failing) ListVersions(context.Context, string, storage.Options) ([]storage.VersionInfo, error) {
	return nil, f.err
}

func (f failing) List(context.Context, string, storage.Options) ([]*storage.StoredObject, error) {
	return nil, f.err
}

func (f failing) Delete(context.Context, string, storage.Options) error { return f.err }

func (f failing) Exists(context.Context, string, storage.Options) bool { return false }

var errDown = storage.BackendFailure("test", storage.BackendNone, "", errors.New("backend down"))

func TestScenarioTextDocumentHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := t.Context()

	first, err := f.router.Store(ctx, "notes.md", []byte("# Hi"), opts())
	require.NoError(t, err)
	assert.Equal(t, storage.BackendGit, first.Backend)
	assert.Equal(t, ReasonTextExtension, first.BackendSpecific["routing_reason"])

	second, err := f.router.Store(ctx, "notes.md", []byte("# Hi there"), opts())
	require.NoError(t, err)
	assert.NotEqual(t, first.Version, second.Version)

	versions, err := f.router.ListVersions(ctx, "notes.md", opts())
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, second.Version, versions[0].Version)

	latest, err := f.router.RetrieveVersion(ctx, "notes.md", versions[0].Version, opts())
	require.NoError(t, err)
	assert.Equal(t, []byte("# Hi there"), latest.Content)
	oldest, err := f.router.RetrieveVersion(ctx, "notes.md", versions[1].Version, opts())
	require.NoError(t, err)
	assert.Equal(t, []byte("# Hi"), oldest.Content)
	assert.False(t, oldest.RetrievedViaFallback)
}

func TestScenarioLargeFileGoesToObjects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{LargeFileThreshold: 1 << 20})
	ctx := t.Context()

	big := bytes.Repeat([]byte("a"), 1<<20+1)
	for _, name := range []string{"video.mp4", "huge.md"} {
		obj, err := f.router.Store(ctx, name, big, opts())
		require.NoError(t, err)
		assert.Equal(t, storage.BackendObject, obj.Backend, name)
		assert.Equal(t, ReasonSize, obj.BackendSpecific["routing_reason"], name)
		assert.Nil(t, obj.Backup)
	}

	got, err := f.router.Retrieve(ctx, "video.mp4", opts())
	require.NoError(t, err)
	assert.Equal(t, storage.Checksum(big), got.Checksum)
	assert.False(t, got.RetrievedViaFallback)
}

func TestScenarioReadmeBackup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := t.Context()

	readme := bytes.Repeat([]byte("text line\n"), 200_000) // 2 MB
	obj, err := f.router.Store(ctx, "README.md", readme, opts())
	require.NoError(t, err)
	assert.Equal(t, storage.BackendGit, obj.Backend)
	require.NotNil(t, obj.Backup)
	assert.True(t, obj.Backup.OK())
	assert.Equal(t, "backups/git/README.md", obj.Backup.Path)
	assert.Equal(t, obj.Checksum, obj.Backup.Checksum)

	backup, err := f.object.Retrieve(ctx, "backups/git/README.md", opts())
	require.NoError(t, err)
	assert.Equal(t, obj.Checksum, backup.Checksum)

	// Backups stay out of the merged root listing.
	entries, err := f.router.List(ctx, "", opts())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, BackupRoot, e.Path)
	}

	// Small files that match no pattern are not backed up.
	small, err := f.router.Store(ctx, "src/app.py", []byte("print(1)\n"), opts())
	require.NoError(t, err)
	assert.Nil(t, small.Backup)
}

func TestScenarioDeleteMissing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	require.NoError(t, f.router.Delete(t.Context(), "missing.txt", opts()))
}

func TestDeleteRemovesFromBoth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := t.Context()

	o := opts()
	o.ForceBackend = storage.BackendGit
	_, err := f.router.Store(ctx, "dup.txt", []byte("g"), o)
	require.NoError(t, err)
	o.ForceBackend = storage.BackendObject
	_, err = f.router.Store(ctx, "dup.txt", []byte("o"), o)
	require.NoError(t, err)

	require.NoError(t, f.router.Delete(ctx, "dup.txt", opts()))
	assert.False(t, f.git.Exists(ctx, "dup.txt", opts()))
	assert.False(t, f.object.Exists(ctx, "dup.txt", opts()))
	assert.False(t, f.router.Exists(ctx, "dup.txt", opts()))
}

func TestDeleteOneBackendFailing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := t.Context()

	r := New(f.git, failing{Provider: f.object, err: errDown}, Config{})
	require.NoError(t, r.Delete(ctx, "x.txt", opts()))

	both := New(failing{Provider: f.git, err: errDown}, failing{Provider: f.object, err: errDown}, Config{})
	err := both.Delete(ctx, "x.txt", opts())
	assert.ErrorIs(t, err, storage.ErrBackend)
}

func TestRetrieveFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := t.Context()

	o := opts()
	o.ForceBackend = storage.BackendObject
	stored, err := f.router.Store(ctx, "report.txt", []byte("numbers"), o)
	require.NoError(t, err)
	require.Equal(t, storage.BackendObject, stored.Backend)

	before := testutil.ToFloat64(metrics.ReadFallbacksTotal.WithLabelValues("git", "object", "success"))

	// .txt reads try version control first.
	got, err := f.router.Retrieve(ctx, "report.txt", opts())
	require.NoError(t, err)
	assert.True(t, got.RetrievedViaFallback)
	assert.Equal(t, storage.BackendObject, got.Backend)
	assert.Equal(t, stored.Checksum, got.Checksum)

	meta, err := f.router.GetMetadata(ctx, "report.txt", opts())
	require.NoError(t, err)
	assert.True(t, meta.RetrievedViaFallback)
	assert.Nil(t, meta.Content)

	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.ReadFallbacksTotal.WithLabelValues("git", "object", "success"))-before, 2.0)

	// Preferring the right backend avoids the fallback.
	o = opts()
	o.PreferredBackend = storage.BackendObject
	direct, err := f.router.Retrieve(ctx, "report.txt", o)
	require.NoError(t, err)
	assert.False(t, direct.RetrievedViaFallback)

	// Forcing the wrong backend disables it.
	o = opts()
	o.ForceBackend = storage.BackendGit
	_, err = f.router.Retrieve(ctx, "report.txt", o)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRetrieveFallbackOnFailingPrimary(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := t.Context()

	_, err := f.object.Store(ctx, "notes.md", []byte("copy"), opts())
	require.NoError(t, err)

	r := New(failing{Provider: f.git, err: errDown}, f.object, Config{})
	got, err := r.Retrieve(ctx, "notes.md", opts())
	require.NoError(t, err)
	assert.True(t, got.RetrievedViaFallback)
	assert.Equal(t, []byte("copy"), got.Content)
}

func TestRetrieveBothFail(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := t.Context()

	_, err := f.router.Retrieve(ctx, "nowhere.md", opts())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	r := New(failing{Provider: f.git, err: errDown}, f.object, Config{})
	_, err = r.Retrieve(ctx, "nowhere.md", opts())
	assert.ErrorIs(t, err, storage.ErrBackend)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
	assert.Contains(t, err.Error(), "backend down")
}

func TestListVersionsFallsBackOnEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := t.Context()

	o := opts()
	o.ForceBackend = storage.BackendObject
	_, err := f.router.Store(ctx, "plan.md", []byte("v1"), o)
	require.NoError(t, err)
	_, err = f.router.Store(ctx, "plan.md", []byte("v2"), o)
	require.NoError(t, err)

	versions, err := f.router.ListVersions(ctx, "plan.md", opts())
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	none, err := f.router.ListVersions(ctx, "never.md", opts())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListMergeDedup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := t.Context()

	o := opts()
	o.ForceBackend = storage.BackendGit
	_, err := f.router.Store(ctx, "shared.txt", []byte("from git"), o)
	require.NoError(t, err)
	o.ForceBackend = storage.BackendObject
	_, err = f.router.Store(ctx, "shared.txt", []byte("from object"), o)
	require.NoError(t, err)
	_, err = f.router.Store(ctx, "photo.png", []byte{0x89, 'P', 'N', 'G'}, opts())
	require.NoError(t, err)

	entries, err := f.router.List(ctx, "", opts())
	require.NoError(t, err)

	byPath := map[string]*storage.StoredObject{}
	for _, e := range entries {
		_, dup := byPath[e.Path]
		assert.False(t, dup, "duplicate entry %s", e.Path)
		byPath[e.Path] = e
	}
	require.Contains(t, byPath, "shared.txt")
	assert.Equal(t, storage.BackendGit, byPath["shared.txt"].Backend)
	require.Contains(t, byPath, "photo.png")
	assert.Equal(t, storage.BackendObject, byPath["photo.png"].Backend)
	assert.Len(t, byPath, 2)
}

func TestListToleratesFailingBackend(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := t.Context()

	_, err := f.git.Store(ctx, "a.txt", []byte("a"), opts())
	require.NoError(t, err)

	r := New(f.git, failing{Provider: f.object, err: errDown}, Config{})
	entries, err := r.List(ctx, "", opts())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Path)
}

func TestDeterministicRouting(t *testing.T) {
	t.Parallel()
	r := New(nil, nil, Config{LargeFileThreshold: 100})

	forced := opts()
	forced.ForceBackend = storage.BackendGit
	cases := []struct {
		name    string
		path    string
		content []byte
		opts    storage.Options
		backend storage.Backend
		reason  string
	}{
		{"forced", "clip.mp4", []byte("x"), forced, storage.BackendGit, ReasonForced},
		{"size beats text extension", "notes.md", bytes.Repeat([]byte("a"), 101), opts(), storage.BackendObject, ReasonSize},
		{"text extension", "main.GO", []byte{0, 1}, opts(), storage.BackendGit, ReasonTextExtension},
		{"binary extension", "img.png", []byte("plain"), opts(), storage.BackendObject, ReasonBinaryExtension},
		{"utf8 content", "Makefile", []byte("all:\n\techo ok\n"), opts(), storage.BackendGit, ReasonUTF8Content},
		{"nul bytes", "blob", []byte("ab\x00cd"), opts(), storage.BackendObject, ReasonDefault},
		{"invalid utf8", "blob", []byte{0xff, 0xfe}, opts(), storage.BackendObject, ReasonDefault},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for range 3 {
				b, reason := r.SelectWrite(tc.path, tc.content, tc.opts)
				assert.Equal(t, tc.backend, b)
				assert.Equal(t, tc.reason, reason)
			}
		})
	}

	b, _ := r.SelectRead("x.parquet", opts())
	assert.Equal(t, storage.BackendObject, b)
	b, _ = r.SelectRead("unknown", opts())
	assert.Equal(t, storage.BackendGit, b)
}

func TestBackupFailureIsSwallowedAndCounted(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := t.Context()

	r := New(f.git, failing{Provider: f.object, err: errDown}, Config{})
	before := testutil.ToFloat64(metrics.BackupsTotal.WithLabelValues("error"))

	core, logs := observer.New(zapcore.WarnLevel)
	logging.SetLogger(zap.New(core))
	t.Cleanup(func() { logging.SetLogger(zap.NewNop()) })

	obj, err := r.Store(ctx, "analysis.ipynb", []byte(`{"cells": []}`), opts())
	require.NoError(t, err)
	assert.Equal(t, storage.BackendGit, obj.Backend)
	require.NotNil(t, obj.Backup)
	assert.False(t, obj.Backup.OK())
	assert.Contains(t, obj.Backup.Error, "backend down")

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.BackupsTotal.WithLabelValues("error")))

	warns := logs.FilterMessage("backup to object storage failed").All()
	require.Len(t, warns, 1)
	fields := warns[0].ContextMap()
	assert.Equal(t, "t1", fields["team_id"])
	assert.Equal(t, "w1", fields["workspace_id"])
	assert.Equal(t, "analysis.ipynb", fields["path"])

	// The primary copy is intact.
	got, err := f.git.Retrieve(ctx, "analysis.ipynb", opts())
	require.NoError(t, err)
	assert.Equal(t, obj.Checksum, got.Checksum)
}

func TestAsyncBackup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{AsyncBackup: true})
	ctx, cancel := context.WithCancel(t.Context())

	obj, err := f.router.Store(ctx, "guide.md", []byte("# Guide"), opts())
	require.NoError(t, err)
	assert.Nil(t, obj.Backup)
	cancel()

	f.router.Wait()
	assert.True(t, f.object.Exists(t.Context(), "backups/git/guide.md", opts()))
}

func TestSync(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := t.Context()

	_, err := f.git.Store(ctx, "doc.md", []byte("doc"), opts())
	require.NoError(t, err)

	res, err := f.router.Sync(ctx, storage.BackendGit, storage.BackendObject, "doc.md", opts())
	require.NoError(t, err)
	assert.Equal(t, storage.BackendObject, res.Target.Backend)
	copied, err := f.object.Retrieve(ctx, "doc.md", opts())
	require.NoError(t, err)
	assert.Equal(t, []byte("doc"), copied.Content)

	_, err = f.object.Store(ctx, "data.csv", []byte("a,b"), opts())
	require.NoError(t, err)
	res, err = f.router.Sync(ctx, storage.BackendObject, storage.BackendGit, "data.csv", opts())
	require.NoError(t, err)
	assert.Equal(t, storage.BackendGit, res.Target.Backend)
	assert.Equal(t, "object", res.Target.BackendSpecific["synced_from"])

	o := opts()
	o.SourceWorkspaceID = "w1"
	o.WorkspaceID = "w2"
	res, err = f.router.Sync(ctx, storage.BackendGit, storage.BackendGit, "doc.md", o)
	require.NoError(t, err)
	assert.True(t, f.git.Exists(ctx, "doc.md", storage.Options{TeamID: "t1", WorkspaceID: "w2"}))
	assert.NotEmpty(t, res.SourceVersion)

	_, err = f.router.Sync(ctx, storage.BackendHybrid, storage.BackendGit, "doc.md", opts())
	assert.ErrorIs(t, err, storage.ErrUnsupportedCombination)
	_, err = f.router.Sync(ctx, storage.BackendGit, storage.Backend("ftp"), "doc.md", opts())
	assert.ErrorIs(t, err, storage.ErrUnsupportedCombination)

	_, err = f.router.Sync(ctx, storage.BackendGit, storage.BackendObject, "absent.md", opts())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExistsEitherBackend(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := t.Context()

	_, err := f.object.Store(ctx, "only-object.md", []byte("x"), opts())
	require.NoError(t, err)
	assert.True(t, f.router.Exists(ctx, "only-object.md", opts()))

	o := opts()
	o.ForceBackend = storage.BackendGit
	assert.False(t, f.router.Exists(ctx, "only-object.md", o))
	assert.False(t, f.router.Exists(ctx, "nothing", opts()))
}

func TestRouterValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := t.Context()

	o := opts()
	o.ForceBackend = storage.Backend("ftp")
	_, err := f.router.Store(ctx, "a.txt", []byte("a"), o)
	assert.ErrorIs(t, err, storage.ErrValidation)

	_, err = f.router.Retrieve(ctx, "../a.txt", opts())
	assert.ErrorIs(t, err, storage.ErrValidation)
	assert.Error(t, f.router.Delete(ctx, "", opts()))
	for _, pth := range []string{".", "./", "//"} {
		_, err = f.router.Store(ctx, pth, []byte("a"), opts())
		assert.ErrorIs(t, err, storage.ErrValidation, pth)
	}
	assert.Empty(t, f.client.Buckets())
}

func TestObjectReadmeNotShadowedBySeed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := t.Context()

	_, err := f.router.Store(ctx, "notes.md", []byte("# notes"), opts())
	require.NoError(t, err)

	o := opts()
	o.ForceBackend = storage.BackendObject
	_, err = f.router.Store(ctx, "README.md", []byte("# user readme"), o)
	require.NoError(t, err)

	got, err := f.router.Retrieve(ctx, "README.md", opts())
	require.NoError(t, err)
	assert.Equal(t, "# user readme", string(got.Content))
	assert.Equal(t, storage.BackendObject, got.Backend)
	assert.True(t, got.RetrievedViaFallback)
}
