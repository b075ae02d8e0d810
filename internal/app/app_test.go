package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybridvault/hybridvault/internal/config"
	"github.com/hybridvault/hybridvault/internal/lock"
	"github.com/hybridvault/hybridvault/internal/storage"
	"github.com/hybridvault/hybridvault/internal/storage/objectstore"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Git.Root = t.TempDir()
	cfg.Git.Backend = "gogit"
	return cfg
}

func TestNewWiresProviders(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), WithObjectClient(objectstore.NewMemoryClient()))
	require.NoError(t, err)
	defer a.Close()

	for name, want := range map[string]storage.Backend{
		"":       storage.BackendHybrid,
		"hybrid": storage.BackendHybrid,
		"git":    storage.BackendGit,
		"vcs":    storage.BackendGit,
		"s3":     storage.BackendObject,
		"object": storage.BackendObject,
	} {
		p, err := a.Provider(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, p.Kind(), name)
	}

	_, err = a.Provider("tape")
	assert.Error(t, err)

	_, ok := a.Locker.(*lock.KeyedMutex)
	assert.True(t, ok)
}

func TestAppRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), WithObjectClient(objectstore.NewMemoryClient()))
	require.NoError(t, err)
	defer a.Close()

	opts := storage.Options{TeamID: "acme", WorkspaceID: "ml", Author: "Ada <ada@example.com>"}

	obj, err := a.Router.Store(ctx, "notes/plan.md", []byte("# plan\n"), opts)
	require.NoError(t, err)
	assert.Equal(t, storage.BackendGit, obj.Backend)

	obj, err = a.Router.Store(ctx, "data/weights.bin", []byte{0, 1, 2, 3}, opts)
	require.NoError(t, err)
	assert.Equal(t, storage.BackendObject, obj.Backend)

	got, err := a.Router.Retrieve(ctx, "notes/plan.md", opts)
	require.NoError(t, err)
	assert.Equal(t, "# plan\n", string(got.Content))

	require.NoError(t, a.Close())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Git.Backend = "svn"
	_, err := New(context.Background(), cfg, WithObjectClient(objectstore.NewMemoryClient()))
	assert.Error(t, err)
}

func TestNewLocker(t *testing.T) {
	l, closer, err := NewLocker(context.Background(), config.LockConfig{Backend: "local"})
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.NotNil(t, l)

	_, _, err = NewLocker(context.Background(), config.LockConfig{Backend: "zookeeper"})
	assert.Error(t, err)
}
