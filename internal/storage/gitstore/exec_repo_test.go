package gitstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybridvault/hybridvault/internal/storage"
)

// fakeExecutor records commands and answers from a script keyed by the git
// subcommand. Unscripted commands succeed with empty output.
type fakeExecutor struct {
	mu     sync.Mutex
	calls  []Command
	script map[string]Result
}

func (f *fakeExecutor) Run(_ context.Context, cmd Command) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	if len(cmd.Args) > 0 && cmd.Args[0] == "init" {
		if err := os.MkdirAll(filepath.Join(cmd.Dir, ".git"), 0o755); err != nil {
			return Result{}, err
		}
	}
	res, ok := f.script[strings.Join(cmd.Args[:min(len(cmd.Args), 2)], " ")]
	if !ok && len(cmd.Args) > 0 {
		res = f.script[cmd.Args[0]]
	}
	if res.ExitCode != 0 {
		return res, &ExitError{Command: cmd, Result: res}
	}
	return res, nil
}

func (f *fakeExecutor) argv() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c.Args, " ")
	}
	return out
}

var testIdentity = storage.Identity{Name: "System", Email: "sys@example.com"}

func TestExecRepoInit(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "t1", "w1")
	fe := &fakeExecutor{}
	mgr := NewManager(ManagerConfig{Root: filepath.Dir(filepath.Dir(dir)), Identity: testIdentity, Binary: "/usr/bin/git"}, fe)

	_, err := mgr.Open(t.Context(), "t1", "w1", false)
	require.ErrorIs(t, err, ErrRepoNotFound)
	assert.Empty(t, fe.argv())

	repo, err := mgr.Open(t.Context(), "t1", "w1", true)
	require.NoError(t, err)
	assert.Equal(t, dir, repo.Dir())
	assert.Equal(t, []string{
		"init --quiet",
		"symbolic-ref HEAD refs/heads/main",
		"config user.name System",
		"config user.email sys@example.com",
		"config commit.gpgsign false",
		"add -- .hybridvault",
		"commit --quiet -m Initial commit",
	}, fe.argv())
	for _, c := range fe.calls {
		assert.Equal(t, "/usr/bin/git", c.Name)
		assert.Equal(t, dir, c.Dir)
		assert.Contains(t, c.Env, "GIT_CONFIG_GLOBAL=/dev/null")
		assert.Contains(t, c.Env, "GIT_LITERAL_PATHSPECS=1")
	}
	assert.FileExists(t, filepath.Join(dir, seedFile))

	// Cached: no further commands.
	again, err := mgr.Open(t.Context(), "t1", "w1", false)
	require.NoError(t, err)
	assert.Same(t, repo, again)
	assert.Len(t, fe.argv(), 7)
}

func TestExecRepoCommit(t *testing.T) {
	t.Parallel()
	fe := &fakeExecutor{script: map[string]Result{
		"diff":      {ExitCode: 1},
		"rev-parse": {Stdout: []byte("abc123\n")},
	}}
	r := &execRepo{exec: fe, binary: "git", dir: t.TempDir(), identity: testIdentity}

	hash, changed, err := r.Commit(t.Context(), storage.Identity{Name: "Ada"}, "Update a.md", "a.md")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "abc123", hash)
	assert.Equal(t, []string{
		"add -A -- a.md",
		"diff --cached --quiet -- a.md",
		"commit --quiet -m Update a.md --author Ada <sys@example.com> -- a.md",
		"rev-parse HEAD",
	}, fe.argv())
}

func TestExecRepoCommitNothingStaged(t *testing.T) {
	t.Parallel()
	fe := &fakeExecutor{}
	r := &execRepo{exec: fe, binary: "git", dir: t.TempDir(), identity: testIdentity}

	hash, changed, err := r.Commit(t.Context(), testIdentity, "Update a.md", "a.md")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, hash)
	assert.Len(t, fe.argv(), 2)
}

func TestExecRepoCommitFailure(t *testing.T) {
	t.Parallel()
	fe := &fakeExecutor{script: map[string]Result{
		"diff":   {ExitCode: 1},
		"commit": {ExitCode: 1, Stderr: []byte("fatal: boom")},
	}}
	r := &execRepo{exec: fe, binary: "git", dir: t.TempDir(), identity: testIdentity}

	_, _, err := r.Commit(t.Context(), testIdentity, "m", "a.md")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fatal: boom")
}

func TestExecRepoEnsureBranch(t *testing.T) {
	t.Parallel()
	fe := &fakeExecutor{script: map[string]Result{
		"symbolic-ref --short": {Stdout: []byte("main\n")},
		"show-ref":             {ExitCode: 1},
	}}
	r := &execRepo{exec: fe, binary: "git", dir: t.TempDir(), identity: testIdentity}

	require.NoError(t, r.EnsureBranch(t.Context(), "main"))
	assert.Len(t, fe.argv(), 1)

	require.NoError(t, r.EnsureBranch(t.Context(), "feature"))
	assert.Equal(t, []string{
		"symbolic-ref --short HEAD",
		"symbolic-ref --short HEAD",
		"show-ref --verify --quiet refs/heads/feature",
		"checkout --quiet -b feature",
	}, fe.argv())
}

func TestExecRepoFileAtCommit(t *testing.T) {
	t.Parallel()
	fe := &fakeExecutor{script: map[string]Result{
		"cat-file": {ExitCode: 128, Stderr: []byte("fatal: path 'x' does not exist in 'abc'")},
	}}
	r := &execRepo{exec: fe, binary: "git", dir: t.TempDir(), identity: testIdentity}

	_, err := r.FileAtCommit(t.Context(), "abc", "x")
	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.Equal(t, []string{"cat-file blob abc:x"}, fe.argv())
}

func TestParseLog(t *testing.T) {
	t.Parallel()
	out := "h2\x00Ada\x00ada@example.com\x002024-03-01 10:00:00 +0000\x00Sys\x00sys@example.com\x002024-03-01 10:00:01 +0000\x00Second\x00line one\nline two\n\x1e\n" +
		"h1\x00Bob\x00bob@example.com\x002024-02-01 09:00:00 +0100\x00Sys\x00sys@example.com\x002024-02-01 09:00:00 +0100\x00First\x00\x1e"

	commits := parseLog(out)
	require.Len(t, commits, 2)
	assert.Equal(t, "h2", commits[0].Hash)
	assert.Equal(t, "Second", commits[0].Message)
	assert.Equal(t, "line one\nline two", commits[0].Body)
	assert.Equal(t, "Ada <ada@example.com>", commits[0].Identity().String())
	assert.True(t, commits[0].AuthorDate.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, "h1", commits[1].Hash)
	assert.True(t, commits[1].AuthorDate.Equal(time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)))
}

func TestValidBranch(t *testing.T) {
	t.Parallel()
	for _, b := range []string{"main", "feature/x", "release-1.2"} {
		assert.True(t, validBranch(b), b)
	}
	for _, b := range []string{"", "-rf", "a..b", "a b", "x.lock", "a:b", "/x", "x/", "a@{1}"} {
		assert.False(t, validBranch(b), b)
	}
}

func TestExecRepoInitFailureLeavesNoRepository(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	fe := &fakeExecutor{script: map[string]Result{
		"commit": {ExitCode: 128, Stderr: []byte("fatal: unable to write commit")},
	}}
	mgr := NewManager(ManagerConfig{Root: root, Identity: testIdentity}, fe)

	_, err := mgr.Open(t.Context(), "t1", "w1", true)
	require.Error(t, err)
	assert.NoDirExists(t, mgr.Dir("t1", "w1"))

	_, err = mgr.Open(t.Context(), "t1", "w1", false)
	require.ErrorIs(t, err, ErrRepoNotFound)

	fe.mu.Lock()
	fe.script = nil
	fe.calls = nil
	fe.mu.Unlock()

	_, err = mgr.Open(t.Context(), "t1", "w1", true)
	require.NoError(t, err)
	assert.Contains(t, fe.argv(), "commit --quiet -m Initial commit")
}
