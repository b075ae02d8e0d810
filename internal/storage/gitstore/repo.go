// Package gitstore implements the version-control storage backend: one git
// repository per (team, workspace), one commit per write.
package gitstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hybridvault/hybridvault/internal/storage"
)

var (
	// ErrRepoNotFound is returned by Manager.Open when create is false and
	// the repository was never written to.
	ErrRepoNotFound = errors.New("repository not initialized")
	// ErrFileNotFound is returned when a revision or a path at a revision does not exist.
	ErrFileNotFound = errors.New("file not found at revision")
)

// seedFile is committed on initialization so history is never empty. It is
// reserved: callers cannot address it and listings hide it.
const seedFile = ".hybridvault"

// Repository is the interface for git operations on a single repository.
type Repository interface {
	// Dir returns the working tree directory.
	Dir() string
	// EnsureBranch checks out branch, creating it from HEAD when missing.
	EnsureBranch(ctx context.Context, branch string) error
	// Commit stages path (addition, modification or removal) and commits it.
	// changed is false when the staged state equals HEAD; no commit is made then.
	Commit(ctx context.Context, author storage.Identity, message, path string) (hash string, changed bool, err error)
	// History returns up to n commits reachable from rev touching path, newest first.
	// n <= 0 or n > 1000 means 1000.
	History(ctx context.Context, rev, path string, n int) ([]*Commit, error)
	// FileAtCommit reads path as of rev without touching the working tree.
	FileAtCommit(ctx context.Context, rev, path string) ([]byte, error)
}

// Commit represents a commit in git history.
type Commit struct {
	Hash        string    `json:"hash"`
	Message     string    `json:"message"` // Subject line.
	Body        string    `json:"body"`
	Author      string    `json:"author"`
	AuthorEmail string    `json:"author_email"`
	AuthorDate  time.Time `json:"author_date"`
	CommitDate  time.Time `json:"commit_date"`
}

// Identity returns the commit author as an Identity.
func (c *Commit) Identity() storage.Identity {
	return storage.Identity{Name: c.Author, Email: c.AuthorEmail}
}

// Impl selects which git implementation to use.
type Impl string

const (
	// ImplExec shells out to the git binary through an Executor (default).
	ImplExec Impl = "exec"
	// ImplGoGit uses go-git (pure Go, no git binary needed).
	ImplGoGit Impl = "gogit"
)

// Manager creates and caches repositories under a root directory, one per
// (team, workspace).
type Manager struct {
	root          string
	identity      storage.Identity
	defaultBranch string
	impl          Impl
	exec          Executor
	binary        string
	repos         sync.Map // dir -> Repository
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Root          string
	Identity      storage.Identity
	DefaultBranch string
	Impl          Impl
	Binary        string
}

// NewManager returns a Manager. exec is only used by ImplExec and may be nil
// for ImplGoGit.
func NewManager(cfg ManagerConfig, exec Executor) *Manager {
	if cfg.Identity.Name == "" {
		cfg.Identity.Name = "hybridvault"
	}
	if cfg.Identity.Email == "" {
		cfg.Identity.Email = "system@hybridvault.local"
	}
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	if cfg.Binary == "" {
		cfg.Binary = "git"
	}
	if cfg.Impl == "" {
		cfg.Impl = ImplExec
	}
	return &Manager{
		root:          cfg.Root,
		identity:      cfg.Identity,
		defaultBranch: cfg.DefaultBranch,
		impl:          cfg.Impl,
		exec:          exec,
		binary:        cfg.Binary,
	}
}

// Dir returns the working tree directory of a (team, workspace) repository.
func (m *Manager) Dir(teamID, workspaceID string) string {
	return filepath.Join(m.root, teamID, workspaceID)
}

// DefaultBranch returns the branch used when callers name none.
func (m *Manager) DefaultBranch() string { return m.defaultBranch }

// Identity returns the system identity.
func (m *Manager) Identity() storage.Identity { return m.identity }

// Open returns the repository of a (team, workspace). When it does not exist
// yet, create initializes it (identity config plus seed commit); otherwise
// ErrRepoNotFound is returned.
func (m *Manager) Open(ctx context.Context, teamID, workspaceID string, create bool) (Repository, error) {
	dir := m.Dir(teamID, workspaceID)
	if r, ok := m.repos.Load(dir); ok {
		return r.(Repository), nil
	}

	initialized := true
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat repository %s: %w", dir, err)
		}
		if !create {
			return nil, ErrRepoNotFound
		}
		initialized = false
	}

	var r Repository
	var err error
	switch m.impl {
	case ImplGoGit:
		r, err = openGoGitRepo(ctx, dir, m.identity, m.defaultBranch, !initialized, workspaceID)
	default:
		r, err = openExecRepo(ctx, m.exec, m.binary, dir, m.identity, m.defaultBranch, !initialized, workspaceID)
	}
	if err != nil {
		if !initialized {
			// A half-initialized .git would be taken as a repository on the next call.
			_ = os.RemoveAll(dir)
		}
		return nil, err
	}

	actual, _ := m.repos.LoadOrStore(dir, r)
	return actual.(Repository), nil
}

func seedContent(workspaceID string) []byte {
	return []byte("workspace: " + workspaceID + "\n")
}

// validBranch rejects names git would refuse or misparse as options.
func validBranch(b string) bool {
	if b == "" || strings.HasPrefix(b, "-") || strings.HasPrefix(b, "/") || strings.HasSuffix(b, "/") ||
		strings.HasSuffix(b, ".lock") || strings.Contains(b, "..") || strings.Contains(b, "@{") {
		return false
	}
	return !strings.ContainsAny(b, " ~^:?*[\\\x7f") && !strings.ContainsFunc(b, func(r rune) bool { return r < 0x20 })
}
