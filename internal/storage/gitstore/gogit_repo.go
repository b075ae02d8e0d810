package gitstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/hybridvault/hybridvault/internal/storage"
)

// goGitRepo implements Repository using go-git (pure Go, no git binary dependency).
type goGitRepo struct {
	dir      string
	identity storage.Identity
	repo     *gogit.Repository
	mu       sync.Mutex
}

func openGoGitRepo(_ context.Context, dir string, identity storage.Identity, defaultBranch string, create bool, workspaceID string) (*goGitRepo, error) {
	r := &goGitRepo{dir: dir, identity: identity}
	if !create {
		repo, err := gogit.PlainOpen(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open git repo: %w", err)
		}
		r.repo = repo
		return r, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create repo directory: %w", err)
	}
	repo, err := gogit.PlainInitWithOptions(dir, &gogit.PlainInitOptions{
		InitOptions: gogit.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(defaultBranch)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize git repo: %w", err)
	}
	cfg, err := repo.Config()
	if err != nil {
		return nil, fmt.Errorf("failed to read git config: %w", err)
	}
	cfg.User.Name = identity.Name
	cfg.User.Email = identity.Email
	if err := repo.SetConfig(cfg); err != nil {
		return nil, fmt.Errorf("failed to write git config: %w", err)
	}
	r.repo = repo

	if err := (worktree{root: dir}).write(seedFile, seedContent(workspaceID)); err != nil {
		return nil, err
	}
	if _, _, err := r.Commit(context.Background(), identity, "Initial commit", seedFile); err != nil {
		return nil, fmt.Errorf("failed to create initial commit: %w", err)
	}
	return r, nil
}

func (r *goGitRepo) Dir() string { return r.dir }

func (r *goGitRepo) EnsureBranch(_ context.Context, branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	head, err := r.repo.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	name := plumbing.NewBranchReferenceName(branch)
	if head.Name() == name {
		return nil
	}

	_, err = r.repo.Reference(name, true)
	exists := err == nil
	if err != nil && !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return fmt.Errorf("failed to look up branch %s: %w", branch, err)
	}

	w, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := w.Checkout(&gogit.CheckoutOptions{Branch: name, Create: !exists}); err != nil {
		return fmt.Errorf("failed to check out branch %s: %w", branch, err)
	}
	return nil
}

func (r *goGitRepo) Commit(_ context.Context, author storage.Identity, message, path string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, err := r.repo.Worktree()
	if err != nil {
		return "", false, fmt.Errorf("failed to get worktree: %w", err)
	}

	if (worktree{root: r.dir}).exists(path) {
		if _, err := w.Add(path); err != nil {
			return "", false, fmt.Errorf("failed to stage %s: %w", path, err)
		}
	} else if _, err := w.Remove(path); err != nil && !errors.Is(err, index.ErrEntryNotFound) {
		return "", false, fmt.Errorf("failed to stage removal of %s: %w", path, err)
	}

	status, err := w.Status()
	if err != nil {
		return "", false, fmt.Errorf("failed to get worktree status: %w", err)
	}
	fs, ok := status[path]
	if !ok || fs.Staging == gogit.Unmodified || fs.Staging == gogit.Untracked {
		return "", false, nil
	}

	if author.Name == "" {
		author.Name = r.identity.Name
	}
	if author.Email == "" {
		author.Email = r.identity.Email
	}
	now := time.Now()
	hash, err := w.Commit(message, &gogit.CommitOptions{
		Author:    &object.Signature{Name: author.Name, Email: author.Email, When: now},
		Committer: &object.Signature{Name: r.identity.Name, Email: r.identity.Email, When: now},
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), true, nil
}

func (r *goGitRepo) History(_ context.Context, rev, path string, n int) ([]*Commit, error) {
	if n <= 0 || n > 1000 {
		n = 1000
	}
	h, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, nil // unknown revision means no history
	}
	opts := &gogit.LogOptions{From: *h}
	if path != "" && path != "." {
		opts.FileName = &path
	}
	iter, err := r.repo.Log(opts)
	if err != nil {
		return nil, nil
	}
	defer iter.Close()

	var commits []*Commit
	for range n {
		c, err := iter.Next()
		if err != nil {
			break
		}
		subject, body, _ := strings.Cut(c.Message, "\n")
		commits = append(commits, &Commit{
			Hash:        c.Hash.String(),
			Message:     subject,
			Body:        strings.TrimSpace(body),
			Author:      c.Author.Name,
			AuthorEmail: c.Author.Email,
			AuthorDate:  c.Author.When,
			CommitDate:  c.Committer.When,
		})
	}
	return commits, nil
}

func (r *goGitRepo) FileAtCommit(_ context.Context, rev, path string) ([]byte, error) {
	h, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rev, ErrFileNotFound)
	}
	c, err := r.repo.CommitObject(*h)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rev, ErrFileNotFound)
	}
	f, err := c.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, fmt.Errorf("%s:%s: %w", rev, path, ErrFileNotFound)
		}
		return nil, fmt.Errorf("failed to get file at commit: %w", err)
	}
	reader, err := f.Reader()
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}
