package gitstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/hybridvault/hybridvault/internal/lock"
	"github.com/hybridvault/hybridvault/internal/logging"
	"github.com/hybridvault/hybridvault/internal/metrics"
	"github.com/hybridvault/hybridvault/internal/storage"
)

const kind = storage.BackendGit

// Provider implements storage.Provider on per-(team, workspace) git
// repositories. Every operation holds the repository lock for its duration.
type Provider struct {
	mgr   *Manager
	locks lock.Locker
}

var _ storage.Provider = (*Provider)(nil)

// New returns a Provider. A nil locker means an in-process keyed mutex.
func New(mgr *Manager, locks lock.Locker) *Provider {
	if locks == nil {
		locks = lock.NewKeyedMutex()
	}
	return &Provider{mgr: mgr, locks: locks}
}

// Kind returns storage.BackendGit.
func (p *Provider) Kind() storage.Backend { return kind }

// Manager returns the repository manager.
func (p *Provider) Manager() *Manager { return p.mgr }

func repoKey(opts storage.Options) string {
	return "git:" + opts.Scope()
}

func (p *Provider) branch(opts storage.Options) string {
	if opts.Branch != "" {
		return opts.Branch
	}
	return p.mgr.DefaultBranch()
}

func validate(op, pth string, opts storage.Options) error {
	if err := storage.Validate(op, pth, opts); err != nil {
		return err
	}
	return validateGit(op, pth, opts)
}

func validateGit(op, pth string, opts storage.Options) error {
	clean := storage.CleanPath(pth)
	if first, _, _ := strings.Cut(clean, "/"); first == ".git" || clean == seedFile {
		return storage.Invalid(op, pth, "path must not address repository metadata")
	}
	if opts.Branch != "" && !validBranch(opts.Branch) {
		return storage.Invalid(op, pth, "invalid branch name %q", opts.Branch)
	}
	return nil
}

// withRepo locks the repository, opens it and checks out the requested
// branch before calling fn. ErrRepoNotFound is returned unchanged when the
// repository does not exist and create is false.
func (p *Provider) withRepo(ctx context.Context, op string, opts storage.Options, create bool, fn func(Repository, string) error) error {
	unlock, err := p.locks.Lock(ctx, repoKey(opts))
	if err != nil {
		return storage.BackendFailure(op, kind, "", fmt.Errorf("lock %s: %w", opts.Scope(), err))
	}
	defer unlock()

	repo, err := p.mgr.Open(ctx, opts.TeamID, opts.WorkspaceID, create)
	if err != nil {
		if errors.Is(err, ErrRepoNotFound) {
			return err
		}
		return storage.BackendFailure(op, kind, "", err)
	}
	branch := p.branch(opts)
	if err := repo.EnsureBranch(ctx, branch); err != nil {
		return storage.BackendFailure(op, kind, "", err)
	}
	return fn(repo, branch)
}

func observe(op string, start time.Time, err error) {
	metrics.RecordOperation(string(kind), op, time.Since(start), err == nil)
}

// Store writes content to the working tree and commits it. Identical content
// yields the prior commit id with no new commit.
func (p *Provider) Store(ctx context.Context, pth string, content []byte, opts storage.Options) (obj *storage.StoredObject, err error) {
	const op = "store"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if err := validate(op, pth, opts); err != nil {
		return nil, err
	}
	pth = storage.CleanPath(pth)

	err = p.withRepo(ctx, op, opts, true, func(repo Repository, branch string) error {
		obj, err = p.store(ctx, repo, branch, pth, content, opts)
		return err
	})
	if err != nil {
		return nil, storage.BackendFailure(op, kind, pth, err)
	}
	logging.WithContext(ctx).Debug("git store",
		logging.Path(pth), logging.Team(opts.TeamID), logging.Workspace(opts.WorkspaceID),
		logging.Version(obj.Version), logging.Size(obj.Size))
	return obj, nil
}

func (p *Provider) store(ctx context.Context, repo Repository, branch, pth string, content []byte, opts storage.Options) (*storage.StoredObject, error) {
	wt := worktree{root: repo.Dir()}
	prev := wt.snapshot(pth)
	if err := wt.write(pth, content); err != nil {
		return nil, err
	}

	author := storage.ParseAuthor(opts.Author, p.mgr.Identity())
	message := opts.MessageOr(storage.DefaultMessage(pth))
	hash, changed, err := repo.Commit(ctx, author, message, pth)
	if err != nil {
		if rerr := wt.restore(prev); rerr != nil {
			logging.Warn("restore after failed commit", logging.Path(pth), logging.Err(rerr))
		}
		return nil, err
	}

	obj := storage.Describe(pth, content, kind)
	obj.Version = hash
	obj.Author = author.String()
	if !changed {
		// Nothing to commit: report the commit that already holds this content.
		if last := p.lastCommit(ctx, repo, branch, pth); last != nil {
			obj.Version = last.Hash
			obj.Author = last.Identity().String()
			obj.LastModified = last.AuthorDate.UTC()
		}
	}
	obj.Set("branch", branch)
	obj.Set("commit_message", message)
	obj.Set("repository", opts.Scope())
	obj.Set("committed", changed)
	return obj, nil
}

func (p *Provider) lastCommit(ctx context.Context, repo Repository, rev, pth string) *Commit {
	commits, err := repo.History(ctx, rev, pth, 1)
	if err != nil || len(commits) == 0 {
		return nil
	}
	return commits[0]
}

// describe builds read metadata, annotated with the last commit touching pth.
func (p *Provider) describe(ctx context.Context, repo Repository, rev, pth string, content []byte, c *Commit) *storage.StoredObject {
	obj := storage.Describe(pth, content, kind)
	if c == nil {
		c = p.lastCommit(ctx, repo, rev, pth)
	}
	if c != nil {
		obj.Version = c.Hash
		obj.Author = c.Identity().String()
		obj.LastModified = c.AuthorDate.UTC()
		obj.Set("commit_message", c.Message)
	}
	obj.Set("branch", rev)
	return obj
}

// Retrieve reads the working-tree file, or the file at opts.Version.
func (p *Provider) Retrieve(ctx context.Context, pth string, opts storage.Options) (obj *storage.StoredObject, err error) {
	const op = "retrieve"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if opts.Version != "" {
		return p.retrieveVersion(ctx, op, pth, opts.Version, opts)
	}
	if err := validate(op, pth, opts); err != nil {
		return nil, err
	}
	pth = storage.CleanPath(pth)

	err = p.withRepo(ctx, op, opts, false, func(repo Repository, branch string) error {
		wt := worktree{root: repo.Dir()}
		if !wt.exists(pth) {
			return storage.NotFound(op, kind, pth, nil)
		}
		data, err := wt.read(pth)
		if err != nil {
			return err
		}
		obj = p.describe(ctx, repo, branch, pth, data, nil)
		return nil
	})
	if errors.Is(err, ErrRepoNotFound) {
		return nil, storage.NotFound(op, kind, pth, err)
	}
	if err != nil {
		return nil, storage.BackendFailure(op, kind, pth, err)
	}
	return obj, nil
}

// RetrieveVersion reads pth as of commit version without touching the working tree.
func (p *Provider) RetrieveVersion(ctx context.Context, pth, version string, opts storage.Options) (obj *storage.StoredObject, err error) {
	const op = "retrieve_version"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	return p.retrieveVersion(ctx, op, pth, version, opts)
}

func (p *Provider) retrieveVersion(ctx context.Context, op, pth, version string, opts storage.Options) (obj *storage.StoredObject, err error) {
	if err := validate(op, pth, opts); err != nil {
		return nil, err
	}
	if version == "" {
		return nil, storage.Invalid(op, pth, "version is required")
	}
	pth = storage.CleanPath(pth)

	err = p.withRepo(ctx, op, opts, false, func(repo Repository, _ string) error {
		data, err := repo.FileAtCommit(ctx, version, pth)
		if err != nil {
			if errors.Is(err, ErrFileNotFound) {
				return storage.NotFound(op, kind, pth, err)
			}
			return err
		}
		obj = p.describe(ctx, repo, version, pth, data, nil)
		obj.Set("requested_version", version)
		return nil
	})
	if errors.Is(err, ErrRepoNotFound) {
		return nil, storage.NotFound(op, kind, pth, err)
	}
	if err != nil {
		return nil, storage.BackendFailure(op, kind, pth, err)
	}
	return obj, nil
}

// Delete removes pth and commits the removal. A missing file, or a missing
// repository, is a no-op.
func (p *Provider) Delete(ctx context.Context, pth string, opts storage.Options) (err error) {
	const op = "delete"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if err := validate(op, pth, opts); err != nil {
		return err
	}
	pth = storage.CleanPath(pth)

	err = p.withRepo(ctx, op, opts, false, func(repo Repository, _ string) error {
		wt := worktree{root: repo.Dir()}
		if !wt.exists(pth) {
			return nil
		}
		prev := wt.snapshot(pth)
		if err := wt.remove(pth); err != nil {
			return err
		}
		author := storage.ParseAuthor(opts.Author, p.mgr.Identity())
		message := opts.MessageOr(fmt.Sprintf("Delete %s", pth))
		if _, _, err := repo.Commit(ctx, author, message, pth); err != nil {
			if rerr := wt.restore(prev); rerr != nil {
				logging.Warn("restore after failed delete", logging.Path(pth), logging.Err(rerr))
			}
			return err
		}
		return nil
	})
	if errors.Is(err, ErrRepoNotFound) {
		return nil
	}
	return storage.BackendFailure(op, kind, pth, err)
}

// List returns the immediate children of dir on the branch. Directories are
// returned with IsDir set. A missing repository or directory lists as empty.
func (p *Provider) List(ctx context.Context, dir string, opts storage.Options) (out []*storage.StoredObject, err error) {
	const op = "list"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if err := storage.ValidateDir(op, dir, opts); err != nil {
		return nil, err
	}
	dir = storage.CleanPath(dir)
	if err := validateGit(op, dir, opts); err != nil {
		return nil, err
	}

	err = p.withRepo(ctx, op, opts, false, func(repo Repository, branch string) error {
		wt := worktree{root: repo.Dir()}
		if dir != "" && wt.exists(dir) {
			data, err := wt.read(dir)
			if err != nil {
				return err
			}
			obj := p.describe(ctx, repo, branch, dir, data, nil).WithoutContent()
			out = []*storage.StoredObject{obj}
			return nil
		}

		entries, err := wt.list(dir)
		if err != nil {
			return err
		}
		limit := opts.Limit()
		for _, e := range entries {
			if len(out) >= limit {
				break
			}
			out = append(out, p.entry(wt, dir, e))
		}
		return nil
	})
	if errors.Is(err, ErrRepoNotFound) {
		return []*storage.StoredObject{}, nil
	}
	if err != nil {
		return nil, storage.BackendFailure(op, kind, dir, err)
	}
	if out == nil {
		out = []*storage.StoredObject{}
	}
	return out, nil
}

func (p *Provider) entry(wt worktree, dir string, e entry) *storage.StoredObject {
	key := path.Join(dir, e.name)
	if e.isDir {
		return &storage.StoredObject{Path: key, IsDir: true, Backend: kind, LastModified: e.modTime.UTC()}
	}
	obj := &storage.StoredObject{
		Path:         key,
		MimeType:     storage.MimeType(key, nil),
		Size:         e.size,
		LastModified: e.modTime.UTC(),
		Backend:      kind,
	}
	if data, err := wt.read(key); err == nil {
		obj.Checksum = storage.Checksum(data)
		obj.MimeType = storage.MimeType(key, data)
	}
	return obj
}

// Exists reports whether pth is present on the branch (or at opts.Version).
// Any failure reports false.
func (p *Provider) Exists(ctx context.Context, pth string, opts storage.Options) bool {
	const op = "exists"
	if validate(op, pth, opts) != nil {
		return false
	}
	pth = storage.CleanPath(pth)

	found := false
	err := p.withRepo(ctx, op, opts, false, func(repo Repository, _ string) error {
		if opts.Version != "" {
			_, err := repo.FileAtCommit(ctx, opts.Version, pth)
			found = err == nil
			return nil
		}
		found = worktree{root: repo.Dir()}.exists(pth)
		return nil
	})
	return err == nil && found
}

// GetMetadata is Retrieve without content.
func (p *Provider) GetMetadata(ctx context.Context, pth string, opts storage.Options) (*storage.StoredObject, error) {
	obj, err := p.Retrieve(ctx, pth, opts)
	if err != nil {
		return nil, err
	}
	return obj.WithoutContent(), nil
}

// CreateVersion is Store with an explicit commit message.
func (p *Provider) CreateVersion(ctx context.Context, pth string, content []byte, message string, opts storage.Options) (string, *storage.StoredObject, error) {
	if message != "" {
		opts.CommitMessage = message
	}
	obj, err := p.Store(ctx, pth, content, opts)
	if err != nil {
		return "", nil, err
	}
	return obj.Version, obj, nil
}

// ListVersions returns the commits touching pth on the branch, newest first.
func (p *Provider) ListVersions(ctx context.Context, pth string, opts storage.Options) (out []storage.VersionInfo, err error) {
	const op = "list_versions"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if err := validate(op, pth, opts); err != nil {
		return nil, err
	}
	pth = storage.CleanPath(pth)

	err = p.withRepo(ctx, op, opts, false, func(repo Repository, branch string) error {
		commits, err := repo.History(ctx, branch, pth, opts.Limit())
		if err != nil {
			return err
		}
		wt := worktree{root: repo.Dir()}
		for i, c := range commits {
			info := storage.VersionInfo{
				Version:   c.Hash,
				Author:    c.Identity().String(),
				Message:   c.Message,
				Timestamp: c.AuthorDate.UTC(),
				IsLatest:  i == 0 && wt.exists(pth),
			}
			out = append(out, info)
		}
		return nil
	})
	if errors.Is(err, ErrRepoNotFound) {
		return []storage.VersionInfo{}, nil
	}
	if err != nil {
		return nil, storage.BackendFailure(op, kind, pth, err)
	}
	if out == nil {
		out = []storage.VersionInfo{}
	}
	return out, nil
}

// Sync replicates pth from the source repository (opts.Source()) into the
// target repository with a new commit. Only git to git is supported here.
func (p *Provider) Sync(ctx context.Context, from, to storage.Backend, pth string, opts storage.Options) (res *storage.SyncResult, err error) {
	const op = "sync"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if from != kind || to != kind {
		return nil, storage.Unsupported(op, from, to)
	}
	src := opts.Source()
	if err := validate(op, pth, src); err != nil {
		return nil, err
	}

	source, err := p.Retrieve(ctx, pth, src)
	if err != nil {
		return nil, err
	}

	target := opts
	target.Version = ""
	target.SourceTeamID, target.SourceWorkspaceID, target.SourceBucket = "", "", ""
	if target.CommitMessage == "" {
		target.CommitMessage = fmt.Sprintf("Sync %s from %s", storage.CleanPath(pth), src.Scope())
	}
	if target.Author == "" {
		target.Author = source.Author
	}
	stored, err := p.Store(ctx, pth, source.Content, target)
	if err != nil {
		return nil, err
	}
	stored.Set("source_repository", src.Scope())
	return &storage.SyncResult{
		From:          from,
		To:            to,
		Path:          stored.Path,
		SourceVersion: source.Version,
		Target:        stored,
		SyncedAt:      time.Now().UTC(),
	}, nil
}
