package gitstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hybridvault/hybridvault/internal/metrics"
	"github.com/hybridvault/hybridvault/internal/storage"
)

// logFormat separates fields with NUL and records with RS, since bodies may
// contain newlines.
const logFormat = "%H%x00%an%x00%ae%x00%ai%x00%cn%x00%ce%x00%ci%x00%s%x00%b%x1e"

const gitDateLayout = "2006-01-02 15:04:05 -0700"

// execRepo implements Repository by running the git binary.
type execRepo struct {
	exec     Executor
	binary   string
	dir      string
	identity storage.Identity
}

func openExecRepo(ctx context.Context, exec Executor, binary, dir string, identity storage.Identity, defaultBranch string, create bool, workspaceID string) (*execRepo, error) {
	if exec == nil {
		return nil, errors.New("gitstore: exec implementation requires an Executor")
	}
	r := &execRepo{exec: exec, binary: binary, dir: dir, identity: identity}
	if create {
		if err := r.init(ctx, defaultBranch, workspaceID); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *execRepo) init(ctx context.Context, defaultBranch, workspaceID string) error {
	wt := worktree{root: r.dir}
	if err := wt.write(seedFile, seedContent(workspaceID)); err != nil {
		return fmt.Errorf("failed to create repo directory: %w", err)
	}
	steps := [][]string{
		{"init", "--quiet"},
		{"symbolic-ref", "HEAD", "refs/heads/" + defaultBranch},
		{"config", "user.name", r.identity.Name},
		{"config", "user.email", r.identity.Email},
		{"config", "commit.gpgsign", "false"},
		{"add", "--", seedFile},
		{"commit", "--quiet", "-m", "Initial commit"},
	}
	for _, args := range steps {
		if _, err := r.git(ctx, args...); err != nil {
			return fmt.Errorf("failed to initialize git repo: %w", err)
		}
	}
	return nil
}

func (r *execRepo) Dir() string { return r.dir }

func (r *execRepo) EnsureBranch(ctx context.Context, branch string) error {
	res, err := r.git(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return fmt.Errorf("failed to read current branch: %w", err)
	}
	if strings.TrimSpace(string(res.Stdout)) == branch {
		return nil
	}

	_, err = r.git(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	switch {
	case err == nil:
		_, err = r.git(ctx, "checkout", "--quiet", branch)
	case ExitCode(err) == 1:
		_, err = r.git(ctx, "checkout", "--quiet", "-b", branch)
	}
	if err != nil {
		return fmt.Errorf("failed to check out branch %s: %w", branch, err)
	}
	return nil
}

func (r *execRepo) Commit(ctx context.Context, author storage.Identity, message, path string) (string, bool, error) {
	if _, err := r.git(ctx, "add", "-A", "--", path); err != nil {
		return "", false, fmt.Errorf("failed to stage %s: %w", path, err)
	}

	// Exit 1 means the index differs from HEAD for path.
	_, err := r.git(ctx, "diff", "--cached", "--quiet", "--", path)
	if err == nil {
		return "", false, nil
	}
	if ExitCode(err) != 1 {
		return "", false, fmt.Errorf("failed to diff %s: %w", path, err)
	}

	if author.Name == "" {
		author.Name = r.identity.Name
	}
	if author.Email == "" {
		author.Email = r.identity.Email
	}
	if _, err := r.git(ctx, "commit", "--quiet", "-m", message, "--author", author.String(), "--", path); err != nil {
		return "", false, fmt.Errorf("failed to commit: %w", err)
	}

	res, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return strings.TrimSpace(string(res.Stdout)), true, nil
}

func (r *execRepo) History(ctx context.Context, rev, path string, n int) ([]*Commit, error) {
	if n <= 0 || n > 1000 {
		n = 1000
	}
	res, err := r.git(ctx, "log", rev, "--pretty=format:"+logFormat, fmt.Sprintf("-n%d", n), "--", path)
	if err != nil {
		return nil, nil //nolint:nilerr // git log fails for unknown revisions, which means no history
	}
	return parseLog(string(res.Stdout)), nil
}

func parseLog(out string) []*Commit {
	var commits []*Commit
	for record := range strings.SplitSeq(out, "\x1e") {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}
		parts := strings.Split(record, "\x00")
		if len(parts) < 9 {
			continue
		}
		authorDate, _ := time.Parse(gitDateLayout, parts[3])
		commitDate, _ := time.Parse(gitDateLayout, parts[6])
		commits = append(commits, &Commit{
			Hash:        parts[0],
			Author:      parts[1],
			AuthorEmail: parts[2],
			AuthorDate:  authorDate,
			CommitDate:  commitDate,
			Message:     parts[7],
			Body:        strings.TrimSpace(parts[8]),
		})
	}
	return commits
}

func (r *execRepo) FileAtCommit(ctx context.Context, rev, path string) ([]byte, error) {
	res, err := r.git(ctx, "cat-file", "blob", rev+":"+path)
	if err != nil {
		if ExitCode(err) == 128 {
			return nil, fmt.Errorf("%s:%s: %w", rev, path, ErrFileNotFound)
		}
		return nil, fmt.Errorf("failed to get file at commit: %w", err)
	}
	return res.Stdout, nil
}

// git runs one git command in the repository with global and system config
// isolated. Pathspecs are literal so that glob characters in file names only
// match themselves.
func (r *execRepo) git(ctx context.Context, args ...string) (Result, error) {
	cmd := Command{
		Name: r.binary,
		Args: args,
		Dir:  r.dir,
		Env:  []string{"GIT_CONFIG_GLOBAL=/dev/null", "GIT_CONFIG_SYSTEM=/dev/null", "GIT_TERMINAL_PROMPT=0", "GIT_LITERAL_PATHSPECS=1"},
	}
	res, err := r.exec.Run(ctx, cmd)
	metrics.RecordGitCommand(args[0], err == nil)
	return res, err
}
