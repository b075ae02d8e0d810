// Package hybrid composes the version-control and object providers behind
// one storage.Provider: per-write backend selection, read fallback, merged
// listings and opportunistic backups of important documents.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	gitignore "github.com/sabhiram/go-gitignore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hybridvault/hybridvault/internal/config"
	"github.com/hybridvault/hybridvault/internal/logging"
	"github.com/hybridvault/hybridvault/internal/metrics"
	"github.com/hybridvault/hybridvault/internal/storage"
)

const kind = storage.BackendHybrid

// BackupRoot is the object-backend directory holding backups of
// version-controlled files.
const BackupRoot = "backups"

// BackupPrefix is prepended to the logical path of a backup copy.
const BackupPrefix = BackupRoot + "/git/"

// Config configures routing and backups.
type Config struct {
	LargeFileThreshold int64
	BackupThreshold    int64
	TextExtensions     []string
	BinaryExtensions   []string
	// BackupPatterns are gitignore-style lines; a matching path is backed up
	// regardless of size.
	BackupPatterns []string
	AsyncBackup    bool
	BackupTimeout  time.Duration
}

// DefaultConfig returns the built-in thresholds and lists.
func DefaultConfig() Config {
	return Config{
		LargeFileThreshold: 10 << 20,
		BackupThreshold:    1 << 20,
		TextExtensions:     config.DefaultTextExtensions,
		BinaryExtensions:   config.DefaultBinaryExtensions,
		BackupPatterns:     config.DefaultBackupPatterns,
		BackupTimeout:      2 * time.Minute,
	}
}

// FromConfig converts the router section of the application config.
func FromConfig(c config.RouterConfig) Config {
	return Config{
		LargeFileThreshold: c.LargeFileThreshold,
		BackupThreshold:    c.BackupThreshold,
		TextExtensions:     c.TextExtensions,
		BinaryExtensions:   c.BinaryExtensions,
		BackupPatterns:     c.BackupPatterns,
		AsyncBackup:        c.AsyncBackup,
		BackupTimeout:      c.BackupTimeout,
	}
}

// Router implements storage.Provider over a version-control provider and an
// object provider.
type Router struct {
	git    storage.Provider
	object storage.Provider
	cfg    Config

	text    map[string]bool
	binary  map[string]bool
	backups *gitignore.GitIgnore

	inflight sync.WaitGroup
}

var _ storage.Provider = (*Router)(nil)

// New returns a Router. Zero thresholds and nil lists take the defaults.
func New(git, object storage.Provider, cfg Config) *Router {
	def := DefaultConfig()
	if cfg.LargeFileThreshold <= 0 {
		cfg.LargeFileThreshold = def.LargeFileThreshold
	}
	if cfg.BackupThreshold <= 0 {
		cfg.BackupThreshold = def.BackupThreshold
	}
	if cfg.TextExtensions == nil {
		cfg.TextExtensions = def.TextExtensions
	}
	if cfg.BinaryExtensions == nil {
		cfg.BinaryExtensions = def.BinaryExtensions
	}
	if cfg.BackupPatterns == nil {
		cfg.BackupPatterns = def.BackupPatterns
	}
	if cfg.BackupTimeout <= 0 {
		cfg.BackupTimeout = def.BackupTimeout
	}
	return &Router{
		git:     git,
		object:  object,
		cfg:     cfg,
		text:    extSet(cfg.TextExtensions),
		binary:  extSet(cfg.BinaryExtensions),
		backups: gitignore.CompileIgnoreLines(cfg.BackupPatterns...),
	}
}

// Kind returns storage.BackendHybrid.
func (r *Router) Kind() storage.Backend { return kind }

func (r *Router) provider(b storage.Backend) storage.Provider {
	if b == storage.BackendObject {
		return r.object
	}
	return r.git
}

func validate(op, pth string, opts storage.Options) error {
	if err := storage.Validate(op, pth, opts); err != nil {
		return err
	}
	return validateHints(op, pth, opts)
}

func observe(op string, start time.Time, err error) {
	metrics.RecordOperation(string(kind), op, time.Since(start), err == nil)
}

// Store routes the write to one backend. Write failures are returned as-is;
// there is no fallback on write. Version-control writes of important or
// large documents are backed up to the object backend.
func (r *Router) Store(ctx context.Context, pth string, content []byte, opts storage.Options) (obj *storage.StoredObject, err error) {
	const op = "store"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if err := validate(op, pth, opts); err != nil {
		return nil, err
	}
	ctx = logging.WithScope(ctx, opts.TeamID, opts.WorkspaceID)

	backend, reason := r.SelectWrite(pth, content, opts)
	metrics.RecordRouting(string(backend), reason)
	logging.WithContext(ctx).Debug("routing write",
		logging.Path(pth), logging.Backend(string(backend)), zap.String("reason", reason), logging.Size(int64(len(content))))

	obj, err = r.provider(backend).Store(ctx, pth, content, opts)
	if err != nil {
		return nil, err
	}
	obj.Set("routing_reason", reason)
	if backend == storage.BackendGit && r.needsBackup(obj.Path, obj.Size) {
		obj.Backup = r.backup(ctx, obj, content, opts)
	}
	return obj, nil
}

// CreateVersion is Store with an explicit message.
func (r *Router) CreateVersion(ctx context.Context, pth string, content []byte, message string, opts storage.Options) (string, *storage.StoredObject, error) {
	if message != "" {
		opts.CommitMessage = message
	}
	obj, err := r.Store(ctx, pth, content, opts)
	if err != nil {
		return "", nil, err
	}
	return obj.Version, obj, nil
}

// readFallback runs fn against the selected backend and, unless the backend
// was forced or the call was invalid, against the other one on failure.
func readFallback[T any](ctx context.Context, r *Router, op, pth string, opts storage.Options, fn func(storage.Provider) (T, error), empty func(T) bool) (T, storage.Backend, bool, error) {
	var zero T
	primary, reason := r.SelectRead(pth, opts)
	v, err := fn(r.provider(primary))
	if err == nil && (empty == nil || !empty(v)) {
		return v, primary, false, nil
	}
	if errors.Is(err, storage.ErrValidation) || reason == ReasonForced {
		return v, primary, false, err
	}

	secondary := primary.Other()
	v2, err2 := fn(r.provider(secondary))
	ok := err2 == nil && (empty == nil || !empty(v2))
	metrics.RecordFallback(string(primary), string(secondary), ok)
	if ok {
		logging.WithContext(logging.WithScope(ctx, opts.TeamID, opts.WorkspaceID)).Warn("read served by fallback backend",
			logging.Op(op), logging.Path(pth), zap.String("from", string(primary)),
			zap.String("to", string(secondary)), zap.NamedError("primary_error", err))
		return v2, secondary, true, nil
	}
	if err == nil {
		// Empty on both sides is a valid answer.
		return v, primary, false, nil
	}
	if err2 == nil {
		return v2, secondary, true, nil
	}
	return zero, storage.BackendNone, false, bothFailed(op, pth, primary, err, secondary, err2)
}

// bothFailed is not_found when both backends said so, a backend_error
// carrying both causes otherwise.
func bothFailed(op, pth string, a storage.Backend, errA error, b storage.Backend, errB error) error {
	cause := fmt.Errorf("%s: %v; %s: %v", a, errA, b, errB)
	if storage.IsNotFound(errA) && storage.IsNotFound(errB) {
		return storage.NotFound(op, kind, pth, cause)
	}
	return &storage.Error{Kind: storage.ErrBackend, Op: op, Backend: kind, Path: pth, Err: cause}
}

func (r *Router) readObject(ctx context.Context, op, pth string, opts storage.Options, fn func(storage.Provider) (*storage.StoredObject, error)) (*storage.StoredObject, error) {
	obj, _, fellBack, err := readFallback(ctx, r, op, pth, opts, fn, nil)
	if err != nil {
		return nil, err
	}
	obj.RetrievedViaFallback = fellBack
	return obj, nil
}

// Retrieve reads from the selected backend, falling back to the other one.
func (r *Router) Retrieve(ctx context.Context, pth string, opts storage.Options) (obj *storage.StoredObject, err error) {
	const op = "retrieve"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if err := validate(op, pth, opts); err != nil {
		return nil, err
	}
	return r.readObject(ctx, op, pth, opts, func(p storage.Provider) (*storage.StoredObject, error) {
		return p.Retrieve(ctx, pth, opts)
	})
}

// RetrieveVersion reads one version, falling back to the other backend.
func (r *Router) RetrieveVersion(ctx context.Context, pth, version string, opts storage.Options) (obj *storage.StoredObject, err error) {
	const op = "retrieve_version"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if err := validate(op, pth, opts); err != nil {
		return nil, err
	}
	return r.readObject(ctx, op, pth, opts, func(p storage.Provider) (*storage.StoredObject, error) {
		return p.RetrieveVersion(ctx, pth, version, opts)
	})
}

// GetMetadata probes the selected backend, falling back to the other one.
func (r *Router) GetMetadata(ctx context.Context, pth string, opts storage.Options) (obj *storage.StoredObject, err error) {
	const op = "get_metadata"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if err := validate(op, pth, opts); err != nil {
		return nil, err
	}
	return r.readObject(ctx, op, pth, opts, func(p storage.Provider) (*storage.StoredObject, error) {
		return p.GetMetadata(ctx, pth, opts)
	})
}

// ListVersions returns the history from the selected backend, or from the
// other one when the first fails or has none.
func (r *Router) ListVersions(ctx context.Context, pth string, opts storage.Options) (out []storage.VersionInfo, err error) {
	const op = "list_versions"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if err := validate(op, pth, opts); err != nil {
		return nil, err
	}
	out, _, _, err = readFallback(ctx, r, op, pth, opts, func(p storage.Provider) ([]storage.VersionInfo, error) {
		return p.ListVersions(ctx, pth, opts)
	}, func(v []storage.VersionInfo) bool { return len(v) == 0 })
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []storage.VersionInfo{}
	}
	return out, nil
}

// Exists is true when either backend has the path, or the forced one does.
func (r *Router) Exists(ctx context.Context, pth string, opts storage.Options) bool {
	if validate("exists", pth, opts) != nil {
		return false
	}
	primary, reason := r.SelectRead(pth, opts)
	if r.provider(primary).Exists(ctx, pth, opts) {
		return true
	}
	if reason == ReasonForced {
		return false
	}
	return r.provider(primary.Other()).Exists(ctx, pth, opts)
}

// Delete removes pth from both backends concurrently. It succeeds when at
// least one backend succeeds; backups are left in place.
func (r *Router) Delete(ctx context.Context, pth string, opts storage.Options) (err error) {
	const op = "delete"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if err := validate(op, pth, opts); err != nil {
		return err
	}
	if b, ok := pinned(opts); ok {
		return r.provider(b).Delete(ctx, pth, opts)
	}

	var gitErr, objErr error
	var g errgroup.Group
	g.Go(func() error { gitErr = r.git.Delete(ctx, pth, opts); return nil })
	g.Go(func() error { objErr = r.object.Delete(ctx, pth, opts); return nil })
	_ = g.Wait()

	switch {
	case gitErr == nil && objErr == nil:
		return nil
	case gitErr != nil && objErr != nil:
		return bothFailed(op, pth, storage.BackendGit, gitErr, storage.BackendObject, objErr)
	case gitErr != nil:
		logging.WithContext(ctx).Warn("delete failed on one backend", logging.Path(pth), logging.Backend(string(storage.BackendGit)), logging.Err(gitErr))
	default:
		logging.WithContext(ctx).Warn("delete failed on one backend", logging.Path(pth), logging.Backend(string(storage.BackendObject)), logging.Err(objErr))
	}
	return nil
}

// List merges the listings of both backends by path. A failing backend
// contributes nothing. On a collision the version-control entry wins. The
// backup area is hidden from the workspace root.
func (r *Router) List(ctx context.Context, dir string, opts storage.Options) (out []*storage.StoredObject, err error) {
	const op = "list"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if err := storage.ValidateDir(op, dir, opts); err != nil {
		return nil, err
	}
	if err := validateHints(op, dir, opts); err != nil {
		return nil, err
	}
	if b, ok := pinned(opts); ok {
		return r.provider(b).List(ctx, dir, opts)
	}

	var gitEntries, objEntries []*storage.StoredObject
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gitEntries = r.listOrEmpty(gctx, r.git, dir, opts)
		return nil
	})
	g.Go(func() error {
		objEntries = r.listOrEmpty(gctx, r.object, dir, opts)
		return nil
	})
	_ = g.Wait()

	atRoot := storage.CleanPath(dir) == ""
	merged := make(map[string]*storage.StoredObject, len(gitEntries)+len(objEntries))
	for _, e := range objEntries {
		if atRoot && e.Path == BackupRoot {
			continue
		}
		merged[e.Path] = e
	}
	for _, e := range gitEntries {
		merged[e.Path] = e
	}

	out = make([]*storage.StoredObject, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *storage.StoredObject) int { return strings.Compare(a.Path, b.Path) })
	if limit := opts.Limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Router) listOrEmpty(ctx context.Context, p storage.Provider, dir string, opts storage.Options) []*storage.StoredObject {
	entries, err := p.List(ctx, dir, opts)
	if err != nil {
		logging.WithContext(ctx).Warn("list failed on one backend, treating as empty",
			logging.Path(dir), logging.Backend(string(p.Kind())), logging.Err(err))
		return nil
	}
	return entries
}
