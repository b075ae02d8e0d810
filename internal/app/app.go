// Package app wires configuration into the lock, the two storage providers
// and the hybrid router.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hybridvault/hybridvault/internal/config"
	"github.com/hybridvault/hybridvault/internal/lock"
	"github.com/hybridvault/hybridvault/internal/logging"
	"github.com/hybridvault/hybridvault/internal/storage"
	"github.com/hybridvault/hybridvault/internal/storage/gitstore"
	"github.com/hybridvault/hybridvault/internal/storage/hybrid"
	"github.com/hybridvault/hybridvault/internal/storage/objectstore"
)

// App holds the wired components.
type App struct {
	Config *config.Config
	Locker lock.Locker
	Git    *gitstore.Provider
	Object *objectstore.Provider
	Router *hybrid.Router

	closers []func() error
}

type deps struct {
	objectClient objectstore.Client
	executor     gitstore.Executor
	locker       lock.Locker
}

// Option overrides a dependency, mainly for tests.
type Option func(*deps)

// WithObjectClient replaces the S3 client.
func WithObjectClient(c objectstore.Client) Option {
	return func(d *deps) { d.objectClient = c }
}

// WithExecutor replaces the OS process executor used by the exec git backend.
func WithExecutor(e gitstore.Executor) Option {
	return func(d *deps) { d.executor = e }
}

// WithLocker replaces the configured locker.
func WithLocker(l lock.Locker) Option {
	return func(d *deps) { d.locker = l }
}

// New builds an App from cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var d deps
	for _, o := range opts {
		o(&d)
	}
	a := &App{Config: cfg}

	if d.locker == nil {
		l, closer, err := NewLocker(ctx, cfg.Lock)
		if err != nil {
			return nil, err
		}
		d.locker = l
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}
	a.Locker = d.locker

	identity := storage.Identity{Name: cfg.Git.AuthorName, Email: cfg.Git.AuthorEmail}

	if d.executor == nil && cfg.Git.Backend == string(gitstore.ImplExec) {
		d.executor = gitstore.NewOSExecutor(cfg.Git.CommandTimeout)
	}
	mgr := gitstore.NewManager(gitstore.ManagerConfig{
		Root:          cfg.Git.Root,
		Identity:      identity,
		DefaultBranch: cfg.Git.DefaultBranch,
		Impl:          gitstore.Impl(cfg.Git.Backend),
		Binary:        cfg.Git.Binary,
	}, d.executor)
	a.Git = gitstore.New(mgr, d.locker)

	if d.objectClient == nil {
		c, err := objectstore.NewS3Client(ctx, objectstore.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UsePathStyle:   cfg.S3.UsePathStyle,
			MaxAttempts:    cfg.S3.MaxAttempts,
			RequestTimeout: cfg.S3.RequestTimeout,
		})
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		d.objectClient = c
	}
	a.Object = objectstore.New(d.objectClient, objectstore.Config{
		Bucket:       cfg.S3.Bucket,
		BucketPrefix: cfg.S3.BucketPrefix,
		Versioning:   cfg.S3.Versioning,
		SSE:          cfg.S3.SSE,
		KMSKeyID:     cfg.S3.KMSKeyID,
		MaxKeys:      cfg.S3.MaxKeys,
		Identity:     identity,
	})

	a.Router = hybrid.New(a.Git, a.Object, hybrid.FromConfig(cfg.Router))

	logging.Info("storage initialized",
		zap.String("git_root", cfg.Git.Root),
		zap.String("git_backend", cfg.Git.Backend),
		zap.String("s3_endpoint", cfg.S3.Endpoint),
		zap.String("lock_backend", cfg.Lock.Backend))
	return a, nil
}

// NewLocker builds the configured Locker. The returned closer may be nil.
func NewLocker(ctx context.Context, cfg config.LockConfig) (lock.Locker, func() error, error) {
	switch cfg.Backend {
	case "", "local":
		return lock.NewKeyedMutex(), nil, nil
	case "redis":
		l, err := lock.NewRedisLocker(ctx, lock.RedisConfig{
			URL:         cfg.RedisURL,
			TTL:         cfg.TTL,
			WaitTimeout: cfg.WaitTimeout,
			KeyPrefix:   "hybridvault:lock:",
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redis lock: %w", err)
		}
		return l, l.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend: %s", cfg.Backend)
	}
}

// Provider returns the provider for a backend name: hybrid (or empty), git
// or object.
func (a *App) Provider(name string) (storage.Provider, error) {
	if name == "" {
		return a.Router, nil
	}
	switch storage.ParseBackend(name) {
	case storage.BackendHybrid:
		return a.Router, nil
	case storage.BackendGit:
		return a.Git, nil
	case storage.BackendObject:
		return a.Object, nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", name)
	}
}

// Close drains background backups and releases connections.
func (a *App) Close() error {
	if a.Router != nil {
		a.Router.Wait()
	}
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
