package hybrid

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hybridvault/hybridvault/internal/logging"
	"github.com/hybridvault/hybridvault/internal/storage"
)

// Sync replicates pth between backends. Same-backend pairs are delegated to
// the provider (repository to repository, or bucket to bucket); cross-backend
// pairs read from the source and store into the destination. Any other pair
// is unsupported.
func (r *Router) Sync(ctx context.Context, from, to storage.Backend, pth string, opts storage.Options) (res *storage.SyncResult, err error) {
	const op = "sync"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if !concrete(from) || !concrete(to) {
		return nil, storage.Unsupported(op, from, to)
	}
	if err := validate(op, pth, opts); err != nil {
		return nil, err
	}
	logging.WithContext(ctx).Debug("sync", logging.Path(pth), zap.String("from", string(from)), zap.String("to", string(to)))

	if from == to {
		return r.provider(from).Sync(ctx, from, to, pth, opts)
	}

	src := opts.Source()
	src.ForceBackend, src.PreferredBackend = storage.BackendNone, storage.BackendNone
	source, err := r.provider(from).Retrieve(ctx, pth, src)
	if err != nil {
		return nil, err
	}

	target := opts
	target.Version = ""
	target.SourceTeamID, target.SourceWorkspaceID, target.SourceBucket = "", "", ""
	target.ForceBackend, target.PreferredBackend = storage.BackendNone, storage.BackendNone
	if target.Author == "" {
		target.Author = source.Author
	}
	if target.CommitMessage == "" {
		target.CommitMessage = fmt.Sprintf("Sync %s from %s", source.Path, from)
	}
	stored, err := r.provider(to).Store(ctx, pth, source.Content, target)
	if err != nil {
		return nil, err
	}
	stored.Set("synced_from", string(from))
	return &storage.SyncResult{
		From:          from,
		To:            to,
		Path:          stored.Path,
		SourceVersion: source.Version,
		Target:        stored,
		SyncedAt:      time.Now().UTC(),
	}, nil
}

func concrete(b storage.Backend) bool {
	return b == storage.BackendGit || b == storage.BackendObject
}
