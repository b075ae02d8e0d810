package hybrid

import (
	"context"
	"fmt"
	"slices"

	"github.com/hybridvault/hybridvault/internal/logging"
	"github.com/hybridvault/hybridvault/internal/metrics"
	"github.com/hybridvault/hybridvault/internal/storage"
)

// needsBackup reports whether a version-control write is copied to the
// object backend: larger than the backup threshold, or an important document.
func (r *Router) needsBackup(pth string, size int64) bool {
	return size > r.cfg.BackupThreshold || r.backups.MatchesPath(pth)
}

// BackupPath returns the object-backend path of the backup of pth.
func BackupPath(pth string) string {
	return BackupPrefix + storage.CleanPath(pth)
}

// backup copies a version-control write to the object backend. In async
// mode it returns nil and the copy completes in the background; Wait drains
// it. Failures never reach the caller; they are logged and counted.
func (r *Router) backup(ctx context.Context, primary *storage.StoredObject, content []byte, opts storage.Options) *storage.BackupRecord {
	bopts := opts
	bopts.ForceBackend = storage.BackendNone
	bopts.PreferredBackend = storage.BackendNone
	bopts.Version = ""
	bopts.Branch = ""
	bopts.CommitMessage = fmt.Sprintf("Backup of %s at %s", primary.Path, primary.Version)

	if !r.cfg.AsyncBackup {
		return r.runBackup(ctx, primary.Path, primary.Version, content, bopts)
	}

	data := slices.Clone(content)
	pth, version := primary.Path, primary.Version
	bctx := context.WithoutCancel(ctx)
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		ctx, cancel := context.WithTimeout(bctx, r.cfg.BackupTimeout)
		defer cancel()
		r.runBackup(ctx, pth, version, data, bopts)
	}()
	return nil
}

func (r *Router) runBackup(ctx context.Context, pth, version string, content []byte, opts storage.Options) *storage.BackupRecord {
	rec := &storage.BackupRecord{Path: BackupPath(pth)}
	obj, err := r.object.Store(ctx, rec.Path, content, opts)
	metrics.RecordBackup(err == nil)
	if err != nil {
		rec.Error = err.Error()
		logging.WithContext(ctx).Warn("backup to object storage failed",
			logging.Path(pth), logging.Version(version), logging.Err(err))
		return rec
	}
	rec.Version = obj.Version
	rec.Checksum = obj.Checksum
	logging.WithContext(ctx).Debug("backed up to object storage", logging.Path(pth), logging.Version(obj.Version))
	return rec
}

// Wait blocks until background backups have finished.
func (r *Router) Wait() {
	r.inflight.Wait()
}
