package objectstore

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hybridvault/hybridvault/internal/logging"
	"github.com/hybridvault/hybridvault/internal/metrics"
	"github.com/hybridvault/hybridvault/internal/storage"
)

const kind = storage.BackendObject

// Object metadata keys. S3 lower-cases user metadata names.
const (
	metaAuthor           = "author"
	metaTeamID           = "team-id"
	metaWorkspaceID      = "workspace-id"
	metaUploadedAt       = "uploaded-at"
	metaChecksum         = "checksum"
	metaCommitMessage    = "commit-message"
	metaLogicalPath      = "logical-path"
	metaGeneratedVersion = "generated-version"
)

// Config configures the provider.
type Config struct {
	// Bucket, when set, is shared by all teams.
	Bucket string
	// BucketPrefix derives per-team buckets as "{prefix}-{team}".
	BucketPrefix string
	// Versioning enables native versioning on buckets the provider creates.
	Versioning bool
	SSE        string
	KMSKeyID   string
	// MaxKeys caps listings; Options.MaxKeys can lower it further.
	MaxKeys  int
	Identity storage.Identity
}

// Provider implements storage.Provider on an S3-compatible object store.
type Provider struct {
	client  Client
	cfg     Config
	ensured sync.Map // bucket -> struct{}
}

var _ storage.Provider = (*Provider)(nil)

// New returns a Provider.
func New(client Client, cfg Config) *Provider {
	if cfg.BucketPrefix == "" {
		cfg.BucketPrefix = "hybridvault"
	}
	if cfg.MaxKeys <= 0 || cfg.MaxKeys > storage.DefaultMaxKeys {
		cfg.MaxKeys = storage.DefaultMaxKeys
	}
	if cfg.Identity.Name == "" {
		cfg.Identity = storage.Identity{Name: "hybridvault", Email: "system@hybridvault.local"}
	}
	return &Provider{client: client, cfg: cfg}
}

// Kind returns storage.BackendObject.
func (p *Provider) Kind() storage.Backend { return kind }

// Client returns the underlying client.
func (p *Provider) Client() Client { return p.client }

// Prefix returns the key prefix of a (team, workspace), with trailing slash.
func Prefix(teamID, workspaceID string) string {
	return "teams/" + teamID + "/workspaces/" + workspaceID + "/"
}

// Key returns the object key of a logical path.
func Key(opts storage.Options, pth string) string {
	return Prefix(opts.TeamID, opts.WorkspaceID) + storage.CleanPath(pth)
}

// Bucket returns the bucket for opts: the per-call override, the configured
// shared bucket, or the derived per-team bucket.
func (p *Provider) Bucket(opts storage.Options) string {
	if opts.Bucket != "" {
		return opts.Bucket
	}
	if p.cfg.Bucket != "" {
		return p.cfg.Bucket
	}
	return bucketName(p.cfg.BucketPrefix + "-" + opts.TeamID)
}

// bucketName maps s onto the S3 bucket alphabet: lower-case letters, digits
// and hyphens, 3 to 63 characters.
func bucketName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "-")
	}
	for len(name) < 3 {
		name += "0"
	}
	return name
}

func (p *Provider) limit(opts storage.Options) int {
	return min(opts.Limit(), p.cfg.MaxKeys)
}

func (p *Provider) ensureBucket(ctx context.Context, bucket string, opts storage.Options) error {
	if _, ok := p.ensured.Load(bucket); ok {
		return nil
	}
	if err := p.client.EnsureBucket(ctx, bucket, p.cfg.Versioning || opts.EnableVersioning); err != nil {
		return err
	}
	p.ensured.Store(bucket, struct{}{})
	return nil
}

func observe(op string, start time.Time, err error) {
	metrics.RecordOperation(string(kind), op, time.Since(start), err == nil)
}

// classify maps client errors onto the storage taxonomy.
func classify(op, pth string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNoSuchKey) {
		return storage.NotFound(op, kind, pth, err)
	}
	return storage.BackendFailure(op, kind, pth, err)
}

// encodeMeta keeps metadata values ASCII, as S3 headers require.
func encodeMeta(s string) string {
	for _, r := range s {
		if r > 0x7e || r < 0x20 {
			return mime.QEncoding.Encode("utf-8", s)
		}
	}
	return s
}

func decodeMeta(s string) string {
	if !strings.HasPrefix(s, "=?") {
		return s
	}
	out, err := new(mime.WordDecoder).DecodeHeader(s)
	if err != nil {
		return s
	}
	return out
}

// Store uploads content under the path's key. The version is the native
// version id, or a generated time-ordered id when the bucket has none.
func (p *Provider) Store(ctx context.Context, pth string, content []byte, opts storage.Options) (obj *storage.StoredObject, err error) {
	const op = "store"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if err := storage.Validate(op, pth, opts); err != nil {
		return nil, err
	}
	pth = storage.CleanPath(pth)

	bucket := p.Bucket(opts)
	if err := p.ensureBucket(ctx, bucket, opts); err != nil {
		return nil, storage.BackendFailure(op, kind, pth, err)
	}

	generated, err := uuid.NewV7()
	if err != nil {
		return nil, storage.BackendFailure(op, kind, pth, err)
	}
	author := storage.ParseAuthor(opts.Author, p.cfg.Identity)
	obj = storage.Describe(pth, content, kind)
	meta := map[string]string{
		metaAuthor:           encodeMeta(author.String()),
		metaTeamID:           opts.TeamID,
		metaWorkspaceID:      opts.WorkspaceID,
		metaUploadedAt:       obj.LastModified.Format(time.RFC3339Nano),
		metaChecksum:         obj.Checksum,
		metaLogicalPath:      encodeMeta(pth),
		metaGeneratedVersion: generated.String(),
	}
	if opts.CommitMessage != "" {
		meta[metaCommitMessage] = encodeMeta(opts.CommitMessage)
	}

	key := Key(opts, pth)
	info, err := p.client.PutObject(ctx, PutInput{
		Bucket:      bucket,
		Key:         key,
		Body:        content,
		ContentType: obj.MimeType,
		Metadata:    meta,
		SSE:         p.cfg.SSE,
		KMSKeyID:    p.cfg.KMSKeyID,
	})
	if err != nil {
		return nil, storage.BackendFailure(op, kind, pth, err)
	}

	obj.Version = info.VersionID
	obj.Set("native_version", info.VersionID != "")
	if obj.Version == "" || obj.Version == "null" {
		obj.Version = generated.String()
		obj.Set("native_version", false)
	}
	obj.Author = author.String()
	obj.Set("bucket", bucket)
	obj.Set("key", key)
	obj.Set("etag", info.ETag)
	if p.cfg.SSE != "" {
		obj.Set("sse", p.cfg.SSE)
	}
	logging.WithContext(ctx).Debug("object store",
		logging.Path(pth), logging.Team(opts.TeamID), logging.Workspace(opts.WorkspaceID),
		logging.Version(obj.Version), logging.Size(obj.Size))
	return obj, nil
}

// describe fills read metadata from object info. content may be nil.
func (p *Provider) describe(bucket, pth string, info ObjectInfo, content []byte) *storage.StoredObject {
	var obj *storage.StoredObject
	if content != nil {
		obj = storage.Describe(pth, content, kind)
		if sum := info.Metadata[metaChecksum]; sum != "" {
			obj.Set("checksum_verified", sum == obj.Checksum)
		}
	} else {
		obj = &storage.StoredObject{
			Path:     pth,
			MimeType: storage.MimeType(pth, nil),
			Size:     info.Size,
			Checksum: info.Metadata[metaChecksum],
			Backend:  kind,
		}
	}
	if info.ContentType != "" {
		obj.MimeType = info.ContentType
	}
	if !info.LastModified.IsZero() {
		obj.LastModified = info.LastModified.UTC()
	}
	obj.Version = versionOf(info)
	obj.Author = decodeMeta(info.Metadata[metaAuthor])
	if msg := info.Metadata[metaCommitMessage]; msg != "" {
		obj.Set("commit_message", decodeMeta(msg))
	}
	obj.Set("bucket", bucket)
	obj.Set("key", info.Key)
	if info.ETag != "" {
		obj.Set("etag", info.ETag)
	}
	return obj
}

// versionOf returns the native version id, or the generated id for
// unversioned buckets.
func versionOf(info ObjectInfo) string {
	if info.VersionID != "" && info.VersionID != "null" {
		return info.VersionID
	}
	return info.Metadata[metaGeneratedVersion]
}

// Retrieve fetches the latest object, or opts.Version.
func (p *Provider) Retrieve(ctx context.Context, pth string, opts storage.Options) (obj *storage.StoredObject, err error) {
	const op = "retrieve"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if opts.Version != "" {
		return p.retrieveVersion(ctx, op, pth, opts.Version, opts)
	}
	if err := storage.Validate(op, pth, opts); err != nil {
		return nil, err
	}
	pth = storage.CleanPath(pth)

	bucket := p.Bucket(opts)
	o, err := p.client.GetObject(ctx, bucket, Key(opts, pth), "")
	if err != nil {
		return nil, classify(op, pth, err)
	}
	return p.describe(bucket, pth, o.ObjectInfo, o.Body), nil
}

// RetrieveVersion fetches one historical version.
func (p *Provider) RetrieveVersion(ctx context.Context, pth, version string, opts storage.Options) (obj *storage.StoredObject, err error) {
	const op = "retrieve_version"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	return p.retrieveVersion(ctx, op, pth, version, opts)
}

func (p *Provider) retrieveVersion(ctx context.Context, op, pth, version string, opts storage.Options) (*storage.StoredObject, error) {
	if err := storage.Validate(op, pth, opts); err != nil {
		return nil, err
	}
	if version == "" {
		return nil, storage.Invalid(op, pth, "version is required")
	}
	pth = storage.CleanPath(pth)
	bucket := p.Bucket(opts)
	key := Key(opts, pth)

	o, err := p.client.GetObject(ctx, bucket, key, version)
	if err == nil {
		return p.describe(bucket, pth, o.ObjectInfo, o.Body), nil
	}
	if !errors.Is(err, ErrNoSuchKey) {
		return nil, storage.BackendFailure(op, kind, pth, err)
	}

	// Unversioned buckets only know the generated id of the current object.
	latest, lerr := p.client.GetObject(ctx, bucket, key, "")
	if lerr != nil || versionOf(latest.ObjectInfo) != version {
		return nil, storage.NotFound(op, kind, pth, fmt.Errorf("version %s: %w", version, err))
	}
	return p.describe(bucket, pth, latest.ObjectInfo, latest.Body), nil
}

// head returns metadata of the latest object, or of opts.Version.
func (p *Provider) head(ctx context.Context, bucket, key string, opts storage.Options) (ObjectInfo, error) {
	info, err := p.client.HeadObject(ctx, bucket, key, opts.Version)
	if err == nil || opts.Version == "" || !errors.Is(err, ErrNoSuchKey) {
		return info, err
	}
	latest, lerr := p.client.HeadObject(ctx, bucket, key, "")
	if lerr != nil || versionOf(latest) != opts.Version {
		return ObjectInfo{}, err
	}
	return latest, nil
}

// Delete removes the object. Missing keys and buckets are not errors.
func (p *Provider) Delete(ctx context.Context, pth string, opts storage.Options) (err error) {
	const op = "delete"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if err := storage.Validate(op, pth, opts); err != nil {
		return err
	}
	pth = storage.CleanPath(pth)

	if err := p.client.DeleteObject(ctx, p.Bucket(opts), Key(opts, pth)); err != nil && !errors.Is(err, ErrNoSuchKey) {
		return storage.BackendFailure(op, kind, pth, err)
	}
	return nil
}

// List returns the immediate children of dir. Common prefixes become
// directory entries. A missing bucket lists as empty.
func (p *Provider) List(ctx context.Context, dir string, opts storage.Options) (out []*storage.StoredObject, err error) {
	const op = "list"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if err := storage.ValidateDir(op, dir, opts); err != nil {
		return nil, err
	}
	dir = storage.CleanPath(dir)

	bucket := p.Bucket(opts)
	base := Prefix(opts.TeamID, opts.WorkspaceID)
	prefix := base
	if dir != "" {
		prefix += dir + "/"
	}
	res, err := p.client.ListObjects(ctx, ListInput{Bucket: bucket, Prefix: prefix, Delimiter: "/", MaxKeys: p.limit(opts)})
	if err != nil {
		if errors.Is(err, ErrNoSuchKey) {
			return []*storage.StoredObject{}, nil
		}
		return nil, storage.BackendFailure(op, kind, dir, err)
	}

	out = make([]*storage.StoredObject, 0, len(res.Objects)+len(res.Prefixes))
	for _, o := range res.Objects {
		rel := strings.TrimPrefix(o.Key, base)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		e := &storage.StoredObject{
			Path:         rel,
			MimeType:     storage.MimeType(rel, nil),
			Size:         o.Size,
			LastModified: o.LastModified.UTC(),
			Backend:      kind,
			Version:      versionOf(o),
		}
		e.Set("etag", o.ETag)
		out = append(out, e)
	}
	for _, pfx := range res.Prefixes {
		rel := strings.TrimSuffix(strings.TrimPrefix(pfx, base), "/")
		if rel == "" {
			continue
		}
		out = append(out, &storage.StoredObject{Path: rel, IsDir: true, Backend: kind})
	}
	slices.SortFunc(out, func(a, b *storage.StoredObject) int { return strings.Compare(a.Path, b.Path) })

	// A file path lists as itself.
	if len(out) == 0 && dir != "" {
		if info, err := p.client.HeadObject(ctx, bucket, base+dir, ""); err == nil {
			out = append(out, p.describe(bucket, dir, info, nil))
		}
	}
	if res.Truncated {
		logging.WithContext(ctx).Debug("object listing truncated", logging.Path(dir), logging.Size(int64(len(out))))
	}
	return out, nil
}

// Exists probes with HEAD. Any failure reports false.
func (p *Provider) Exists(ctx context.Context, pth string, opts storage.Options) bool {
	if storage.Validate("exists", pth, opts) != nil {
		return false
	}
	_, err := p.head(ctx, p.Bucket(opts), Key(opts, pth), opts)
	return err == nil
}

// GetMetadata probes with HEAD; no content is downloaded.
func (p *Provider) GetMetadata(ctx context.Context, pth string, opts storage.Options) (obj *storage.StoredObject, err error) {
	const op = "get_metadata"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if err := storage.Validate(op, pth, opts); err != nil {
		return nil, err
	}
	pth = storage.CleanPath(pth)

	bucket := p.Bucket(opts)
	info, err := p.head(ctx, bucket, Key(opts, pth), opts)
	if err != nil {
		return nil, classify(op, pth, err)
	}
	return p.describe(bucket, pth, info, nil), nil
}

// CreateVersion is Store; native versioning is authoritative.
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

// ListVersions returns the native version history, newest first. Delete
// markers are skipped. Author and message come from each version's metadata.
func (p *Provider) ListVersions(ctx context.Context, pth string, opts storage.Options) (out []storage.VersionInfo, err error) {
	const op = "list_versions"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if err := storage.Validate(op, pth, opts); err != nil {
		return nil, err
	}
	pth = storage.CleanPath(pth)

	bucket := p.Bucket(opts)
	key := Key(opts, pth)
	versions, err := p.client.ListObjectVersions(ctx, bucket, key, p.limit(opts))
	if err != nil {
		if errors.Is(err, ErrNoSuchKey) {
			return []storage.VersionInfo{}, nil
		}
		return nil, storage.BackendFailure(op, kind, pth, err)
	}

	out = make([]storage.VersionInfo, 0, len(versions))
	for _, v := range versions {
		if v.DeleteMarker {
			continue
		}
		native := v.VersionID != "" && v.VersionID != "null"
		nativeID := ""
		if native {
			nativeID = v.VersionID
		}
		info, err := p.client.HeadObject(ctx, bucket, key, nativeID)
		if err != nil && !errors.Is(err, ErrNoSuchKey) {
			return nil, storage.BackendFailure(op, kind, pth, err)
		}
		if info.Metadata == nil {
			info = v
		} else {
			info.VersionID = v.VersionID
		}
		out = append(out, storage.VersionInfo{
			Version:   versionOf(info),
			Author:    decodeMeta(info.Metadata[metaAuthor]),
			Message:   decodeMeta(info.Metadata[metaCommitMessage]),
			Timestamp: v.LastModified.UTC(),
			Size:      v.Size,
			IsLatest:  v.IsLatest,
		})
	}
	return out, nil
}

// Sync copies pth from the source scope (opts.Source(), which may name
// another bucket) to the target scope. Only object to object is supported here.
func (p *Provider) Sync(ctx context.Context, from, to storage.Backend, pth string, opts storage.Options) (res *storage.SyncResult, err error) {
	const op = "sync"
	defer func(start time.Time) { observe(op, start, err) }(time.Now())
	if from != kind || to != kind {
		return nil, storage.Unsupported(op, from, to)
	}
	src := opts.Source()
	source, err := p.Retrieve(ctx, pth, src)
	if err != nil {
		return nil, err
	}

	target := opts
	target.Version = ""
	target.SourceTeamID, target.SourceWorkspaceID, target.SourceBucket = "", "", ""
	if target.Author == "" {
		target.Author = source.Author
	}
	if target.CommitMessage == "" {
		target.CommitMessage = fmt.Sprintf("Sync %s from %s", source.Path, path.Join(p.Bucket(src), src.Scope()))
	}
	stored, err := p.Store(ctx, pth, source.Content, target)
	if err != nil {
		return nil, err
	}
	return &storage.SyncResult{
		From:          from,
		To:            to,
		Path:          stored.Path,
		SourceVersion: source.Version,
		Target:        stored,
		SyncedAt:      time.Now().UTC(),
	}, nil
}
