// Package objectstore implements the object-storage backend: one bucket per
// team, one key per logical path, history from native object versioning.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// ErrNoSuchKey is returned by a Client when the bucket, key or version does
// not exist.
var ErrNoSuchKey = errors.New("no such key")

// PutInput describes one upload.
type PutInput struct {
	Bucket      string
	Key         string
	Body        []byte
	ContentType string
	Metadata    map[string]string
	// SSE is "", "AES256" or "aws:kms".
	SSE      string
	KMSKeyID string
}

// ObjectInfo is the metadata of one object version.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	VersionID    string
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
	IsLatest     bool
	DeleteMarker bool
}

// Object is an object version with its body.
type Object struct {
	ObjectInfo
	Body []byte
}

// ListInput bounds a single listing page.
type ListInput struct {
	Bucket    string
	Prefix    string
	Delimiter string
	MaxKeys   int
}

// ListOutput is one listing page. Prefixes are the common prefixes rolled up
// by Delimiter, including the trailing delimiter.
type ListOutput struct {
	Objects   []ObjectInfo
	Prefixes  []string
	Truncated bool
}

// Client is the subset of the S3 API the provider needs. S3Client is the
// production implementation and MemoryClient the in-memory one.
type Client interface {
	// EnsureBucket creates bucket when missing, enabling versioning on creation
	// when asked.
	EnsureBucket(ctx context.Context, bucket string, versioning bool) error
	PutObject(ctx context.Context, in PutInput) (ObjectInfo, error)
	// GetObject fetches the latest version when versionID is empty.
	GetObject(ctx context.Context, bucket, key, versionID string) (*Object, error)
	HeadObject(ctx context.Context, bucket, key, versionID string) (ObjectInfo, error)
	// DeleteObject succeeds for missing keys.
	DeleteObject(ctx context.Context, bucket, key string) error
	ListObjects(ctx context.Context, in ListInput) (ListOutput, error)
	// ListObjectVersions returns the versions of exactly key, newest first.
	ListObjectVersions(ctx context.Context, bucket, key string, maxKeys int) ([]ObjectInfo, error)
}
