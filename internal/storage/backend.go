// Package storage defines the Provider contract shared by every artifact
// storage backend, the metadata record returned by all operations, and the
// helpers that normalize that record (mime type, checksum, size).
package storage

import (
	"context"
)

// Provider is the contract implemented by the version-control backend, the
// object backend, and the hybrid router composing them.
// Every method validates opts and path before touching a backend.
type Provider interface {
	// Store writes content at path and returns the resulting metadata.
	Store(ctx context.Context, path string, content []byte, opts Options) (*StoredObject, error)

	// Retrieve returns the content and metadata at path. opts.Version pins a
	// historical version.
	Retrieve(ctx context.Context, path string, opts Options) (*StoredObject, error)

	// Delete removes path. Deleting a missing path succeeds.
	Delete(ctx context.Context, path string, opts Options) error

	// List returns the immediate children of dir, without content, ordered by path.
	List(ctx context.Context, dir string, opts Options) ([]*StoredObject, error)

	// Exists reports whether path exists. It never fails; any error reads as false.
	Exists(ctx context.Context, path string, opts Options) bool

	// GetMetadata returns the metadata at path without content.
	GetMetadata(ctx context.Context, path string, opts Options) (*StoredObject, error)

	// CreateVersion is Store with an explicit human message.
	CreateVersion(ctx context.Context, path string, content []byte, message string, opts Options) (string, *StoredObject, error)

	// ListVersions returns the history of path, newest first.
	ListVersions(ctx context.Context, path string, opts Options) ([]VersionInfo, error)

	// RetrieveVersion returns the content of path as of version.
	RetrieveVersion(ctx context.Context, path, version string, opts Options) (*StoredObject, error)

	// Sync replicates path from one backend to another.
	Sync(ctx context.Context, from, to Backend, path string, opts Options) (*SyncResult, error)

	// Kind returns the backend tag of the provider.
	Kind() Backend
}
