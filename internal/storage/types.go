package storage

import (
	"time"
)

// Backend tags which storage technology served an operation.
type Backend string

const (
	BackendNone   Backend = ""
	BackendGit    Backend = "git"
	BackendObject Backend = "object"
	BackendHybrid Backend = "hybrid"
)

// ParseBackend maps a user supplied tag to a Backend. Unknown values map to BackendNone.
func ParseBackend(s string) Backend {
	switch s {
	case "git", "vcs", "version-control":
		return BackendGit
	case "object", "s3":
		return BackendObject
	case "hybrid":
		return BackendHybrid
	default:
		return BackendNone
	}
}

// Other returns the opposite physical backend.
func (b Backend) Other() Backend {
	switch b {
	case BackendGit:
		return BackendObject
	case BackendObject:
		return BackendGit
	default:
		return BackendNone
	}
}

// StoredObject is the normalized metadata record returned by every read and
// write. Content is only populated by Retrieve and RetrieveVersion.
type StoredObject struct {
	Path         string    `json:"path"`
	Content      []byte    `json:"-"`
	MimeType     string    `json:"mime_type"`
	Size         int64     `json:"size"`
	Checksum     string    `json:"checksum,omitempty"`
	Version      string    `json:"version,omitempty"`
	LastModified time.Time `json:"last_modified"`
	Author       string    `json:"author,omitempty"`
	Backend      Backend   `json:"backend"`
	IsDir        bool      `json:"is_dir,omitempty"`

	// RetrievedViaFallback is set by the hybrid router when the first backend
	// failed and the other one served the read.
	RetrievedViaFallback bool `json:"retrieved_via_fallback,omitempty"`

	// Backup is set by the hybrid router after a synchronous backup attempt.
	Backup *BackupRecord `json:"backup,omitempty"`

	BackendSpecific map[string]any `json:"backend_specific,omitempty"`
}

// Set stores a backend specific attribute, allocating the map on first use.
func (o *StoredObject) Set(key string, value any) {
	if o.BackendSpecific == nil {
		o.BackendSpecific = make(map[string]any)
	}
	o.BackendSpecific[key] = value
}

// WithoutContent returns a shallow copy with Content cleared.
func (o *StoredObject) WithoutContent() *StoredObject {
	c := *o
	c.Content = nil
	return &c
}

// BackupRecord describes the secondary copy of a version-control artifact
// kept in the object backend.
type BackupRecord struct {
	Path     string `json:"path"`
	Version  string `json:"version,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	Error    string `json:"error,omitempty"`
}

// OK reports whether the backup was written.
func (r *BackupRecord) OK() bool { return r != nil && r.Error == "" }

// VersionInfo is one entry of a path's history.
type VersionInfo struct {
	Version   string    `json:"version"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size,omitempty"`
	IsLatest  bool      `json:"is_latest,omitempty"`
}

// SyncResult is returned by Sync.
type SyncResult struct {
	From          Backend       `json:"from"`
	To            Backend       `json:"to"`
	Path          string        `json:"path"`
	SourceVersion string        `json:"source_version"`
	Target        *StoredObject `json:"target"`
	SyncedAt      time.Time     `json:"synced_at"`
}
