package storage

import (
	"fmt"
	"strings"
)

// DefaultMaxKeys bounds listings when Options.MaxKeys is unset.
const DefaultMaxKeys = 1000

// Options is the per-call options record. TeamID and WorkspaceID are required
// by every operation.
type Options struct {
	TeamID      string
	WorkspaceID string

	// Author is attributed on commits and object metadata. "Name <email>" is accepted.
	Author        string
	CommitMessage string

	// Version pins a read to a historical version.
	Version string
	// Branch selects a version-control branch; the default branch otherwise.
	Branch string

	ForceBackend     Backend
	PreferredBackend Backend

	// EnableVersioning asks the object backend to turn on native versioning
	// when it creates a bucket.
	EnableVersioning bool
	// Bucket overrides the derived object-storage bucket.
	Bucket  string
	MaxKeys int

	// Source scope for Sync between two repositories or two buckets.
	SourceTeamID      string
	SourceWorkspaceID string
	SourceBucket      string
}

// Limit returns MaxKeys bounded to (0, DefaultMaxKeys].
func (o Options) Limit() int {
	if o.MaxKeys <= 0 || o.MaxKeys > DefaultMaxKeys {
		return DefaultMaxKeys
	}
	return o.MaxKeys
}

// MessageOr returns CommitMessage or the given default.
func (o Options) MessageOr(def string) string {
	if strings.TrimSpace(o.CommitMessage) != "" {
		return o.CommitMessage
	}
	return def
}

// Source returns a copy of o scoped to the sync source. Empty source fields
// fall back to the target scope.
func (o Options) Source() Options {
	src := o
	if o.SourceTeamID != "" {
		src.TeamID = o.SourceTeamID
	}
	if o.SourceWorkspaceID != "" {
		src.WorkspaceID = o.SourceWorkspaceID
	}
	if o.SourceBucket != "" {
		src.Bucket = o.SourceBucket
	}
	src.SourceTeamID, src.SourceWorkspaceID, src.SourceBucket = "", "", ""
	return src
}

// Scope returns "team/workspace".
func (o Options) Scope() string {
	return o.TeamID + "/" + o.WorkspaceID
}

// DefaultMessage is the commit message used when the caller gives none.
func DefaultMessage(path string) string {
	return fmt.Sprintf("Update %s", path)
}
