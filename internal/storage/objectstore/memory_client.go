package objectstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryClient is an in-memory Client. Versioned buckets keep every version
// and turn deletes into delete markers, like S3.
type MemoryClient struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
	seq     int
	failure error
	now     func() time.Time
}

type memBucket struct {
	versioning bool
	objects    map[string][]*Object // newest last
}

// NewMemoryClient returns an empty MemoryClient.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{buckets: make(map[string]*memBucket), now: time.Now}
}

var _ Client = (*MemoryClient)(nil)

// SetFailure makes every call fail with err until cleared with nil.
func (m *MemoryClient) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

// Buckets returns the bucket names, sorted.
func (m *MemoryClient) Buckets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.buckets))
}

// Versioning reports whether bucket was created with versioning.
func (m *MemoryClient) Versioning(bucket string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	return ok && b.versioning
}

func (m *MemoryClient) EnsureBucket(_ context.Context, bucket string, versioning bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = &memBucket{versioning: versioning, objects: make(map[string][]*Object)}
	}
	return nil
}

func (m *MemoryClient) bucket(name string) (*memBucket, error) {
	if m.failure != nil {
		return nil, m.failure
	}
	b, ok := m.buckets[name]
	if !ok {
		return nil, fmt.Errorf("bucket %s: %w", name, ErrNoSuchKey)
	}
	return b, nil
}

func (m *MemoryClient) PutObject(_ context.Context, in PutInput) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.bucket(in.Bucket)
	if err != nil {
		return ObjectInfo{}, err
	}

	sum := md5.Sum(in.Body)
	obj := &Object{
		ObjectInfo: ObjectInfo{
			Key:          in.Key,
			Size:         int64(len(in.Body)),
			ETag:         `"` + hex.EncodeToString(sum[:]) + `"`,
			LastModified: m.now().UTC(),
			ContentType:  in.ContentType,
			Metadata:     maps.Clone(in.Metadata),
		},
		Body: slices.Clone(in.Body),
	}
	if b.versioning {
		m.seq++
		obj.VersionID = fmt.Sprintf("v%08d", m.seq)
		b.objects[in.Key] = append(b.objects[in.Key], obj)
	} else {
		b.objects[in.Key] = []*Object{obj}
	}
	return obj.ObjectInfo, nil
}

// find returns the requested version, or the latest when versionID is empty.
// Delete markers count as missing.
func (m *MemoryClient) find(bucket, key, versionID string) (*Object, error) {
	b, err := m.bucket(bucket)
	if err != nil {
		return nil, err
	}
	versions := b.objects[key]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%s: %w", key, ErrNoSuchKey)
	}
	if versionID == "" {
		latest := versions[len(versions)-1]
		if latest.DeleteMarker {
			return nil, fmt.Errorf("%s: %w", key, ErrNoSuchKey)
		}
		return latest, nil
	}
	for _, v := range versions {
		if v.VersionID == versionID && !v.DeleteMarker {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%s@%s: %w", key, versionID, ErrNoSuchKey)
}

func (m *MemoryClient) GetObject(_ context.Context, bucket, key, versionID string) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.find(bucket, key, versionID)
	if err != nil {
		return nil, err
	}
	out := &Object{ObjectInfo: o.ObjectInfo, Body: slices.Clone(o.Body)}
	out.Metadata = maps.Clone(o.Metadata)
	return out, nil
}

func (m *MemoryClient) HeadObject(_ context.Context, bucket, key, versionID string) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.find(bucket, key, versionID)
	if err != nil {
		return ObjectInfo{}, err
	}
	info := o.ObjectInfo
	info.Metadata = maps.Clone(o.Metadata)
	return info, nil
}

func (m *MemoryClient) DeleteObject(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.bucket(bucket)
	if err != nil {
		return err
	}
	versions := b.objects[key]
	if len(versions) == 0 {
		return nil
	}
	if !b.versioning {
		delete(b.objects, key)
		return nil
	}
	if versions[len(versions)-1].DeleteMarker {
		return nil
	}
	m.seq++
	b.objects[key] = append(versions, &Object{ObjectInfo: ObjectInfo{
		Key:          key,
		VersionID:    fmt.Sprintf("v%08d", m.seq),
		LastModified: m.now().UTC(),
		DeleteMarker: true,
	}})
	return nil
}

func (m *MemoryClient) ListObjects(_ context.Context, in ListInput) (ListOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.bucket(in.Bucket)
	if err != nil {
		return ListOutput{}, err
	}

	var out ListOutput
	seen := make(map[string]bool)
	for _, key := range slices.Sorted(maps.Keys(b.objects)) {
		if !strings.HasPrefix(key, in.Prefix) {
			continue
		}
		versions := b.objects[key]
		latest := versions[len(versions)-1]
		if latest.DeleteMarker {
			continue
		}
		if in.MaxKeys > 0 && len(out.Objects)+len(out.Prefixes) >= in.MaxKeys {
			out.Truncated = true
			break
		}
		rest := strings.TrimPrefix(key, in.Prefix)
		if in.Delimiter != "" {
			if i := strings.Index(rest, in.Delimiter); i >= 0 {
				p := in.Prefix + rest[:i+len(in.Delimiter)]
				if !seen[p] {
					seen[p] = true
					out.Prefixes = append(out.Prefixes, p)
				}
				continue
			}
		}
		info := latest.ObjectInfo
		info.IsLatest = true
		info.Metadata = nil
		info.ContentType = ""
		out.Objects = append(out.Objects, info)
	}
	return out, nil
}

func (m *MemoryClient) ListObjectVersions(_ context.Context, bucket, key string, maxKeys int) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.bucket(bucket)
	if err != nil {
		return nil, err
	}
	versions := b.objects[key]
	out := make([]ObjectInfo, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		if maxKeys > 0 && len(out) >= maxKeys {
			break
		}
		info := versions[i].ObjectInfo
		info.IsLatest = i == len(versions)-1
		info.Metadata = nil
		out = append(out, info)
	}
	return out, nil
}

// sortNewestFirst orders versions by LastModified descending, latest first on ties.
func sortNewestFirst(versions []ObjectInfo) {
	slices.SortStableFunc(versions, func(a, b ObjectInfo) int {
		if a.IsLatest != b.IsLatest {
			if a.IsLatest {
				return -1
			}
			return 1
		}
		return b.LastModified.Compare(a.LastModified)
	})
}
