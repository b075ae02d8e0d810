package gitstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// worktree performs filesystem operations inside a repository's working
// directory. Keys are slash-separated paths relative to root.
type worktree struct {
	root string
}

// entry is one directory listing item.
type entry struct {
	name    string
	isDir   bool
	size    int64
	modTime time.Time
}

func (w worktree) fullPath(key string) string {
	return filepath.Join(w.root, filepath.FromSlash(key))
}

func (w worktree) read(key string) ([]byte, error) {
	return os.ReadFile(w.fullPath(key))
}

func (w worktree) stat(key string) (os.FileInfo, error) {
	return os.Stat(w.fullPath(key))
}

// exists reports whether key is a regular file.
func (w worktree) exists(key string) bool {
	info, err := w.stat(key)
	return err == nil && info.Mode().IsRegular()
}

// write stores content atomically: temp file in the same directory, then rename.
func (w worktree) write(key string, content []byte) error {
	path := w.fullPath(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, ".hybridvault-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}
	return nil
}

// remove deletes key and prunes directories left empty, stopping at root.
func (w worktree) remove(key string) error {
	path := w.fullPath(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	root := filepath.Clean(w.root)
	for dir := filepath.Dir(path); dir != root && strings.HasPrefix(dir, root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// snapshot captures a file's prior state so a failed commit can be undone.
type snapshot struct {
	key     string
	existed bool
	content []byte
}

func (w worktree) snapshot(key string) snapshot {
	data, err := w.read(key)
	return snapshot{key: key, existed: err == nil, content: data}
}

func (w worktree) restore(s snapshot) error {
	if s.existed {
		return w.write(s.key, s.content)
	}
	return w.remove(s.key)
}

// list returns the immediate children of dir, excluding git metadata and
// in-flight temp files. A missing directory yields no entries.
func (w worktree) list(dir string) ([]entry, error) {
	des, err := os.ReadDir(w.fullPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	out := make([]entry, 0, len(des))
	for _, de := range des {
		name := de.Name()
		if name == ".git" || (dir == "" && name == seedFile) || (strings.HasPrefix(name, ".hybridvault-") && strings.HasSuffix(name, ".tmp")) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, entry{name: name, isDir: de.IsDir(), size: info.Size(), modTime: info.ModTime()})
	}
	return out, nil
}
