package hybrid

import (
	"bytes"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/hybridvault/hybridvault/internal/storage"
)

// Routing reasons, recorded on results and in metrics.
const (
	ReasonForced          = "forced"
	ReasonPreferred       = "preferred"
	ReasonSize            = "size"
	ReasonTextExtension   = "text_extension"
	ReasonBinaryExtension = "binary_extension"
	ReasonUTF8Content     = "utf8_content"
	ReasonDefault         = "default"
)

func extSet(exts []string) map[string]bool {
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		m[e] = true
	}
	return m
}

func ext(p string) string {
	return strings.ToLower(path.Ext(p))
}

// pinned returns the forced backend, if opts names a concrete one.
func pinned(opts storage.Options) (storage.Backend, bool) {
	switch opts.ForceBackend {
	case storage.BackendGit, storage.BackendObject:
		return opts.ForceBackend, true
	}
	return storage.BackendNone, false
}

// SelectWrite picks the backend for a write. First match wins: forced
// backend, size above the large-file threshold, text extension, binary
// extension, UTF-8 content without NUL bytes, then the object backend.
func (r *Router) SelectWrite(pth string, content []byte, opts storage.Options) (storage.Backend, string) {
	if b, ok := pinned(opts); ok {
		return b, ReasonForced
	}
	if int64(len(content)) > r.cfg.LargeFileThreshold {
		return storage.BackendObject, ReasonSize
	}
	e := ext(pth)
	if r.text[e] {
		return storage.BackendGit, ReasonTextExtension
	}
	if r.binary[e] {
		return storage.BackendObject, ReasonBinaryExtension
	}
	if utf8.Valid(content) && bytes.IndexByte(content, 0) < 0 {
		return storage.BackendGit, ReasonUTF8Content
	}
	return storage.BackendObject, ReasonDefault
}

// SelectRead picks the first backend to try for a read: forced, preferred,
// then the extension lists, defaulting to version control.
func (r *Router) SelectRead(pth string, opts storage.Options) (storage.Backend, string) {
	if b, ok := pinned(opts); ok {
		return b, ReasonForced
	}
	switch opts.PreferredBackend {
	case storage.BackendGit, storage.BackendObject:
		return opts.PreferredBackend, ReasonPreferred
	}
	e := ext(pth)
	if r.binary[e] && !r.text[e] {
		return storage.BackendObject, ReasonBinaryExtension
	}
	if r.text[e] {
		return storage.BackendGit, ReasonTextExtension
	}
	return storage.BackendGit, ReasonDefault
}

func validateHints(op, pth string, opts storage.Options) error {
	for _, b := range []storage.Backend{opts.ForceBackend, opts.PreferredBackend} {
		switch b {
		case storage.BackendNone, storage.BackendHybrid, storage.BackendGit, storage.BackendObject:
		default:
			return storage.Invalid(op, pth, "unknown backend %q", b)
		}
	}
	return nil
}
