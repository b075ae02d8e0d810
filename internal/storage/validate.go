package storage

import (
	"strings"
)

// Validate checks the required options and the logical path. An empty path is
// rejected; use ValidateDir for listings.
func Validate(op, path string, opts Options) error {
	if err := ValidateScope(op, opts); err != nil {
		return err
	}
	if path == "" {
		return Invalid(op, path, "path is required")
	}
	if err := validatePath(op, path); err != nil {
		return err
	}
	if CleanPath(path) == "" {
		return Invalid(op, path, "path does not name a file")
	}
	return nil
}

// ValidateDir is Validate for directory arguments, where "" and "." mean the
// workspace root.
func ValidateDir(op, dir string, opts Options) error {
	if err := ValidateScope(op, opts); err != nil {
		return err
	}
	if dir == "" || dir == "." {
		return nil
	}
	return validatePath(op, dir)
}

// ValidateScope checks team_id and workspace_id.
func ValidateScope(op string, opts Options) error {
	if err := validateSegment(op, "team_id", opts.TeamID); err != nil {
		return err
	}
	return validateSegment(op, "workspace_id", opts.WorkspaceID)
}

func validateSegment(op, name, v string) error {
	if strings.TrimSpace(v) == "" {
		return Invalid(op, "", "%s is required", name)
	}
	if v == "." || v == ".." || strings.ContainsAny(v, `/\`) || strings.ContainsRune(v, 0) {
		return Invalid(op, "", "%s %q is not a single path segment", name, v)
	}
	return nil
}

func validatePath(op, path string) error {
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, `\`) || hasDriveLetter(path) {
		return Invalid(op, path, "path must be relative")
	}
	if strings.ContainsRune(path, 0) {
		return Invalid(op, path, "path contains a null byte")
	}
	for _, seg := range strings.Split(strings.ReplaceAll(path, `\`, "/"), "/") {
		if seg == ".." {
			return Invalid(op, path, "path must not contain '..'")
		}
	}
	return nil
}

func hasDriveLetter(p string) bool {
	return len(p) >= 2 && p[1] == ':' && ((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}

// CleanPath normalizes a validated logical path: no leading "./", no
// duplicate or trailing slashes.
func CleanPath(p string) string {
	parts := strings.Split(strings.ReplaceAll(p, `\`, "/"), "/")
	out := parts[:0]
	for _, s := range parts {
		if s == "" || s == "." {
			continue
		}
		out = append(out, s)
	}
	return strings.Join(out, "/")
}
