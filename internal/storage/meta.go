package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"
)

// extra types the platform mime table rarely carries.
var mimeOverrides = map[string]string{
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".ipynb":    "application/x-ipynb+json",
	".py":       "text/x-python",
	".go":       "text/x-go",
	".rs":       "text/x-rust",
	".ts":       "application/typescript",
	".tsx":      "application/typescript",
	".jsx":      "text/javascript",
	".yaml":     "application/yaml",
	".yml":      "application/yaml",
	".toml":     "application/toml",
	".sql":      "application/sql",
	".sh":       "application/x-sh",
	".r":        "text/x-r",
	".tex":      "application/x-tex",
	".parquet":  "application/vnd.apache.parquet",
	".mp4":      "video/mp4",
	".zip":      "application/zip",
	".tar":      "application/x-tar",
	".gz":       "application/gzip",
	".7z":       "application/x-7z-compressed",
}

// Checksum returns the hex SHA-256 of content.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// MimeType infers the mime type from the path extension, falling back to
// content sniffing when content is given.
func MimeType(p string, content []byte) string {
	ext := strings.ToLower(path.Ext(p))
	if t, ok := mimeOverrides[ext]; ok {
		return t
	}
	if ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	if len(content) > 0 {
		return http.DetectContentType(content)
	}
	return "application/octet-stream"
}

// Describe builds the normalized record for content stored at p. Checksum and
// size always describe exactly content.
func Describe(p string, content []byte, backend Backend) *StoredObject {
	return &StoredObject{
		Path:         p,
		Content:      content,
		MimeType:     MimeType(p, content),
		Size:         int64(len(content)),
		Checksum:     Checksum(content),
		LastModified: time.Now().UTC(),
		Backend:      backend,
	}
}
