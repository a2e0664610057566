package archive

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/jc2409/jsonify/internal/apperr"
)

// ErrHiddenEntry marks an entry excluded because one of its segments is hidden.
// It is a skip signal, never reported as a failure.
var ErrHiddenEntry = errors.New("hidden entry")

// ErrNotAFile marks an entry whose path normalizes to the archive root itself.
var ErrNotAFile = errors.New("not a file entry")

// macResourceDir holds resource forks written by the macOS archiver.
const macResourceDir = "__MACOSX"

// Sanitize normalizes a raw zip entry name into a slash-separated relative path.
// Paths escaping the archive root fail with apperr.ErrPathTraversal.
func Sanitize(raw string) (string, error) {
	if strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("entry %q: %w", raw, apperr.ErrPathTraversal)
	}
	p := strings.ReplaceAll(raw, `\`, "/")
	if strings.HasPrefix(p, "/") || hasVolume(p) {
		return "", fmt.Errorf("entry %q: %w", raw, apperr.ErrPathTraversal)
	}
	p = path.Clean(p)
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("entry %q: %w", raw, apperr.ErrPathTraversal)
	}
	if p == "." {
		return "", ErrNotAFile
	}
	for _, seg := range strings.Split(p, "/") {
		if strings.HasPrefix(seg, ".") || seg == macResourceDir {
			return "", ErrHiddenEntry
		}
	}
	return p, nil
}

func hasVolume(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
