// Package archive reads input zips, sanitizes their entry paths and packages output trees.
package archive

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/jc2409/jsonify/internal/apperr"
	"github.com/jc2409/jsonify/internal/models"
)

// Reader gives indexed access to the entries of one zip file.
// Opening entries concurrently is safe.
type Reader struct {
	rc      *zip.ReadCloser
	entries []models.ArchiveEntry
}

// Open opens the archive at path. A malformed zip fails with apperr.ErrUnreadableArchive.
func Open(path string) (*Reader, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %v: %w", path, err, apperr.ErrUnreadableArchive)
	}
	entries := make([]models.ArchiveEntry, len(rc.File))
	for i, f := range rc.File {
		entries[i] = models.ArchiveEntry{
			Index:    i,
			Name:     f.Name,
			Size:     f.UncompressedSize64,
			Modified: f.Modified,
			IsDir:    f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/"),
		}
	}
	return &Reader{rc: rc, entries: entries}, nil
}

// Entries returns the entries in central-directory order.
func (r *Reader) Entries() []models.ArchiveEntry {
	return r.entries
}

// OpenEntry opens the content of the entry at index.
func (r *Reader) OpenEntry(index int) (io.ReadCloser, error) {
	if index < 0 || index >= len(r.rc.File) {
		return nil, fmt.Errorf("entry %d out of range", index)
	}
	return r.rc.File[index].Open()
}

func (r *Reader) Close() error {
	return r.rc.Close()
}
