package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/jc2409/jsonify/internal/apperr"
)

// PackageName is the file name offered for downloads.
const PackageName = "metadata_results.zip"

// Package writes every regular file under dir into a zip on w.
// Entry names are slash-separated paths relative to dir in lexical walk order.
func Package(dir string, w io.Writer) error {
	files, err := collect(dir)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	for _, rel := range files {
		if err := addFile(zw, dir, rel); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

// PackageFile packages dir into dest, replacing dest only once the zip is complete.
func PackageFile(dir, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create package dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".package-*")
	if err != nil {
		return fmt.Errorf("create package: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := Package(dir, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close package: %w", err)
	}
	return os.Rename(tmpName, dest)
}

func collect(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", dir, apperr.ErrNothingToPackage)
		}
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory: %w", dir, apperr.ErrNothingToPackage)
	}

	var files []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, apperr.ErrNothingToPackage)
	}
	return files, nil
}

func addFile(zw *zip.Writer, dir, rel string) error {
	src, err := os.Open(filepath.Join(dir, rel))
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("header %s: %w", rel, err)
	}
	hdr.Name = filepath.ToSlash(rel)
	hdr.Method = zip.Deflate

	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("add %s: %w", rel, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}
