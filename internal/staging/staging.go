// Package staging owns the per-run staging and output directories.
package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jc2409/jsonify/internal/apperr"
	"github.com/jc2409/jsonify/internal/logger"
)

// Per-entry failures; neither aborts the run.
var (
	ErrEntryUnreadable = errors.New("entry unreadable")
	ErrEntryTooLarge   = errors.New("entry exceeds size limit")
)

const uploadsDir = "uploads"

// Manager hands out per-run workspaces under two roots.
type Manager struct {
	stagingRoot   string
	outputRoot    string
	maxEntryBytes int64
	log           logger.Logger
}

// NewManager creates a manager; maxEntryBytes <= 0 means no limit.
func NewManager(stagingRoot, outputRoot string, maxEntryBytes int64, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		stagingRoot:   stagingRoot,
		outputRoot:    outputRoot,
		maxEntryBytes: maxEntryBytes,
		log:           log,
	}
}

// Acquire prepares an empty staging directory and a fresh output directory for runID.
// Callers must Release the workspace on every exit path.
func (m *Manager) Acquire(runID string) (*Workspace, error) {
	if !validRunID(runID) {
		return nil, fmt.Errorf("run id %q: %w", runID, apperr.ErrInvalidInput)
	}
	ws := &Workspace{
		RunID:         runID,
		StagingDir:    filepath.Join(m.stagingRoot, runID),
		OutputDir:     filepath.Join(m.outputRoot, runID),
		maxEntryBytes: m.maxEntryBytes,
		log:           m.log.With(logger.String("run_id", runID)),
	}
	for _, dir := range []string{ws.StagingDir, ws.OutputDir} {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("clear %s: %v: %w", dir, err, apperr.ErrStagingIO)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			ws.Release()
			return nil, fmt.Errorf("create %s: %v: %w", dir, err, apperr.ErrStagingIO)
		}
	}
	return ws, nil
}

// OutputDir is where runID's artifacts live.
func (m *Manager) OutputDir(runID string) string {
	return filepath.Join(m.outputRoot, runID)
}

// RemoveOutput deletes the artifacts of a finished run.
func (m *Manager) RemoveOutput(runID string) error {
	if !validRunID(runID) {
		return fmt.Errorf("run id %q: %w", runID, apperr.ErrInvalidInput)
	}
	return os.RemoveAll(m.OutputDir(runID))
}

// UploadPath returns a fresh path for an incoming archive named name.
func (m *Manager) UploadPath(name string) (string, error) {
	dir := filepath.Join(m.stagingRoot, uploadsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %v: %w", err, apperr.ErrStagingIO)
	}
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		base = "upload.zip"
	}
	return filepath.Join(dir, uuid.NewString()+"-"+base), nil
}

// PruneStaging removes staging directories left behind by runs that never released them.
func (m *Manager) PruneStaging() error {
	entries, err := os.ReadDir(m.stagingRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == uploadsDir {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.stagingRoot, e.Name())); err != nil {
			m.log.Warn("prune staging dir failed", logger.String("dir", e.Name()), logger.Error(err))
		}
	}
	return nil
}

func validRunID(runID string) bool {
	return runID != "" && runID != "." && runID != ".." && runID != uploadsDir &&
		!strings.ContainsAny(runID, `/\`)
}

// Workspace is the set of directories scoped to one run.
type Workspace struct {
	RunID      string
	StagingDir string
	OutputDir  string

	maxEntryBytes int64
	log           logger.Logger
	releaseOnce   sync.Once
}

// Materialize copies one entry into the staging directory and returns the staged path.
// The staged name depends only on index, so concurrent entries never collide.
func (w *Workspace) Materialize(index int, rel string, open func() (io.ReadCloser, error)) (string, error) {
	dst := filepath.Join(w.StagingDir, fmt.Sprintf("%06d%s", index, path.Ext(rel)))
	if !within(w.StagingDir, dst) {
		return "", fmt.Errorf("staged path for %q: %w", rel, apperr.ErrPathTraversal)
	}

	src, err := open()
	if err != nil {
		return "", fmt.Errorf("%s: %v: %w", rel, err, ErrEntryUnreadable)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("stage %s: %v: %w", rel, err, apperr.ErrStagingIO)
	}

	tr := &trackingReader{r: src}
	var r io.Reader = tr
	if w.maxEntryBytes > 0 {
		r = io.LimitReader(tr, w.maxEntryBytes+1)
	}
	n, err := io.Copy(out, r)
	closeErr := out.Close()
	switch {
	case tr.err != nil:
		os.Remove(dst)
		return "", fmt.Errorf("%s: %v: %w", rel, tr.err, ErrEntryUnreadable)
	case err != nil:
		os.Remove(dst)
		return "", fmt.Errorf("stage %s: %v: %w", rel, err, apperr.ErrStagingIO)
	case closeErr != nil:
		os.Remove(dst)
		return "", fmt.Errorf("stage %s: %v: %w", rel, closeErr, apperr.ErrStagingIO)
	case w.maxEntryBytes > 0 && n > w.maxEntryBytes:
		os.Remove(dst)
		return "", fmt.Errorf("%s: more than %d bytes: %w", rel, w.maxEntryBytes, ErrEntryTooLarge)
	}
	return dst, nil
}

// Remove releases one staged file.
func (w *Workspace) Remove(staged string) {
	if err := os.Remove(staged); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.log.Warn("remove staged file failed", logger.String("file", filepath.Base(staged)), logger.Error(err))
	}
}

// Release removes the staging directory. Safe to call more than once.
// Failures are logged and never returned.
func (w *Workspace) Release() {
	w.releaseOnce.Do(func() {
		if err := os.RemoveAll(w.StagingDir); err != nil {
			w.log.Warn("staging cleanup failed", logger.Error(err))
		}
	})
}

// DiscardOutput drops every artifact written by an aborted run.
func (w *Workspace) DiscardOutput() {
	if err := os.RemoveAll(w.OutputDir); err != nil {
		w.log.Warn("discard output failed", logger.Error(err))
	}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// trackingReader remembers source read failures so they are not mistaken for write failures.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}
