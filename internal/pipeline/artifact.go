package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/jc2409/jsonify/internal/apperr"
	"github.com/jc2409/jsonify/internal/models"
)

const artifactExt = ".json"

// ArtifactPath swaps the extension of a sanitized relative path for .json.
func ArtifactPath(rel string) string {
	return strings.TrimSuffix(rel, path.Ext(rel)) + artifactExt
}

// PlanArtifacts maps every relative path of one run to a distinct artifact path.
// Paths whose plain artifact names would clash keep their own extension
// (a.txt.json, a.pdf.json); any clash left after that, including a name that another
// entry needs as a directory, gets a ~N suffix in input order. Comparison ignores case.
func PlanArtifacts(rels []string) []string {
	stems := make(map[string]int, len(rels))
	used := make(map[string]bool, len(rels))
	for _, rel := range rels {
		stems[strings.ToLower(ArtifactPath(rel))]++
		for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
			used[strings.ToLower(dir)] = true
		}
	}

	out := make([]string, len(rels))
	for i, rel := range rels {
		name := ArtifactPath(rel)
		if stems[strings.ToLower(name)] > 1 {
			name = rel + artifactExt
		}
		base := strings.TrimSuffix(name, artifactExt)
		for n := 2; used[strings.ToLower(name)]; n++ {
			name = fmt.Sprintf("%s~%d%s", base, n, artifactExt)
		}
		used[strings.ToLower(name)] = true
		out[i] = name
	}
	return out
}

// Writer persists records under one output root.
type Writer struct {
	root string
}

func NewWriter(root string) *Writer {
	return &Writer{root: root}
}

// Write renders rec as indented JSON at artifact (slash separated, relative to the root),
// replacing any existing file. It returns the absolute path written.
func (w *Writer) Write(artifact string, rec *models.FileMetadataRecord) (string, error) {
	dst := filepath.Join(w.root, filepath.FromSlash(artifact))
	rel, err := filepath.Rel(w.root, dst)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(artifact) {
		return "", fmt.Errorf("artifact %q: %w", artifact, apperr.ErrPathTraversal)
	}

	out := *rec
	if out.Keywords == nil {
		out.Keywords = []string{}
	}
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode artifact: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return dst, nil
}
