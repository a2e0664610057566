package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jc2409/jsonify/internal/apperr"
	"github.com/jc2409/jsonify/internal/extract"
	"github.com/jc2409/jsonify/internal/logger"
	"github.com/jc2409/jsonify/internal/models"
	"github.com/jc2409/jsonify/internal/service/ai"
	"github.com/jc2409/jsonify/internal/staging"
	"github.com/jc2409/jsonify/internal/worker"
)

const pdfBytes = "%PDF-1.4\n%âãÏÓ\n1 0 obj\n<<>>\nendobj\n"

type zipFile struct {
	name string
	body string
}

func writeArchive(t *testing.T, files ...zipFile) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "in.zip")
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, file := range files {
		w, err := zw.Create(file.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(file.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

type pagesParser struct{ pages []string }

func (p pagesParser) Parse(ctx context.Context, r io.Reader, _ ...parser.Option) ([]*schema.Document, error) {
	if _, err := io.ReadAll(r); err != nil {
		return nil, err
	}
	docs := make([]*schema.Document, len(p.pages))
	for i, text := range p.pages {
		docs[i] = &schema.Document{Content: text}
	}
	return docs, nil
}

// fakeClient answers with a deterministic record derived from the path.
type fakeClient struct {
	mu       sync.Mutex
	contexts map[string]models.FileContext
	fail     map[string]error
	delay    func(path string) time.Duration
	before   func(path string) // runs before the record is returned
	block    chan struct{} // closed on the first call when set; the call then waits for ctx
	once     sync.Once
}

func newFakeClient() *fakeClient {
	return &fakeClient{contexts: make(map[string]models.FileContext), fail: make(map[string]error)}
}

func (f *fakeClient) Infer(ctx context.Context, fc *models.FileContext) (*models.FileMetadataRecord, error) {
	f.mu.Lock()
	f.contexts[fc.RelativePath] = *fc
	err := f.fail[fc.RelativePath]
	f.mu.Unlock()

	if f.block != nil {
		f.once.Do(func() { close(f.block) })
		<-ctx.Done()
		return nil, &ai.InferenceError{Err: ctx.Err()}
	}
	if f.delay != nil {
		time.Sleep(f.delay(fc.RelativePath))
	}
	if f.before != nil {
		f.before(fc.RelativePath)
	}
	if err != nil {
		return nil, err
	}
	return &models.FileMetadataRecord{
		Title:    "About " + fc.RelativePath,
		Subject:  []models.Subject{"Computing"},
		Type:     []models.ResourceType{"Resource"},
		Format:   []models.Format{"pdf"},
		Keywords: []string{fc.MimeType},
	}, nil
}

func (f *fakeClient) context(path string) (models.FileContext, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc, ok := f.contexts[path]
	return fc, ok
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.contexts)
}

type fixture struct {
	pipeline    *Pipeline
	stagingRoot string
	outputRoot  string
}

func newFixture(t *testing.T, client ai.Client, workers int, maxEntryBytes int64) fixture {
	t.Helper()
	root := t.TempDir()
	fx := fixture{
		stagingRoot: filepath.Join(root, "staging"),
		outputRoot:  filepath.Join(root, "output"),
	}
	sm := staging.NewManager(fx.stagingRoot, fx.outputRoot, maxEntryBytes, nil)
	reg, err := extract.NewDefaultRegistry(context.Background(), extract.Options{
		PDFParser: pagesParser{pages: []string{"first page", "second page"}},
	}, nil)
	require.NoError(t, err)
	d := worker.NewDispatcher(worker.DispatcherConfig{MaxWorkers: workers, QueueSize: 8}, nil)
	t.Cleanup(d.Stop)
	fx.pipeline = New(sm, reg, client, d, Options{WriteRetries: 1})
	return fx
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(dir, p)
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(out)
	return out
}

func TestRunSkipsHiddenAndJoinsPDFPages(t *testing.T) {
	client := newFakeClient()
	fx := newFixture(t, client, 2, 0)
	zipPath := writeArchive(t,
		zipFile{"a.txt", "hello from a\n"},
		zipFile{"b.pdf", pdfBytes},
		zipFile{"c/.hidden", "secret"},
	)

	res, err := fx.pipeline.Run(context.Background(), "", zipPath)
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 2, res.Eligible)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 1, res.Skipped)

	assert.Equal(t, []string{"a.json", "b.json"}, listFiles(t, res.OutputDir))
	assert.Equal(t, filepath.Join(fx.outputRoot, res.RunID), res.OutputDir)

	pdfCtx, ok := client.context("b.pdf")
	require.True(t, ok)
	assert.Equal(t, "first page second page", pdfCtx.ExtractedText)
	assert.Equal(t, "application/pdf", pdfCtx.MimeType)

	txtCtx, ok := client.context("a.txt")
	require.True(t, ok)
	assert.Equal(t, "hello from a\n", txtCtx.ExtractedText)
	assert.Equal(t, models.CreationDateUnavailable, txtCtx.CreationDate)
	assert.Equal(t, uint64(13), txtCtx.SizeBytes)

	_, ok = client.context("c/.hidden")
	assert.False(t, ok)

	data, err := os.ReadFile(filepath.Join(res.OutputDir, "a.json"))
	require.NoError(t, err)
	var rec models.FileMetadataRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "About a.txt", rec.Title)

	_, err = os.Stat(filepath.Join(fx.stagingRoot, res.RunID))
	assert.True(t, errors.Is(err, os.ErrNotExist), "staging dir removed")
}

func TestRunRejectsTraversalBeforeProcessing(t *testing.T) {
	client := newFakeClient()
	fx := newFixture(t, client, 2, 0)
	zipPath := writeArchive(t,
		zipFile{"ok.txt", "fine"},
		zipFile{"../evil.txt", "boom"},
	)

	_, err := fx.pipeline.Run(context.Background(), "run-traversal", zipPath)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPathTraversal)
	assert.Equal(t, 0, client.calls())

	_, err = os.Stat(filepath.Join(fx.outputRoot, "run-traversal"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "output discarded")
	_, err = os.Stat(filepath.Join(fx.stagingRoot, "run-traversal"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "staging removed")
}

func TestRunUnreadableArchive(t *testing.T) {
	fx := newFixture(t, newFakeClient(), 1, 0)
	bad := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, os.WriteFile(bad, []byte("not a zip at all"), 0o644))

	_, err := fx.pipeline.Run(context.Background(), "run-bad", bad)
	assert.ErrorIs(t, err, apperr.ErrUnreadableArchive)
	_, err = os.Stat(filepath.Join(fx.stagingRoot, "run-bad"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRunZeroByteEntryStillInfers(t *testing.T) {
	client := newFakeClient()
	fx := newFixture(t, client, 1, 0)
	zipPath := writeArchive(t, zipFile{"docs/empty.dat", ""})

	res, err := fx.pipeline.Run(context.Background(), "", zipPath)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	fc, ok := client.context("docs/empty.dat")
	require.True(t, ok)
	assert.Equal(t, extract.OctetStream, fc.MimeType)
	assert.Equal(t, extract.Unsupported, fc.ExtractedText)
	assert.Equal(t, []string{"docs/empty.json"}, listFiles(t, res.OutputDir))
}

func TestRunRecordsPerEntryFailures(t *testing.T) {
	client := newFakeClient()
	client.fail["bad.txt"] = &ai.SchemaViolationError{Reason: "controlled vocabulary", Err: &models.VocabularyError{Field: "type", Value: "Podcast"}}
	client.fail["down.txt"] = &ai.InferenceError{Err: errors.New("503")}
	fx := newFixture(t, client, 3, 0)
	zipPath := writeArchive(t,
		zipFile{"bad.txt", "x"},
		zipFile{"down.txt", "y"},
		zipFile{"good.txt", "z"},
	)

	res, err := fx.pipeline.Run(context.Background(), "", zipPath)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Eligible)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 2, res.Failed)

	require.Len(t, res.Results, 3)
	assert.Equal(t, models.KindSchemaViolation, res.Results[0].ErrorKind)
	assert.Equal(t, models.KindInference, res.Results[1].ErrorKind)
	assert.True(t, res.Results[2].OK())
	assert.Equal(t, "good.json", res.Results[2].Artifact)

	assert.Len(t, res.Records(), 1)
	assert.Len(t, res.Failures(), 2)
	assert.Equal(t, []string{"good.json"}, listFiles(t, res.OutputDir))
}

func TestRunEntryTooLarge(t *testing.T) {
	fx := newFixture(t, newFakeClient(), 1, 4)
	zipPath := writeArchive(t, zipFile{"big.txt", "0123456789"}, zipFile{"s.txt", "abc"})

	res, err := fx.pipeline.Run(context.Background(), "", zipPath)
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Equal(t, models.KindEntryTooLarge, res.Results[0].ErrorKind)
	assert.True(t, res.Results[1].OK())
}

func TestRunPreservesArchiveOrder(t *testing.T) {
	client := newFakeClient()
	client.delay = func(path string) time.Duration {
		var n int
		fmt.Sscanf(path, "f%02d.txt", &n)
		return time.Duration(20-n) * time.Millisecond
	}
	fx := newFixture(t, client, 4, 0)

	var files []zipFile
	for i := 0; i < 20; i++ {
		files = append(files, zipFile{fmt.Sprintf("f%02d.txt", i), fmt.Sprintf("body %d", i)})
	}
	res, err := fx.pipeline.Run(context.Background(), "", writeArchive(t, files...))
	require.NoError(t, err)
	require.Len(t, res.Results, 20)
	for i, r := range res.Results {
		assert.Equal(t, fmt.Sprintf("f%02d.txt", i), r.Path)
		assert.Equal(t, i, r.Index)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	fx := newFixture(t, newFakeClient(), 2, 0)
	zipPath := writeArchive(t,
		zipFile{"notes/a.txt", "alpha"},
		zipFile{"notes/a.pdf", pdfBytes},
		zipFile{"b.txt", "beta"},
	)

	first, err := fx.pipeline.Run(context.Background(), "run-1", zipPath)
	require.NoError(t, err)
	second, err := fx.pipeline.Run(context.Background(), "run-2", zipPath)
	require.NoError(t, err)

	files := listFiles(t, first.OutputDir)
	assert.Equal(t, []string{"b.json", "notes/a.pdf.json", "notes/a.txt.json"}, files)
	assert.Equal(t, files, listFiles(t, second.OutputDir))
	for _, f := range files {
		a, err := os.ReadFile(filepath.Join(first.OutputDir, f))
		require.NoError(t, err)
		b, err := os.ReadFile(filepath.Join(second.OutputDir, f))
		require.NoError(t, err)
		assert.Equal(t, a, b, f)
	}
}

func TestRunCancellationCleansUp(t *testing.T) {
	client := newFakeClient()
	client.block = make(chan struct{})
	fx := newFixture(t, client, 1, 0)
	zipPath := writeArchive(t, zipFile{"a.txt", "a"}, zipFile{"b.txt", "b"}, zipFile{"c.txt", "c"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-client.block
		cancel()
	}()

	_, err := fx.pipeline.Run(ctx, "run-cancel", zipPath)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = os.Stat(filepath.Join(fx.outputRoot, "run-cancel"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "output discarded")
	_, err = os.Stat(filepath.Join(fx.stagingRoot, "run-cancel"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "staging removed")
}

func TestPlanArtifacts(t *testing.T) {
	got := PlanArtifacts([]string{"a.txt", "a.pdf", "b.txt", "dir/c", "a.txt.md", "B.md"})
	assert.Equal(t, []string{"a.txt.json", "a.pdf.json", "b.txt.json", "dir/c.json", "a.txt~2.json", "B.md.json"}, got)
	assert.Equal(t, []string{"x~2.json", "x.json/y.json"}, PlanArtifacts([]string{"x.txt", "x.json/y.txt"}))
	assert.Equal(t, []string{"X.JSON/y.json", "x~2.json"}, PlanArtifacts([]string{"X.JSON/y.txt", "x.txt"}))
	assert.Equal(t, "x/y.json", ArtifactPath("x/y.tar"))
	assert.Equal(t, "README.json", ArtifactPath("README"))
}

func TestWriterRendersIndentedJSON(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)
	rec := &models.FileMetadataRecord{
		Title:   "T",
		Subject: []models.Subject{"Linux"},
		Type:    []models.ResourceType{"Lecture"},
		Format:  []models.Format{"ppt"},
	}
	p, err := w.Write("deep/nested/t.json", rec)
	require.NoError(t, err)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, "{\n  \"title\": \"T\",\n  \"creator\": \"\","))
	assert.True(t, strings.HasSuffix(text, "}\n"))
	assert.Contains(t, text, `"keywords": []`)

	// overwrite is silent
	rec.Title = "T2"
	_, err = w.Write("deep/nested/t.json", rec)
	require.NoError(t, err)

	_, err = w.Write("../escape.json", rec)
	assert.ErrorIs(t, err, apperr.ErrPathTraversal)
}

func TestBuildContextIsDeterministic(t *testing.T) {
	entry := models.ArchiveEntry{Index: 3, Name: "a/b.txt", Size: 42, Modified: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	class := extract.Classification{MimeType: "text/plain", Extension: ".txt"}
	fc := BuildContext(entry, "a/b.txt", class, "body")
	assert.Equal(t, fc, BuildContext(entry, "a/b.txt", class, "body"))
	assert.Equal(t, "2024-01-02T03:04:05", fc.ModificationDate)
	assert.Equal(t, ".txt", fc.GuessedExtension)
	assert.Equal(t, uint64(42), fc.SizeBytes)
}

func TestRunArtifactNameUsedAsDirectory(t *testing.T) {
	orders := [][]zipFile{
		{{"x.txt", "file"}, {"x.json/y.txt", "nested"}},
		{{"x.json/y.txt", "nested"}, {"x.txt", "file"}},
	}
	for _, files := range orders {
		for i := 0; i < 2; i++ {
			client := newFakeClient()
			// let the later entry finish first
			first := files[0].name
			client.delay = func(path string) time.Duration {
				if path == first {
					return 30 * time.Millisecond
				}
				return 0
			}
			fx := newFixture(t, client, 2, 0)

			res, err := fx.pipeline.Run(context.Background(), "", writeArchive(t, files...))
			require.NoError(t, err)
			assert.Equal(t, 2, res.Processed, "order %s", first)
			assert.Equal(t, 0, res.Failed, "order %s", first)
			assert.Equal(t, []string{"x.json/y.json", "x~2.json"}, listFiles(t, res.OutputDir))
		}
	}
}

func TestRunArtifactWriteFailureIsRetriedThenRecorded(t *testing.T) {
	const runID = "write-fail"
	client := newFakeClient()
	fx := newFixture(t, client, 2, 0)
	core, logs := observer.New(zapcore.DebugLevel)
	fx.pipeline.log = logger.NewFromZap(zap.New(core))

	// occupy the artifact path of a.txt with a directory once the run owns its output dir
	client.before = func(path string) {
		if path == "a.txt" {
			blocker := filepath.Join(fx.outputRoot, runID, "a.json", "occupied")
			assert.NoError(t, os.MkdirAll(blocker, 0o755))
		}
	}

	res, err := fx.pipeline.Run(context.Background(), runID, writeArchive(t,
		zipFile{"a.txt", "first"},
		zipFile{"b.txt", "second"},
	))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Failed)

	require.Len(t, res.Results, 2)
	failed := res.Results[0]
	assert.Equal(t, "a.txt", failed.Path)
	assert.Equal(t, models.EntryFailed, failed.Status)
	assert.Equal(t, models.KindArtifactWrite, failed.ErrorKind)
	assert.NotEmpty(t, failed.Error)
	assert.True(t, res.Results[1].OK())

	assert.Equal(t, 1, logs.FilterMessage("artifact write failed, retrying").Len())
	assert.Equal(t, 1, logs.FilterMessage("entry failed").FilterField(zap.String("kind", string(models.KindArtifactWrite))).Len())

	_, err = os.Stat(filepath.Join(res.OutputDir, "b.json"))
	assert.NoError(t, err)
}
