package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/zip"

	"github.com/jc2409/jsonify/internal/config"
	"github.com/jc2409/jsonify/internal/extract"
	"github.com/jc2409/jsonify/internal/metrics"
	"github.com/jc2409/jsonify/internal/models"
	"github.com/jc2409/jsonify/internal/pipeline"
	"github.com/jc2409/jsonify/internal/service/ai"
	"github.com/jc2409/jsonify/internal/service/catalog"
	"github.com/jc2409/jsonify/internal/staging"
	"github.com/jc2409/jsonify/internal/storage"
	"github.com/jc2409/jsonify/internal/worker"
)

type mockClient struct {
	fail map[string]error
}

func (m *mockClient) Infer(_ context.Context, fc *models.FileContext) (*models.FileMetadataRecord, error) {
	if err := m.fail[fc.RelativePath]; err != nil {
		return nil, err
	}
	return &models.FileMetadataRecord{
		Title:    fc.RelativePath,
		Subject:  []models.Subject{"Python"},
		Type:     []models.ResourceType{"Course"},
		Format:   []models.Format{"doc"},
		Keywords: []string{"demo"},
	}, nil
}

type testServer struct {
	router  *gin.Engine
	catalog *catalog.Service
	client  *mockClient
}

func newTestServer(t *testing.T, maxUpload int64) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	root := t.TempDir()

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: filepath.Join(root, "catalog.db")},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	sm := staging.NewManager(filepath.Join(root, "staging"), filepath.Join(root, "output"), 0, nil)
	reg, err := extract.NewDefaultRegistry(context.Background(), extract.Options{}, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	d := worker.NewDispatcher(worker.DispatcherConfig{MaxWorkers: 2}, nil)
	t.Cleanup(d.Stop)

	client := &mockClient{fail: map[string]error{}}
	m := metrics.New()
	p := pipeline.New(sm, reg, client, d, pipeline.Options{WriteRetries: 1, Metrics: m})
	catalogSvc := catalog.NewService(db, nil)

	handler := NewHandler(p, catalogSvc, sm, m, maxUpload, nil)
	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{router: router, catalog: catalogSvc, client: client}
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(files[name])); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func doUpload(t *testing.T, router *gin.Engine, path, field, filename string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		part, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	} else if err := mw.WriteField("other", "value"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doRequest(t *testing.T, router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, msg string) {
	t.Helper()
	assertStatus(t, rec, status)
	var body struct {
		Error string `json:"error"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Error != msg {
		t.Fatalf("want error %q, got %q", msg, body.Error)
	}
}

type uploadResponse struct {
	Message   string                      `json:"message"`
	RunID     string                      `json:"run_id"`
	Processed int                         `json:"processed"`
	Failed    int                         `json:"failed"`
	Skipped   int                         `json:"skipped"`
	Results   []models.FileMetadataRecord `json:"results"`
	Failures  []entryFailure              `json:"failures"`
}

func TestUploadValidation(t *testing.T) {
	srv := newTestServer(t, 0)

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assertError(t, rec, http.StatusBadRequest, "No file part")

	assertError(t, doUpload(t, srv.router, "/upload", "", "", nil), http.StatusBadRequest, "No file part")
	assertError(t, doUpload(t, srv.router, "/upload", "zipFile", "", []byte("x")), http.StatusBadRequest, "No selected file")
	assertError(t, doUpload(t, srv.router, "/api/upload", "zipFile", "notes.txt", []byte("x")), http.StatusBadRequest,
		"Invalid file type. Please upload a ZIP file.")
}

func TestUploadAndDownloadFlow(t *testing.T) {
	srv := newTestServer(t, 0)

	assertError(t, doRequest(t, srv.router, http.MethodGet, "/download"), http.StatusNotFound,
		"No JSON files available for download")

	data := zipBytes(t, map[string]string{
		"labs/intro.txt": "first lab",
		"labs/notes.md":  "# notes",
		".DS_Store":      "junk",
	})
	rec := doUpload(t, srv.router, "/upload", "zipFile", "Labs.ZIP", data)
	assertStatus(t, rec, http.StatusOK)
	var body uploadResponse
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Message != "Processed 2 files" || body.Processed != 2 || body.Skipped != 1 {
		t.Fatalf("unexpected summary: %+v", body)
	}
	if len(body.Results) != 2 || body.Results[0].Title != "labs/intro.txt" || len(body.Failures) != 0 {
		t.Fatalf("unexpected results: %+v", body)
	}

	dl := doRequest(t, srv.router, http.MethodGet, "/download")
	assertStatus(t, dl, http.StatusOK)
	if ct := dl.Header().Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cd := dl.Header().Get("Content-Disposition"); !strings.Contains(cd, "metadata_results.zip") {
		t.Fatalf("unexpected disposition %q", cd)
	}
	zr, err := zip.NewReader(bytes.NewReader(dl.Body.Bytes()), int64(dl.Body.Len()))
	if err != nil {
		t.Fatalf("read package: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	if strings.Join(names, ",") != "labs/intro.json,labs/notes.json" {
		t.Fatalf("unexpected package entries: %v", names)
	}
	f, err := zr.File[0].Open()
	if err != nil {
		t.Fatalf("open entry: %v", err)
	}
	raw, _ := io.ReadAll(f)
	f.Close()
	var rec0 models.FileMetadataRecord
	decodeJSON(t, raw, &rec0)
	if rec0.Title != "labs/intro.txt" {
		t.Fatalf("artifact mismatch: %+v", rec0)
	}

	runResp := doRequest(t, srv.router, http.MethodGet, "/api/runs/"+body.RunID)
	assertStatus(t, runResp, http.StatusOK)
	var runBody struct {
		Run     models.Run                `json:"run"`
		Entries []models.ProcessingResult `json:"entries"`
	}
	decodeJSON(t, runResp.Body.Bytes(), &runBody)
	if runBody.Run.Status != models.RunCompleted || runBody.Run.ArchiveName != "Labs.ZIP" || len(runBody.Entries) != 2 {
		t.Fatalf("unexpected run detail: %+v", runBody)
	}

	assertStatus(t, doRequest(t, srv.router, http.MethodGet, "/api/runs/"+body.RunID+"/download"), http.StatusOK)

	list := doRequest(t, srv.router, http.MethodGet, "/api/runs?limit=5")
	assertStatus(t, list, http.StatusOK)
	var listBody struct {
		Runs []models.Run `json:"runs"`
	}
	decodeJSON(t, list.Body.Bytes(), &listBody)
	if len(listBody.Runs) != 1 || listBody.Runs[0].ID != body.RunID {
		t.Fatalf("unexpected run list: %+v", listBody)
	}
}

func TestUploadReportsPerEntryFailures(t *testing.T) {
	srv := newTestServer(t, 0)
	srv.client.fail["b.txt"] = &ai.InferenceError{Err: errors.New("service unavailable")}

	rec := doUpload(t, srv.router, "/upload", "zipFile", "set.zip", zipBytes(t, map[string]string{
		"a.txt": "alpha",
		"b.txt": "beta",
	}))
	assertStatus(t, rec, http.StatusOK)
	var body uploadResponse
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Message != "Processed 1 files, 1 failed" {
		t.Fatalf("unexpected message %q", body.Message)
	}
	if len(body.Failures) != 1 || body.Failures[0].Path != "b.txt" || body.Failures[0].ErrorKind != models.KindInference {
		t.Fatalf("unexpected failures: %+v", body.Failures)
	}
}

func TestUploadRejectsTraversalArchive(t *testing.T) {
	srv := newTestServer(t, 0)
	rec := doUpload(t, srv.router, "/upload", "zipFile", "evil.zip", zipBytes(t, map[string]string{
		"../../etc/passwd": "root",
		"ok.txt":           "fine",
	}))
	assertStatus(t, rec, http.StatusBadRequest)
	var body struct {
		RunID string `json:"run_id"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)

	run, err := srv.catalog.GetRun(context.Background(), body.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != models.RunFailed {
		t.Fatalf("run should be failed, got %s", run.Status)
	}
	assertStatus(t, doRequest(t, srv.router, http.MethodGet, "/api/runs/"+body.RunID+"/download"), http.StatusNotFound)
}

func TestUploadRejectsGarbageZip(t *testing.T) {
	srv := newTestServer(t, 0)
	rec := doUpload(t, srv.router, "/upload", "zipFile", "broken.zip", []byte("definitely not a zip"))
	assertError(t, rec, http.StatusBadRequest, "Archive could not be read")
}

func TestUploadTooLarge(t *testing.T) {
	srv := newTestServer(t, 256)
	rec := doUpload(t, srv.router, "/upload", "zipFile", "big.zip", bytes.Repeat([]byte("a"), 4096))
	assertStatus(t, rec, http.StatusRequestEntityTooLarge)
}

func TestRunNotFound(t *testing.T) {
	srv := newTestServer(t, 0)
	assertStatus(t, doRequest(t, srv.router, http.MethodGet, "/api/runs/nope"), http.StatusNotFound)
	assertStatus(t, doRequest(t, srv.router, http.MethodGet, "/api/runs?limit=zero"), http.StatusBadRequest)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, 0)
	assertStatus(t, doRequest(t, srv.router, http.MethodGet, "/health"), http.StatusOK)

	doUpload(t, srv.router, "/upload", "zipFile", "one.zip", zipBytes(t, map[string]string{"a.txt": "a"}))
	rec := doRequest(t, srv.router, http.MethodGet, "/metrics")
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), fmt.Sprintf(`jsonify_runs_total{outcome=%q} 1`, "completed")) {
		t.Fatalf("metrics missing run counter:\n%s", rec.Body.String())
	}
}
