package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jc2409/jsonify/internal/apperr"
	"github.com/jc2409/jsonify/internal/archive"
	"github.com/jc2409/jsonify/internal/logger"
	"github.com/jc2409/jsonify/internal/metrics"
	"github.com/jc2409/jsonify/internal/models"
	"github.com/jc2409/jsonify/internal/pipeline"
	"github.com/jc2409/jsonify/internal/service/catalog"
	"github.com/jc2409/jsonify/internal/staging"
)

const (
	uploadField     = "zipFile"
	multipartMemory = 32 << 20
)

// Runner processes one staged archive.
type Runner interface {
	Run(ctx context.Context, runID, archivePath string) (*pipeline.RunResult, error)
}

// Handler wires HTTP routes to the archive pipeline and the run catalog.
type Handler struct {
	runner    Runner
	catalog   *catalog.Service
	staging   *staging.Manager
	metrics   *metrics.Metrics
	maxUpload int64
	log       logger.Logger
}

// NewHandler constructs a Handler instance. maxUpload <= 0 disables the upload size limit.
func NewHandler(runner Runner, catalogSvc *catalog.Service, sm *staging.Manager, m *metrics.Metrics, maxUpload int64, log logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		runner:    runner,
		catalog:   catalogSvc,
		staging:   sm,
		metrics:   m,
		maxUpload: maxUpload,
		log:       log,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	router.POST("/upload", h.uploadArchive)
	router.GET("/download", h.downloadLatest)

	api := router.Group("/api")
	api.POST("/upload", h.uploadArchive)
	api.GET("/runs", h.listRuns)
	api.GET("/runs/:id", h.getRun)
	api.GET("/runs/:id/download", h.downloadRun)
}

type entryFailure struct {
	Path      string           `json:"path"`
	ErrorKind models.ErrorKind `json:"error_kind"`
	Error     string           `json:"error"`
}

func (h *Handler) uploadArchive(c *gin.Context) {
	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file part"})
		return
	}
	defer c.Request.MultipartForm.RemoveAll()

	file, err := c.FormFile(uploadField)
	if err != nil {
		// a part without a file name is parsed as a plain value
		if _, ok := c.Request.MultipartForm.Value[uploadField]; ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No selected file"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file part"})
		return
	}
	if file.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No selected file"})
		return
	}
	if !strings.EqualFold(filepath.Ext(file.Filename), ".zip") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file type. Please upload a ZIP file."})
		return
	}

	dest, err := h.staging.UploadPath(file.Filename)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := c.SaveUploadedFile(file, dest); err != nil {
		h.respondError(c, fmt.Errorf("save upload: %v: %w", err, apperr.ErrStagingIO))
		return
	}
	defer os.Remove(dest)

	ctx := c.Request.Context()
	runID := uuid.NewString()
	archiveName := filepath.Base(file.Filename)
	if _, err := h.catalog.CreateRun(ctx, runID, archiveName, h.staging.OutputDir(runID)); err != nil {
		h.respondError(c, err)
		return
	}

	res, err := h.runner.Run(ctx, runID, dest)
	if err != nil {
		if ferr := h.catalog.FailRun(context.WithoutCancel(ctx), runID, err); ferr != nil {
			h.log.Error("record failed run", logger.String("run_id", runID), logger.Error(ferr))
		}
		appErr := apperr.MapError(err)
		if appErr.Code >= http.StatusInternalServerError {
			h.log.Error("run failed", logger.String("run_id", runID), logger.Error(err))
		}
		c.JSON(appErr.Code, gin.H{"error": appErr.Message, "run_id": runID})
		return
	}
	if err := h.catalog.CompleteRun(context.WithoutCancel(ctx), res); err != nil {
		h.log.Error("record completed run", logger.String("run_id", runID), logger.Error(err))
	}

	failures := make([]entryFailure, 0, res.Failed)
	for _, f := range res.Failures() {
		failures = append(failures, entryFailure{Path: f.Path, ErrorKind: f.ErrorKind, Error: f.Error})
	}
	c.JSON(http.StatusOK, gin.H{
		"message":   summaryMessage(res),
		"run_id":    res.RunID,
		"processed": res.Processed,
		"failed":    res.Failed,
		"skipped":   res.Skipped,
		"results":   res.Records(),
		"failures":  failures,
	})
}

func summaryMessage(res *pipeline.RunResult) string {
	if res.Failed == 0 {
		return fmt.Sprintf("Processed %d files", res.Processed)
	}
	return fmt.Sprintf("Processed %d files, %d failed", res.Processed, res.Failed)
}

func (h *Handler) downloadLatest(c *gin.Context) {
	run, err := h.catalog.LatestRun(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.sendPackage(c, run.OutputDir)
}

func (h *Handler) downloadRun(c *gin.Context) {
	run, err := h.catalog.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if run.Status != models.RunCompleted {
		h.respondError(c, fmt.Errorf("run %s is %s: %w", run.ID, run.Status, apperr.ErrNothingToPackage))
		return
	}
	h.sendPackage(c, run.OutputDir)
}

func (h *Handler) sendPackage(c *gin.Context, dir string) {
	var buf bytes.Buffer
	if err := archive.Package(dir, &buf); err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", archive.PackageName))
	c.Data(http.StatusOK, "application/zip", buf.Bytes())
}

func (h *Handler) listRuns(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	runs, err := h.catalog.ListRuns(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *Handler) getRun(c *gin.Context) {
	ctx := c.Request.Context()
	run, err := h.catalog.GetRun(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	entries, err := h.catalog.ListEntries(ctx, run.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if entries == nil {
		entries = []models.ProcessingResult{}
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "entries": entries})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	appErr := apperr.MapError(err)
	if appErr.Code >= http.StatusInternalServerError {
		h.log.Error("request failed", logger.String("path", c.FullPath()), logger.Error(err))
	}
	c.JSON(appErr.Code, gin.H{"error": appErr.Message})
}
