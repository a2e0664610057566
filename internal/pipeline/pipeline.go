// Package pipeline turns one zip archive into a tree of metadata artifacts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jc2409/jsonify/internal/archive"
	"github.com/jc2409/jsonify/internal/extract"
	"github.com/jc2409/jsonify/internal/logger"
	"github.com/jc2409/jsonify/internal/metrics"
	"github.com/jc2409/jsonify/internal/models"
	"github.com/jc2409/jsonify/internal/service/ai"
	"github.com/jc2409/jsonify/internal/staging"
	"github.com/jc2409/jsonify/internal/worker"
)

// RunResult summarizes a run that reached the end of its entry list.
type RunResult struct {
	RunID     string                    `json:"run_id"`
	OutputDir string                    `json:"-"`
	Results   []models.ProcessingResult `json:"results"`
	Eligible  int                       `json:"eligible"`
	Processed int                       `json:"processed"`
	Failed    int                       `json:"failed"`
	Skipped   int                       `json:"skipped"`
}

// Records returns the records of the successful entries in archive order.
func (r *RunResult) Records() []*models.FileMetadataRecord {
	out := make([]*models.FileMetadataRecord, 0, r.Processed)
	for _, res := range r.Results {
		if res.OK() {
			out = append(out, res.Metadata)
		}
	}
	return out
}

// Failures returns the failed entries in archive order.
func (r *RunResult) Failures() []models.ProcessingResult {
	var out []models.ProcessingResult
	for _, res := range r.Results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}

type Options struct {
	// WriteRetries is how many times a failed artifact write is retried.
	WriteRetries int
	Metrics      *metrics.Metrics
	Logger       logger.Logger
}

type Pipeline struct {
	staging      *staging.Manager
	classifier   *extract.Classifier
	extractor    *extract.Registry
	client       ai.Client
	dispatcher   *worker.Dispatcher
	writeRetries int
	metrics      *metrics.Metrics
	log          logger.Logger
}

func New(sm *staging.Manager, extractor *extract.Registry, client ai.Client, dispatcher *worker.Dispatcher, opts Options) *Pipeline {
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	retries := opts.WriteRetries
	if retries < 0 {
		retries = 0
	}
	return &Pipeline{
		staging:      sm,
		classifier:   extract.NewClassifier(log),
		extractor:    extractor,
		client:       client,
		dispatcher:   dispatcher,
		writeRetries: retries,
		metrics:      opts.Metrics,
		log:          log,
	}
}

var errEntryDropped = errors.New("entry dropped before completion")

type plannedEntry struct {
	entry    models.ArchiveEntry
	rel      string
	artifact string
}

// Run processes the archive at archivePath into the output directory of runID
// (a fresh id when empty). Per-entry failures are reported in the result; a path
// escape, an unreadable archive, a staging fault or cancellation fails the run and
// drops its output. Staging is removed on every path.
func (p *Pipeline) Run(ctx context.Context, runID, archivePath string) (*RunResult, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	log := p.log.With(logger.String("run_id", runID))
	start := time.Now()

	p.metrics.RunStarted()
	outcome := "failed"
	defer func() { p.metrics.RunFinished(outcome) }()

	ws, err := p.staging.Acquire(runID)
	if err != nil {
		return nil, err
	}
	defer ws.Release()

	zr, err := archive.Open(archivePath)
	if err != nil {
		ws.DiscardOutput()
		return nil, err
	}
	defer zr.Close()

	plan, skipped, err := planEntries(zr.Entries())
	if err != nil {
		log.Warn("archive rejected", logger.Error(err))
		ws.DiscardOutput()
		return nil, err
	}

	results, err := p.process(ctx, ws, zr, plan, log)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome = "cancelled"
		}
		log.Warn("run aborted", logger.Error(err))
		ws.DiscardOutput()
		return nil, err
	}

	res := &RunResult{
		RunID:     runID,
		OutputDir: ws.OutputDir,
		Results:   results,
		Eligible:  len(plan),
		Skipped:   skipped,
	}
	for _, r := range results {
		if r.OK() {
			res.Processed++
		} else {
			res.Failed++
		}
	}
	outcome = "completed"
	log.Info("run finished",
		logger.Int("eligible", res.Eligible),
		logger.Int("processed", res.Processed),
		logger.Int("failed", res.Failed),
		logger.Int("skipped", res.Skipped),
		logger.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

// planEntries sanitizes every name before anything is processed, so a single
// escaping entry rejects the whole archive.
func planEntries(entries []models.ArchiveEntry) ([]plannedEntry, int, error) {
	var plan []plannedEntry
	skipped := 0
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		rel, err := archive.Sanitize(e.Name)
		switch {
		case err == nil:
		case errors.Is(err, archive.ErrHiddenEntry), errors.Is(err, archive.ErrNotAFile):
			skipped++
			continue
		default:
			return nil, 0, err
		}
		plan = append(plan, plannedEntry{entry: e, rel: rel})
	}

	rels := make([]string, len(plan))
	for i := range plan {
		rels[i] = plan[i].rel
	}
	for i, artifact := range PlanArtifacts(rels) {
		plan[i].artifact = artifact
	}
	return plan, skipped, nil
}

func (p *Pipeline) process(ctx context.Context, ws *staging.Workspace, zr *archive.Reader, plan []plannedEntry, log logger.Logger) ([]models.ProcessingResult, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(runCtx, func() { p.dispatcher.CancelRun(ws.RunID) })
	defer stop()

	writer := NewWriter(ws.OutputDir)
	results := make([]models.ProcessingResult, len(plan))
	var wg sync.WaitGroup

	for i, item := range plan {
		var once sync.Once
		finish := func(r models.ProcessingResult) {
			once.Do(func() {
				results[i] = r
				p.metrics.Entry(string(r.Status), string(r.ErrorKind))
				wg.Done()
			})
		}
		wg.Add(1)
		if runCtx.Err() != nil {
			finish(failure(item, models.KindCancelled, cancelReason(runCtx)))
			continue
		}
		job := worker.Job{
			RunID: ws.RunID,
			Exec: func() {
				finish(p.processEntry(runCtx, cancel, ws, zr, writer, item, log))
			},
			Abort: func() {
				if runCtx.Err() != nil {
					finish(failure(item, models.KindCancelled, cancelReason(runCtx)))
					return
				}
				finish(p.entryFailed(log, item, models.KindCancelled, errEntryDropped))
			},
		}
		if err := p.dispatcher.Submit(runCtx, job); err != nil {
			cancel(err)
			finish(failure(item, models.KindCancelled, err))
		}
	}
	wg.Wait()

	if cause := context.Cause(runCtx); cause != nil {
		return nil, fmt.Errorf("run %s: %w", ws.RunID, cause)
	}
	return results, nil
}

func (p *Pipeline) processEntry(ctx context.Context, fail context.CancelCauseFunc, ws *staging.Workspace, zr *archive.Reader, writer *Writer, item plannedEntry, log logger.Logger) models.ProcessingResult {
	if ctx.Err() != nil {
		return failure(item, models.KindCancelled, cancelReason(ctx))
	}
	log = log.With(logger.String("path", item.rel))

	staged, err := ws.Materialize(item.entry.Index, item.rel, func() (io.ReadCloser, error) {
		return zr.OpenEntry(item.entry.Index)
	})
	if err != nil {
		switch {
		case errors.Is(err, staging.ErrEntryTooLarge):
			return p.entryFailed(log, item, models.KindEntryTooLarge, err)
		case errors.Is(err, staging.ErrEntryUnreadable):
			return p.entryFailed(log, item, models.KindEntryUnreadable, err)
		default:
			fail(err)
			return failure(item, models.KindCancelled, err)
		}
	}
	defer ws.Remove(staged)

	class := p.classifier.Classify(staged)
	text := p.extractor.Extract(ctx, staged, class.MimeType)
	fc := BuildContext(item.entry, item.rel, class, text)

	began := time.Now()
	rec, err := p.client.Infer(ctx, &fc)
	p.metrics.ObserveInference(time.Since(began).Seconds(), err == nil)
	if err != nil {
		if ctx.Err() != nil {
			return failure(item, models.KindCancelled, cancelReason(ctx))
		}
		var sv *ai.SchemaViolationError
		if errors.As(err, &sv) {
			return p.entryFailed(log, item, models.KindSchemaViolation, err)
		}
		return p.entryFailed(log, item, models.KindInference, err)
	}

	for attempt := 0; ; attempt++ {
		_, err = writer.Write(item.artifact, rec)
		if err == nil || attempt >= p.writeRetries {
			break
		}
		log.Warn("artifact write failed, retrying", logger.Error(err))
	}
	if err != nil {
		return p.entryFailed(log, item, models.KindArtifactWrite, err)
	}

	log.Debug("entry processed", logger.String("artifact", item.artifact), logger.String("mime", class.MimeType))
	return models.ProcessingResult{
		Index:    item.entry.Index,
		Path:     item.rel,
		Artifact: item.artifact,
		Status:   models.EntryOK,
		Metadata: rec,
	}
}

func (p *Pipeline) entryFailed(log logger.Logger, item plannedEntry, kind models.ErrorKind, err error) models.ProcessingResult {
	log.Warn("entry failed", logger.String("kind", string(kind)), logger.Error(err))
	return failure(item, kind, err)
}

func failure(item plannedEntry, kind models.ErrorKind, err error) models.ProcessingResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return models.ProcessingResult{
		Index:     item.entry.Index,
		Path:      item.rel,
		Status:    models.EntryFailed,
		ErrorKind: kind,
		Error:     msg,
	}
}

func cancelReason(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return context.Canceled
}
