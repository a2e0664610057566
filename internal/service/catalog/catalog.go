// Package catalog records archive runs and their per-entry outcomes.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jc2409/jsonify/internal/apperr"
	"github.com/jc2409/jsonify/internal/logger"
	"github.com/jc2409/jsonify/internal/models"
	"github.com/jc2409/jsonify/internal/pipeline"
)

type Service struct {
	db  *sql.DB
	log logger.Logger
}

func NewService(db *sql.DB, log logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{db: db, log: log}
}

const runColumns = `id, archive_name, status, eligible, processed, failed, skipped, output_dir, error, created_at, finished_at`

// CreateRun inserts a run in the running state.
func (s *Service) CreateRun(ctx context.Context, id, archiveName, outputDir string) (*models.Run, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("run id is required: %w", apperr.ErrInvalidInput)
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, archive_name, status, output_dir, error, created_at) VALUES (?, ?, ?, ?, '', ?)`,
		id, archiveName, models.RunRunning, outputDir, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return &models.Run{
		ID:          id,
		ArchiveName: archiveName,
		Status:      models.RunRunning,
		OutputDir:   outputDir,
		CreatedAt:   now,
	}, nil
}

// CompleteRun stores the counts and entry outcomes of a finished run.
func (s *Service) CompleteRun(ctx context.Context, res *pipeline.RunResult) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, eligible = ?, processed = ?, failed = ?, skipped = ?, output_dir = ?, finished_at = ? WHERE id = ?`,
		models.RunCompleted, res.Eligible, res.Processed, res.Failed, res.Skipped, res.OutputDir, time.Now().UTC(), res.RunID,
	)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if err = expectRow(result, res.RunID); err != nil {
		return err
	}
	if err = insertEntries(ctx, tx, res.RunID, res.Results); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// FailRun marks a run failed with the error that aborted it.
func (s *Service) FailRun(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		models.RunFailed, msg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	return expectRow(result, id)
}

// RecordEntries stores entry outcomes, replacing earlier rows with the same index.
func (s *Service) RecordEntries(ctx context.Context, runID string, results []models.ProcessingResult) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = insertEntries(ctx, tx, runID, results); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEntries(ctx context.Context, tx *sql.Tx, runID string, results []models.ProcessingResult) error {
	if len(results) == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_entries WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_entries (run_id, entry_index, path, artifact, status, error_kind, error) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare entries: %w", err)
	}
	defer stmt.Close()
	for _, r := range results {
		if _, err := stmt.ExecContext(ctx, runID, r.Index, r.Path, r.Artifact, r.Status, r.ErrorKind, r.Error); err != nil {
			return fmt.Errorf("insert entry %s: %w", r.Path, err)
		}
	}
	return nil
}

// GetRun returns one run or apperr.ErrNotFound.
func (s *Service) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// LatestRun returns the newest completed run that produced at least one artifact.
func (s *Service) LatestRun(ctx context.Context) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = ? AND processed > 0 ORDER BY finished_at DESC, created_at DESC LIMIT 1`,
		models.RunCompleted,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNothingToPackage
		}
		return nil, fmt.Errorf("latest run: %w", err)
	}
	return run, nil
}

// ListEntries returns the recorded outcomes of a run in archive order.
func (s *Service) ListEntries(ctx context.Context, runID string) ([]models.ProcessingResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_index, path, artifact, status, error_kind, error FROM run_entries WHERE run_id = ? ORDER BY entry_index ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []models.ProcessingResult
	for rows.Next() {
		var r models.ProcessingResult
		if err := rows.Scan(&r.Index, &r.Path, &r.Artifact, &r.Status, &r.ErrorKind, &r.Error); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, r)
	}
	return entries, rows.Err()
}

// ExpireRun marks a completed run whose output has been removed.
func (s *Service) ExpireRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ? WHERE id = ? AND status = ?`,
		models.RunExpired, id, models.RunCompleted)
	if err != nil {
		return fmt.Errorf("expire run: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run      models.Run
		finished sql.NullTime
	)
	err := row.Scan(&run.ID, &run.ArchiveName, &run.Status, &run.Eligible, &run.Processed,
		&run.Failed, &run.Skipped, &run.OutputDir, &run.Error, &run.CreatedAt, &finished)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

func expectRow(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("run rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}
