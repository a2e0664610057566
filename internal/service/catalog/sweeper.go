package catalog

import (
	"context"
	"time"

	"github.com/jc2409/jsonify/internal/logger"
	"github.com/jc2409/jsonify/internal/models"
)

const (
	DefaultOutputTTL     = 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// StartOutputSweeper periodically removes the output of completed runs older than ttl
// and marks them expired. remove deletes the output of one run.
func (s *Service) StartOutputSweeper(ctx context.Context, interval, ttl time.Duration, remove func(runID string) error) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if ttl <= 0 {
		ttl = DefaultOutputTTL
	}
	go s.sweepLoop(ctx, interval, ttl, remove)
}

func (s *Service) sweepLoop(ctx context.Context, interval, ttl time.Duration, remove func(string) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.sweepExpired(ctx, time.Now().UTC().Add(-ttl), remove); err != nil {
				s.log.Warn("sweep expired outputs failed", logger.Error(err))
			}
		}
	}
}

func (s *Service) sweepExpired(ctx context.Context, cutoff time.Time, remove func(string) error) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs WHERE status = ? AND finished_at <= ?`, models.RunCompleted, cutoff)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	swept := 0
	for _, id := range ids {
		if err := remove(id); err != nil {
			s.log.Warn("remove run output failed", logger.String("run_id", id), logger.Error(err))
			continue
		}
		if err := s.ExpireRun(ctx, id); err != nil {
			s.log.Warn("expire run failed", logger.String("run_id", id), logger.Error(err))
			continue
		}
		swept++
	}
	if swept > 0 {
		s.log.Info("expired run outputs removed", logger.Int("count", swept))
	}
	return swept, nil
}
