package db

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"pasteforge/svc/util"
)

const (
	checkpointInterval = 5 * time.Minute
	truncateLogPages   = 1000
)

// RunWALMaintenance checkpoints the WAL until ctx is done, then runs a
// final checkpoint.
func (s *SQLite) RunWALMaintenance(ctx context.Context) {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Checkpoint(ctx); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.Checkpoint(final); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			cancel()
			return
		}
	}
}

// Checkpoint runs a PASSIVE checkpoint and escalates to TRUNCATE when the
// log is large or readers blocked it.
func (s *SQLite) Checkpoint(ctx context.Context) error {
	start := time.Now()
	var busy, logPages, done int
	if err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &logPages, &done); err != nil {
		return errors.Wrap(err, "passive checkpoint")
	}
	if logPages > truncateLogPages || busy > 0 {
		util.Info().Int("busy", busy).Int("log", logPages).Msg("escalating to TRUNCATE checkpoint")
		if err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logPages, &done); err != nil {
			return errors.Wrap(err, "truncate checkpoint")
		}
	}
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return errors.Wrap(err, "quick_check")
	}
	if result != "ok" {
		return errors.Errorf("quick_check returned: %s", result)
	}
	util.Debug().Int("checkpointed", done).Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}
