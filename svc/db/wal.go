package db

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"secretboard/cfg"
	"secretboard/metrics"
	"secretboard/svc/util"
)

const checkpointInterval = 5 * time.Minute

// StartWALMaintenance checkpoints the SQLite WAL until quit is closed, with a
// final checkpoint on the way out. It returns at once for PostgreSQL.
func (s *Store) StartWALMaintenance(quit <-chan struct{}) {
	if s.driver != cfg.DriverSQLite {
		return
	}
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Checkpoint(context.Background()); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-quit:
			if err := s.Checkpoint(context.Background()); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			return
		}
	}
}

// Checkpoint runs a PASSIVE checkpoint and escalates to TRUNCATE when the log
// has grown or readers kept pages busy.
func (s *Store) Checkpoint(ctx context.Context) error {
	start := time.Now()
	metrics.WALCheckpoints.Inc()
	var busyPages, logPages, checkpointed int
	err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busyPages, &logPages, &checkpointed)
	if err != nil {
		return errors.Wrap(err, "passive checkpoint")
	}
	util.Debug().
		Int("busy", busyPages).
		Int("log", logPages).
		Int("checkpointed", checkpointed).
		Msg("PASSIVE checkpoint result")
	if logPages > 1000 || busyPages > 0 {
		util.Info().Msg("escalating to TRUNCATE checkpoint")
		err = s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busyPages, &logPages, &checkpointed)
		if err != nil {
			return errors.Wrap(err, "truncate checkpoint")
		}
	}
	if err := s.verifyIntegrity(ctx); err != nil {
		util.Error().Err(err).Msg("CRITICAL: database integrity check failed after checkpoint")
		return err
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}

func (s *Store) verifyIntegrity(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return errors.Wrap(err, "integrity_check query")
	}
	if result != "ok" {
		return errors.Errorf("integrity_check returned: %s", result)
	}
	return nil
}
