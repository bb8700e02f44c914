package store

import (
	"context"
	"fmt"
	"time"
)

// StartRetentionCleanup periodically deletes connection events older than
// retention. It blocks until ctx is cancelled.
//
// Readings and commands are not touched: readings are only removed through
// ClearReadings and commands are never deleted.
func (s *Store) StartRetentionCleanup(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().
		Dur("interval", interval).
		Dur("retention", retention).
		Msg("starting retention cleanup loop")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("retention cleanup loop stopped")
			return
		case <-ticker.C:
			if _, err := s.CleanupOldEvents(retention); err != nil {
				s.log.Error().Err(err).Msg("retention cleanup failed")
			}
		}
	}
}

// CleanupOldEvents removes connection events older than the given duration.
func (s *Store) CleanupOldEvents(retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention)
	result, err := s.db.Exec(`DELETE FROM connections WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		s.log.Info().Int64("deleted", rows).Msg("cleaned up old connection events")
	}
	return rows, nil
}
