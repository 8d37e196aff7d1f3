// Package scheduler runs the hub's daily maintenance: pruning old match
// history, trimming log files and logging a summary of the day's matches.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/lobbyhub/internal/config"
	"github.com/energizer-project/lobbyhub/internal/store"
	"github.com/energizer-project/lobbyhub/internal/util"
)

// History is the part of the store the scheduler maintains.
type History interface {
	PruneHistory(cutoff time.Time) (int64, error)
	HistorySince(since time.Time) (matches, games int, err error)
}

var _ History = (*store.LobbyStore)(nil)

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg     config.MaintenanceConfig
	logging config.LoggingConfig
	app     string
	history History
	logger  zerolog.Logger

	Now func() time.Time
}

// NewScheduler creates a maintenance scheduler. app names the log files
// to trim.
func NewScheduler(cfg config.MaintenanceConfig, logging config.LoggingConfig, app string, history History) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		logging: logging,
		app:     app,
		history: history,
		logger:  util.ComponentLogger("scheduler"),
		Now:     time.Now,
	}
}

// Start runs the daily cleanup until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("maintenance disabled")
		return
	}
	s.logger.Info().Msg("scheduler started")

	for {
		nextRun := s.nextRun()
		sleep := nextRun.Sub(s.Now())
		if sleep <= 0 {
			sleep = 24 * time.Hour
		}

		s.logger.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleep).
			Msg("maintenance scheduled")

		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-time.After(sleep):
			s.RunOnce()
		}
	}
}

// RunOnce performs one maintenance pass.
func (s *Scheduler) RunOnce() {
	now := s.Now()

	if s.history != nil {
		matches, games, err := s.history.HistorySince(now.Add(-24 * time.Hour))
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to summarize match history")
		} else {
			s.logger.Info().
				Int("matches", matches).
				Int("games", games).
				Msg("daily match summary")
		}

		cutoff := now.AddDate(0, 0, -s.cfg.HistoryRetentionDays)
		pruned, err := s.history.PruneHistory(cutoff)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to prune match history")
		} else if pruned > 0 {
			s.logger.Info().
				Int64("records", pruned).
				Int("retention_days", s.cfg.HistoryRetentionDays).
				Msg("pruned match history")
		}
	}

	if removed := util.CleanOldLogs(s.logging.Directory, s.app, s.logging.MaxBackups); removed > 0 {
		s.logger.Info().Int("files", removed).Msg("removed old log files")
	}
}

// nextRun returns the next occurrence of the configured cleanup time.
func (s *Scheduler) nextRun() time.Time {
	hour, minute := 4, 0
	if t, err := time.Parse("15:04", s.cfg.CleanupTime); err == nil {
		hour, minute = t.Hour(), t.Minute()
	}

	now := s.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// String describes the schedule for logs and the console.
func (s *Scheduler) String() string {
	if !s.cfg.Enabled {
		return "maintenance disabled"
	}
	return fmt.Sprintf("daily at %s, keeping %d days of history", s.cfg.CleanupTime, s.cfg.HistoryRetentionDays)
}
