package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/lobbyhub/internal/config"
)

type fakeHistory struct {
	cutoff time.Time
	since  time.Time
}

func (f *fakeHistory) PruneHistory(cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 3, nil
}

func (f *fakeHistory) HistorySince(since time.Time) (int, int, error) {
	f.since = since
	return 4, 9, nil
}

func TestNextRun(t *testing.T) {
	s := NewScheduler(config.MaintenanceConfig{Enabled: true, CleanupTime: "04:30"}, config.LoggingConfig{}, "lobbyhub", nil)

	s.Now = func() time.Time { return time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC) }
	assert.Equal(t, time.Date(2026, 3, 1, 4, 30, 0, 0, time.UTC), s.nextRun())

	s.Now = func() time.Time { return time.Date(2026, 3, 1, 4, 30, 0, 0, time.UTC) }
	assert.Equal(t, time.Date(2026, 3, 2, 4, 30, 0, 0, time.UTC), s.nextRun())

	s.cfg.CleanupTime = "garbage"
	s.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	assert.Equal(t, time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC), s.nextRun())
}

func TestRunOnce(t *testing.T) {
	dir := t.TempDir()
	for i, name := range []string{"lobbyhub_2026-01-01.log", "lobbyhub_2026-01-02.log", "lobbyhub_2026-01-03.log"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
		mtime := time.Now().Add(time.Duration(i-3) * time.Hour)
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}

	history := &fakeHistory{}
	now := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	s := NewScheduler(
		config.MaintenanceConfig{Enabled: true, CleanupTime: "04:00", HistoryRetentionDays: 7},
		config.LoggingConfig{Directory: dir, MaxBackups: 1},
		"lobbyhub",
		history,
	)
	s.Now = func() time.Time { return now }

	s.RunOnce()

	assert.Equal(t, now.AddDate(0, 0, -7), history.cutoff)
	assert.Equal(t, now.Add(-24*time.Hour), history.since)

	left, err := filepath.Glob(filepath.Join(dir, "lobbyhub_*.log"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "lobbyhub_2026-01-03.log")}, left)
}

func TestStartDisabledReturns(t *testing.T) {
	s := NewScheduler(config.MaintenanceConfig{}, config.LoggingConfig{}, "lobbyhub", nil)
	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled scheduler kept running")
	}
	assert.Equal(t, "maintenance disabled", s.String())
}
