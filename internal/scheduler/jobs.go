package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pricewatch/internal/checker"
)

// sweepTimeout bounds one full sweep. 200 items at 3 in flight with a
// 20s scrape timeout finishes well inside this.
const sweepTimeout = 45 * time.Minute

// SweepJob runs the daily all-items price check.
type SweepJob struct {
	sweeper *checker.Sweeper
	log     zerolog.Logger
}

// NewSweepJob creates the daily sweep job.
func NewSweepJob(sweeper *checker.Sweeper, log zerolog.Logger) *SweepJob {
	return &SweepJob{sweeper: sweeper, log: log.With().Str("job", "daily_sweep").Logger()}
}

// Name returns the job name.
func (j *SweepJob) Name() string { return "daily_sweep" }

// Run executes one sweep.
func (j *SweepJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	summary, err := j.sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	j.log.Info().
		Int("total", summary.Total).
		Int("succeeded", summary.Succeeded).
		Int("needs_review", summary.NeedsReview).
		Int("failed", summary.Failed).
		Msg("Daily sweep finished")
	return nil
}

// BackupRunner performs one database backup cycle.
type BackupRunner interface {
	Backup(ctx context.Context) error
}

// BackupJob uploads the database to remote storage.
type BackupJob struct {
	runner BackupRunner
	log    zerolog.Logger
}

// NewBackupJob creates the backup job.
func NewBackupJob(runner BackupRunner, log zerolog.Logger) *BackupJob {
	return &BackupJob{runner: runner, log: log.With().Str("job", "backup").Logger()}
}

// Name returns the job name.
func (j *BackupJob) Name() string { return "backup" }

// Run executes one backup.
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	return j.runner.Backup(ctx)
}
