// Package reliability provides off-site database backups to an
// S3-compatible object store.
package reliability

import (
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pricewatch/internal/database"
)

const (
	backupPrefix        = "pricewatch-backup-"
	backupTimestampForm = "2006-01-02-150405"

	// minBackupsToKeep backups survive rotation regardless of age.
	minBackupsToKeep = 3
)

// BackupResult describes one completed backup upload.
type BackupResult struct {
	Key       string    `json:"key"`
	SizeBytes int64     `json:"sizeBytes"`
	Timestamp time.Time `json:"timestamp"`
}

// BackupInfo describes one backup stored in the bucket.
type BackupInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"sizeBytes"`
	AgeHours  int64     `json:"ageHours"`
}

// BackupService snapshots the tracker database and ships it off-site.
type BackupService struct {
	db      *database.DB
	store   ObjectStore
	dataDir string
	log     zerolog.Logger
}

// NewBackupService creates a backup service.
func NewBackupService(db *database.DB, store ObjectStore, dataDir string, log zerolog.Logger) *BackupService {
	return &BackupService{
		db:      db,
		store:   store,
		dataDir: dataDir,
		log:     log.With().Str("service", "backup").Logger(),
	}
}

// Backup checkpoints the WAL, snapshots the database with VACUUM INTO,
// verifies the copy, and uploads it gzipped.
func (s *BackupService) Backup(ctx context.Context) error {
	_, err := s.CreateAndUpload(ctx)
	return err
}

// CreateAndUpload performs one full backup cycle and reports what was
// uploaded.
func (s *BackupService) CreateAndUpload(ctx context.Context) (*BackupResult, error) {
	s.log.Info().Msg("Starting backup")
	startTime := time.Now()

	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	if err := s.db.WALCheckpoint("TRUNCATE"); err != nil {
		s.log.Warn().Err(err).Msg("WAL checkpoint failed, continuing with backup")
	}

	snapshotPath := filepath.Join(stagingDir, "tracker.db")
	if _, err := s.db.Conn().ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", snapshotPath)); err != nil {
		return nil, fmt.Errorf("VACUUM INTO failed: %w", err)
	}

	if err := s.verifySnapshot(ctx, snapshotPath); err != nil {
		return nil, fmt.Errorf("backup verification failed: %w", err)
	}

	timestamp := time.Now().UTC()
	key := backupPrefix + timestamp.Format(backupTimestampForm) + ".db.gz"
	archivePath := filepath.Join(stagingDir, key)

	if err := gzipFile(snapshotPath, archivePath); err != nil {
		return nil, fmt.Errorf("failed to compress snapshot: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	if err := s.store.Upload(ctx, key, archive); err != nil {
		return nil, fmt.Errorf("failed to upload backup: %w", err)
	}

	s.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Str("key", key).
		Int64("size_bytes", info.Size()).
		Msg("Backup completed")

	return &BackupResult{Key: key, SizeBytes: info.Size(), Timestamp: timestamp}, nil
}

// ListBackups lists stored backups newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, backupPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(objects))
	now := time.Now()

	for _, obj := range objects {
		timestamp, ok := parseBackupKey(obj.Key)
		if !ok {
			s.log.Warn().Str("key", obj.Key).Msg("Skipping unrecognized object in backup bucket")
			continue
		}
		backups = append(backups, BackupInfo{
			Key:       obj.Key,
			Timestamp: timestamp,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateOldBackups deletes backups older than the retention period,
// always keeping the newest few. retentionDays 0 keeps everything.
func (s *BackupService) RotateOldBackups(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsToKeep {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for i, backup := range backups {
		if i < minBackupsToKeep || !backup.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, backup.Key); err != nil {
			s.log.Error().Err(err).Str("key", backup.Key).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("Backup rotation completed")
	return nil
}

// verifySnapshot opens the copied file and runs an integrity check.
func (s *BackupService) verifySnapshot(ctx context.Context, path string) error {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer conn.Close()

	var result string
	if err := conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check reported: %s", result)
	}
	return nil
}

func parseBackupKey(key string) (time.Time, bool) {
	if !strings.HasPrefix(key, backupPrefix) || !strings.HasSuffix(key, ".db.gz") {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(key, backupPrefix), ".db.gz")
	timestamp, err := time.Parse(backupTimestampForm, raw)
	if err != nil {
		return time.Time{}, false
	}
	return timestamp, true
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}
