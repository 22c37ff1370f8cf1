package worker

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hyperengineering/citytailor/internal/backup"
)

// BackupSource writes a consistent copy of the rule database to a file.
type BackupSource interface {
	Backup(ctx context.Context, destPath string) error
}

// RuleBackupWorker periodically snapshots the rule database and uploads the copy.
// A failed upload leaves the local snapshot in place for the next cycle.
type RuleBackupWorker struct {
	source   BackupSource
	uploader backup.Uploader
	interval time.Duration
	dir      string
	now      func() time.Time
}

// NewRuleBackupWorker creates a worker staging snapshots under dir.
func NewRuleBackupWorker(source BackupSource, uploader backup.Uploader, interval time.Duration, dir string) *RuleBackupWorker {
	return &RuleBackupWorker{
		source:   source,
		uploader: uploader,
		interval: interval,
		dir:      dir,
		now:      time.Now,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
// A backup is taken immediately on start.
func (w *RuleBackupWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "rule-backup",
		"action", "worker_started",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "rule-backup",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// SnapshotPath is where the local copy is staged.
func (w *RuleBackupWorker) SnapshotPath() string {
	return filepath.Join(w.dir, "rules-snapshot.db")
}

// RunOnce takes one snapshot and uploads it as both the current and a timestamped
// object. Returns true when the snapshot was written and uploaded.
func (w *RuleBackupWorker) RunOnce(ctx context.Context) bool {
	start := w.now()
	path := w.SnapshotPath()

	if err := w.source.Backup(ctx, path); err != nil {
		if ctx.Err() != nil {
			return false
		}
		slog.Warn("rule backup failed",
			"component", "worker",
			"worker", "rule-backup",
			"action", "backup_failed",
			"error", err,
		)
		return false
	}

	for _, name := range []string{backup.CurrentObject, backup.SnapshotObject(start)} {
		if err := w.uploader.Upload(ctx, name, path); err != nil {
			if ctx.Err() != nil {
				return false
			}
			slog.Warn("rule backup upload failed",
				"component", "worker",
				"worker", "rule-backup",
				"action", "backup_upload_failed",
				"object", name,
				"error", err,
			)
			return false
		}
	}

	slog.Info("rule backup completed",
		"component", "worker",
		"worker", "rule-backup",
		"action", "backup_complete",
		"path", path,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}
