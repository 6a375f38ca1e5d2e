package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shaiso/docflow/internal/telemetry"
)

// keepFile — маркер пустого каталога в репозитории, не удаляется.
const keepFile = ".gitkeep"

// CleanupStats — итог одного прохода очистки.
type CleanupStats struct {
	FilesRemoved int
	DirsRemoved  int
	Errors       int
}

// CleanupDir удаляет файлы старше maxAge и опустевшие подкаталоги.
// Сам dir сохраняется. Отсутствующий dir — не ошибка.
func CleanupDir(ctx context.Context, dir string, maxAge time.Duration, now time.Time, logger *slog.Logger) (CleanupStats, error) {
	var stats CleanupStats

	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return stats, nil
	}

	cutoff := now.Add(-maxAge)
	var dirs []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			stats.Errors++
			logger.Warn("cleanup walk error", "path", path, "error", err)
			if d != nil && d.IsDir() && path != dir {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() {
			if path != dir {
				dirs = append(dirs, path)
			}
			return nil
		}
		if d.Name() == keepFile {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			stats.Errors++
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil {
			stats.Errors++
			logger.Warn("failed to remove expired file", "path", path, "error", err)
			return nil
		}
		stats.FilesRemoved++
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("cleanup %s: %w", dir, err)
	}

	// WalkDir обходит сверху вниз, удаляем снизу вверх
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dirs[i]); err == nil {
			stats.DirsRemoved++
		}
	}

	return stats, nil
}

// CleanupJob — работа очистки каталогов загрузок и кропов.
func CleanupJob(dirs []string, maxAge time.Duration, logger *slog.Logger) func(ctx context.Context) error {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context) error {
		var errs []error
		for _, dir := range dirs {
			stats, err := CleanupDir(ctx, dir, maxAge, time.Now(), logger)
			telemetry.FilesCleaned.Add(float64(stats.FilesRemoved))
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if stats.FilesRemoved > 0 || stats.DirsRemoved > 0 {
				logger.Info("expired files removed",
					"dir", dir,
					"files", stats.FilesRemoved,
					"dirs", stats.DirsRemoved,
					"errors", stats.Errors,
				)
			}
		}
		return errors.Join(errs...)
	}
}

// Sweeper — таблица ожидающих запросов (correlation.PendingTable).
type Sweeper interface {
	Sweep(maxAge time.Duration) int
}

// SweepJob снимает запросы к партнёрскому OCR, зависшие дольше maxAge.
func SweepJob(table Sweeper, maxAge time.Duration, logger *slog.Logger) func(ctx context.Context) error {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context) error {
		if n := table.Sweep(maxAge); n > 0 {
			logger.Warn("stale OCR requests expired", "count", n, "max_age", maxAge)
		}
		return nil
	}
}
