package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path string, age time.Duration) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestCleanupDir(t *testing.T) {
	root := t.TempDir()
	week := 7 * 24 * time.Hour

	oldUpload := filepath.Join(root, "img1.jpg")
	freshUpload := filepath.Join(root, "img2.jpg")
	keep := filepath.Join(root, keepFile)
	oldCrop := filepath.Join(root, "img1", "0.jpg")
	freshCrop := filepath.Join(root, "img2", "0.jpg")

	writeFile(t, oldUpload, 8*24*time.Hour)
	writeFile(t, freshUpload, time.Hour)
	writeFile(t, keep, 30*24*time.Hour)
	writeFile(t, oldCrop, 10*24*time.Hour)
	writeFile(t, freshCrop, time.Minute)

	stats, err := CleanupDir(context.Background(), root, week, time.Now(), discardLogger())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if stats.FilesRemoved != 2 {
		t.Errorf("files removed = %d, want 2", stats.FilesRemoved)
	}
	if stats.DirsRemoved != 1 {
		t.Errorf("dirs removed = %d, want 1", stats.DirsRemoved)
	}

	for _, gone := range []string{oldUpload, oldCrop, filepath.Dir(oldCrop)} {
		if exists(gone) {
			t.Errorf("%s should be removed", gone)
		}
	}
	for _, kept := range []string{freshUpload, keep, freshCrop, root} {
		if !exists(kept) {
			t.Errorf("%s should be kept", kept)
		}
	}
}

func TestCleanupDir_Missing(t *testing.T) {
	stats, err := CleanupDir(context.Background(), filepath.Join(t.TempDir(), "nope"), time.Hour, time.Now(), discardLogger())
	if err != nil {
		t.Fatalf("missing dir should not fail: %v", err)
	}
	if stats != (CleanupStats{}) {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestCleanupJob_AllDirs(t *testing.T) {
	uploads := t.TempDir()
	crops := t.TempDir()

	writeFile(t, filepath.Join(uploads, "a.png"), 48*time.Hour)
	writeFile(t, filepath.Join(crops, "a", "1.jpg"), 48*time.Hour)

	job := CleanupJob([]string{uploads, crops}, 24*time.Hour, discardLogger())
	if err := job(context.Background()); err != nil {
		t.Fatalf("job: %v", err)
	}

	if exists(filepath.Join(uploads, "a.png")) || exists(filepath.Join(crops, "a")) {
		t.Error("expired files should be removed from every dir")
	}
}

type sweeperFunc func(maxAge time.Duration) int

func (f sweeperFunc) Sweep(maxAge time.Duration) int { return f(maxAge) }

func TestSweepJob(t *testing.T) {
	var got time.Duration
	job := SweepJob(sweeperFunc(func(maxAge time.Duration) int {
		got = maxAge
		return 3
	}), 10*time.Minute, discardLogger())

	if err := job(context.Background()); err != nil {
		t.Fatalf("job: %v", err)
	}
	if got != 10*time.Minute {
		t.Errorf("maxAge = %v, want 10m", got)
	}
}
