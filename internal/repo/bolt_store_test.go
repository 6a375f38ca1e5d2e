package repo

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shaiso/docflow/internal/config"
	"github.com/shaiso/docflow/internal/domain"
)

func newTestBolt(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltStore_Task(t *testing.T) {
	store := newTestBolt(t)
	ctx := context.Background()

	if _, err := store.GetTask(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	task := domain.NewTaskRecord("t1", "u1", "img1", domain.TaskKindOCR)
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("save: %v", err)
	}

	task.MarkProcessing(1, 20, "recognizing")
	task.MarkCompleted(json.RawMessage(`{"success":true}`), 2*time.Second, "done")
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.TaskStatusCompleted || got.Progress != 100 || got.Attempt != 1 {
		t.Errorf("unexpected record: %+v", got)
	}
	if string(got.Result) != `{"success":true}` {
		t.Errorf("unexpected result %s", got.Result)
	}
	if got.ProcessingTime != 2 {
		t.Errorf("expected processing time 2s, got %v", got.ProcessingTime)
	}
}

func TestBoltStore_Result(t *testing.T) {
	store := newTestBolt(t)
	ctx := context.Background()

	now := time.Now().UTC()
	res := &domain.TaskResult{
		TaskID:    "t1",
		UserID:    "u1",
		Kind:      domain.TaskKindDetection,
		Result:    json.RawMessage(`{"objects":[]}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.SaveResult(ctx, res); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetResult(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != domain.TaskKindDetection || string(got.Result) != `{"objects":[]}` {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestBoltStore_Notifications(t *testing.T) {
	store := newTestBolt(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"n1", "n2", "n3"} {
		store.SaveNotification(ctx, &domain.Notification{
			ID:        id,
			UserID:    "u1",
			Type:      domain.NotificationOCRCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	store.SaveNotification(ctx, &domain.Notification{ID: "x", UserID: "u10", Type: "other", CreatedAt: base})

	list, err := store.ListNotifications(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(list))
	}
	if list[0].ID != "n3" || list[1].ID != "n2" {
		t.Errorf("expected newest first, got %s, %s", list[0].ID, list[1].ID)
	}
}

func TestBoltStore_NotificationsIsolatedBySlashInUserID(t *testing.T) {
	store := newTestBolt(t)
	ctx := context.Background()

	now := time.Now()
	store.SaveNotification(ctx, &domain.Notification{ID: "own", UserID: "a", Type: "t", CreatedAt: now})
	store.SaveNotification(ctx, &domain.Notification{ID: "other", UserID: "a/b", Type: "t", CreatedAt: now})

	list, err := store.ListNotifications(ctx, "a", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "own" {
		t.Errorf("user a got %+v, want only its own notification", list)
	}

	list, err = store.ListNotifications(ctx, "a/b", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "other" {
		t.Errorf("user a/b got %+v, want only its own notification", list)
	}
}

func TestBoltStore_Closed(t *testing.T) {
	store := newTestBolt(t)
	store.Close()

	if err := store.SaveTask(context.Background(), domain.NewTaskRecord("t1", "u1", "", domain.TaskKindOCR)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestOpen_Drivers(t *testing.T) {
	store, err := Open(context.Background(), config.StoreConfig{
		Driver:   "bolt",
		BoltPath: filepath.Join(t.TempDir(), "open.db"),
	}, nil)
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	store.Close()

	if _, err := Open(context.Background(), config.StoreConfig{Driver: "mongo"}, nil); !errors.Is(err, ErrUnknownDriver) {
		t.Errorf("expected ErrUnknownDriver, got %v", err)
	}
}
