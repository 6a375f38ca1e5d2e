package repo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/docflow/internal/config"
	"github.com/shaiso/docflow/internal/domain"
)

// Store — хранилище статусов задач, результатов и уведомлений.
//
// Запись задачи меняет только обработчик, владеющий ею, поэтому
// SaveTask — простой upsert без оптимистичных блокировок.
type Store interface {
	SaveTask(ctx context.Context, task *domain.TaskRecord) error
	GetTask(ctx context.Context, taskID string) (*domain.TaskRecord, error)

	SaveResult(ctx context.Context, result *domain.TaskResult) error
	GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error)

	SaveNotification(ctx context.Context, n *domain.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error)

	Close() error
}

// Open открывает хранилище по конфигурации.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "postgres", "":
		pool, err := NewPool(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		store := NewPGStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil

	case "bolt":
		store, err := NewBoltStore(cfg.BoltPath, logger)
		if err != nil {
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
