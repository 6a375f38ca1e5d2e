package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/shaiso/docflow/internal/domain"
)

// Бакеты BoltStore.
const (
	bucketTasks         = "tasks"
	bucketResults       = "results"
	bucketNotifications = "notifications"
)

// BoltStore — Store во встроенном bbolt-файле.
// Для одиночного узла и тестов; записи хранятся как JSON.
type BoltStore struct {
	mu     sync.RWMutex
	db     *bbolt.DB
	logger *slog.Logger
}

// NewBoltStore открывает (или создаёт) файл и бакеты.
func NewBoltStore(path string, logger *slog.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = "docflow.db"
	}

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketTasks, bucketResults, bucketNotifications} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("bolt store opened", "path", path)
	return &BoltStore{db: db, logger: logger}, nil
}

// Close закрывает файл.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close bolt: %w", err)
	}
	s.db = nil
	return nil
}

func (s *BoltStore) handle() (*bbolt.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

// SaveTask создаёт или обновляет запись задачи.
func (s *BoltStore) SaveTask(ctx context.Context, t *domain.TaskRecord) error {
	return s.put(bucketTasks, t.TaskID, t)
}

// GetTask возвращает запись задачи.
func (s *BoltStore) GetTask(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	var t domain.TaskRecord
	if err := s.get(bucketTasks, taskID, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveResult создаёт или заменяет результат задачи.
func (s *BoltStore) SaveResult(ctx context.Context, r *domain.TaskResult) error {
	return s.put(bucketResults, r.TaskID, r)
}

// GetResult возвращает результат задачи.
func (s *BoltStore) GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	var r domain.TaskResult
	if err := s.get(bucketResults, taskID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SaveNotification сохраняет уведомление под ключом <len(userId)>:<userId>/<id>.
func (s *BoltStore) SaveNotification(ctx context.Context, n *domain.Notification) error {
	return s.put(bucketNotifications, notificationKey(n.UserID, n.ID), n)
}

// ListNotifications возвращает последние уведомления пользователя.
func (s *BoltStore) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}

	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var list []domain.Notification
	prefix := []byte(notificationPrefix(userID))

	err = db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketNotifications)).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var n domain.Notification
			if err := json.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("decode notification %s: %w", k, err)
			}
			list = append(list, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *BoltStore) put(bucket, key string, v any) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	enc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}

	return db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(bucket)).Put([]byte(key), enc); err != nil {
			return fmt.Errorf("save %s/%s: %w", bucket, key, err)
		}
		return nil
	})
}

func (s *BoltStore) get(bucket, key string, v any) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	return db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode %s/%s: %w", bucket, key, err)
		}
		return nil
	})
}

// notificationPrefix начинается с длины userId: иначе префикс "a/"
// совпал бы с ключами пользователя "a/b".
func notificationPrefix(userID string) string {
	return strconv.Itoa(len(userID)) + ":" + userID + "/"
}

func notificationKey(userID, id string) string {
	return notificationPrefix(userID) + id
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}
