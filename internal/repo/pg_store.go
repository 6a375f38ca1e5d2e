package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/docflow/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_status (
	task_id         TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	image_id        TEXT,
	kind            TEXT,
	status          TEXT NOT NULL,
	progress        INTEGER NOT NULL DEFAULT 0,
	message         TEXT,
	result          JSONB,
	error           TEXT,
	attempt         INTEGER NOT NULL DEFAULT 0,
	processing_time DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	failed_at       TIMESTAMPTZ,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS task_status_user_idx ON task_status (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS task_results (
	task_id           TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	image_id          TEXT,
	kind              TEXT,
	original_filename TEXT,
	result            JSONB NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	task_id    TEXT,
	type       TEXT NOT NULL,
	title      TEXT,
	message    TEXT,
	data       JSONB,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS notifications_user_idx ON notifications (user_id, created_at DESC);
`

// PGStore — Store поверх Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore создаёт новый PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// EnsureSchema создаёт таблицы, если их нет.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close закрывает пул.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

// SaveTask создаёт или обновляет запись задачи.
func (s *PGStore) SaveTask(ctx context.Context, t *domain.TaskRecord) error {
	query := `
		INSERT INTO task_status (
			task_id, user_id, image_id, kind, status, progress, message, result, error,
			attempt, processing_time, created_at, started_at, completed_at, failed_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (task_id) DO UPDATE
		SET status = EXCLUDED.status, progress = EXCLUDED.progress, message = EXCLUDED.message,
		    result = EXCLUDED.result, error = EXCLUDED.error, attempt = EXCLUDED.attempt,
		    processing_time = EXCLUDED.processing_time, started_at = EXCLUDED.started_at,
		    completed_at = EXCLUDED.completed_at, failed_at = EXCLUDED.failed_at,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := s.pool.Exec(ctx, query,
		t.TaskID,
		t.UserID,
		nullString(t.ImageID),
		nullString(string(t.Kind)),
		t.Status,
		t.Progress,
		nullString(t.Message),
		nullJSON(t.Result),
		nullString(t.Error),
		t.Attempt,
		t.ProcessingTime,
		t.CreatedAt,
		t.StartedAt,
		t.CompletedAt,
		t.FailedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.TaskID, err)
	}
	return nil
}

// GetTask возвращает запись задачи.
func (s *PGStore) GetTask(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	query := `
		SELECT task_id, user_id, image_id, kind, status, progress, message, result, error,
		       attempt, processing_time, created_at, started_at, completed_at, failed_at, updated_at
		FROM task_status
		WHERE task_id = $1
	`

	var t domain.TaskRecord
	var imageID, kind, message, taskError *string
	var result []byte

	err := s.pool.QueryRow(ctx, query, taskID).Scan(
		&t.TaskID,
		&t.UserID,
		&imageID,
		&kind,
		&t.Status,
		&t.Progress,
		&message,
		&result,
		&taskError,
		&t.Attempt,
		&t.ProcessingTime,
		&t.CreatedAt,
		&t.StartedAt,
		&t.CompletedAt,
		&t.FailedAt,
		&t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.ImageID = deref(imageID)
	t.Kind = domain.TaskKind(deref(kind))
	t.Message = deref(message)
	t.Error = deref(taskError)
	if result != nil {
		t.Result = json.RawMessage(result)
	}

	return &t, nil
}

// SaveResult создаёт или заменяет результат задачи.
func (s *PGStore) SaveResult(ctx context.Context, r *domain.TaskResult) error {
	query := `
		INSERT INTO task_results (task_id, user_id, image_id, kind, original_filename, result, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (task_id) DO UPDATE
		SET result = EXCLUDED.result, original_filename = EXCLUDED.original_filename,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := s.pool.Exec(ctx, query,
		r.TaskID,
		r.UserID,
		nullString(r.ImageID),
		nullString(string(r.Kind)),
		nullString(r.Filename),
		[]byte(r.Result),
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert result %s: %w", r.TaskID, err)
	}
	return nil
}

// GetResult возвращает результат задачи.
func (s *PGStore) GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	query := `
		SELECT task_id, user_id, image_id, kind, original_filename, result, created_at, updated_at
		FROM task_results
		WHERE task_id = $1
	`

	var r domain.TaskResult
	var imageID, kind, filename *string
	var result []byte

	err := s.pool.QueryRow(ctx, query, taskID).Scan(
		&r.TaskID,
		&r.UserID,
		&imageID,
		&kind,
		&filename,
		&result,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan result: %w", err)
	}

	r.ImageID = deref(imageID)
	r.Kind = domain.TaskKind(deref(kind))
	r.Filename = deref(filename)
	r.Result = json.RawMessage(result)
	return &r, nil
}

// SaveNotification сохраняет уведомление. Повтор с тем же id — no-op.
func (s *PGStore) SaveNotification(ctx context.Context, n *domain.Notification) error {
	query := `
		INSERT INTO notifications (id, user_id, task_id, type, title, message, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query,
		n.ID,
		n.UserID,
		nullString(n.TaskID),
		n.Type,
		nullString(n.Title),
		nullString(n.Message),
		nullJSON(n.Data),
		n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications возвращает последние уведомления пользователя.
func (s *PGStore) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, user_id, task_id, type, title, message, data, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var list []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var taskID, title, message *string
		var data []byte

		if err := rows.Scan(&n.ID, &n.UserID, &taskID, &n.Type, &title, &message, &data, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.TaskID = deref(taskID)
		n.Title = deref(title)
		n.Message = deref(message)
		if data != nil {
			n.Data = json.RawMessage(data)
		}
		list = append(list, n)
	}
	return list, rows.Err()
}

// --- Helpers ---

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullJSON(b json.RawMessage) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
