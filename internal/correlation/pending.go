package correlation

import (
	"fmt"
	"sync"
	"time"

	"github.com/shaiso/docflow/internal/domain"
	"github.com/shaiso/docflow/internal/telemetry"
)

// RequestStatus — состояние запроса в таблице.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
)

// Outcome — то, что получает ожидающий запрос.
type Outcome struct {
	Result *domain.OCRResult
	Err    error
}

type entry struct {
	status       RequestStatus
	registeredAt time.Time

	// done — одноразовый канал с буфером 1, отправка не блокирует слушателя.
	done chan Outcome
}

// PendingTable — таблица запросов, ожидающих ответа.
//
// Запись создаётся отправителем и удаляется им же (по получении ответа
// или по таймауту). Слушатель результатов только переводит запись из
// pending в completed/failed. Ответ на отсутствующий requestId — поздний
// или чужой, его отбрасывают.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewPendingTable создаёт пустую таблицу.
func NewPendingTable() *PendingTable {
	return &PendingTable{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Register добавляет запрос и возвращает канал для ожидания ответа.
// Повторный id отклоняется, существующая запись не трогается.
func (t *PendingTable) Register(requestID string) (<-chan Outcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[requestID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}

	e := &entry{
		status:       StatusPending,
		registeredAt: t.now(),
		done:         make(chan Outcome, 1),
	}
	t.entries[requestID] = e
	telemetry.CorrelationPending.Set(float64(len(t.entries)))

	return e.done, nil
}

// Complete доставляет результат. Возвращает false, если запроса нет
// или он уже не в pending.
func (t *PendingTable) Complete(requestID string, result *domain.OCRResult) bool {
	return t.resolve(requestID, StatusCompleted, Outcome{Result: result})
}

// Fail доставляет ошибку партнёра.
func (t *PendingTable) Fail(requestID string, errMsg string) bool {
	return t.resolve(requestID, StatusFailed, Outcome{Err: fmt.Errorf("%w: %s", ErrRemoteFailed, errMsg)})
}

func (t *PendingTable) resolve(requestID string, status RequestStatus, out Outcome) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[requestID]
	if !ok || e.status != StatusPending {
		return false
	}

	e.status = status
	e.done <- out
	return true
}

// Remove удаляет запись. Отсутствие записи — не ошибка.
func (t *PendingTable) Remove(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.entries, requestID)
	telemetry.CorrelationPending.Set(float64(len(t.entries)))
}

// Status возвращает состояние запроса.
func (t *PendingTable) Status(requestID string) (RequestStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[requestID]
	if !ok {
		return "", false
	}
	return e.status, true
}

// Len возвращает число записей.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Sweep удаляет записи старше maxAge. Ожидающие таких запросов
// получают ErrExpired. Возвращает число удалённых записей.
func (t *PendingTable) Sweep(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	removed := 0
	for id, e := range t.entries {
		if e.registeredAt.After(cutoff) {
			continue
		}
		if e.status == StatusPending {
			e.status = StatusFailed
			e.done <- Outcome{Err: fmt.Errorf("%w: %s", ErrExpired, id)}
		}
		delete(t.entries, id)
		removed++
	}

	telemetry.CorrelationPending.Set(float64(len(t.entries)))
	return removed
}
