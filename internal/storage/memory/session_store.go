package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/batikpay/internal/domain"
)

// SessionStore хранит записи незавершённых оплат в памяти процесса.
// Переживает переподключение клиента, но не перезапуск сервиса.
type SessionStore struct {
	mu      sync.RWMutex
	records map[string]domain.ResumeRecord
	ttl     time.Duration
	now     func() time.Time
}

// NewSessionStore создаёт хранилище; ttl <= 0 отключает устаревание записей.
func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{
		records: make(map[string]domain.ResumeRecord),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Save создаёт или обновляет запись по внешнему номеру заказа.
func (s *SessionStore) Save(_ context.Context, record domain.ResumeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = s.now().UTC()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}
	record.Items = append([]domain.LineItem(nil), record.Items...)
	s.records[record.OrderID] = record
	return nil
}

// Get возвращает запись по номеру заказа.
func (s *SessionStore) Get(_ context.Context, orderID string) (domain.ResumeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[orderID]
	if !ok || s.expired(record) {
		return domain.ResumeRecord{}, domain.ErrSessionNotFound
	}
	return record, nil
}

// FindPendingByBuyer возвращает самую свежую незавершённую запись покупателя.
func (s *SessionStore) FindPendingByBuyer(_ context.Context, buyerID string) (domain.ResumeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		found  domain.ResumeRecord
		exists bool
	)
	for _, record := range s.records {
		if record.BuyerID != buyerID || record.Status.Terminal() || s.expired(record) {
			continue
		}
		if !exists || record.UpdatedAt.After(found.UpdatedAt) {
			found = record
			exists = true
		}
	}
	if !exists {
		return domain.ResumeRecord{}, domain.ErrSessionNotFound
	}
	return found, nil
}

// Delete удаляет запись; отсутствие записи не считается ошибкой.
func (s *SessionStore) Delete(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, orderID)
	return nil
}

func (s *SessionStore) expired(record domain.ResumeRecord) bool {
	return s.ttl > 0 && s.now().Sub(record.UpdatedAt) > s.ttl
}

var _ domain.SessionStore = (*SessionStore)(nil)
