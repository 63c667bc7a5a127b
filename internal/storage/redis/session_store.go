// Package redis хранит записи возобновления оплаты в Redis с TTL.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/vladislavdragonenkov/batikpay/internal/domain"
	"github.com/vladislavdragonenkov/batikpay/internal/storage/codec"
)

const (
	defaultOperationTimeout = 3 * time.Second
	defaultKeyPrefix        = "batik:checkout"
)

// Options — параметры подключения к Redis.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix — пространство имён ключей; пусто означает "batik:checkout".
	Prefix string
	// TTL задаёт срок жизни записи, 0 отключает устаревание.
	TTL time.Duration
}

// SessionStore — реализация domain.SessionStore поверх go-redis.
// Запись хранится строкой JSON, индекс покупателя хранится отсортированным множеством по времени обновления.
type SessionStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Open подключается к Redis и проверяет доступность.
func Open(ctx context.Context, opts Options) (*SessionStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewSessionStore(client, opts.Prefix, opts.TTL), nil
}

// NewSessionStore оборачивает готовый клиент.
func NewSessionStore(client *redis.Client, prefix string, ttl time.Duration) *SessionStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &SessionStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *SessionStore) sessionKey(orderID string) string {
	return s.prefix + ":session:" + orderID
}

func (s *SessionStore) buyerKey(buyerID string) string {
	return s.prefix + ":buyer:" + buyerID
}

// Save создаёт или обновляет запись и индекс покупателя.
func (s *SessionStore) Save(ctx context.Context, record domain.ResumeRecord) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOperationTimeout)
	defer cancel()

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}
	data, err := codec.EncodeResume(record)
	if err != nil {
		return err
	}

	buyerKey := s.buyerKey(record.BuyerID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(record.OrderID), data, s.ttl)
		pipe.ZAdd(ctx, buyerKey, &redis.Z{
			Score:  float64(record.UpdatedAt.UnixNano()),
			Member: record.OrderID,
		})
		if s.ttl > 0 {
			pipe.Expire(ctx, buyerKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save checkout session: %w", err)
	}
	return nil
}

// Get возвращает запись по номеру заказа.
func (s *SessionStore) Get(ctx context.Context, orderID string) (domain.ResumeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOperationTimeout)
	defer cancel()
	return s.get(ctx, orderID)
}

func (s *SessionStore) get(ctx context.Context, orderID string) (domain.ResumeRecord, error) {
	data, err := s.client.Get(ctx, s.sessionKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ResumeRecord{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.ResumeRecord{}, fmt.Errorf("get checkout session: %w", err)
	}
	return codec.DecodeResume(data)
}

// FindPendingByBuyer обходит индекс покупателя от новых к старым и возвращает первую незавершённую запись.
// Ссылки на истёкшие записи вычищаются по пути.
func (s *SessionStore) FindPendingByBuyer(ctx context.Context, buyerID string) (domain.ResumeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOperationTimeout)
	defer cancel()

	buyerKey := s.buyerKey(buyerID)
	orderIDs, err := s.client.ZRevRange(ctx, buyerKey, 0, -1).Result()
	if err != nil {
		return domain.ResumeRecord{}, fmt.Errorf("list buyer sessions: %w", err)
	}

	for _, orderID := range orderIDs {
		record, err := s.get(ctx, orderID)
		if errors.Is(err, domain.ErrSessionNotFound) {
			s.client.ZRem(ctx, buyerKey, orderID)
			continue
		}
		if err != nil {
			return domain.ResumeRecord{}, err
		}
		if record.Status.Terminal() {
			continue
		}
		return record, nil
	}
	return domain.ResumeRecord{}, domain.ErrSessionNotFound
}

// Delete удаляет запись и ссылку на неё; отсутствие записи не считается ошибкой.
func (s *SessionStore) Delete(ctx context.Context, orderID string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOperationTimeout)
	defer cancel()

	record, err := s.get(ctx, orderID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(orderID))
		pipe.ZRem(ctx, s.buyerKey(record.BuyerID), orderID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete checkout session: %w", err)
	}
	return nil
}

// Ping проверяет доступность Redis.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close закрывает клиент.
func (s *SessionStore) Close() error {
	return s.client.Close()
}

var _ domain.SessionStore = (*SessionStore)(nil)
