package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/batikpay/internal/domain"
	"github.com/vladislavdragonenkov/batikpay/internal/storage/codec"
)

// SessionStore хранит записи возобновления оплаты в таблице checkout_sessions.
type SessionStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSessionStore создаёт хранилище; ttl <= 0 отключает устаревание записей.
func NewSessionStore(store *Store, ttl time.Duration) *SessionStore {
	return &SessionStore{db: store.DB(), ttl: ttl}
}

// Save создаёт или обновляет запись по внешнему номеру заказа.
func (s *SessionStore) Save(ctx context.Context, record domain.ResumeRecord) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	items, err := codec.EncodeItems(record.Items)
	if err != nil {
		return err
	}
	shipping, err := codec.EncodeShipping(record.Shipping)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkout_sessions (
			order_id, flow_id, db_id, buyer_id, status, payment_url, token,
			total_amount, items, shipping, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (order_id) DO UPDATE SET
			flow_id = EXCLUDED.flow_id,
			db_id = EXCLUDED.db_id,
			buyer_id = EXCLUDED.buyer_id,
			status = EXCLUDED.status,
			payment_url = EXCLUDED.payment_url,
			token = EXCLUDED.token,
			total_amount = EXCLUDED.total_amount,
			items = EXCLUDED.items,
			shipping = EXCLUDED.shipping,
			updated_at = EXCLUDED.updated_at
	`,
		record.OrderID, record.FlowID, record.DBID, record.BuyerID, string(record.Status),
		record.PaymentURL, record.Token, record.TotalAmount, items, shipping,
		record.CreatedAt.UTC(), record.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save checkout session: %w", err)
	}
	return nil
}

const sessionColumns = `order_id, flow_id, db_id, buyer_id, status, payment_url, token,
	total_amount, items, shipping, created_at, updated_at`

// Get возвращает запись по номеру заказа.
func (s *SessionStore) Get(ctx context.Context, orderID string) (domain.ResumeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM checkout_sessions
		WHERE order_id = $1 AND ($2::bigint = 0 OR updated_at > NOW() - make_interval(secs => $2::bigint))
	`, orderID, s.ttlSeconds())
	return scanSession(row)
}

// FindPendingByBuyer возвращает самую свежую незавершённую запись покупателя.
func (s *SessionStore) FindPendingByBuyer(ctx context.Context, buyerID string) (domain.ResumeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM checkout_sessions
		WHERE buyer_id = $1
		  AND status = $2
		  AND ($3::bigint = 0 OR updated_at > NOW() - make_interval(secs => $3::bigint))
		ORDER BY updated_at DESC
		LIMIT 1
	`, buyerID, string(domain.SessionStatusPending), s.ttlSeconds())
	return scanSession(row)
}

// Delete удаляет запись; отсутствие записи не считается ошибкой.
func (s *SessionStore) Delete(ctx context.Context, orderID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkout_sessions WHERE order_id = $1`, orderID); err != nil {
		return fmt.Errorf("delete checkout session: %w", err)
	}
	return nil
}

// PurgeExpired удаляет устаревшие записи и возвращает их число.
func (s *SessionStore) PurgeExpired(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkout_sessions
		WHERE updated_at <= NOW() - make_interval(secs => $1::bigint)
	`, s.ttlSeconds())
	if err != nil {
		return 0, fmt.Errorf("purge expired checkout sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *SessionStore) ttlSeconds() int64 {
	if s.ttl <= 0 {
		return 0
	}
	secs := int64(s.ttl / time.Second)
	if secs == 0 {
		secs = 1
	}
	return secs
}

func scanSession(row *sql.Row) (domain.ResumeRecord, error) {
	var (
		record   domain.ResumeRecord
		status   string
		items    []byte
		shipping []byte
	)
	err := row.Scan(
		&record.OrderID, &record.FlowID, &record.DBID, &record.BuyerID, &status,
		&record.PaymentURL, &record.Token, &record.TotalAmount, &items, &shipping,
		&record.CreatedAt, &record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ResumeRecord{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.ResumeRecord{}, fmt.Errorf("scan checkout session: %w", err)
	}

	record.Status = domain.SessionStatus(status)
	if record.Items, err = codec.DecodeItems(items); err != nil {
		return domain.ResumeRecord{}, err
	}
	if record.Shipping, err = codec.DecodeShipping(shipping); err != nil {
		return domain.ResumeRecord{}, err
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

var _ domain.SessionStore = (*SessionStore)(nil)
