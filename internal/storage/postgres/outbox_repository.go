package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/batikpay/internal/domain"
)

const (
	outboxStatusPending = "pending"
	outboxStatusSent    = "sent"
	outboxStatusFailed  = "failed"

	defaultOutboxBatch   = 100
	defaultAggregateType = "checkout"
	// defaultClaimLease — сколько партия считается занятой одним экземпляром сервиса.
	defaultClaimLease = 30 * time.Second
)

const (
	enqueueOutboxSQL = `
		INSERT INTO outbox_messages (
			id, aggregate_type, aggregate_id, event_type, payload,
			status, attempt_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $6)`

	// claimOutboxSQL выдаёт самые старые pending-сообщения без действующей аренды
	// и арендует их до $1 + $3 секунд.
	claimOutboxSQL = `
		WITH batch AS (
			SELECT id
			FROM outbox_messages
			WHERE status = 'pending'
			  AND (claimed_until IS NULL OR claimed_until <= $1::timestamptz)
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_messages AS m
		SET claimed_until = $1::timestamptz + make_interval(secs => $3::double precision)
		FROM batch
		WHERE m.id = batch.id
		RETURNING m.id, m.aggregate_type, m.aggregate_id, m.event_type, m.payload, m.created_at`

	outboxStatsSQL = `
		SELECT COUNT(*), MIN(created_at)
		FROM outbox_messages
		WHERE status = 'pending'`

	settleOutboxSQL = `
		UPDATE outbox_messages
		SET status = $2,
		    attempt_count = attempt_count + 1,
		    claimed_until = NULL,
		    updated_at = $3
		WHERE id = $1 AND status = 'pending'`
)

type outboxRepository struct {
	db    *sql.DB
	lease time.Duration
	now   func() time.Time
}

// NewOutboxRepository создаёт PostgreSQL-outbox событий оформления.
// Несколько экземпляров сервиса могут публиковать из одной таблицы: PullPending арендует партию.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{
		db:    store.DB(),
		lease: defaultClaimLease,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue сохраняет событие. Payload должен быть JSON-объектом, пустой заменяется на {}.
func (r *outboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.EventType == "" || msg.AggregateID == "" {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message: event type and aggregate id are required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.AggregateType == "" {
		msg.AggregateType = defaultAggregateType
	}
	if len(msg.Payload) == 0 {
		msg.Payload = []byte(`{}`)
	}
	if !json.Valid(msg.Payload) {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message %s: payload is not valid JSON", msg.EventType)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, enqueueOutboxSQL,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, r.now(),
	); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message %s: %w", msg.EventType, err)
	}
	return msg, nil
}

// PullPending арендует до limit сообщений в порядке создания. Арендованные сообщения
// не выдаются повторно, пока аренда не истечёт или сообщение не будет помечено.
func (r *outboxRepository) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxBatch
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, claimOutboxSQL, r.now(), limit, r.lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim pending outbox messages: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		msg     domain.OutboxMessage
		created time.Time
	}
	batch := make([]claimed, 0, limit)
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.msg.ID, &c.msg.AggregateType, &c.msg.AggregateID, &c.msg.EventType, &c.msg.Payload, &c.created); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		batch = append(batch, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed outbox messages: %w", err)
	}

	// RETURNING не сохраняет порядок подзапроса.
	sort.SliceStable(batch, func(i, j int) bool {
		if !batch[i].created.Equal(batch[j].created) {
			return batch[i].created.Before(batch[j].created)
		}
		return batch[i].msg.ID < batch[j].msg.ID
	})

	result := make([]domain.OutboxMessage, len(batch))
	for i, c := range batch {
		result[i] = c.msg
	}
	return result, nil
}

// Stats считает pending-сообщения вместе с арендованными.
func (r *outboxRepository) Stats() (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, outboxStatsSQL).Scan(&stats.PendingCount, &oldest); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *outboxRepository) MarkSent(id string) error {
	return r.settle(id, outboxStatusSent)
}

func (r *outboxRepository) MarkFailed(id string) error {
	return r.settle(id, outboxStatusFailed)
}

// settle переводит pending-сообщение в конечный статус и снимает аренду.
// Сообщение, уже помеченное ранее, даёт ErrOutboxPublish.
func (r *outboxRepository) settle(id, status string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, settleOutboxSQL, id, status, r.now())
	if err != nil {
		return fmt.Errorf("mark outbox message %s as %s: %w", id, status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outbox message %s as %s: %w", id, status, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: outbox message %s is not pending", domain.ErrOutboxPublish, id)
	}
	return nil
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
