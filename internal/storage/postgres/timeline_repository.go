package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"unicode/utf8"

	"github.com/vladislavdragonenkov/batikpay/internal/domain"
)

// maxTimelineReason ограничивает длину причины: туда попадают тексты ошибок шлюза и REST API.
const maxTimelineReason = 512

const (
	appendTimelineSQL = `
		INSERT INTO checkout_timeline (flow_id, order_id, type, reason, occurred)
		VALUES ($1, $2, $3, $4, COALESCE($5, NOW()))`

	listTimelineSQL = `
		SELECT flow_id, order_id, type, reason, occurred
		FROM checkout_timeline
		WHERE flow_id = $1
		ORDER BY occurred, id`
)

type timelineRepository struct {
	db *sql.DB
}

// NewTimelineRepository создаёт PostgreSQL-журнал событий оформления.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepository{db: store.DB()}
}

// Append пишет событие; без Occurred время проставляет база.
func (r *timelineRepository) Append(event domain.TimelineEvent) error {
	switch {
	case event.FlowID == "":
		return fmt.Errorf("append timeline event: flow id is required")
	case event.Type == "":
		return fmt.Errorf("append timeline event for flow %s: type is required", event.FlowID)
	}

	occurred := sql.NullTime{Time: event.Occurred.UTC(), Valid: !event.Occurred.IsZero()}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, appendTimelineSQL,
		event.FlowID, event.OrderID, event.Type, truncateReason(event.Reason), occurred,
	); err != nil {
		return fmt.Errorf("append timeline event %s for flow %s: %w", event.Type, event.FlowID, err)
	}
	return nil
}

// List возвращает события оформления в хронологическом порядке.
func (r *timelineRepository) List(flowID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, listTimelineSQL, flowID)
	if err != nil {
		return nil, fmt.Errorf("list timeline for flow %s: %w", flowID, err)
	}
	defer rows.Close()

	var events []domain.TimelineEvent
	for rows.Next() {
		var e domain.TimelineEvent
		if err := rows.Scan(&e.FlowID, &e.OrderID, &e.Type, &e.Reason, &e.Occurred); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		e.Occurred = e.Occurred.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline for flow %s: %w", flowID, err)
	}
	return events, nil
}

func truncateReason(reason string) string {
	if utf8.RuneCountInString(reason) <= maxTimelineReason {
		return reason
	}
	runes := []rune(reason)
	return string(runes[:maxTimelineReason-1]) + "…"
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
