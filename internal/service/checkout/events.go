package checkout

import (
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/batikpay/internal/domain"
	"github.com/vladislavdragonenkov/batikpay/internal/metrics"
)

// Типы событий оформления, которые попадают в outbox и timeline.
const (
	EventCheckoutStarted  = "CheckoutStarted"
	EventCheckoutResumed  = "CheckoutResumed"
	EventPaymentPending   = "PaymentPending"
	EventPaymentSettled   = "PaymentSettled"
	EventPaymentFailed    = "PaymentFailed"
	EventCheckoutErrored  = "CheckoutErrored"
	EventCheckoutCanceled = "CheckoutCanceled"
	EventManualCheck      = "ManualCheckRequired"
)

// AggregateCheckout — тип агрегата в outbox-сообщениях.
const AggregateCheckout = "checkout"

// EventRecorder пишет события оформления в outbox и timeline. Оба хранилища опциональны,
// ошибки только логируются.
type EventRecorder struct {
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	metrics  *metrics.CheckoutMetrics
	logger   *log.Entry
	now      func() time.Time
}

// NewEventRecorder создаёт регистратор событий; metrics может быть nil.
func NewEventRecorder(outbox domain.OutboxRepository, timeline domain.TimelineRepository, m *metrics.CheckoutMetrics, logger *log.Entry) *EventRecorder {
	if logger == nil {
		logger = log.New().WithField("component", "checkout-events")
	}
	return &EventRecorder{
		outbox:   outbox,
		timeline: timeline,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Record сохраняет событие. Агрегатом служит внешний номер заказа, а до его появления идентификатор оформления.
func (r *EventRecorder) Record(flowID, orderID, eventType string, payload map[string]interface{}) {
	if r == nil {
		return
	}
	occurred := r.now()
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["flow_id"] = flowID
	if orderID != "" {
		payload["order_id"] = orderID
	}
	payload["ts"] = occurred.Format(time.RFC3339Nano)

	fields := log.Fields{
		"flow_id":  flowID,
		"order_id": orderID,
		"event":    eventType,
	}

	if r.outbox != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			r.logger.WithError(err).WithFields(fields).Error("marshal event failed")
		} else {
			aggregateID := orderID
			if aggregateID == "" {
				aggregateID = flowID
			}
			msg := domain.OutboxMessage{
				AggregateType: AggregateCheckout,
				AggregateID:   aggregateID,
				EventType:     eventType,
				Payload:       data,
			}
			if _, err := r.outbox.Enqueue(msg); err != nil {
				r.logger.WithError(err).WithFields(fields).Error("enqueue event failed")
			} else if r.metrics != nil {
				r.metrics.RecordOutboxEvent()
			}
		}
	}

	if r.timeline != nil {
		var reason string
		if v, ok := payload["reason"].(string); ok {
			reason = v
		}
		event := domain.TimelineEvent{
			FlowID:   flowID,
			OrderID:  orderID,
			Type:     eventType,
			Reason:   reason,
			Occurred: occurred,
		}
		if err := r.timeline.Append(event); err != nil {
			r.logger.WithError(err).WithFields(fields).Warn("append timeline event failed")
		} else if r.metrics != nil {
			r.metrics.RecordTimelineEvent()
		}
	}
}
