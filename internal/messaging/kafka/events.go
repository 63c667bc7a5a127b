package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

// Topics для Kafka
const (
	TopicCheckoutEvents       = "batik.checkout.events"
	TopicPaymentNotifications = "batik.payment.notifications"
	TopicDeadLetterQueue      = "batik.dlq"
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
)

// CheckoutEvent — конверт события оформления, который публикует outbox.
type CheckoutEvent struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// PaymentNotification — уведомление шлюза об изменении статуса транзакции,
// которое бэкенд магазина пересылает в Kafka.
type PaymentNotification struct {
	OrderID           string    `json:"order_id"`
	TransactionStatus string    `json:"transaction_status"`
	PaymentType       string    `json:"payment_type,omitempty"`
	ReceivedAt        time.Time `json:"received_at,omitempty"`
}

// ParseCheckoutEvent парсит CheckoutEvent из сообщения
func ParseCheckoutEvent(message *sarama.ConsumerMessage) (*CheckoutEvent, error) {
	var event CheckoutEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkout event: %w", err)
	}
	return &event, nil
}

// ParsePaymentNotification парсит уведомление шлюза. Принимает и order_id, и orderId.
func ParsePaymentNotification(message *sarama.ConsumerMessage) (*PaymentNotification, error) {
	var raw struct {
		PaymentNotification
		OrderIDCamel string `json:"orderId"`
	}
	if err := json.Unmarshal(message.Value, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment notification: %w", err)
	}

	n := raw.PaymentNotification
	if n.OrderID == "" {
		n.OrderID = raw.OrderIDCamel
	}
	if n.OrderID == "" {
		n.OrderID = strings.TrimSpace(string(message.Key))
	}
	if n.OrderID == "" {
		return nil, fmt.Errorf("payment notification without order id")
	}
	return &n, nil
}
