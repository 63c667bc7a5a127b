package domain

import (
	"context"
	"time"
)

// OrderAPI описывает операции с заказами в REST API магазина.
type OrderAPI interface {
	// CreateOrder создаёт заказ и возвращает внешний и внутренний идентификаторы.
	CreateOrder(ctx context.Context, req CreateOrderRequest) (OrderRef, error)
	// UpdateOrderStatus меняет статус заказа; paymentMethod может быть пустым.
	UpdateOrderStatus(ctx context.Context, dbID string, status OrderStatus, paymentMethod string) error
	// DeleteOrder удаляет заказ, созданный в отменённой попытке.
	DeleteOrder(ctx context.Context, dbID string) error
}

// InventoryAPI списывает остатки после подтверждённой оплаты.
type InventoryAPI interface {
	ReduceStock(ctx context.Context, items []StockReduction) error
}

// CartAPI очищает сохранённую корзину покупателя.
type CartAPI interface {
	ClearCart(ctx context.Context, buyerID string) error
}

// StoreAPI объединяет все вызовы REST API, нужные оркестратору.
type StoreAPI interface {
	OrderAPI
	InventoryAPI
	CartAPI
}

// ShippingProfiles хранит сохранённый адрес доставки пользователя.
type ShippingProfiles interface {
	LoadShipping(ctx context.Context, userID string) (ShippingInfo, error)
	SaveShipping(ctx context.Context, userID string, info ShippingInfo) error
}

// PaymentGateway описывает взаимодействие с платёжным шлюзом.
type PaymentGateway interface {
	CreateTransaction(ctx context.Context, req TransactionRequest) (Transaction, error)
	// CheckStatus возвращает ErrTransactionNotFound, если шлюз ещё не знает о транзакции.
	CheckStatus(ctx context.Context, orderID string) (StatusResult, error)
}

// PaymentWindow открывает страницу оплаты; вызов не блокирует оркестратор.
type PaymentWindow interface {
	Open(paymentURL string)
}

// Navigator принимает передачу управления внешним экранам.
type Navigator interface {
	ToCart()
	ToLogin()
	// ToShipping возвращает покупателя к шагу доставки с исходной корзиной.
	ToShipping(items []LineItem)
	ToConfirmation(c Confirmation)
}

// SessionStore хранит записи для возобновления незавершённой оплаты.
type SessionStore interface {
	Save(ctx context.Context, record ResumeRecord) error
	Get(ctx context.Context, orderID string) (ResumeRecord, error)
	// FindPendingByBuyer возвращает последнюю незавершённую запись покупателя или ErrSessionNotFound.
	FindPendingByBuyer(ctx context.Context, buyerID string) (ResumeRecord, error)
	Delete(ctx context.Context, orderID string) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// TimelineRepository хранит события жизненного цикла оформления; List возвращает события одного оформления.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(flowID string) ([]TimelineEvent, error)
}

// CheckoutStep задаёт константы шагов для метрик/логов.
type CheckoutStep string

const (
	StepCreateOrder       CheckoutStep = "create_order"
	StepCreateTransaction CheckoutStep = "create_transaction"
	StepCheckStatus       CheckoutStep = "check_status"
	StepMarkPaid          CheckoutStep = "mark_paid"
	StepReduceStock       CheckoutStep = "reduce_stock"
	StepClearCart         CheckoutStep = "clear_cart"
	StepMarkPending       CheckoutStep = "mark_pending"
	StepMarkFailed        CheckoutStep = "mark_failed"
	StepDeleteOrder       CheckoutStep = "delete_order"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
