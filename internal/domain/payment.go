package domain

import "time"

// CheckoutState описывает состояние оркестратора оплаты.
type CheckoutState string

const (
	// StateIdle — входное состояние, заказ ещё не создавался.
	StateIdle CheckoutState = "idle"
	// StateInitializing — создаём заказ и транзакцию в шлюзе.
	StateInitializing CheckoutState = "initializing"
	// StateAwaitingConfirmation — страница оплаты открыта, опрашиваем шлюз.
	StateAwaitingConfirmation CheckoutState = "awaiting_confirmation"
	// StateSucceeded — оплата подтверждена, сверка выполнена.
	StateSucceeded CheckoutState = "succeeded"
	// StateFailed — шлюз отклонил платёж; доступны повтор и отмена.
	StateFailed CheckoutState = "failed"
	// StateErrored — не удалось создать заказ или транзакцию; доступны повтор и отмена.
	StateErrored CheckoutState = "errored"
	// StateCanceled — покупатель вернулся к шагу доставки.
	StateCanceled CheckoutState = "canceled"
)

// Final сообщает, что из состояния больше нет переходов.
func (s CheckoutState) Final() bool {
	return s == StateSucceeded || s == StateCanceled
}

// Recoverable сообщает, что из состояния доступны повтор и отмена.
func (s CheckoutState) Recoverable() bool {
	return s == StateFailed || s == StateErrored
}

// SessionStatus — локальный взгляд на состояние транзакции в шлюзе.
type SessionStatus string

const (
	SessionStatusPending SessionStatus = "pending"
	SessionStatusSuccess SessionStatus = "success"
	SessionStatusFailed  SessionStatus = "failed"
)

// Terminal сообщает, что шлюз дал окончательный ответ.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusSuccess || s == SessionStatusFailed
}

// TransactionStatus — значение transaction_status, которое возвращает шлюз.
type TransactionStatus string

const (
	TransactionCapture    TransactionStatus = "capture"
	TransactionSettlement TransactionStatus = "settlement"
	TransactionPending    TransactionStatus = "pending"
	TransactionDeny       TransactionStatus = "deny"
	TransactionExpire     TransactionStatus = "expire"
	TransactionCancel     TransactionStatus = "cancel"
)

// Outcome — классификация ответа шлюза для конечного автомата.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomePending
	OutcomeSuccess
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Outcome отображает статус шлюза на исход проверки.
func (t TransactionStatus) Outcome() Outcome {
	switch t {
	case TransactionCapture, TransactionSettlement:
		return OutcomeSuccess
	case TransactionPending:
		return OutcomePending
	case TransactionDeny, TransactionExpire, TransactionCancel:
		return OutcomeFailure
	default:
		return OutcomeUnknown
	}
}

// PaymentSession отслеживает одну транзакцию шлюза, привязанную к заказу.
type PaymentSession struct {
	OrderID string
	// TransactionToken и PaymentURL непрозрачны и нужны только для повторного открытия окна оплаты.
	TransactionToken string
	PaymentURL       string
	Status           SessionStatus
	// ManualCheckRequired выставляется, когда опрос исчерпал лимит времени.
	ManualCheckRequired bool
	CreatedAt           time.Time
}

// OrderRef — идентификаторы, которые возвращает API при создании заказа.
type OrderRef struct {
	OrderID string
	DBID    string
}

// CreateOrderRequest — данные для создания заказа в REST API.
type CreateOrderRequest struct {
	BuyerID     string
	Shipping    ShippingInfo
	Items       []LineItem
	TotalAmount int64
}

// TransactionRequest — данные для создания транзакции в шлюзе.
type TransactionRequest struct {
	OrderID  string
	Amount   int64
	Customer Customer
}

// Transaction — ответ шлюза на создание транзакции.
type Transaction struct {
	Token       string
	RedirectURL string
}

// StatusResult — ответ шлюза на проверку статуса.
type StatusResult struct {
	Status        TransactionStatus
	PaymentMethod string
}

// Confirmation передаётся экрану подтверждения после успешной оплаты.
type Confirmation struct {
	OrderID      string
	CustomerName string
	TotalAmount  int64
}

// ResumeRecord — сохранённый снимок незавершённой оплаты для возобновления после перезапуска.
type ResumeRecord struct {
	FlowID      string
	OrderID     string
	DBID        string
	BuyerID     string
	Status      SessionStatus
	PaymentURL  string
	Token       string
	TotalAmount int64
	Items       []LineItem
	Shipping    ShippingInfo
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
