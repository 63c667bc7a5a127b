package domain

import "errors"

var (
	// ErrCartEmpty — оформление начато с пустой корзиной; покупателя возвращают в корзину.
	ErrCartEmpty = errors.New("cart is empty")
	// ErrShippingRequired — нет данных доставки для оформления.
	ErrShippingRequired = errors.New("shipping info is required")
	// ErrUnauthenticated — нет bearer-токена или API ответил 401; покупателя отправляют на вход.
	ErrUnauthenticated = errors.New("user is not authenticated")
	// Ошибка пустого идентификатора товара в позиции.
	ErrItemProductRequired = errors.New("item product_id is required")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item quantity must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")

	// ErrOrderCreation — API не создал заказ или не вернул оба идентификатора. Фатально для попытки.
	ErrOrderCreation = errors.New("order creation failed")
	// ErrGatewayInit — шлюз не создал транзакцию или не вернул URL/токен. Фатально для попытки.
	ErrGatewayInit = errors.New("payment gateway init failed")
	// ErrGatewayStatusCheck — временная ошибка проверки статуса; следующий тик повторит запрос.
	ErrGatewayStatusCheck = errors.New("payment gateway status check failed")
	// ErrTransactionNotFound — шлюз ещё не зарегистрировал транзакцию (404).
	ErrTransactionNotFound = errors.New("payment transaction not found")
	// ErrReconciliationStep — один из шагов сверки после оплаты не выполнился; только логируется.
	ErrReconciliationStep = errors.New("reconciliation step failed")
	// ErrPaymentFailed — шлюз сообщил deny/expire/cancel.
	ErrPaymentFailed = errors.New("payment failed or canceled")

	// ErrCheckInProgress — проверка статуса уже выполняется, повторный вызов отброшен.
	ErrCheckInProgress = errors.New("payment status check already in progress")
	// ErrInvalidTransition — действие недоступно в текущем состоянии оформления.
	ErrInvalidTransition = errors.New("action is not allowed in current checkout state")
	// ErrFlowSettled — платёж уже подтверждён, отмена невозможна.
	ErrFlowSettled = errors.New("payment already settled")
	// ErrFlowNotFound — оформление с таким идентификатором не найдено.
	ErrFlowNotFound = errors.New("checkout flow not found")
	// ErrSessionNotFound — нет сохранённой записи для возобновления оплаты.
	ErrSessionNotFound = errors.New("payment session record not found")
	// ErrShippingNotFound — у пользователя нет сохранённого адреса доставки.
	ErrShippingNotFound = errors.New("shipping profile not found")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsFatal сообщает, что ошибка прерывает попытку оформления (состояние Errored).
func IsFatal(err error) bool {
	return errors.Is(err, ErrOrderCreation) || errors.Is(err, ErrGatewayInit)
}

// IsTransient сообщает, что ошибку проверки статуса следует тихо повторить.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransactionNotFound) || errors.Is(err, ErrGatewayStatusCheck)
}

// IsPrecondition сообщает, что оформление нельзя начать без действий покупателя.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrCartEmpty) ||
		errors.Is(err, ErrShippingRequired) ||
		errors.Is(err, ErrUnauthenticated)
}
