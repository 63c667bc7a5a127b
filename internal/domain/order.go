package domain

// OrderStatus описывает статус заказа на стороне REST API магазина.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, оплата ещё не подтверждена шлюзом.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid — шлюз подтвердил списание (capture/settlement).
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusFailed — шлюз отклонил платёж, платёж истёк или отменён.
	OrderStatusFailed OrderStatus = "failed"
)

// ShippingSurcharge — фиксированная стоимость доставки в рупиях.
const ShippingSurcharge int64 = 50000

// Значения по умолчанию, которые магазин подставляет при пустых контактах покупателя.
const (
	DefaultCustomerEmail = "customer@example.com"
	DefaultCustomerPhone = "081234567890"
)

// LineItem представляет одну позицию корзины/заказа.
type LineItem struct {
	ProductID string
	Name      string
	// Size может быть пустым для товаров без размерной сетки.
	Size      string
	Quantity  int32
	UnitPrice int64
}

// ShippingInfo — данные доставки, собранные на шаге оформления.
type ShippingInfo struct {
	Name       string
	Email      string
	Phone      string
	Address    string
	City       string
	PostalCode string
	Notes      string
}

// Customer — контакт покупателя, передаваемый платёжному шлюзу.
type Customer struct {
	Name  string
	Email string
	Phone string
}

// ContactEmail возвращает email покупателя или адрес по умолчанию.
func (s ShippingInfo) ContactEmail() string {
	if s.Email == "" {
		return DefaultCustomerEmail
	}
	return s.Email
}

// Customer собирает контакт для шлюза с подстановкой значений по умолчанию.
func (s ShippingInfo) Customer() Customer {
	phone := s.Phone
	if phone == "" {
		phone = DefaultCustomerPhone
	}
	return Customer{
		Name:  s.Name,
		Email: s.ContactEmail(),
		Phone: phone,
	}
}

// Order — заказ, созданный через REST API перед обращением к шлюзу.
type Order struct {
	// OrderID — внешний идентификатор, который видит платёжный шлюз.
	OrderID string
	// DBID — внутренний ключ записи в базе магазина.
	DBID        string
	BuyerID     string
	Status      OrderStatus
	Items       []LineItem
	TotalAmount int64
	Shipping    ShippingInfo
}

// Created сообщает, что API вернул оба идентификатора заказа.
func (o Order) Created() bool {
	return o.OrderID != "" && o.DBID != ""
}

// Subtotal считает сумму позиций без доставки.
func Subtotal(items []LineItem) int64 {
	var sum int64
	for _, item := range items {
		sum += int64(item.Quantity) * item.UnitPrice
	}
	return sum
}

// CheckoutTotal считает итог к оплате: позиции плюс доставка.
// Оркестратор получает итог готовым и сам его не пересчитывает.
func CheckoutTotal(items []LineItem, shippingCost int64) int64 {
	return Subtotal(items) + shippingCost
}

// ValidateItems проверяет позиции корзины и возвращает список замечаний.
func ValidateItems(items []LineItem) []error {
	var errs []error

	if len(items) == 0 {
		errs = append(errs, ErrCartEmpty)
	}
	for _, item := range items {
		if item.ProductID == "" {
			errs = append(errs, ErrItemProductRequired)
		}
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPrice < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
	}

	return errs
}

// StockReductions преобразует позиции в запрос на списание остатков.
func StockReductions(items []LineItem) []StockReduction {
	result := make([]StockReduction, 0, len(items))
	for _, item := range items {
		result = append(result, StockReduction{
			ProductID: item.ProductID,
			Size:      item.Size,
			Quantity:  item.Quantity,
		})
	}
	return result
}

// StockReduction — одна строка запроса на списание остатков.
type StockReduction struct {
	ProductID string
	Size      string
	Quantity  int32
}
