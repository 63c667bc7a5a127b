package storeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/batikpay/internal/auth"
	"github.com/vladislavdragonenkov/batikpay/internal/domain"
	"github.com/vladislavdragonenkov/batikpay/internal/version"
)

const tracerName = "batikpay/storeapi"

// Client — адаптер REST API магазина поверх resty.
// Сам клиент не привязан к пользователю; вызовы выполняются через ForSession.
type Client struct {
	http   *resty.Client
	logger *log.Entry
	tracer trace.Tracer
}

// New создаёт клиент с базовым адресом API и таймаутом запросов.
func New(baseURL string, timeout time.Duration, logger *log.Entry) *Client {
	if logger == nil {
		logger = log.New().WithField("component", "storeapi")
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", version.UserAgent())

	return &Client{
		http:   httpClient,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
}

// ForSession возвращает клиент, все запросы которого несут bearer-токен сессии.
func (c *Client) ForSession(session auth.Session) *SessionClient {
	return &SessionClient{client: c, session: session}
}

// SessionClient реализует domain.StoreAPI и domain.ShippingProfiles для одного покупателя.
type SessionClient struct {
	client  *Client
	session auth.Session
}

var (
	_ domain.StoreAPI         = (*SessionClient)(nil)
	_ domain.ShippingProfiles = (*SessionClient)(nil)
)

type orderItemPayload struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Size      string `json:"size"`
	Quantity  int32  `json:"quantity"`
	Price     int64  `json:"price"`
}

type createOrderPayload struct {
	UserID     string             `json:"user_id"`
	Name       string             `json:"name"`
	Email      string             `json:"email"`
	Phone      string             `json:"phone"`
	Address    string             `json:"address"`
	City       string             `json:"city"`
	PostalCode string             `json:"postal_code"`
	Notes      string             `json:"notes"`
	TotalItems int                `json:"total_items"`
	TotalPrice int64              `json:"total_price"`
	Status     domain.OrderStatus `json:"status"`
	Items      []orderItemPayload `json:"items"`
}

// createOrderResponse допускает оба варианта имён полей, которые встречаются в ответах API.
type createOrderResponse struct {
	OrderIDSnake flexibleID `json:"order_id"`
	OrderIDCamel flexibleID `json:"orderId"`
	DBID         flexibleID `json:"dbId"`
	ID           flexibleID `json:"id"`
}

type updateStatusPayload struct {
	Status        domain.OrderStatus `json:"status"`
	PaymentMethod *string            `json:"payment_method"`
}

type stockItemPayload struct {
	ProductID string `json:"productId"`
	Size      string `json:"size"`
	Quantity  int32  `json:"quantity"`
}

type reduceStockPayload struct {
	Items []stockItemPayload `json:"items"`
}

type shippingPayload struct {
	FullName   string `json:"fullName"`
	Phone      string `json:"phone"`
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Notes      string `json:"notes"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e errorResponse) text() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

// flexibleID принимает идентификатор как строкой, так и числом.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be string or number: %w", err)
	}
	*f = flexibleID(n.String())
	return nil
}

func firstNonEmpty(values ...flexibleID) string {
	for _, v := range values {
		if v != "" {
			return string(v)
		}
	}
	return ""
}

// CreateOrder создаёт заказ со статусом pending. Ответ без любого из двух идентификаторов считается ошибкой.
func (s *SessionClient) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.OrderRef, error) {
	ctx, span := s.client.tracer.Start(ctx, "storeapi.CreateOrder")
	defer span.End()

	items := make([]orderItemPayload, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, orderItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			Size:      item.Size,
			Quantity:  item.Quantity,
			Price:     item.UnitPrice,
		})
	}
	payload := createOrderPayload{
		UserID:     req.BuyerID,
		Name:       req.Shipping.Name,
		Email:      req.Shipping.ContactEmail(),
		Phone:      req.Shipping.Phone,
		Address:    req.Shipping.Address,
		City:       req.Shipping.City,
		PostalCode: req.Shipping.PostalCode,
		Notes:      req.Shipping.Notes,
		TotalItems: len(req.Items),
		TotalPrice: req.TotalAmount,
		Status:     domain.OrderStatusPending,
		Items:      items,
	}

	var result createOrderResponse
	var apiErr errorResponse
	resp, err := s.request(ctx).
		SetBody(payload).
		SetResult(&result).
		SetError(&apiErr).
		Post("/orders")
	if err := s.check(span, resp, err, apiErr); err != nil {
		return domain.OrderRef{}, errors.Join(domain.ErrOrderCreation, err)
	}

	ref := domain.OrderRef{
		OrderID: firstNonEmpty(result.OrderIDSnake, result.OrderIDCamel),
		DBID:    firstNonEmpty(result.DBID, result.ID),
	}
	if ref.OrderID == "" || ref.DBID == "" {
		err := fmt.Errorf("%w: response has no order id", domain.ErrOrderCreation)
		recordError(span, err)
		return domain.OrderRef{}, err
	}

	span.SetAttributes(attribute.String("order.id", ref.OrderID), attribute.String("order.db_id", ref.DBID))
	return ref, nil
}

// UpdateOrderStatus меняет статус заказа. Пустой paymentMethod отправляется как null.
func (s *SessionClient) UpdateOrderStatus(ctx context.Context, dbID string, status domain.OrderStatus, paymentMethod string) error {
	ctx, span := s.client.tracer.Start(ctx, "storeapi.UpdateOrderStatus",
		trace.WithAttributes(attribute.String("order.db_id", dbID), attribute.String("order.status", string(status))))
	defer span.End()

	payload := updateStatusPayload{Status: status}
	if paymentMethod != "" {
		payload.PaymentMethod = &paymentMethod
	}

	var apiErr errorResponse
	resp, err := s.request(ctx).
		SetBody(payload).
		SetError(&apiErr).
		SetPathParam("dbId", dbID).
		Put("/orders/{dbId}")
	return s.check(span, resp, err, apiErr)
}

// DeleteOrder удаляет заказ по внутреннему идентификатору.
func (s *SessionClient) DeleteOrder(ctx context.Context, dbID string) error {
	ctx, span := s.client.tracer.Start(ctx, "storeapi.DeleteOrder",
		trace.WithAttributes(attribute.String("order.db_id", dbID)))
	defer span.End()

	var apiErr errorResponse
	resp, err := s.request(ctx).
		SetError(&apiErr).
		SetPathParam("dbId", dbID).
		Delete("/orders/{dbId}")
	return s.check(span, resp, err, apiErr)
}

// ReduceStock списывает остатки по позициям оплаченного заказа.
func (s *SessionClient) ReduceStock(ctx context.Context, items []domain.StockReduction) error {
	ctx, span := s.client.tracer.Start(ctx, "storeapi.ReduceStock",
		trace.WithAttributes(attribute.Int("items.count", len(items))))
	defer span.End()

	payload := reduceStockPayload{Items: make([]stockItemPayload, 0, len(items))}
	for _, item := range items {
		payload.Items = append(payload.Items, stockItemPayload{
			ProductID: item.ProductID,
			Size:      item.Size,
			Quantity:  item.Quantity,
		})
	}

	var apiErr errorResponse
	resp, err := s.request(ctx).
		SetBody(payload).
		SetError(&apiErr).
		Post("/inventory/reduce-stock")
	return s.check(span, resp, err, apiErr)
}

// ClearCart очищает корзину покупателя.
func (s *SessionClient) ClearCart(ctx context.Context, buyerID string) error {
	ctx, span := s.client.tracer.Start(ctx, "storeapi.ClearCart")
	defer span.End()

	var apiErr errorResponse
	resp, err := s.request(ctx).
		SetError(&apiErr).
		SetQueryParam("user_id", buyerID).
		Delete("/cart/clear")
	return s.check(span, resp, err, apiErr)
}

// LoadShipping загружает сохранённый адрес. 404 означает, что адреса нет (ErrShippingNotFound).
func (s *SessionClient) LoadShipping(ctx context.Context, userID string) (domain.ShippingInfo, error) {
	ctx, span := s.client.tracer.Start(ctx, "storeapi.LoadShipping")
	defer span.End()

	var result shippingPayload
	var apiErr errorResponse
	resp, err := s.request(ctx).
		SetResult(&result).
		SetError(&apiErr).
		SetPathParam("userId", userID).
		Get("/users/{userId}/shipping")
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		return domain.ShippingInfo{}, domain.ErrShippingNotFound
	}
	if err := s.check(span, resp, err, apiErr); err != nil {
		return domain.ShippingInfo{}, err
	}

	return domain.ShippingInfo{
		Name:       result.FullName,
		Phone:      result.Phone,
		Address:    result.Address,
		City:       result.City,
		PostalCode: result.PostalCode,
		Notes:      result.Notes,
		Email:      s.session.Email,
	}, nil
}

// SaveShipping сохраняет адрес доставки с обрезанными пробелами.
func (s *SessionClient) SaveShipping(ctx context.Context, userID string, info domain.ShippingInfo) error {
	ctx, span := s.client.tracer.Start(ctx, "storeapi.SaveShipping")
	defer span.End()

	payload := shippingPayload{
		FullName:   strings.TrimSpace(info.Name),
		Phone:      strings.TrimSpace(info.Phone),
		Address:    strings.TrimSpace(info.Address),
		City:       strings.TrimSpace(info.City),
		PostalCode: strings.TrimSpace(info.PostalCode),
		Notes:      strings.TrimSpace(info.Notes),
	}

	var apiErr errorResponse
	resp, err := s.request(ctx).
		SetBody(payload).
		SetError(&apiErr).
		SetPathParam("userId", userID).
		Put("/users/{userId}/shipping")
	return s.check(span, resp, err, apiErr)
}

func (s *SessionClient) request(ctx context.Context) *resty.Request {
	req := s.client.http.R().
		SetContext(ctx).
		SetAuthToken(s.session.Token)
	if key, ok := domain.IdempotencyKeyFrom(ctx); ok {
		req.SetHeader("Idempotency-Key", key)
	}
	return req
}

// check переводит транспортную ошибку или не-2xx ответ в ошибку домена.
func (s *SessionClient) check(span trace.Span, resp *resty.Response, err error, apiErr errorResponse) error {
	if err != nil {
		err = fmt.Errorf("store api request: %w", err)
		recordError(span, err)
		return err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))
	if !resp.IsError() {
		return nil
	}

	switch resp.StatusCode() {
	case http.StatusUnauthorized, http.StatusForbidden:
		err = domain.ErrUnauthenticated
	default:
		msg := apiErr.text()
		if msg == "" {
			msg = strconv.Itoa(resp.StatusCode())
		}
		err = fmt.Errorf("store api %s %s: %s", resp.Request.Method, resp.Request.URL, msg)
	}

	s.client.logger.WithFields(log.Fields{
		"status": resp.StatusCode(),
		"method": resp.Request.Method,
		"url":    resp.Request.URL,
	}).Debug("store api returned error")

	recordError(span, err)
	return err
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
