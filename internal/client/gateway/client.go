package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/batikpay/internal/domain"
	"github.com/vladislavdragonenkov/batikpay/internal/version"
)

// DefaultPaymentType подставляется, когда шлюз не сообщил способ оплаты.
const DefaultPaymentType = "unknown"

// Client — адаптер бэкенда платёжного шлюза.
type Client struct {
	http   *resty.Client
	logger *log.Entry
	tracer trace.Tracer
}

var _ domain.PaymentGateway = (*Client)(nil)

// New создаёт клиент шлюза.
func New(baseURL string, timeout time.Duration, logger *log.Entry) *Client {
	if logger == nil {
		logger = log.New().WithField("component", "gateway")
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", version.UserAgent()),
		logger: logger,
		tracer: otel.Tracer("batikpay/gateway"),
	}
}

type customerPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type createTransactionPayload struct {
	OrderID     string          `json:"order_id"`
	GrossAmount int64           `json:"gross_amount"`
	Customer    customerPayload `json:"customer"`
}

type createTransactionResponse struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

type checkStatusPayload struct {
	OrderID string `json:"orderId"`
}

type checkStatusResponse struct {
	TransactionStatus string `json:"transaction_status"`
	PaymentType       string `json:"payment_type"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (e errorResponse) text(status int) string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Error != "":
		return e.Error
	default:
		return http.StatusText(status)
	}
}

// CreateTransaction создаёт транзакцию в шлюзе. Ответ без redirect_url или token считается ошибкой.
func (c *Client) CreateTransaction(ctx context.Context, req domain.TransactionRequest) (domain.Transaction, error) {
	ctx, span := c.tracer.Start(ctx, "gateway.CreateTransaction",
		trace.WithAttributes(attribute.String("order.id", req.OrderID), attribute.Int64("order.amount", req.Amount)))
	defer span.End()

	var result createTransactionResponse
	var apiErr errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(createTransactionPayload{
			OrderID:     req.OrderID,
			GrossAmount: req.Amount,
			Customer: customerPayload{
				Name:  req.Customer.Name,
				Email: req.Customer.Email,
				Phone: req.Customer.Phone,
			},
		}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/create-transaction")
	if err != nil {
		return domain.Transaction{}, fail(span, errors.Join(domain.ErrGatewayInit, err))
	}
	if resp.IsError() {
		return domain.Transaction{}, fail(span, fmt.Errorf("%w: %s", domain.ErrGatewayInit, apiErr.text(resp.StatusCode())))
	}
	if result.RedirectURL == "" || result.Token == "" {
		return domain.Transaction{}, fail(span, fmt.Errorf("%w: incomplete transaction data", domain.ErrGatewayInit))
	}

	return domain.Transaction{Token: result.Token, RedirectURL: result.RedirectURL}, nil
}

// CheckStatus запрашивает статус транзакции. Ответ 404 означает, что шлюз ещё не знает о транзакции.
func (c *Client) CheckStatus(ctx context.Context, orderID string) (domain.StatusResult, error) {
	ctx, span := c.tracer.Start(ctx, "gateway.CheckStatus",
		trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	var result checkStatusResponse
	var apiErr errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(checkStatusPayload{OrderID: orderID}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/check-status")
	if err != nil {
		return domain.StatusResult{}, fail(span, errors.Join(domain.ErrGatewayStatusCheck, err))
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))
	if resp.StatusCode() == http.StatusNotFound {
		return domain.StatusResult{}, domain.ErrTransactionNotFound
	}
	if resp.IsError() {
		return domain.StatusResult{}, fail(span, fmt.Errorf("%w: %s", domain.ErrGatewayStatusCheck, apiErr.text(resp.StatusCode())))
	}

	paymentType := result.PaymentType
	if paymentType == "" {
		paymentType = DefaultPaymentType
	}
	span.SetAttributes(attribute.String("payment.status", result.TransactionStatus))

	return domain.StatusResult{
		Status:        domain.TransactionStatus(result.TransactionStatus),
		PaymentMethod: paymentType,
	}, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
