// Package httpapi реализует HTTP-интерфейс оформления оплаты поверх gin.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/batikpay/internal/auth"
	"github.com/vladislavdragonenkov/batikpay/internal/domain"
	"github.com/vladislavdragonenkov/batikpay/internal/service/checkout"
)

const sessionKey = "batik.session"

// Flows — операции менеджера оформлений, которые нужны HTTP-слою.
type Flows interface {
	Start(ctx context.Context, req checkout.StartRequest) (checkout.View, error)
	Get(flowID string) (checkout.View, error)
	CheckNow(ctx context.Context, flowID string) (checkout.View, error)
	Retry(ctx context.Context, flowID string) (checkout.View, error)
	Cancel(ctx context.Context, flowID string) (checkout.View, error)
	Reopen(flowID string) (checkout.View, error)
	Close(flowID string) error
}

// ProfilesFactory возвращает хранилище адресов доставки для сессии покупателя.
type ProfilesFactory func(session auth.Session) domain.ShippingProfiles

var _ Flows = (*checkout.Manager)(nil)

// Handler обслуживает /api/v1/checkout и /api/v1/shipping.
type Handler struct {
	flows        Flows
	parser       *auth.Parser
	profiles     ProfilesFactory
	shippingCost int64
	logger       *log.Entry
}

// Option настраивает Handler.
type Option func(*Handler)

// WithShippingCost задаёт стоимость доставки по умолчанию.
func WithShippingCost(cost int64) Option {
	return func(h *Handler) {
		if cost >= 0 {
			h.shippingCost = cost
		}
	}
}

// WithProfiles включает эндпоинты сохранённого адреса доставки.
func WithProfiles(profiles ProfilesFactory) Option {
	return func(h *Handler) {
		h.profiles = profiles
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler создаёт обработчик.
func NewHandler(flows Flows, parser *auth.Parser, opts ...Option) *Handler {
	h := &Handler{
		flows:        flows,
		parser:       parser,
		shippingCost: domain.ShippingSurcharge,
		logger:       log.New().WithField("component", "checkout-http"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register подключает маршруты к группе /api/v1.
func (h *Handler) Register(api *gin.RouterGroup) {
	api.Use(h.authenticate)

	flows := api.Group("/checkout")
	flows.POST("", h.StartCheckout)
	flows.GET("/:id", h.GetCheckout)
	flows.DELETE("/:id", h.CloseCheckout)
	flows.POST("/:id/check", h.CheckPayment)
	flows.POST("/:id/retry", h.RetryCheckout)
	flows.POST("/:id/cancel", h.CancelCheckout)
	flows.POST("/:id/reopen", h.ReopenPayment)

	api.GET("/shipping", h.GetShipping)
	api.PUT("/shipping", h.SaveShipping)
}

func (h *Handler) authenticate(c *gin.Context) {
	session, err := h.parser.FromAuthorizationHeader(c.GetHeader("Authorization"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":  domain.ErrUnauthenticated.Error(),
			"target": checkout.TargetLogin,
		})
		return
	}
	c.Set(sessionKey, session)
	c.Next()
}

func sessionFrom(c *gin.Context) auth.Session {
	value, _ := c.Get(sessionKey)
	session, _ := value.(auth.Session)
	return session
}

// StartCheckout начинает оформление или возобновляет незавершённую оплату покупателя.
func (h *Handler) StartCheckout(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	cost := h.shippingCost
	if req.ShippingCost != nil {
		cost = *req.ShippingCost
	}
	items := req.lineItems()

	start := checkout.StartRequest{
		Session:     sessionFrom(c),
		Items:       items,
		TotalAmount: domain.CheckoutTotal(items, cost),
	}
	if req.Shipping != nil {
		info := req.Shipping.toDomain()
		start.Shipping = &info
	}

	view, err := h.flows.Start(c.Request.Context(), start)
	if err != nil {
		h.writeError(c, err, &view)
		return
	}

	status := http.StatusCreated
	if view.Resumed {
		status = http.StatusOK
	}
	c.JSON(status, toFlowResponse(view))
}

// GetCheckout возвращает состояние оформления.
func (h *Handler) GetCheckout(c *gin.Context) {
	view, ok := h.owned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toFlowResponse(view))
}

// CheckPayment — ручная проверка статуса оплаты.
func (h *Handler) CheckPayment(c *gin.Context) {
	h.act(c, func(id string) (checkout.View, error) {
		return h.flows.CheckNow(c.Request.Context(), id)
	})
}

// RetryCheckout повторяет оформление с новым заказом.
func (h *Handler) RetryCheckout(c *gin.Context) {
	h.act(c, func(id string) (checkout.View, error) {
		return h.flows.Retry(c.Request.Context(), id)
	})
}

// CancelCheckout отменяет оформление и возвращает покупателя к шагу доставки.
func (h *Handler) CancelCheckout(c *gin.Context) {
	h.act(c, func(id string) (checkout.View, error) {
		return h.flows.Cancel(c.Request.Context(), id)
	})
}

// ReopenPayment повторно отдаёт адрес страницы оплаты.
func (h *Handler) ReopenPayment(c *gin.Context) {
	h.act(c, h.flows.Reopen)
}

// CloseCheckout останавливает опрос, когда покупатель ушёл со страницы.
func (h *Handler) CloseCheckout(c *gin.Context) {
	if _, ok := h.owned(c); !ok {
		return
	}
	if err := h.flows.Close(c.Param("id")); err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetShipping возвращает сохранённый адрес доставки.
func (h *Handler) GetShipping(c *gin.Context) {
	if !h.ensureProfiles(c) {
		return
	}
	session := sessionFrom(c)

	info, err := h.profiles(session).LoadShipping(c.Request.Context(), session.UserID)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, toShipping(info))
}

// SaveShipping сохраняет адрес доставки покупателя.
func (h *Handler) SaveShipping(c *gin.Context) {
	if !h.ensureProfiles(c) {
		return
	}
	var req shippingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	session := sessionFrom(c)

	info := req.toDomain()
	if err := h.profiles(session).SaveShipping(c.Request.Context(), session.UserID, info); err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, toShipping(info))
}

func (h *Handler) ensureProfiles(c *gin.Context) bool {
	if h.profiles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shipping profiles unavailable"})
		return false
	}
	return true
}

// owned находит оформление и проверяет, что оно принадлежит покупателю из сессии.
// Чужие оформления неотличимы от несуществующих.
func (h *Handler) owned(c *gin.Context) (checkout.View, bool) {
	view, err := h.flows.Get(c.Param("id"))
	if err == nil && view.BuyerID != sessionFrom(c).UserID {
		err = domain.ErrFlowNotFound
	}
	if err != nil {
		h.writeError(c, err, nil)
		return checkout.View{}, false
	}
	return view, true
}

func (h *Handler) act(c *gin.Context, action func(id string) (checkout.View, error)) {
	if _, ok := h.owned(c); !ok {
		return
	}
	view, err := action(c.Param("id"))
	if err != nil {
		h.writeError(c, err, &view)
		return
	}
	c.JSON(http.StatusOK, toFlowResponse(view))
}

func (h *Handler) writeError(c *gin.Context, err error, view *checkout.View) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	if view != nil {
		// Оформление, не прошедшее предусловия, не отслеживается и не отдаётся клиенту.
		if view.FlowID != "" && view.State != domain.StateIdle {
			body["checkout"] = toFlowResponse(*view)
		}
		if view.Handoff.Target != checkout.TargetNone {
			body["target"] = view.Handoff.Target
		}
	}
	if _, ok := body["target"]; !ok && errors.Is(err, domain.ErrUnauthenticated) {
		body["target"] = checkout.TargetLogin
	}

	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", c.FullPath()).Warn("checkout request failed")
	}
	c.JSON(status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case domain.IsPrecondition(err),
		errors.Is(err, domain.ErrItemProductRequired),
		errors.Is(err, domain.ErrItemQtyInvalid),
		errors.Is(err, domain.ErrItemPriceInvalid):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrFlowNotFound),
		errors.Is(err, domain.ErrShippingNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrCheckInProgress),
		errors.Is(err, domain.ErrFlowSettled):
		return http.StatusConflict
	case domain.IsFatal(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
