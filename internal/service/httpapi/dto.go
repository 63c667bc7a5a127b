package httpapi

import (
	"github.com/vladislavdragonenkov/batikpay/internal/domain"
	"github.com/vladislavdragonenkov/batikpay/internal/service/checkout"
)

type itemRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Name      string `json:"name"`
	Size      string `json:"size"`
	Quantity  int32  `json:"quantity" binding:"required,min=1"`
	UnitPrice int64  `json:"unit_price" binding:"min=0"`
}

// shippingRequest повторяет правила формы доставки магазина.
type shippingRequest struct {
	Name       string `json:"name" binding:"required"`
	Email      string `json:"email" binding:"omitempty,email"`
	Phone      string `json:"phone" binding:"required,min=10"`
	Address    string `json:"address" binding:"required"`
	City       string `json:"city" binding:"required"`
	PostalCode string `json:"postal_code" binding:"required,len=5,numeric"`
	Notes      string `json:"notes"`
}

type startRequest struct {
	Items        []itemRequest    `json:"items" binding:"dive"`
	Shipping     *shippingRequest `json:"shipping"`
	ShippingCost *int64           `json:"shipping_cost" binding:"omitempty,min=0"`
}

func (r shippingRequest) toDomain() domain.ShippingInfo {
	return domain.ShippingInfo{
		Name:       r.Name,
		Email:      r.Email,
		Phone:      r.Phone,
		Address:    r.Address,
		City:       r.City,
		PostalCode: r.PostalCode,
		Notes:      r.Notes,
	}
}

func (r startRequest) lineItems() []domain.LineItem {
	items := make([]domain.LineItem, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, domain.LineItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			Size:      it.Size,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	return items
}

type itemResponse struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Size      string `json:"size,omitempty"`
	Quantity  int32  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type shippingResponse struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Notes      string `json:"notes"`
}

type orderResponse struct {
	OrderID string `json:"order_id,omitempty"`
	DBID    string `json:"db_id,omitempty"`
}

type paymentResponse struct {
	Status              domain.SessionStatus `json:"status,omitempty"`
	PaymentURL          string               `json:"payment_url,omitempty"`
	ManualCheckRequired bool                 `json:"manual_check_required"`
}

type confirmationResponse struct {
	OrderID      string `json:"order_id"`
	CustomerName string `json:"customer_name"`
	TotalAmount  int64  `json:"total_amount"`
}

type navigationResponse struct {
	Target       checkout.Target       `json:"target,omitempty"`
	Confirmation *confirmationResponse `json:"confirmation,omitempty"`
	Cart         []itemResponse        `json:"cart,omitempty"`
	PaymentURL   string                `json:"payment_url,omitempty"`
	WindowOpens  int                   `json:"window_opens"`
}

type flowResponse struct {
	FlowID      string               `json:"flow_id"`
	State       domain.CheckoutState `json:"state"`
	Order       orderResponse        `json:"order"`
	Payment     paymentResponse      `json:"payment"`
	Items       []itemResponse       `json:"items"`
	TotalAmount int64                `json:"total_amount"`
	Polling     bool                 `json:"polling"`
	Resumed     bool                 `json:"resumed"`
	Navigation  navigationResponse   `json:"navigation"`
	Error       string               `json:"error,omitempty"`
}

func toItems(items []domain.LineItem) []itemResponse {
	if len(items) == 0 {
		return nil
	}
	out := make([]itemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, itemResponse{
			ProductID: it.ProductID,
			Name:      it.Name,
			Size:      it.Size,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	return out
}

func toShipping(info domain.ShippingInfo) shippingResponse {
	return shippingResponse{
		Name:       info.Name,
		Email:      info.Email,
		Phone:      info.Phone,
		Address:    info.Address,
		City:       info.City,
		PostalCode: info.PostalCode,
		Notes:      info.Notes,
	}
}

func toFlowResponse(view checkout.View) flowResponse {
	resp := flowResponse{
		FlowID: view.FlowID,
		State:  view.State,
		Order:  orderResponse{OrderID: view.Order.OrderID, DBID: view.Order.DBID},
		Payment: paymentResponse{
			Status:              view.Payment.Status,
			PaymentURL:          view.Payment.PaymentURL,
			ManualCheckRequired: view.Payment.ManualCheckRequired,
		},
		Items:       toItems(view.Items),
		TotalAmount: view.TotalAmount,
		Polling:     view.Polling,
		Resumed:     view.Resumed,
		Navigation: navigationResponse{
			Target:      view.Handoff.Target,
			Cart:        toItems(view.Handoff.Cart),
			PaymentURL:  view.Handoff.PaymentURL,
			WindowOpens: view.Handoff.WindowOpens,
		},
	}
	if c := view.Handoff.Confirmation; c != nil {
		resp.Navigation.Confirmation = &confirmationResponse{
			OrderID:      c.OrderID,
			CustomerName: c.CustomerName,
			TotalAmount:  c.TotalAmount,
		}
	}
	if view.Err != nil {
		resp.Error = view.Err.Error()
	}
	return resp
}
