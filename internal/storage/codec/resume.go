// Package codec задаёт JSON-представление записей возобновления оплаты,
// общее для PostgreSQL и Redis.
package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/batikpay/internal/domain"
)

// Item — позиция корзины в сохранённой записи.
type Item struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Size      string `json:"size,omitempty"`
	Quantity  int32  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// Shipping — данные доставки в сохранённой записи.
type Shipping struct {
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone"`
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Notes      string `json:"notes,omitempty"`
}

// Record — запись возобновления целиком.
type Record struct {
	FlowID      string    `json:"flow_id"`
	OrderID     string    `json:"order_id"`
	DBID        string    `json:"db_id"`
	BuyerID     string    `json:"buyer_id"`
	Status      string    `json:"status"`
	PaymentURL  string    `json:"payment_url"`
	Token       string    `json:"token"`
	TotalAmount int64     `json:"total_amount"`
	Items       []Item    `json:"items"`
	Shipping    Shipping  `json:"shipping"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EncodeItems сериализует позиции.
func EncodeItems(items []domain.LineItem) ([]byte, error) {
	rows := make([]Item, 0, len(items))
	for _, item := range items {
		rows = append(rows, Item(item))
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encode items: %w", err)
	}
	return data, nil
}

// DecodeItems разбирает позиции.
func DecodeItems(data []byte) ([]domain.LineItem, error) {
	var rows []Item
	if len(data) > 0 {
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("decode items: %w", err)
		}
	}
	items := make([]domain.LineItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, domain.LineItem(row))
	}
	return items, nil
}

// EncodeShipping сериализует данные доставки.
func EncodeShipping(info domain.ShippingInfo) ([]byte, error) {
	data, err := json.Marshal(Shipping(info))
	if err != nil {
		return nil, fmt.Errorf("encode shipping: %w", err)
	}
	return data, nil
}

// DecodeShipping разбирает данные доставки.
func DecodeShipping(data []byte) (domain.ShippingInfo, error) {
	var s Shipping
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s); err != nil {
			return domain.ShippingInfo{}, fmt.Errorf("decode shipping: %w", err)
		}
	}
	return domain.ShippingInfo(s), nil
}

// EncodeResume сериализует запись целиком.
func EncodeResume(record domain.ResumeRecord) ([]byte, error) {
	items := make([]Item, 0, len(record.Items))
	for _, item := range record.Items {
		items = append(items, Item(item))
	}
	data, err := json.Marshal(Record{
		FlowID:      record.FlowID,
		OrderID:     record.OrderID,
		DBID:        record.DBID,
		BuyerID:     record.BuyerID,
		Status:      string(record.Status),
		PaymentURL:  record.PaymentURL,
		Token:       record.Token,
		TotalAmount: record.TotalAmount,
		Items:       items,
		Shipping:    Shipping(record.Shipping),
		CreatedAt:   record.CreatedAt.UTC(),
		UpdatedAt:   record.UpdatedAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode resume record: %w", err)
	}
	return data, nil
}

// DecodeResume разбирает запись целиком.
func DecodeResume(data []byte) (domain.ResumeRecord, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.ResumeRecord{}, fmt.Errorf("decode resume record: %w", err)
	}
	items := make([]domain.LineItem, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, domain.LineItem(item))
	}
	return domain.ResumeRecord{
		FlowID:      r.FlowID,
		OrderID:     r.OrderID,
		DBID:        r.DBID,
		BuyerID:     r.BuyerID,
		Status:      domain.SessionStatus(r.Status),
		PaymentURL:  r.PaymentURL,
		Token:       r.Token,
		TotalAmount: r.TotalAmount,
		Items:       items,
		Shipping:    domain.ShippingInfo(r.Shipping),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}
