package application

import (
	"time"

	"github.com/shopspring/decimal"

	"fulfillment/internal/service/order/domain"
)

// CreateOrderItem 下单请求中的商品行。unitPrice 接受 JSON 数字或字符串。
type CreateOrderItem struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// CreateOrderRequest 既是 HTTP 请求体，也是 order-creation-topic 的消息体。
// OrderID 可选；消息重投时带上同一个 OrderID 即可幂等。
type CreateOrderRequest struct {
	OrderID string            `json:"orderId,omitempty"`
	Items   []CreateOrderItem `json:"items"`
}

func (r *CreateOrderRequest) lineItems() []domain.LineItem {
	items := make([]domain.LineItem, len(r.Items))
	for i, it := range r.Items {
		items[i] = domain.LineItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	return items
}

// CreateOrderResponse 创建后立即返回，不等待下游结果
type CreateOrderResponse struct {
	OrderID string       `json:"orderId"`
	State   domain.State `json:"state"`
}

type EventView struct {
	Type           domain.EventKind `json:"type"`
	IdempotencyKey string           `json:"idempotencyKey"`
	CorrelationID  string           `json:"correlationId,omitempty"`
	TransactionID  string           `json:"transactionId,omitempty"`
	TrackingID     string           `json:"trackingId,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	Synthetic      bool             `json:"synthetic,omitempty"`
	OccurredAt     time.Time        `json:"occurredAt"`
}

// OrderView 订单状态查询结果，带完整的事件日志
type OrderView struct {
	OrderID       string            `json:"orderId"`
	State         domain.State      `json:"state"`
	Version       int64             `json:"version"`
	Total         decimal.Decimal   `json:"total"`
	Items         []CreateOrderItem `json:"items"`
	TransactionID string            `json:"transactionId,omitempty"`
	TrackingID    string            `json:"trackingId,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	Events        []EventView       `json:"events"`
}

func ToOrderView(o *domain.Order) *OrderView {
	v := &OrderView{
		OrderID:       o.ID,
		State:         o.State,
		Version:       o.Version,
		Total:         o.Total,
		TransactionID: o.TransactionID,
		TrackingID:    o.TrackingID,
		FailureReason: o.FailureReason,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
		Items:         make([]CreateOrderItem, len(o.Items)),
		Events:        make([]EventView, len(o.Events)),
	}
	for i, it := range o.Items {
		v.Items[i] = CreateOrderItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	for i, e := range o.Events {
		v.Events[i] = EventView{
			Type:           e.Kind,
			IdempotencyKey: e.IdempotencyKey,
			CorrelationID:  e.CorrelationID,
			TransactionID:  e.TransactionID,
			TrackingID:     e.TrackingID,
			Reason:         e.Reason,
			Synthetic:      e.Synthetic,
			OccurredAt:     e.OccurredAt,
		}
	}
	return v
}
