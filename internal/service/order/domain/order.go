package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// LineItem 订单行
type LineItem struct {
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Subtotal 行小计
func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Order 是订单聚合根。
// 只能通过 Apply 决策来修改状态，每次被接受的状态迁移版本号恰好加一。
type Order struct {
	ID      string
	Items   []LineItem
	Total   decimal.Decimal // 创建时计算，之后不变
	State   State
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time

	PaymentCorrelationID  string
	ShipmentCorrelationID string
	RefundCorrelationID   string

	TransactionID string
	TrackingID    string
	FailureReason string

	// Events 已应用事件的日志，只追加
	Events []Event
}

// MoneyScale 金额的小数位数，与存储列 decimal(18,2) 一致
const MoneyScale = 2

// NewOrder 创建一个 CREATED 状态、版本 0 的订单
func NewOrder(id string, items []LineItem, now time.Time) (*Order, error) {
	if strings.TrimSpace(id) == "" {
		return nil, NewInvalidOrderError("orderId", "is empty")
	}
	if len(items) == 0 {
		return nil, NewInvalidOrderError("items", "must not be empty")
	}

	total := decimal.Zero
	copied := make([]LineItem, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.ProductID) == "" {
			return nil, NewInvalidOrderError("productId", "is empty")
		}
		if item.Quantity <= 0 {
			return nil, NewInvalidOrderError("quantity", "must be greater than 0")
		}
		if item.UnitPrice.IsNegative() {
			return nil, NewInvalidOrderError("unitPrice", "must not be negative")
		}
		// 金额按分存储，超出精度的单价会让持久化后的总额和明细对不上
		if !item.UnitPrice.Equal(item.UnitPrice.Truncate(MoneyScale)) {
			return nil, NewInvalidOrderError("unitPrice", "must have at most 2 decimal places")
		}
		copied[i] = item
		total = total.Add(item.Subtotal())
	}

	return &Order{
		ID:        id,
		Items:     copied,
		Total:     total,
		State:     StateCreated,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// HasEvent 事件日志中是否已有该幂等键
func (o *Order) HasEvent(idempotencyKey string) bool {
	for _, e := range o.Events {
		if e.IdempotencyKey == idempotencyKey {
			return true
		}
	}
	return false
}

// Clone 深拷贝，状态机决策和重试都基于副本进行
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]LineItem(nil), o.Items...)
	c.Events = append([]Event(nil), o.Events...)
	return &c
}

// Apply 把一次决策落到聚合上
func (o *Order) Apply(d Decision, now time.Time) {
	o.State = d.Next
	o.Version++
	o.UpdatedAt = now

	if ev := d.Event; ev != nil {
		o.Events = append(o.Events, *ev)
		switch ev.Kind {
		case EventPaymentAuthorized:
			o.TransactionID = ev.TransactionID
		case EventShipmentDispatched:
			o.TrackingID = ev.TrackingID
		case EventPaymentDeclined, EventShipmentFailed, EventRefundFailed:
			o.FailureReason = ev.Reason
		}
	}

	for _, cmd := range d.Commands {
		switch cmd.Kind {
		case CommandAuthorizePayment:
			o.PaymentCorrelationID = cmd.CorrelationID
		case CommandDispatchShipment:
			o.ShipmentCorrelationID = cmd.CorrelationID
		case CommandRefundPayment:
			o.RefundCorrelationID = cmd.CorrelationID
		}
	}
}
