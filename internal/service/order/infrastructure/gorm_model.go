package infrastructure

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderModel 对应 saga_orders 表
type OrderModel struct {
	ID      string          `gorm:"primaryKey;size:64"`
	State   string          `gorm:"size:32;index:idx_saga_orders_state_updated,priority:1"`
	Version int64           `gorm:"not null;default:0"`
	Items   string          `gorm:"type:text"`         // JSON 编码的订单行，保持顺序
	Total   decimal.Decimal `gorm:"type:decimal(18,2)"` // 精度见 domain.MoneyScale

	PaymentCorrelationID  string `gorm:"size:64"`
	ShipmentCorrelationID string `gorm:"size:64"`
	RefundCorrelationID   string `gorm:"size:64"`
	TransactionID         string `gorm:"size:128"`
	TrackingID            string `gorm:"size:128"`
	FailureReason         string `gorm:"size:512"`

	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false;index:idx_saga_orders_state_updated,priority:2"`
}

func (OrderModel) TableName() string {
	return "saga_orders"
}

// OrderEventModel 对应 saga_order_events 表，只追加。
// (order_id, idempotency_key) 唯一，是事件去重的最终依据。
type OrderEventModel struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement"`
	OrderID        string    `gorm:"size:64;not null;uniqueIndex:uk_order_event_key,priority:1"`
	IdempotencyKey string    `gorm:"size:191;not null;uniqueIndex:uk_order_event_key,priority:2"`
	Kind           string    `gorm:"size:32;not null"`
	CorrelationID  string    `gorm:"size:64"`
	TransactionID  string    `gorm:"size:128"`
	TrackingID     string    `gorm:"size:128"`
	Reason         string    `gorm:"size:512"`
	Synthetic      bool      `gorm:"not null;default:false"`
	OccurredAt     time.Time `gorm:"not null"`
}

func (OrderEventModel) TableName() string {
	return "saga_order_events"
}
