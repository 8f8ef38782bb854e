package port

import (
	"context"
	"time"

	"fulfillment/internal/service/order/domain"
)

// Notification 推送给实时订阅者的状态变化
type Notification struct {
	OrderID   string       `json:"orderId"`
	State     domain.State `json:"state"`
	Version   int64        `json:"version"`
	Reason    string       `json:"reason,omitempty"` // 触发迁移的事件带的失败原因
	Timestamp time.Time    `json:"timestamp"`
}

// Subscriber 实时订阅者。投递是尽力而为的，返回的错误只会被记录。
type Subscriber interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}
