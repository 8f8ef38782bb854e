package domain

import (
	"context"
	"time"
)

// OrderRepository 订单聚合的持久化接口，由基础设施层实现
type OrderRepository interface {
	// Create 保存新订单，ID 已存在时返回错误
	Create(ctx context.Context, order *Order) error

	// Get 读取订单及其事件日志，不存在返回 ErrOrderNotFound
	Get(ctx context.Context, id string) (*Order, error)

	// Update 以 expectedVersion 为条件写入订单，并追加 newEvents。
	// 版本不匹配返回 ErrConcurrentModification；事件幂等键冲突返回 ErrDuplicateEvent。
	Update(ctx context.Context, order *Order, expectedVersion int64, newEvents []Event) error

	// ListActive 列出 updatedBefore 之前最后更新、仍处于非终态的订单
	ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]*Order, error)

	// ListStale 列出处于 state、updatedBefore 之前最后更新的订单，最早的在前
	ListStale(ctx context.Context, state State, updatedBefore time.Time, limit int) ([]*Order, error)
}
