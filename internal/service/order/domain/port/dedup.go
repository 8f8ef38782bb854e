package port

import "context"

// Deduper 跨实例的"最近见过"缓存，只用来提前挡掉重复事件。
// 事件日志上的唯一约束才是最终依据。
type Deduper interface {
	// Seen 判断 (orderId, key) 是否已经处理过
	Seen(ctx context.Context, orderID, key string) (bool, error)
	// Mark 标记 (orderId, key) 已处理
	Mark(ctx context.Context, orderID, key string) error
}
