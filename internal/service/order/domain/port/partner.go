package port

import (
	"context"

	"fulfillment/internal/service/order/domain"
)

// Partner 是下游服务的出站端口。
// 无论底层是同步 HTTP 调用还是异步发布消息，都通过 Send 下发指令：
// 同步伙伴直接返回回执事件；异步伙伴返回 nil，回执稍后经由消息回流到 Ingestor。
type Partner interface {
	Name() string
	Send(ctx context.Context, cmd domain.Command) (*domain.Event, error)
}

// Router 决定一条指令由哪个伙伴处理
type Router interface {
	Route(cmd domain.Command) (string, error)
}
