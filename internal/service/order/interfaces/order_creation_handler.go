// internal/service/order/interfaces/order_creation_handler.go
package interfaces

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/order/application"
	"fulfillment/internal/service/order/domain"
)

// OrderCreationConsumerAdapter 监听 order-creation-topic 并驱动应用服务创建订单。
// 消息体与 POST /orders 的请求体一致；带 orderId 的消息重投是幂等的。
type OrderCreationConsumerAdapter struct {
	*kafkaConsumer
	service OrderUseCase
}

func NewOrderCreationConsumerAdapter(reader mq.MessageReader, service OrderUseCase, failure *mq.FailureHandler) *OrderCreationConsumerAdapter {
	a := &OrderCreationConsumerAdapter{service: service}
	a.kafkaConsumer = newKafkaConsumer("order-creation", reader, a.processMessage, failure)
	return a
}

func (a *OrderCreationConsumerAdapter) processMessage(ctx context.Context, msg kafka.Message) error {
	var req application.CreateOrderRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return unprocessable(errors.Wrap(err, "decode order creation request"))
	}
	if req.OrderID == "" && len(msg.Key) > 0 {
		req.OrderID = string(msg.Key)
	}

	resp, err := a.service.CreateOrder(ctx, &req)
	if err != nil {
		err = errors.Wrapf(err, "create order %q", req.OrderID)
		if errors.Is(err, domain.ErrInvalidOrder) {
			return unprocessable(err)
		}
		return err
	}
	logger.Ctx(ctx).Info().Str("order_id", resp.OrderID).Str("state", string(resp.State)).Msg("order created from kafka")
	return nil
}
