package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/pkg/resilience"
	"fulfillment/internal/service/order/domain"
)

// ShipmentItem 发货指令中的商品
type ShipmentItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// DispatchShipmentMessage 发往 logistics-commands 的消息体
type DispatchShipmentMessage struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	Items          []ShipmentItem `json:"items"`
	IdempotencyKey string         `json:"idempotencyKey"`
	CorrelationID  string         `json:"correlationId"`
}

// LogisticsKafkaAdapter 是物流服务的异步 Partner 实现：发布指令后立即返回，
// ShipmentDispatched / ShipmentFailed 回执经 order-saga-replies 主题回流。
type LogisticsKafkaAdapter struct {
	name   string
	writer mq.MessageWriter
}

func NewLogisticsKafkaAdapter(name string, writer mq.MessageWriter) *LogisticsKafkaAdapter {
	return &LogisticsKafkaAdapter{name: name, writer: writer}
}

func (a *LogisticsKafkaAdapter) Name() string { return a.name }

func (a *LogisticsKafkaAdapter) Send(ctx context.Context, cmd domain.Command) (*domain.Event, error) {
	if cmd.Kind != domain.CommandDispatchShipment {
		return nil, resilience.Permanent(fmt.Errorf("%s cannot handle command %s", a.name, cmd.Kind))
	}

	msg := DispatchShipmentMessage{
		Type:           string(cmd.Kind),
		OrderID:        cmd.OrderID,
		IdempotencyKey: cmd.IdempotencyKey(),
		CorrelationID:  cmd.CorrelationID,
	}
	for _, it := range cmd.Items {
		msg.Items = append(msg.Items, ShipmentItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("failed to marshal dispatch command: %w", err))
	}

	err = mq.ProduceMessage(ctx, a.writer, []byte(cmd.OrderID), payload,
		kafka.Header{Key: "idempotency-key", Value: []byte(cmd.IdempotencyKey())},
	)
	if err != nil {
		return nil, fmt.Errorf("publish dispatch command for order %s: %w", cmd.OrderID, err)
	}
	return nil, nil
}
