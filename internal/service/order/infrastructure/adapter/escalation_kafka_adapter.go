package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

// EscalationKafkaAdapter 只关心进入 FAILED 的订单：退款补偿失败，钱已扣但货没发，
// 发布到告警主题交给值班人工处理
type EscalationKafkaAdapter struct {
	writer mq.MessageWriter
}

func NewEscalationKafkaAdapter(writer mq.MessageWriter) *EscalationKafkaAdapter {
	return &EscalationKafkaAdapter{writer: writer}
}

func (a *EscalationKafkaAdapter) Name() string { return "kafka-escalations" }

func (a *EscalationKafkaAdapter) Notify(ctx context.Context, n port.Notification) error {
	if n.State != domain.StateFailed {
		return nil
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation: %w", err)
	}
	// 下游按幂等键去重
	key := fmt.Sprintf("escalation:%s:%d", n.OrderID, n.Version)
	return mq.ProduceMessage(ctx, a.writer, []byte(n.OrderID), payload,
		kafka.Header{Key: "idempotency-key", Value: []byte(key)},
		kafka.Header{Key: "error", Value: []byte(domain.ErrCompensationFailure.Error())})
}
