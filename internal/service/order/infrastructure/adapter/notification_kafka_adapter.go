package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/order/domain/port"
)

// StateChangeKafkaAdapter 是一个 port.Subscriber，把每次状态变化发布到 order-state-changes，
// 供下游的通知、BI 等系统消费
type StateChangeKafkaAdapter struct {
	writer mq.MessageWriter
}

func NewStateChangeKafkaAdapter(writer mq.MessageWriter) *StateChangeKafkaAdapter {
	return &StateChangeKafkaAdapter{writer: writer}
}

func (a *StateChangeKafkaAdapter) Name() string { return "kafka-state-changes" }

func (a *StateChangeKafkaAdapter) Notify(ctx context.Context, n port.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal state change: %w", err)
	}
	return mq.ProduceMessage(ctx, a.writer, []byte(n.OrderID), payload)
}
