package interfaces

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/order/application"
	"fulfillment/internal/service/order/domain"
)

// EventIngestor 由 application.Ingestor 实现
type EventIngestor interface {
	Ingest(ctx context.Context, ev domain.Event) (application.Outcome, error)
}

// ReplyConsumerAdapter 消费 order-saga-replies 上的伙伴回执，等 Ingestor 处理完再提交位点。
// 重复和非法迁移都算处理成功；解码失败、字段缺失、订单不存在的消息进死信；
// 存储故障、版本冲突、处理超时原地重试，回执不会丢。
type ReplyConsumerAdapter struct {
	*kafkaConsumer
	ingestor EventIngestor
}

func NewReplyConsumerAdapter(reader mq.MessageReader, ingestor EventIngestor, failure *mq.FailureHandler) *ReplyConsumerAdapter {
	a := &ReplyConsumerAdapter{ingestor: ingestor}
	a.kafkaConsumer = newKafkaConsumer("saga-replies", reader, a.processMessage, failure)
	return a
}

func (a *ReplyConsumerAdapter) processMessage(ctx context.Context, msg kafka.Message) error {
	var ev domain.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return unprocessable(errors.Wrap(err, "decode saga reply"))
	}
	if ev.OrderID == "" && len(msg.Key) > 0 {
		ev.OrderID = string(msg.Key)
	}
	// 回执没有带幂等键时退回到消息头里的幂等键
	if ev.IdempotencyKey == "" {
		ev.IdempotencyKey = mq.HeaderValue(msg.Headers, "idempotency-key")
	}
	// 外部回执一律视为真实回执
	ev.Synthetic = false

	outcome, err := a.ingestor.Ingest(ctx, ev)
	if err != nil {
		err = fmt.Errorf("ingest %s for order %s: %w", ev.Kind, ev.OrderID, err)
		if errors.Is(err, application.ErrInvalidEvent) || errors.Is(err, domain.ErrOrderNotFound) {
			return unprocessable(err)
		}
		return err
	}
	logger.Ctx(ctx).Debug().
		Str("order_id", ev.OrderID).
		Str("event_type", string(ev.Kind)).
		Str("outcome", outcome.String()).
		Msg("saga reply processed")
	return nil
}
