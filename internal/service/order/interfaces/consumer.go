package interfaces

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
)

// messageProcessor 处理一条消息。
// 用 unprocessable 包裹的错误表示消息本身无法处理，转投死信后提交；
// 其余错误视为瞬时故障（存储抖动、超时），原地退避重试，不提交位点。
type messageProcessor func(ctx context.Context, msg kafka.Message) error

// unprocessable 标记无论重试多少次都不会成功的消息
func unprocessable(err error) error {
	return backoff.Permanent(err)
}

// kafkaConsumer 拉取 -> 处理 -> 提交位点的通用消费循环
type kafkaConsumer struct {
	name       string
	reader     mq.MessageReader
	process    messageProcessor
	failure    *mq.FailureHandler // 为空时失败只记日志
	retryDelay time.Duration      // 首次重试间隔
	maxDelay   time.Duration
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func newKafkaConsumer(name string, reader mq.MessageReader, process messageProcessor, failure *mq.FailureHandler) *kafkaConsumer {
	return &kafkaConsumer{
		name:       name,
		reader:     reader,
		process:    process,
		failure:    failure,
		retryDelay: time.Second,
		maxDelay:   30 * time.Second,
	}
}

// Start 在后台开始消费，ctx 结束或 Stop 后退出
func (c *kafkaConsumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop(ctx)
	}()
	return nil
}

// Stop 打断正在进行的重试，关闭 reader 并等待消费循环退出
func (c *kafkaConsumer) Stop(ctx context.Context) {
	if c.cancel != nil {
		c.cancel()
	}
	if err := c.reader.Close(); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("consumer", c.name).Msg("close kafka reader failed")
	}
	c.wg.Wait()
	logger.Ctx(ctx).Info().Str("consumer", c.name).Msg("✅ Kafka consumer stopped.")
}

func (c *kafkaConsumer) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryDelay
	bo.MaxInterval = c.maxDelay
	bo.MaxElapsedTime = 0 // 一直重试到成功或停机
	bo.Reset()
	return bo
}

func (c *kafkaConsumer) loop(ctx context.Context) {
	topic := c.reader.Config().Topic
	logger.Ctx(ctx).Info().Str("consumer", c.name).Str("topic", topic).Msg("✅ Kafka consumer started.")
	for {
		// FetchMessage 而不是 ReadMessage：处理完成之后才提交位点
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				logger.Ctx(ctx).Info().Str("consumer", c.name).Msg("🛑 Kafka consumer shutting down.")
				return
			}
			logger.Ctx(ctx).Error().Err(err).Str("consumer", c.name).Msg("could not read message, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryDelay):
			}
			continue
		}

		if !c.handle(ctx, msg) {
			// 停机打断了处理，不提交，重启后重投
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("consumer", c.name).Msg("failed to commit message")
		}
	}
}

// handle 处理一条消息直到成功或确认无法处理。返回 false 表示被停机打断，不能提交。
func (c *kafkaConsumer) handle(ctx context.Context, msg kafka.Message) bool {
	msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
	bo := c.newBackOff()
	for attempt := 1; ; attempt++ {
		err := c.process(msgCtx, msg)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			c.deadLetter(msgCtx, msg, permanent.Err)
			return true
		}

		wait := bo.NextBackOff()
		logger.Ctx(msgCtx).Warn().Err(err).
			Str("consumer", c.name).
			Int64("offset", msg.Offset).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("message processing failed, retrying")
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

func (c *kafkaConsumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) {
	if c.failure != nil {
		c.failure.Handle(ctx, msg, cause)
		return
	}
	logger.Ctx(ctx).Error().Err(cause).Str("consumer", c.name).
		Int64("offset", msg.Offset).Msg("message cannot be processed, skipped")
}
