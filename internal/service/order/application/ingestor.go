package application

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/order/domain"
)

// ErrIngestorClosed Run 已经退出，不再接收事件
var ErrIngestorClosed = errors.New("ingestor closed")

type ingestResult struct {
	outcome Outcome
	err     error
}

type ingestJob struct {
	ctx    context.Context
	event  domain.Event
	result chan ingestResult // Submit 提交的任务为 nil
}

// IngestorConfig 分区数和每个分区的缓冲长度
type IngestorConfig struct {
	Partitions        int
	QueueSize         int
	ProcessingTimeout time.Duration
}

// Ingestor 按订单号分区串行处理事件：同一订单的事件严格按到达顺序处理，不同订单并行。
type Ingestor struct {
	pipeline   Handler
	partitions []chan ingestJob
	timeout    time.Duration
	metrics    *Metrics
	tracer     trace.Tracer

	done     chan struct{}
	doneOnce sync.Once
}

func NewIngestor(pipeline Handler, cfg IngestorConfig, metrics *Metrics) *Ingestor {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 16
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 10 * time.Second
	}
	in := &Ingestor{
		pipeline:   pipeline,
		partitions: make([]chan ingestJob, cfg.Partitions),
		timeout:    cfg.ProcessingTimeout,
		metrics:    metrics,
		tracer:     otel.Tracer("order-saga-ingestor"),
		done:       make(chan struct{}),
	}
	for i := range in.partitions {
		in.partitions[i] = make(chan ingestJob, cfg.QueueSize)
	}
	return in
}

func (in *Ingestor) partitionFor(orderID string) chan ingestJob {
	h := fnv.New32a()
	_, _ = h.Write([]byte(orderID))
	return in.partitions[h.Sum32()%uint32(len(in.partitions))]
}

// Run 启动所有分区的 worker，阻塞到 ctx 结束且 worker 全部退出
func (in *Ingestor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i, ch := range in.partitions {
		wg.Add(1)
		go func(partition int, ch chan ingestJob) {
			defer wg.Done()
			in.work(ctx, partition, ch)
		}(i, ch)
	}
	logger.L().Info().Int("partitions", len(in.partitions)).Msg("🚀 Event ingestor started")

	<-ctx.Done()
	in.doneOnce.Do(func() { close(in.done) })
	wg.Wait()
	logger.L().Info().Msg("Event ingestor stopped")
	return nil
}

func (in *Ingestor) work(ctx context.Context, partition int, ch chan ingestJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-ch:
			outcome, err := in.process(job)
			if job.result != nil {
				job.result <- ingestResult{outcome: outcome, err: err}
			} else if err != nil {
				logger.Ctx(job.ctx).Error().Err(err).
					Int("partition", partition).
					Str("order_id", job.event.OrderID).
					Str("event_type", string(job.event.Kind)).
					Msg("处理内部提交的事件失败")
			}
		}
	}
}

func (in *Ingestor) process(job ingestJob) (Outcome, error) {
	// 调用方可能已经返回，处理本身不应随之取消
	ctx, cancel := context.WithTimeout(context.WithoutCancel(job.ctx), in.timeout)
	defer cancel()

	ctx, span := in.tracer.Start(ctx, "ingestor.Process", trace.WithAttributes(
		attribute.String("order.id", job.event.OrderID),
		attribute.String("event.type", string(job.event.Kind)),
		attribute.String("event.idempotency_key", job.event.IdempotencyKey),
		attribute.Bool("event.synthetic", job.event.Synthetic),
	))
	defer span.End()

	ec := &EventContext{Ctx: ctx, Event: job.event}
	if err := in.pipeline.Handle(ec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "event processing failed")
		in.metrics.event("error")
		return 0, err
	}
	span.SetAttributes(attribute.String("event.outcome", ec.Outcome.String()))
	in.metrics.event(ec.Outcome.String())
	return ec.Outcome, nil
}

func (in *Ingestor) enqueue(ctx context.Context, job ingestJob) error {
	select {
	case <-in.done:
		return ErrIngestorClosed
	default:
	}
	select {
	case in.partitionFor(job.event.OrderID) <- job:
		return nil
	case <-in.done:
		return ErrIngestorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit 入队后立即返回，处理错误只记录日志。供分发器和超时巡检回灌事件使用。
func (in *Ingestor) Submit(ctx context.Context, ev domain.Event) error {
	return in.enqueue(ctx, ingestJob{ctx: ctx, event: ev})
}

// Ingest 入队并等待处理结果。Kafka 消费者据此决定是否提交位点。
func (in *Ingestor) Ingest(ctx context.Context, ev domain.Event) (Outcome, error) {
	result := make(chan ingestResult, 1)
	if err := in.enqueue(ctx, ingestJob{ctx: ctx, event: ev, result: result}); err != nil {
		return 0, err
	}
	select {
	case r := <-result:
		return r.outcome, r.err
	case <-in.done:
		return 0, ErrIngestorClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
