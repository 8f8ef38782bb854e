package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/resilience"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

// ErrUnknownPartner 路由结果没有对应的伙伴实现
var ErrUnknownPartner = errors.New("unknown partner")

// EventSink 回执事件的去处，由 Ingestor 实现
type EventSink interface {
	Submit(ctx context.Context, ev domain.Event) error
}

// Dispatcher 把状态机发出的指令交给伙伴。
// 每条指令一个 goroutine，调用包在该伙伴的 Guard 里；同步回执和失败都转成事件回灌给 Ingestor。
type Dispatcher struct {
	router   port.Router
	partners map[string]port.Partner
	guards   *resilience.Registry
	sink     EventSink
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(router port.Router, partners []port.Partner, guards *resilience.Registry, sink EventSink, metrics *Metrics) *Dispatcher {
	base, cancel := context.WithCancel(context.Background())
	byName := make(map[string]port.Partner, len(partners))
	for _, p := range partners {
		byName[p.Name()] = p
	}
	return &Dispatcher{
		router:   router,
		partners: byName,
		guards:   guards,
		sink:     sink,
		metrics:  metrics,
		tracer:   otel.Tracer("order-saga-dispatcher"),
		now:      time.Now,
		base:     base,
		cancel:   cancel,
	}
}

// Dispatch 异步下发指令，立即返回。
// 下发脱离调用方的 ctx，只保留链路信息，请求结束不会中断下发。
func (d *Dispatcher) Dispatch(ctx context.Context, cmds []domain.Command) {
	if len(cmds) == 0 {
		return
	}
	spanCtx := trace.SpanContextFromContext(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		// 重启后由 Resume 重新下发
		logger.Ctx(ctx).Warn().Int("commands", len(cmds)).Msg("dispatcher closed, commands left for recovery")
		return
	}
	for _, cmd := range cmds {
		d.wg.Add(1)
		go func(cmd domain.Command) {
			defer d.wg.Done()
			d.send(trace.ContextWithSpanContext(d.base, spanCtx), cmd)
		}(cmd)
	}
}

func (d *Dispatcher) send(ctx context.Context, cmd domain.Command) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Send", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("order.id", cmd.OrderID),
			attribute.String("command.kind", string(cmd.Kind)),
			attribute.String("command.correlation_id", cmd.CorrelationID),
		))
	defer span.End()
	ctx = logger.WithOrder(ctx, cmd.OrderID)
	log := logger.Ctx(ctx)

	partnerName, err := d.router.Route(cmd)
	if err == nil {
		if _, ok := d.partners[partnerName]; !ok {
			err = fmt.Errorf("%w: %q", ErrUnknownPartner, partnerName)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no route")
		d.fail(ctx, cmd, domain.ReasonNoRoute, err)
		return
	}
	span.SetAttributes(attribute.String("partner", partnerName))
	partner := d.partners[partnerName]

	var reply *domain.Event
	err = d.guards.Get(partnerName).Execute(ctx, func(ctx context.Context) error {
		ev, err := partner.Send(ctx, cmd)
		if err != nil {
			return err
		}
		reply = ev
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		if d.base.Err() != nil {
			log.Info().Str("command", string(cmd.Kind)).Msg("停机中断了下发，重启后恢复")
			return
		}
		d.fail(ctx, cmd, reasonFor(err), err)
		return
	}

	log.Debug().Str("command", string(cmd.Kind)).Str("partner", partnerName).Msg("✅ 指令已下发")
	if reply == nil {
		return
	}
	if err := d.sink.Submit(ctx, *reply); err != nil {
		log.Error().Err(err).Str("event_type", string(reply.Kind)).Msg("回执事件回灌失败")
	}
}

// fail 把下发失败转成领域失败事件，失败永远不会被静默丢弃
func (d *Dispatcher) fail(ctx context.Context, cmd domain.Command, reason string, cause error) {
	d.metrics.dispatchFailure(string(cmd.Kind), reason)
	ev := domain.FailureEventFor(cmd, reason, d.now())
	logger.Ctx(ctx).Warn().Err(cause).
		Str("command", string(cmd.Kind)).
		Str("reason", reason).
		Msg("⚠️ 指令下发失败，转换为失败事件")
	if err := d.sink.Submit(ctx, ev); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("失败事件回灌失败，等待超时巡检兜底")
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return domain.ReasonCircuitOpen
	case errors.Is(err, resilience.ErrBulkheadFull):
		return domain.ReasonBulkheadFull
	case resilience.IsPermanent(err):
		return domain.ReasonPermanentError
	default:
		return domain.ReasonRetriesExhausted
	}
}

// Wait 等待所有在途的下发结束
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close 拒绝新的下发，取消在途调用并等待它们退出
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}
