package application

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/resilience"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

// EngineDeps 组装 saga 引擎所需的全部依赖，Deduper 和 Locker 可以为空
type EngineDeps struct {
	Repo     domain.OrderRepository
	Router   port.Router
	Partners []port.Partner
	Guards   *resilience.Registry
	Deduper  port.Deduper
	Locker   port.Locker
	Tracer   trace.Tracer
	Metrics  *Metrics

	Ingestor       IngestorConfig
	RecentSeenSize int
	FanoutBuffer   int
	FanoutTimeout  time.Duration
	Timeouts       TimeoutConfig
	SweepSchedule  string
}

// Engine 是装配好的 saga 引擎
type Engine struct {
	Service    *OrderService
	Ingestor   *Ingestor
	Dispatcher *Dispatcher
	Fanout     *Fanout
	Watchdog   *Watchdog
}

func NewEngine(deps EngineDeps) (*Engine, error) {
	fanout := NewFanout(deps.FanoutBuffer, deps.FanoutTimeout, deps.Metrics)
	svc := NewOrderService(deps.Repo, deps.Tracer, fanout, deps.Metrics)

	pipeline, err := BuildPipeline(svc, deps.RecentSeenSize, deps.Deduper)
	if err != nil {
		return nil, err
	}
	ingestor := NewIngestor(pipeline, deps.Ingestor, deps.Metrics)
	dispatcher := NewDispatcher(deps.Router, deps.Partners, deps.Guards, ingestor, deps.Metrics)
	svc.SetDispatcher(dispatcher)

	return &Engine{
		Service:    svc,
		Ingestor:   ingestor,
		Dispatcher: dispatcher,
		Fanout:     fanout,
		Watchdog:   NewWatchdog(deps.Repo, ingestor, deps.Timeouts, deps.SweepSchedule, deps.Locker, deps.Metrics),
	}, nil
}

// Run 启动事件处理和超时巡检，然后恢复在途订单。ctx 结束后关闭分发器和推送。
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Ingestor.Run(gctx) })
	g.Go(func() error { return e.Watchdog.Run(gctx) })

	if err := e.Service.Resume(gctx); err != nil {
		logger.L().Error().Err(err).Msg("启动恢复失败，等待超时巡检兜底")
	}

	err := g.Wait()
	e.Dispatcher.Close()
	e.Fanout.Close()
	return err
}
