// internal/service/order/application/service.go
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

// CommandDispatcher 由 Dispatcher 实现
type CommandDispatcher interface {
	Dispatch(ctx context.Context, cmds []domain.Command)
}

// NotificationPublisher 由 Fanout 实现
type NotificationPublisher interface {
	Publish(ctx context.Context, n port.Notification)
}

const defaultConflictRetries = 5

// OrderService 编排订单 saga：持久化、状态迁移、通知和指令下发。
// 它本身不保存任何订单状态，所有状态都在仓储里。
type OrderService struct {
	repo       domain.OrderRepository
	tracer     trace.Tracer
	dispatcher CommandDispatcher
	notifier   NotificationPublisher
	metrics    *Metrics
	now        func() time.Time

	conflictRetries int
	recoveryBatch   int
}

func NewOrderService(repo domain.OrderRepository, tracer trace.Tracer, notifier NotificationPublisher, metrics *Metrics) *OrderService {
	return &OrderService{
		repo:            repo,
		tracer:          tracer,
		notifier:        notifier,
		metrics:         metrics,
		now:             func() time.Time { return time.Now().UTC() },
		conflictRetries: defaultConflictRetries,
		recoveryBatch:   1000,
	}
}

// SetDispatcher 分发器依赖 Ingestor，Ingestor 又依赖本服务，只能在构造后注入
func (s *OrderService) SetDispatcher(d CommandDispatcher) {
	s.dispatcher = d
}

// CreateOrder 创建订单并发出支付授权，不等待任何下游结果。
// 带着已存在的订单号重复提交时返回该订单当前状态，不会再次下发。
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.CreateOrder")
	defer span.End()

	id := req.OrderID
	if id == "" {
		id = uuid.NewString()
	}
	span.SetAttributes(attribute.String("order.id", id))
	ctx = logger.WithOrder(ctx, id)

	now := s.now()
	o, err := domain.NewOrder(id, req.lineItems(), now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid order")
		return nil, err
	}
	d, err := domain.Start(o)
	if err != nil {
		return nil, err
	}
	o.Apply(d, now)

	if err := s.repo.Create(ctx, o); err != nil {
		if errors.Is(err, domain.ErrOrderAlreadyExists) {
			existing, getErr := s.repo.Get(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			logger.Ctx(ctx).Info().Msg("订单已存在，忽略重复创建")
			return &CreateOrderResponse{OrderID: existing.ID, State: existing.State}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save order")
		return nil, fmt.Errorf("create order %s: %w", id, err)
	}

	s.metrics.orderCreated()
	logger.Ctx(ctx).Info().Str("total", o.Total.StringFixed(2)).Int("items", len(o.Items)).Msg("📦 订单已创建，等待支付授权")
	s.afterCommit(ctx, o.ID, 0, []domain.Decision{d}, now)

	return &CreateOrderResponse{OrderID: o.ID, State: o.State}, nil
}

// GetOrder 查询订单及其事件日志
func (s *OrderService) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "app.GetOrder", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()
	return s.repo.Get(ctx, id)
}

// ApplyEvent 把一条事件应用到订单上。
// 版本冲突时重新读取、重新计算整个迁移，最多 conflictRetries 次。
func (s *OrderService) ApplyEvent(ctx context.Context, ev domain.Event) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "app.ApplyEvent", trace.WithAttributes(
		attribute.String("order.id", ev.OrderID),
		attribute.String("event.type", string(ev.Kind)),
	))
	defer span.End()
	ctx = logger.WithOrder(ctx, ev.OrderID)
	log := logger.Ctx(ctx)

	for attempt := 1; ; attempt++ {
		current, err := s.repo.Get(ctx, ev.OrderID)
		if err != nil {
			span.RecordError(err)
			return 0, err
		}
		if current.HasEvent(ev.IdempotencyKey) {
			log.Debug().Str("idempotency_key", ev.IdempotencyKey).Msg("重复事件，已忽略")
			return OutcomeDuplicate, nil
		}

		d, err := domain.Transition(current, ev)
		if errors.Is(err, domain.ErrIllegalTransition) {
			log.Warn().Err(err).Str("idempotency_key", ev.IdempotencyKey).Msg("非法迁移，事件已丢弃")
			return OutcomeIllegal, nil
		}
		if err != nil {
			return 0, err
		}

		now := s.now()
		next := current.Clone()
		next.Apply(d, now)
		decisions := []domain.Decision{d}
		for {
			follow, ok := domain.Settle(next)
			if !ok {
				break
			}
			next.Apply(follow, now)
			decisions = append(decisions, follow)
		}

		err = s.repo.Update(ctx, next, current.Version, []domain.Event{ev})
		switch {
		case err == nil:
			s.afterCommit(ctx, next.ID, current.Version, decisions, now)
			return OutcomeApplied, nil
		case errors.Is(err, domain.ErrDuplicateEvent):
			return OutcomeDuplicate, nil
		case errors.Is(err, domain.ErrConcurrentModification) && attempt < s.conflictRetries:
			log.Debug().Int("attempt", attempt).Msg("版本冲突，重新读取后重试")
			continue
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to persist transition")
			return 0, fmt.Errorf("apply %s to order %s: %w", ev.Kind, ev.OrderID, err)
		}
	}
}

// afterCommit 只在持久化成功之后执行：记指标、推送通知、下发指令
func (s *OrderService) afterCommit(ctx context.Context, orderID string, baseVersion int64, decisions []domain.Decision, now time.Time) {
	log := logger.Ctx(ctx)
	var cmds []domain.Command
	for i, d := range decisions {
		version := baseVersion + int64(i) + 1
		s.metrics.transition(string(d.From), string(d.Next))
		log.Info().Str("from", string(d.From)).Str("to", string(d.Next)).Int64("version", version).Msg("状态迁移")
		if s.notifier != nil {
			n := port.Notification{OrderID: orderID, State: d.Next, Version: version, Timestamp: now}
			if d.Event != nil {
				n.Reason = d.Event.Reason
			}
			s.notifier.Publish(ctx, n)
		}
		cmds = append(cmds, d.Commands...)

		if d.Next == domain.StateFailed {
			log.Error().Err(domain.ErrCompensationFailure).Msg("🚨 退款补偿失败，需要人工介入")
		}
	}
	if len(cmds) > 0 && s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, cmds)
	}
}

// Resume 重启恢复：对每个非终态订单，用原关联 ID 重新下发它正在等待的指令。
// 下游按幂等键去重，重复下发是安全的。
func (s *OrderService) Resume(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "app.Resume")
	defer span.End()

	orders, err := s.repo.ListActive(ctx, s.now(), s.recoveryBatch)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("list active orders: %w", err)
	}
	resumed := 0
	for _, o := range orders {
		cmds := domain.PendingCommands(o)
		if len(cmds) == 0 || s.dispatcher == nil {
			continue
		}
		s.dispatcher.Dispatch(logger.WithOrder(ctx, o.ID), cmds)
		resumed++
	}
	span.SetAttributes(attribute.Int("orders.resumed", resumed))
	logger.Ctx(ctx).Info().Int("orders", resumed).Msg("♻️ 在途订单已恢复下发")
	return nil
}
