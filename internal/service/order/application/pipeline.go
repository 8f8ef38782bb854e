package application

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

// ErrInvalidEvent 回执缺少必要字段，无法处理（会进入死信）
var ErrInvalidEvent = errors.New("invalid event")

// Outcome 一条事件的处理结果。重复和非法事件都算"已处理"，只有 error 需要重投或进死信。
type Outcome int

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeDuplicate
	OutcomeIllegal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIllegal:
		return "illegal"
	default:
		return "unknown"
	}
}

// EventContext 在处理链中传递的上下文
type EventContext struct {
	Ctx     context.Context
	Event   domain.Event
	Outcome Outcome
}

// Handler 事件处理链的一环
type Handler interface {
	SetNext(handler Handler) Handler
	Handle(ec *EventContext) error
}

type NextHandler struct {
	next Handler
}

func (h *NextHandler) SetNext(handler Handler) Handler {
	h.next = handler
	return handler
}

func (h *NextHandler) executeNext(ec *EventContext) error {
	if h.next != nil {
		return h.next.Handle(ec)
	}
	return nil
}

// ValidateHandler 拒绝缺少订单号、幂等键或类型未知的事件
type ValidateHandler struct {
	NextHandler
}

func (h *ValidateHandler) Handle(ec *EventContext) error {
	ev := ec.Event
	switch {
	case ev.OrderID == "":
		return fmt.Errorf("%w: missing orderId", ErrInvalidEvent)
	case ev.IdempotencyKey == "":
		return fmt.Errorf("%w: missing idempotencyKey", ErrInvalidEvent)
	case !ev.Kind.IsValid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Kind)
	}
	return h.executeNext(ec)
}

// RecentSeenHandler 进程内有界的最近处理集合，键为 (orderId, idempotencyKey)
type RecentSeenHandler struct {
	NextHandler
	cache *lru.Cache[string, struct{}]
}

func NewRecentSeenHandler(size int) (*RecentSeenHandler, error) {
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &RecentSeenHandler{cache: cache}, nil
}

func recentKey(ev domain.Event) string {
	return ev.OrderID + "\x00" + ev.IdempotencyKey
}

func (h *RecentSeenHandler) Handle(ec *EventContext) error {
	key := recentKey(ec.Event)
	if h.cache.Contains(key) {
		ec.Outcome = OutcomeDuplicate
		return nil
	}
	if err := h.executeNext(ec); err != nil {
		return err
	}
	if ec.Outcome == OutcomeApplied || ec.Outcome == OutcomeDuplicate {
		h.cache.Add(key, struct{}{})
	}
	return nil
}

// SharedDedupHandler 跨实例的去重缓存。缓存不可用时直接放行，由事件日志兜底。
type SharedDedupHandler struct {
	NextHandler
	deduper port.Deduper
}

func NewSharedDedupHandler(deduper port.Deduper) *SharedDedupHandler {
	return &SharedDedupHandler{deduper: deduper}
}

func (h *SharedDedupHandler) Handle(ec *EventContext) error {
	ev := ec.Event
	seen, err := h.deduper.Seen(ec.Ctx, ev.OrderID, ev.IdempotencyKey)
	if err != nil {
		logger.Ctx(ec.Ctx).Warn().Err(err).Msg("shared dedup lookup failed, falling back to event log")
	} else if seen {
		ec.Outcome = OutcomeDuplicate
		return nil
	}

	if err := h.executeNext(ec); err != nil {
		return err
	}
	if ec.Outcome == OutcomeApplied || ec.Outcome == OutcomeDuplicate {
		if err := h.deduper.Mark(ec.Ctx, ev.OrderID, ev.IdempotencyKey); err != nil {
			logger.Ctx(ec.Ctx).Warn().Err(err).Msg("shared dedup mark failed")
		}
	}
	return nil
}

// EventApplier 由 OrderService 实现
type EventApplier interface {
	ApplyEvent(ctx context.Context, ev domain.Event) (Outcome, error)
}

// ApplyHandler 链的最后一环：交给状态机并持久化
type ApplyHandler struct {
	NextHandler
	applier EventApplier
}

func (h *ApplyHandler) Handle(ec *EventContext) error {
	outcome, err := h.applier.ApplyEvent(ec.Ctx, ec.Event)
	if err != nil {
		return err
	}
	ec.Outcome = outcome
	return h.executeNext(ec)
}

// BuildPipeline 校验 -> 进程内去重 -> 跨实例去重（可选）-> 应用
func BuildPipeline(applier EventApplier, recentSize int, deduper port.Deduper) (Handler, error) {
	head := &ValidateHandler{}
	recent, err := NewRecentSeenHandler(recentSize)
	if err != nil {
		return nil, err
	}
	tail := head.SetNext(recent)
	if deduper != nil {
		tail = tail.SetNext(NewSharedDedupHandler(deduper))
	}
	tail.SetNext(&ApplyHandler{applier: applier})
	return head, nil
}
