package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"fulfillment/internal/service/order/domain"
)

// MemoryOrderRepository 进程内实现，语义与 GORM 实现一致（版本检查、事件唯一键）
type MemoryOrderRepository struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
}

func NewMemoryOrderRepository() *MemoryOrderRepository {
	return &MemoryOrderRepository{orders: make(map[string]*domain.Order)}
}

func (r *MemoryOrderRepository) Create(_ context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.ID]; ok {
		return domain.ErrOrderAlreadyExists
	}
	r.orders[order.ID] = order.Clone()
	return nil
}

func (r *MemoryOrderRepository) Get(_ context.Context, id string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (r *MemoryOrderRepository) Update(_ context.Context, order *domain.Order, expectedVersion int64, newEvents []domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.orders[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if cur.Version != expectedVersion {
		return domain.ErrConcurrentModification
	}
	seen := make(map[string]struct{}, len(newEvents))
	for _, e := range newEvents {
		if _, dup := seen[e.IdempotencyKey]; dup || cur.HasEvent(e.IdempotencyKey) {
			return domain.ErrDuplicateEvent
		}
		seen[e.IdempotencyKey] = struct{}{}
	}

	next := order.Clone()
	next.Events = append(append([]domain.Event(nil), cur.Events...), newEvents...)
	r.orders[order.ID] = next
	return nil
}

func (r *MemoryOrderRepository) ListActive(_ context.Context, updatedBefore time.Time, limit int) ([]*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Order
	for _, o := range r.orders {
		if o.State.IsTerminal() || !o.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryOrderRepository) ListStale(_ context.Context, state domain.State, updatedBefore time.Time, limit int) ([]*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Order
	for _, o := range r.orders {
		if o.State != state || !o.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
