package infrastructure

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"fulfillment/internal/service/order/domain"
)

var terminalStates = []string{
	string(domain.StateCompleted),
	string(domain.StateCancelled),
	string(domain.StateFailed),
}

// GormOrderRepository 是 OrderRepository 的 GORM 实现，MySQL / PostgreSQL / SQLite 通用
type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

// AutoMigrate 建表
func (r *GormOrderRepository) AutoMigrate() error {
	return errors.Wrap(r.db.AutoMigrate(&OrderModel{}, &OrderEventModel{}), "auto migrate saga tables")
}

func (r *GormOrderRepository) Create(ctx context.Context, order *domain.Order) error {
	model, err := FromDomainOrder(order)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			if isDuplicateKey(err) {
				return domain.ErrOrderAlreadyExists
			}
			return errors.Wrapf(err, "create order %s", order.ID)
		}
		return insertEvents(tx, order.Events)
	})
}

func (r *GormOrderRepository) Get(ctx context.Context, id string) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, errors.Wrapf(err, "get order %s", id)
	}

	var events []OrderEventModel
	if err := r.db.WithContext(ctx).Where("order_id = ?", id).Order("id ASC").Find(&events).Error; err != nil {
		return nil, errors.Wrapf(err, "load events of order %s", id)
	}
	return ToDomainOrder(&model, events)
}

// Update 条件更新：WHERE id = ? AND version = ?，事件插入与之在同一事务中
func (r *GormOrderRepository) Update(ctx context.Context, order *domain.Order, expectedVersion int64, newEvents []domain.Event) error {
	model, err := FromDomainOrder(order)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&OrderModel{}).
			Where("id = ? AND version = ?", order.ID, expectedVersion).
			Updates(map[string]interface{}{
				"state":                   model.State,
				"version":                 model.Version,
				"payment_correlation_id":  model.PaymentCorrelationID,
				"shipment_correlation_id": model.ShipmentCorrelationID,
				"refund_correlation_id":   model.RefundCorrelationID,
				"transaction_id":          model.TransactionID,
				"tracking_id":             model.TrackingID,
				"failure_reason":          model.FailureReason,
				"updated_at":              model.UpdatedAt,
			})
		if res.Error != nil {
			return errors.Wrapf(res.Error, "update order %s", order.ID)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&OrderModel{}).Where("id = ?", order.ID).Count(&count).Error; err != nil {
				return errors.Wrapf(err, "check order %s", order.ID)
			}
			if count == 0 {
				return domain.ErrOrderNotFound
			}
			return domain.ErrConcurrentModification
		}
		return insertEvents(tx, newEvents)
	})
}

// ListActive 不加载事件日志，只用于巡检和恢复
func (r *GormOrderRepository) ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.Order, error) {
	q := r.db.WithContext(ctx).Where("state NOT IN ? AND updated_at < ?", terminalStates, updatedBefore)
	out, err := r.listOrders(q, limit)
	return out, errors.Wrap(err, "list active orders")
}

// ListStale 走 (state, updated_at) 索引，同样不加载事件日志
func (r *GormOrderRepository) ListStale(ctx context.Context, state domain.State, updatedBefore time.Time, limit int) ([]*domain.Order, error) {
	q := r.db.WithContext(ctx).Where("state = ? AND updated_at < ?", string(state), updatedBefore)
	out, err := r.listOrders(q, limit)
	return out, errors.Wrapf(err, "list stale %s orders", state)
}

func (r *GormOrderRepository) listOrders(q *gorm.DB, limit int) ([]*domain.Order, error) {
	q = q.Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []OrderModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.Order, 0, len(models))
	for i := range models {
		o, err := ToDomainOrder(&models[i], nil)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func insertEvents(tx *gorm.DB, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	models := make([]OrderEventModel, len(events))
	for i, e := range events {
		models[i] = FromDomainEvent(e)
	}
	if err := tx.Create(&models).Error; err != nil {
		if isDuplicateKey(err) {
			return domain.ErrDuplicateEvent
		}
		return errors.Wrap(err, "append order events")
	}
	return nil
}

// isDuplicateKey 开启 TranslateError 时驱动返回 gorm.ErrDuplicatedKey，否则按各方言的报错文本判断
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate entry") || // mysql
		strings.Contains(msg, "duplicate key value") || // postgres
		strings.Contains(msg, "unique constraint failed") // sqlite
}
