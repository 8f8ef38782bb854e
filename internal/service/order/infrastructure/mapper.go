package infrastructure

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"fulfillment/internal/service/order/domain"
)

type lineItemJSON struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

func encodeItems(items []domain.LineItem) (string, error) {
	out := make([]lineItemJSON, len(items))
	for i, it := range items {
		out[i] = lineItemJSON{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", errors.Wrap(err, "encode line items")
	}
	return string(b), nil
}

func decodeItems(raw string) ([]domain.LineItem, error) {
	if raw == "" {
		return nil, nil
	}
	var in []lineItemJSON
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, errors.Wrap(err, "decode line items")
	}
	out := make([]domain.LineItem, len(in))
	for i, it := range in {
		out[i] = domain.LineItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	return out, nil
}

// FromDomainOrder 领域模型 -> 数据库模型（不含事件）
func FromDomainOrder(o *domain.Order) (*OrderModel, error) {
	items, err := encodeItems(o.Items)
	if err != nil {
		return nil, err
	}
	return &OrderModel{
		ID:                    o.ID,
		State:                 string(o.State),
		Version:               o.Version,
		Items:                 items,
		Total:                 o.Total,
		PaymentCorrelationID:  o.PaymentCorrelationID,
		ShipmentCorrelationID: o.ShipmentCorrelationID,
		RefundCorrelationID:   o.RefundCorrelationID,
		TransactionID:         o.TransactionID,
		TrackingID:            o.TrackingID,
		FailureReason:         o.FailureReason,
		CreatedAt:             o.CreatedAt,
		UpdatedAt:             o.UpdatedAt,
	}, nil
}

// ToDomainOrder 数据库模型 -> 领域模型
func ToDomainOrder(m *OrderModel, events []OrderEventModel) (*domain.Order, error) {
	state := domain.State(m.State)
	if !state.IsValid() {
		return nil, errors.Errorf("order %s has unknown state %q", m.ID, m.State)
	}
	items, err := decodeItems(m.Items)
	if err != nil {
		return nil, errors.Wrapf(err, "order %s", m.ID)
	}
	o := &domain.Order{
		ID:                    m.ID,
		Items:                 items,
		Total:                 m.Total,
		State:                 state,
		Version:               m.Version,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
		PaymentCorrelationID:  m.PaymentCorrelationID,
		ShipmentCorrelationID: m.ShipmentCorrelationID,
		RefundCorrelationID:   m.RefundCorrelationID,
		TransactionID:         m.TransactionID,
		TrackingID:            m.TrackingID,
		FailureReason:         m.FailureReason,
	}
	for i := range events {
		o.Events = append(o.Events, ToDomainEvent(&events[i]))
	}
	return o, nil
}

func FromDomainEvent(e domain.Event) OrderEventModel {
	return OrderEventModel{
		OrderID:        e.OrderID,
		IdempotencyKey: e.IdempotencyKey,
		Kind:           string(e.Kind),
		CorrelationID:  e.CorrelationID,
		TransactionID:  e.TransactionID,
		TrackingID:     e.TrackingID,
		Reason:         e.Reason,
		Synthetic:      e.Synthetic,
		OccurredAt:     e.OccurredAt,
	}
}

func ToDomainEvent(m *OrderEventModel) domain.Event {
	return domain.Event{
		OrderID:        m.OrderID,
		Kind:           domain.EventKind(m.Kind),
		IdempotencyKey: m.IdempotencyKey,
		CorrelationID:  m.CorrelationID,
		TransactionID:  m.TransactionID,
		TrackingID:     m.TrackingID,
		Reason:         m.Reason,
		Synthetic:      m.Synthetic,
		OccurredAt:     m.OccurredAt,
	}
}
