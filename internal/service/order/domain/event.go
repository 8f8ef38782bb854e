package domain

import "time"

// EventKind 下游回执对应的领域事件类型
type EventKind string

const (
	EventPaymentAuthorized  EventKind = "PAYMENT_AUTHORIZED"
	EventPaymentDeclined    EventKind = "PAYMENT_DECLINED"
	EventShipmentDispatched EventKind = "SHIPMENT_DISPATCHED"
	EventShipmentFailed     EventKind = "SHIPMENT_FAILED"
	EventRefundConfirmed    EventKind = "REFUND_CONFIRMED"
	EventRefundFailed       EventKind = "REFUND_FAILED"
)

func (k EventKind) IsValid() bool {
	switch k {
	case EventPaymentAuthorized, EventPaymentDeclined, EventShipmentDispatched,
		EventShipmentFailed, EventRefundConfirmed, EventRefundFailed:
		return true
	}
	return false
}

// Synthetic failure reasons
const (
	ReasonCircuitOpen      = "circuit_open"
	ReasonBulkheadFull     = "bulkhead_full"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonPermanentError   = "permanent_error"
	ReasonNoRoute          = "no_route"
	ReasonTimeout          = "timeout"
)

// Event 是一次已经发生的业务事实，不可变。
// IdempotencyKey 对同一次逻辑发生唯一，(OrderID, IdempotencyKey) 用于去重。
type Event struct {
	OrderID        string    `json:"orderId"`
	Kind           EventKind `json:"type"`
	IdempotencyKey string    `json:"idempotencyKey"`
	CorrelationID  string    `json:"correlationId,omitempty"`
	TransactionID  string    `json:"transactionId,omitempty"`
	TrackingID     string    `json:"trackingId,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	// Synthetic 表示由基础设施失败转换而来，而不是下游真实回执
	Synthetic  bool      `json:"synthetic,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// IsFailure 是否是失败类事件
func (e Event) IsFailure() bool {
	switch e.Kind {
	case EventPaymentDeclined, EventShipmentFailed, EventRefundFailed:
		return true
	}
	return false
}
