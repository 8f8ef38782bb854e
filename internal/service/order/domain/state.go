package domain

// State 订单生命周期状态
type State string

const (
	StateCreated            State = "CREATED"
	StatePaymentPending     State = "PAYMENT_PENDING"     // 已发出 AuthorizePayment，等待支付结果
	StatePaymentAuthorized  State = "PAYMENT_AUTHORIZED"  // 保留值，状态机直接进入 SHIPMENT_PENDING
	StatePaymentFailed      State = "PAYMENT_FAILED"      // 支付被拒，随后自动取消
	StateShipmentPending    State = "SHIPMENT_PENDING"    // 已发出 DispatchShipment，等待物流回执
	StateShipmentDispatched State = "SHIPMENT_DISPATCHED" // 保留值，状态机直接进入 COMPLETED
	StateShipmentFailed     State = "SHIPMENT_FAILED"     // 保留值，状态机直接进入 COMPENSATING
	StateCompleted          State = "COMPLETED"
	StateCancelled          State = "CANCELLED"
	StateCompensating       State = "COMPENSATING" // 已发出 RefundPayment，等待退款结果
	StateFailed             State = "FAILED"       // 补偿失败，需要人工介入
)

// IsTerminal 终态不再接受任何事件
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// IsValid 判断是否为已知状态（用于从存储中恢复）
func (s State) IsValid() bool {
	switch s {
	case StateCreated, StatePaymentPending, StatePaymentAuthorized, StatePaymentFailed,
		StateShipmentPending, StateShipmentDispatched, StateShipmentFailed,
		StateCompleted, StateCancelled, StateCompensating, StateFailed:
		return true
	}
	return false
}
