package domain

import (
	"fmt"
	"time"
)

// Decision 是状态机的输出：下一个状态、要应用的事件和要发出的指令。
// 状态机本身不做任何 I/O，也不修改传入的订单。
type Decision struct {
	From     State
	Next     State
	Event    *Event // 无事件迁移（启动、自动取消）时为 nil
	Commands []Command
}

// Start CREATED -> PAYMENT_PENDING，发出 AuthorizePayment
func Start(o *Order) (Decision, error) {
	if o.State != StateCreated {
		return Decision{}, &IllegalTransitionError{OrderID: o.ID, State: o.State, Event: "START"}
	}
	cmd := newCommand(CommandAuthorizePayment, o, o.Version+1)
	cmd.Amount = o.Total
	return Decision{
		From:     o.State,
		Next:     StatePaymentPending,
		Commands: []Command{cmd},
	}, nil
}

// Transition 根据当前状态和事件计算决策
//
//	PAYMENT_PENDING  + PAYMENT_AUTHORIZED  -> SHIPMENT_PENDING  (DispatchShipment)
//	PAYMENT_PENDING  + PAYMENT_DECLINED    -> PAYMENT_FAILED
//	SHIPMENT_PENDING + SHIPMENT_DISPATCHED -> COMPLETED
//	SHIPMENT_PENDING + SHIPMENT_FAILED     -> COMPENSATING      (RefundPayment)
//	COMPENSATING     + REFUND_CONFIRMED    -> CANCELLED
//	COMPENSATING     + REFUND_FAILED       -> FAILED
func Transition(o *Order, ev Event) (Decision, error) {
	illegal := &IllegalTransitionError{OrderID: o.ID, State: o.State, Event: ev.Kind}
	if ev.OrderID != o.ID {
		return Decision{}, fmt.Errorf("%w (event for order %s)", illegal, ev.OrderID)
	}

	d := Decision{From: o.State, Event: &ev}
	epoch := o.Version + 1

	switch o.State {
	case StatePaymentPending:
		switch ev.Kind {
		case EventPaymentAuthorized:
			cmd := newCommand(CommandDispatchShipment, o, epoch)
			cmd.Items = append([]LineItem(nil), o.Items...)
			cmd.TransactionID = ev.TransactionID
			d.Next = StateShipmentPending
			d.Commands = []Command{cmd}
			return d, nil
		case EventPaymentDeclined:
			d.Next = StatePaymentFailed
			return d, nil
		}
	case StateShipmentPending:
		switch ev.Kind {
		case EventShipmentDispatched:
			d.Next = StateCompleted
			return d, nil
		case EventShipmentFailed:
			cmd := newCommand(CommandRefundPayment, o, epoch)
			cmd.Amount = o.Total
			cmd.TransactionID = o.TransactionID
			d.Next = StateCompensating
			d.Commands = []Command{cmd}
			return d, nil
		}
	case StateCompensating:
		switch ev.Kind {
		case EventRefundConfirmed:
			d.Next = StateCancelled
			return d, nil
		case EventRefundFailed:
			d.Next = StateFailed
			return d, nil
		}
	}
	return Decision{}, illegal
}

// Settle 返回无事件的后续迁移。目前只有 PAYMENT_FAILED -> CANCELLED。
func Settle(o *Order) (Decision, bool) {
	if o.State == StatePaymentFailed {
		return Decision{From: o.State, Next: StateCancelled}, true
	}
	return Decision{}, false
}

// PendingCommands 非终态订单正在等待回执的那条指令，使用原关联 ID 重建，用于重启恢复
func PendingCommands(o *Order) []Command {
	switch o.State {
	case StatePaymentPending:
		return []Command{{
			Kind:          CommandAuthorizePayment,
			OrderID:       o.ID,
			CorrelationID: correlationOr(o.PaymentCorrelationID, o, CommandAuthorizePayment),
			Epoch:         o.Version,
			Amount:        o.Total,
		}}
	case StateShipmentPending:
		return []Command{{
			Kind:          CommandDispatchShipment,
			OrderID:       o.ID,
			CorrelationID: correlationOr(o.ShipmentCorrelationID, o, CommandDispatchShipment),
			Epoch:         o.Version,
			Items:         append([]LineItem(nil), o.Items...),
			TransactionID: o.TransactionID,
		}}
	case StateCompensating:
		return []Command{{
			Kind:          CommandRefundPayment,
			OrderID:       o.ID,
			CorrelationID: correlationOr(o.RefundCorrelationID, o, CommandRefundPayment),
			Epoch:         o.Version,
			Amount:        o.Total,
			TransactionID: o.TransactionID,
		}}
	}
	return nil
}

func correlationOr(stored string, o *Order, kind CommandKind) string {
	if stored != "" {
		return stored
	}
	return CorrelationID(o.ID, kind, o.Version)
}

// FailureEventFor 把一次下发失败转换成对应的领域失败事件。
// 幂等键由关联 ID 派生，同一条指令的多次失败只会生效一次。
func FailureEventFor(cmd Command, reason string, now time.Time) Event {
	ev := Event{
		OrderID:        cmd.OrderID,
		IdempotencyKey: "dispatch-failure:" + cmd.CorrelationID,
		CorrelationID:  cmd.CorrelationID,
		Reason:         reason,
		Synthetic:      true,
		OccurredAt:     now,
	}
	switch cmd.Kind {
	case CommandAuthorizePayment:
		ev.Kind = EventPaymentDeclined
	case CommandDispatchShipment:
		ev.Kind = EventShipmentFailed
	case CommandRefundPayment:
		ev.Kind = EventRefundFailed
	}
	return ev
}

// TimeoutEventFor 等待回执超时的订单对应的失败事件，幂等键为 timeout:<orderId>:<version>
func TimeoutEventFor(o *Order, now time.Time) (Event, bool) {
	var kind EventKind
	var correlationID string
	switch o.State {
	case StatePaymentPending:
		kind, correlationID = EventPaymentDeclined, o.PaymentCorrelationID
	case StateShipmentPending:
		kind, correlationID = EventShipmentFailed, o.ShipmentCorrelationID
	case StateCompensating:
		kind, correlationID = EventRefundFailed, o.RefundCorrelationID
	default:
		return Event{}, false
	}
	return Event{
		OrderID:        o.ID,
		Kind:           kind,
		IdempotencyKey: fmt.Sprintf("timeout:%s:%d", o.ID, o.Version),
		CorrelationID:  correlationID,
		Reason:         ReasonTimeout,
		Synthetic:      true,
		OccurredAt:     now,
	}, true
}
