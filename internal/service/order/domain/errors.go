package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOrder           = errors.New("invalid order")
	ErrIllegalTransition      = errors.New("illegal transition")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrOrderNotFound          = errors.New("order not found")
	ErrOrderAlreadyExists     = errors.New("order already exists")
	ErrDuplicateEvent         = errors.New("duplicate event")
	// ErrCompensationFailure 退款本身失败，订单停在 FAILED 等待人工处理
	ErrCompensationFailure = errors.New("compensation failure")
)

// InvalidOrderError 创建订单时的入参错误
type InvalidOrderError struct {
	Field  string
	Reason string
}

func NewInvalidOrderError(field, reason string) *InvalidOrderError {
	return &InvalidOrderError{Field: field, Reason: reason}
}

func (e *InvalidOrderError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrInvalidOrder, e.Reason)
	}
	return fmt.Sprintf("%s: %s %s", ErrInvalidOrder, e.Field, e.Reason)
}

func (e *InvalidOrderError) Unwrap() error { return ErrInvalidOrder }

// IllegalTransitionError 事件不适用于订单的当前状态
type IllegalTransitionError struct {
	OrderID string
	State   State
	Event   EventKind
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s: order %s in state %s cannot accept %s", ErrIllegalTransition, e.OrderID, e.State, e.Event)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }
