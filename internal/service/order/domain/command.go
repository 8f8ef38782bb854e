package domain

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CommandKind 状态机发往外部的指令类型
type CommandKind string

const (
	CommandAuthorizePayment CommandKind = "AUTHORIZE_PAYMENT"
	CommandDispatchShipment CommandKind = "DISPATCH_SHIPMENT"
	CommandRefundPayment    CommandKind = "REFUND_PAYMENT"
)

// correlationNamespace 是 UUIDv5 关联 ID 的命名空间，不能修改，否则重启后重发的指令无法被下游识别
var correlationNamespace = uuid.MustParse("6f1c3a52-8d0e-5b7e-9c41-2a7d9e0b4f13")

// CorrelationID 由 (orderId, kind, epoch) 确定性生成。同一条逻辑指令重发时 ID 不变。
func CorrelationID(orderID string, kind CommandKind, epoch int64) string {
	name := fmt.Sprintf("%s/%s/%d", orderID, kind, epoch)
	return uuid.NewSHA1(correlationNamespace, []byte(name)).String()
}

// Command 是一条待发送的指令。Epoch 是发出指令时订单的版本号。
type Command struct {
	Kind          CommandKind
	OrderID       string
	CorrelationID string
	Epoch         int64
	Amount        decimal.Decimal
	Items         []LineItem
	TransactionID string
}

// IdempotencyKey 下游用于去重的键，就是关联 ID
func (c Command) IdempotencyKey() string {
	return c.CorrelationID
}

func newCommand(kind CommandKind, o *Order, epoch int64) Command {
	return Command{
		Kind:          kind,
		OrderID:       o.ID,
		CorrelationID: CorrelationID(o.ID, kind, epoch),
		Epoch:         epoch,
	}
}
