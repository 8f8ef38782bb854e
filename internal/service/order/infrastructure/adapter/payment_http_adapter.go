package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fulfillment/internal/pkg/httpclient"
	"fulfillment/internal/pkg/resilience"
	"fulfillment/internal/service/order/domain"
)

const (
	authorizePath = "/api/v1/payments/authorize"
	refundPath    = "/api/v1/payments/refund"
)

type authorizeRequest struct {
	OrderID        string          `json:"orderId"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type refundRequest struct {
	OrderID        string          `json:"orderId"`
	TransactionID  string          `json:"transactionId"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type paymentResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
	Reason        string `json:"reason"`
}

// PaymentHTTPAdapter 是信用卡服务的同步 Partner 实现，回执随 HTTP 响应直接返回。
// 业务拒绝（DECLINED / FAILED）是正常回执，不是错误。
type PaymentHTTPAdapter struct {
	name    string
	service string // 服务发现中的服务名
	client  *httpclient.Client
	now     func() time.Time
}

func NewPaymentHTTPAdapter(name, service string, client *httpclient.Client) *PaymentHTTPAdapter {
	return &PaymentHTTPAdapter{name: name, service: service, client: client, now: time.Now}
}

func (a *PaymentHTTPAdapter) Name() string { return a.name }

func (a *PaymentHTTPAdapter) Send(ctx context.Context, cmd domain.Command) (*domain.Event, error) {
	headers := map[string]string{"Idempotency-Key": cmd.IdempotencyKey()}

	var resp paymentResponse
	switch cmd.Kind {
	case domain.CommandAuthorizePayment:
		req := authorizeRequest{OrderID: cmd.OrderID, Amount: cmd.Amount, IdempotencyKey: cmd.IdempotencyKey()}
		if err := a.client.PostJSON(ctx, a.service, authorizePath, headers, req, &resp); err != nil {
			return nil, err
		}
	case domain.CommandRefundPayment:
		req := refundRequest{
			OrderID: cmd.OrderID, TransactionID: cmd.TransactionID,
			Amount: cmd.Amount, IdempotencyKey: cmd.IdempotencyKey(),
		}
		if err := a.client.PostJSON(ctx, a.service, refundPath, headers, req, &resp); err != nil {
			return nil, err
		}
	default:
		return nil, resilience.Permanent(fmt.Errorf("%s cannot handle command %s", a.name, cmd.Kind))
	}

	kind, err := replyKind(cmd.Kind, resp.Status)
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	return &domain.Event{
		OrderID:        cmd.OrderID,
		Kind:           kind,
		IdempotencyKey: a.name + ":" + cmd.CorrelationID,
		CorrelationID:  cmd.CorrelationID,
		TransactionID:  resp.TransactionID,
		Reason:         resp.Reason,
		OccurredAt:     a.now(),
	}, nil
}

func replyKind(cmd domain.CommandKind, status string) (domain.EventKind, error) {
	switch {
	case cmd == domain.CommandAuthorizePayment && status == "AUTHORIZED":
		return domain.EventPaymentAuthorized, nil
	case cmd == domain.CommandAuthorizePayment && status == "DECLINED":
		return domain.EventPaymentDeclined, nil
	case cmd == domain.CommandRefundPayment && status == "REFUNDED":
		return domain.EventRefundConfirmed, nil
	case cmd == domain.CommandRefundPayment && status == "FAILED":
		return domain.EventRefundFailed, nil
	}
	return "", fmt.Errorf("unexpected payment status %q for %s", status, cmd)
}
