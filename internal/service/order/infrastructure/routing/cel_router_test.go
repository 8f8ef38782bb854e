package routing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment/internal/service/order/domain"
)

func TestCELRouter_DefaultRoutes(t *testing.T) {
	r, err := NewCELRouter(DefaultRoutes())
	require.NoError(t, err)

	cases := map[domain.CommandKind]string{
		domain.CommandAuthorizePayment: "credit-card",
		domain.CommandRefundPayment:    "credit-card",
		domain.CommandDispatchShipment: "logistics",
	}
	for kind, want := range cases {
		got, err := r.Route(domain.Command{Kind: kind, OrderID: "o-1"})
		require.NoError(t, err)
		assert.Equal(t, want, got, kind)
	}
}

func TestCELRouter_FirstMatchWins(t *testing.T) {
	r, err := NewCELRouter([]Route{
		{Name: "big-payments", When: `kind == "AUTHORIZE_PAYMENT" && amount >= 1000.0`, Partner: "credit-card-premium"},
		{Name: "payments", When: `kind == "AUTHORIZE_PAYMENT"`, Partner: "credit-card"},
	})
	require.NoError(t, err)

	got, err := r.Route(domain.Command{Kind: domain.CommandAuthorizePayment, Amount: decimal.NewFromInt(5000)})
	require.NoError(t, err)
	assert.Equal(t, "credit-card-premium", got)

	got, err = r.Route(domain.Command{Kind: domain.CommandAuthorizePayment, Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.Equal(t, "credit-card", got)
}

func TestCELRouter_NoRoute(t *testing.T) {
	r, err := NewCELRouter([]Route{{Name: "shipment", When: `kind == "DISPATCH_SHIPMENT"`, Partner: "logistics"}})
	require.NoError(t, err)

	_, err = r.Route(domain.Command{Kind: domain.CommandRefundPayment})
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestCELRouter_RejectsBadRules(t *testing.T) {
	_, err := NewCELRouter([]Route{{Name: "syntax", When: `kind ==`, Partner: "x"}})
	assert.Error(t, err)

	_, err = NewCELRouter([]Route{{Name: "not-bool", When: `orderId`, Partner: "x"}})
	assert.Error(t, err)

	_, err = NewCELRouter([]Route{{Name: "no-partner", When: `true`}})
	assert.Error(t, err)
}
