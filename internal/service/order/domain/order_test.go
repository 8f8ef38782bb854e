package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func items(prices ...string) []LineItem {
	out := make([]LineItem, 0, len(prices))
	for i, p := range prices {
		out = append(out, LineItem{
			ProductID: "sku-" + string(rune('a'+i)),
			Quantity:  1,
			UnitPrice: decimal.RequireFromString(p),
		})
	}
	return out
}

func TestNewOrder(t *testing.T) {
	t.Run("computes total", func(t *testing.T) {
		o, err := NewOrder("o-1", []LineItem{
			{ProductID: "sku-a", Quantity: 2, UnitPrice: decimal.RequireFromString("25.50")},
			{ProductID: "sku-b", Quantity: 1, UnitPrice: decimal.RequireFromString("49.00")},
		}, t0)
		require.NoError(t, err)

		assert.True(t, decimal.RequireFromString("100.00").Equal(o.Total))
		assert.Equal(t, StateCreated, o.State)
		assert.Equal(t, int64(0), o.Version)
		assert.Equal(t, t0, o.CreatedAt)
	})

	cases := []struct {
		name  string
		items []LineItem
		field string
	}{
		{"empty items", nil, "items"},
		{"zero quantity", []LineItem{{ProductID: "sku-a", Quantity: 0, UnitPrice: decimal.NewFromInt(1)}}, "quantity"},
		{"negative quantity", []LineItem{{ProductID: "sku-a", Quantity: -1, UnitPrice: decimal.NewFromInt(1)}}, "quantity"},
		{"missing product", []LineItem{{Quantity: 1, UnitPrice: decimal.NewFromInt(1)}}, "productId"},
		{"negative price", []LineItem{{ProductID: "sku-a", Quantity: 1, UnitPrice: decimal.NewFromInt(-1)}}, "unitPrice"},
		{"sub-cent price", items("0.999"), "unitPrice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o, err := NewOrder("o-1", tc.items, t0)
			assert.Nil(t, o)
			require.ErrorIs(t, err, ErrInvalidOrder)

			var ioe *InvalidOrderError
			require.ErrorAs(t, err, &ioe)
			assert.Equal(t, tc.field, ioe.Field)
		})
	}
}

func TestNewOrder_AcceptsTrailingZerosBeyondCents(t *testing.T) {
	o, err := NewOrder("o-1", items("19.990", "0.010"), t0)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("20.00").Equal(o.Total))
	assert.True(t, o.Total.Equal(o.Total.Round(MoneyScale)), "总额能无损存入 decimal(18,2)")
}

func TestOrder_TotalIsDetachedFromInput(t *testing.T) {
	in := items("10.00")
	o, err := NewOrder("o-1", in, t0)
	require.NoError(t, err)

	in[0].UnitPrice = decimal.NewFromInt(999)
	assert.True(t, decimal.RequireFromString("10.00").Equal(o.Items[0].UnitPrice))
	assert.True(t, decimal.RequireFromString("10.00").Equal(o.Total))
}

func TestOrder_ApplyIncrementsVersionOnce(t *testing.T) {
	o, err := NewOrder("o-1", items("100.00"), t0)
	require.NoError(t, err)

	d, err := Start(o)
	require.NoError(t, err)
	o.Apply(d, t0.Add(time.Second))

	assert.Equal(t, StatePaymentPending, o.State)
	assert.Equal(t, int64(1), o.Version)
	assert.Empty(t, o.Events, "启动迁移没有事件")
	assert.Equal(t, d.Commands[0].CorrelationID, o.PaymentCorrelationID)
	assert.Equal(t, t0.Add(time.Second), o.UpdatedAt)
}

func TestOrder_CloneIsIndependent(t *testing.T) {
	o, err := NewOrder("o-1", items("1.00"), t0)
	require.NoError(t, err)
	o.Events = append(o.Events, Event{IdempotencyKey: "k1"})

	c := o.Clone()
	c.Events = append(c.Events, Event{IdempotencyKey: "k2"})
	c.Items[0].Quantity = 7

	assert.Len(t, o.Events, 1)
	assert.Equal(t, 1, o.Items[0].Quantity)
	assert.True(t, c.HasEvent("k2"))
	assert.False(t, o.HasEvent("k2"))
}
