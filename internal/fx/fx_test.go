package fx

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/talon/internal/cache"
	"github.com/opensource-finance/talon/internal/domain"
)

func money(t *testing.T, amount, currency string) domain.Money {
	t.Helper()
	m, err := domain.NewMoney(amount, currency)
	require.NoError(t, err)
	return m
}

func TestConvert(t *testing.T) {
	ctx := context.Background()
	svc, err := New(cache.NewLRUCache(100), time.Minute, map[string]string{"EUR": "0.5"})
	require.NoError(t, err)

	t.Run("SameCurrency", func(t *testing.T) {
		m := money(t, "15000.00", "USD")
		got, rate, err := svc.Convert(ctx, m, "USD")
		require.NoError(t, err)
		assert.True(t, got.Equal(m))
		assert.True(t, rate.Equal(decimal.NewFromInt(1)))
	})

	t.Run("ToUSD", func(t *testing.T) {
		usd, err := svc.ToUSD(ctx, money(t, "100", "EUR"))
		require.NoError(t, err)
		assert.Equal(t, "200", usd.String())
	})

	t.Run("FromUSD", func(t *testing.T) {
		got, rate, err := svc.Convert(ctx, money(t, "10.01", "USD"), "EUR")
		require.NoError(t, err)
		assert.Equal(t, "EUR", got.Currency)
		assert.Equal(t, "5.01", got.Amount.String())
		assert.Equal(t, "0.5", rate.String())
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, _, err := svc.Convert(ctx, money(t, "1", "XYZ"), "USD")
		assert.True(t, domain.IsKind(err, domain.KindValidation))
	})
}

func TestRateIsCached(t *testing.T) {
	ctx := context.Background()
	c := cache.NewLRUCache(100)
	svc, err := New(c, time.Minute, nil)
	require.NoError(t, err)

	first, err := svc.Rate(ctx, "GBP", "EUR")
	require.NoError(t, err)

	require.NoError(t, svc.SetRate("EUR", "2"))
	second, err := svc.Rate(ctx, "GBP", "EUR")
	require.NoError(t, err)
	assert.True(t, first.Equal(second), "cached pair should be served until it expires")

	require.NoError(t, c.Delete(ctx, domain.SystemTenantID, "fx:GBP:EUR"))
	third, err := svc.Rate(ctx, "GBP", "EUR")
	require.NoError(t, err)
	assert.False(t, first.Equal(third))
}

func TestNewRejectsBadOverrides(t *testing.T) {
	_, err := New(nil, 0, map[string]string{"EUR": "-1"})
	assert.Error(t, err)
	_, err = New(nil, 0, map[string]string{"EURO": "1"})
	assert.Error(t, err)
}
