package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveZeroAlwaysSucceeds(t *testing.T) {
	w := NewWallet(0, nil)
	token, err := w.Reserve(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, FreeToken, token)
	assert.Zero(t, w.Balance())
}

func TestReserveInsufficient(t *testing.T) {
	w := NewWallet(3, nil)
	_, err := w.Reserve(context.Background(), 5)

	var insufficient *InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(3), insufficient.Available)
	assert.Equal(t, int64(5), insufficient.Required)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int64(3), w.Balance())
}

func TestReserveSettleRedeem(t *testing.T) {
	ctx := context.Background()
	w := NewWallet(100, nil)

	token, err := w.Reserve(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(70), w.Balance())

	change, amount, err := w.Settle(ctx, token, 12)
	require.NoError(t, err)
	assert.Equal(t, int64(18), amount)

	_, _, err = w.Settle(ctx, token, 1)
	assert.ErrorIs(t, err, ErrInvalidToken, "a token settles once")

	got, err := w.Redeem(ctx, change)
	require.NoError(t, err)
	assert.Equal(t, int64(18), got)
	assert.Equal(t, int64(88), w.Balance())

	_, err = w.Redeem(ctx, change)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSettleFullCostLeavesNoChange(t *testing.T) {
	ctx := context.Background()
	w := NewWallet(10, nil)
	token, _ := w.Reserve(ctx, 10)

	change, amount, err := w.Settle(ctx, token, 15)
	require.NoError(t, err)
	assert.Empty(t, change)
	assert.Zero(t, amount)

	change, _, err = w.Settle(ctx, FreeToken, 0)
	require.NoError(t, err)
	assert.Empty(t, change)
}

func TestReserveRejectsNegative(t *testing.T) {
	_, err := NewWallet(10, nil).Reserve(context.Background(), -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestReserveHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewWallet(10, nil).Reserve(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
