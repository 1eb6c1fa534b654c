package prime

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"virtual-settlement-go/internal/gateway"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyKeyIsStablePerMemo(t *testing.T) {
	assert.Equal(t, IdempotencyKey("memo-1"), IdempotencyKey("memo-1"))
	assert.NotEqual(t, IdempotencyKey("memo-1"), IdempotencyKey("memo-2"))
	assert.Len(t, IdempotencyKey("memo-1"), 36)
}

func TestUnitConversion(t *testing.T) {
	assert.Equal(t, "1.5", toMajorUnits(1_500_000, "USDC"))
	assert.Equal(t, "0.00000001", toMajorUnits(1, "BTC"))

	minor, err := toMinorUnits("12.345678", "USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(12_345_678), minor)

	_, err = toMinorUnits("abc", "USDC")
	assert.Error(t, err)
}

func TestWalletFor(t *testing.T) {
	s := &Service{defaultWallet: "wlt_default"}

	id, err := s.walletFor("wallet:wlt_alice")
	require.NoError(t, err)
	assert.Equal(t, "wlt_alice", id)

	id, err = s.walletFor("users:bob")
	require.NoError(t, err)
	assert.Equal(t, "wlt_default", id)

	_, err = (&Service{}).walletFor("users:bob")
	assert.True(t, gateway.IsFatal(err))
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		err   error
		fatal bool
	}{
		{context.DeadlineExceeded, false},
		{fmt.Errorf("status 429: Too Many Requests"), false},
		{errors.New("status 400: invalid destination"), true},
		{errors.New("insufficient balance"), true},
		{errors.New("status 503"), false},
	}

	for _, tc := range testCases {
		got := classify("op", tc.err)
		assert.Equal(t, tc.fatal, gateway.IsFatal(got), "%v", tc.err)
	}
}

func TestSettleRejectsMissingDestinationWithoutCallingPrime(t *testing.T) {
	s := &Service{defaultWallet: "wlt_default", symbol: "USDC"}
	err := s.Settle(context.Background(), gateway.SettleRequest{Memo: "m", From: "users:alice", Amount: 1})
	assert.True(t, gateway.IsFatal(err))
}
