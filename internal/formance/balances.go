package formance

import (
	"context"
	"fmt"
	"math/big"

	"virtual-settlement-go/internal/gateway"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// QueryBalance returns the identity's balance in minor units. Unknown accounts are zero.
func (s *Service) QueryBalance(ctx context.Context, identity string) (int64, error) {
	address := accountAddress(identity, "users")
	resp, err := s.client.Ledger.V2.GetAccount(ctx, operations.V2GetAccountRequest{
		Ledger:  s.ledger,
		Address: address,
		Expand:  v3.Pointer("volumes"),
	})
	if err != nil {
		if errorCode(err) == shared.V2ErrorsEnumNotFound {
			return 0, nil
		}
		return 0, classify("query balance", err)
	}

	bal := volumeBalance(resp.V2AccountResponse.Data.Volumes, formanceAsset(s.symbol))
	if bal == nil {
		return 0, nil
	}
	if !bal.IsInt64() {
		return 0, gateway.NewFatal(fmt.Sprintf("balance of %s overflows int64", address), nil)
	}

	zap.L().Debug("Formance balance",
		zap.String("address", address),
		zap.String("balance", bigIntToDecimal(bal, s.symbol).String()))
	return bal.Int64(), nil
}

// volumeBalance extracts the balance for a specific asset from volumes.
func volumeBalance(vols map[string]shared.V2Volume, fAsset string) *big.Int {
	vol, ok := vols[fAsset]
	if !ok {
		return nil
	}
	if vol.Balance != nil {
		return vol.Balance
	}
	if vol.Input == nil {
		return nil
	}
	result := new(big.Int).Set(vol.Input)
	if vol.Output != nil {
		result.Sub(result, vol.Output)
	}
	return result
}

// bigIntToDecimal converts a *big.Int in smallest-unit to a human-readable decimal.
func bigIntToDecimal(raw *big.Int, symbol string) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(precisionFor(symbol)))
}
