package formance

import (
	"context"

	"virtual-settlement-go/internal/gateway"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// The source may overdraw: ledger balances track net external flow per identity.
const numscriptSettle = `vars {
  asset $asset
  number $amount
  account $source
  account $destination
  string $memo
  string $amount_human
}

send [$asset $amount] (
  source = $source allowing unbounded overdraft
  destination = $destination
)

set_tx_meta("event_type", "settlement")
set_tx_meta("memo", $memo)
set_tx_meta("amount_human", $amount_human)
`

const payoutPrefix = "payouts"

// Settle posts the transfer with the memo as transaction reference. A CONFLICT on the
// reference means an earlier attempt already landed, which counts as confirmation.
func (s *Service) Settle(ctx context.Context, req gateway.SettleRequest) error {
	source := accountAddress(req.From, "users")
	destination := accountAddress(req.To, payoutPrefix)
	human := decimal.New(req.Amount, -int32(precisionFor(s.symbol)))

	postTx := shared.V2PostTransaction{
		Reference: strPtr(req.Memo),
		Script: &shared.V2PostTransactionScript{
			Plain: numscriptSettle,
			Vars: map[string]string{
				"asset":        formanceAsset(s.symbol),
				"amount":       decimal.NewFromInt(req.Amount).String(),
				"source":       source,
				"destination":  destination,
				"memo":         req.Memo,
				"amount_human": human.String(),
			},
		},
	}

	_, err := s.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger:            s.ledger,
		V2PostTransaction: postTx,
	})
	if err != nil {
		if isConflictError(err) {
			zap.L().Info("Settlement already recorded in Formance", zap.String("memo", req.Memo))
			return nil
		}
		return classify("settle", err)
	}

	zap.L().Info("Settlement recorded in Formance",
		zap.String("memo", req.Memo),
		zap.String("source", source),
		zap.String("destination", destination),
		zap.String("amount", human.String()))
	return nil
}

func strPtr(s string) *string { return &s }
