package formance

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"virtual-settlement-go/internal/gateway"
	"virtual-settlement-go/internal/models"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/sdkerrors"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy gateway.Gateway.
var _ gateway.Gateway = (*Service)(nil)

// assetPrecision maps canonical asset symbols to their decimal precision.
var assetPrecision = map[string]int{
	"USD":  2,
	"USDC": 6,
	"USDT": 6,
	"BTC":  8,
	"ETH":  18,
	"SOL":  9,
}

// Service implements gateway.Gateway on top of a Formance Stack ledger. Each settlement is a
// single Numscript transaction whose reference is the idempotency memo.
type Service struct {
	client *v3.Formance
	ledger string
	symbol string
}

// NewService connects to the stack and creates the ledger if it doesn't already exist.
func NewService(ctx context.Context, cfg models.GatewayConfig, symbol string) (*Service, error) {
	if cfg.FormanceUrl == "" || cfg.FormanceClientId == "" || cfg.FormanceClientSecret == "" {
		return nil, fmt.Errorf("formance gateway requires FORMANCE_SERVER_URL, FORMANCE_CLIENT_ID and FORMANCE_CLIENT_SECRET")
	}
	ledger := cfg.FormanceLedger
	if ledger == "" {
		ledger = "settlement"
	}

	zap.L().Info("Connecting to Formance Stack",
		zap.String("stack_url", cfg.FormanceUrl),
		zap.String("ledger", ledger))

	client := v3.New(
		v3.WithServerURL(cfg.FormanceUrl),
		v3.WithSecurity(shared.Security{
			ClientID:     v3.Pointer(cfg.FormanceClientId),
			ClientSecret: v3.Pointer(cfg.FormanceClientSecret),
		}),
	)

	svc := &Service{client: client, ledger: ledger, symbol: symbol}
	if err := svc.ensureLedger(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure ledger exists: %w", err)
	}

	zap.L().Info("Formance gateway initialized", zap.String("ledger", ledger), zap.String("asset", formanceAsset(symbol)))
	return svc, nil
}

func (s *Service) ensureLedger(ctx context.Context) error {
	_, err := s.client.Ledger.V2.CreateLedger(ctx, operations.V2CreateLedgerRequest{
		Ledger: s.ledger,
		V2CreateLedgerRequest: shared.V2CreateLedgerRequest{
			Metadata: map[string]string{
				"application": "virtual-settlement",
			},
		},
	})
	if err != nil {
		if errorCode(err) == shared.V2ErrorsEnumLedgerAlreadyExists {
			zap.L().Info("Ledger already exists", zap.String("ledger", s.ledger))
			return nil
		}
		return err
	}
	zap.L().Info("Ledger created", zap.String("ledger", s.ledger))
	return nil
}

// ---------- helpers ----------

// formanceAsset returns the Formance UMN notation, e.g. "USDC/6".
func formanceAsset(symbol string) string {
	return fmt.Sprintf("%s/%d", symbol, precisionFor(symbol))
}

func precisionFor(symbol string) int {
	if p, ok := assetPrecision[symbol]; ok {
		return p
	}
	return 6
}

// assetSymbol extracts the symbol from a Formance asset like "USDC/6".
func assetSymbol(fAsset string) string {
	if i := strings.IndexByte(fAsset, '/'); i >= 0 {
		return fAsset[:i]
	}
	return fAsset
}

var invalidSegmentChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// accountAddress turns an identity into a valid ledger address. Identities that already look
// like addresses are kept; anything else (e.g. an on-chain destination) is sanitized and
// placed under prefix.
func accountAddress(identity, prefix string) string {
	segments := strings.Split(identity, ":")
	valid := true
	for _, seg := range segments {
		if seg == "" || invalidSegmentChars.MatchString(seg) {
			valid = false
			break
		}
	}
	if valid && len(segments) > 1 {
		return identity
	}
	cleaned := invalidSegmentChars.ReplaceAllString(identity, "_")
	return prefix + ":" + strings.ToLower(cleaned)
}

func errorCode(err error) shared.V2ErrorsEnum {
	var apiErr *sdkerrors.V2ErrorResponse
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode
	}
	return ""
}

// isConflictError checks whether a Formance SDK error is a CONFLICT (duplicate reference).
func isConflictError(err error) bool {
	return errorCode(err) == shared.V2ErrorsEnumConflict
}

// classify maps ledger errors onto the gateway taxonomy. Only rejections the ledger will
// repeat for the same request are fatal.
func classify(op string, err error) error {
	switch code := errorCode(err); code {
	case shared.V2ErrorsEnumInsufficientFund,
		shared.V2ErrorsEnumValidation,
		shared.V2ErrorsEnumCompilationFailed,
		shared.V2ErrorsEnumNoPostings:
		return gateway.NewFatal(fmt.Sprintf("%s rejected: %s", op, code), err)
	case "":
		return gateway.NewRetryable(op+" failed", err)
	default:
		return gateway.NewRetryable(fmt.Sprintf("%s failed: %s", op, code), err)
	}
}
