package prime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"virtual-settlement-go/internal/gateway"
	"virtual-settlement-go/internal/models"

	"github.com/coinbase-samples/prime-sdk-go/balances"
	"github.com/coinbase-samples/prime-sdk-go/client"
	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/coinbase-samples/prime-sdk-go/model"
	"github.com/coinbase-samples/prime-sdk-go/transactions"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// WalletPrefix marks identities that name a Prime wallet directly, e.g. "wallet:<wallet id>".
// Other identities settle through the configured default wallet.
const WalletPrefix = "wallet:"

// memoNamespace derives Prime idempotency keys from settlement memos, so a replayed memo
// is recognised by Prime as the same withdrawal.
var memoNamespace = uuid.MustParse("6f1c7a52-3b0e-4c59-9a51-0d3f2e8b7c14")

var assetPrecision = map[string]int32{
	"USD":  2,
	"USDC": 6,
	"USDT": 6,
	"BTC":  8,
	"ETH":  18,
	"SOL":  9,
}

var _ gateway.Gateway = (*Service)(nil)

type Service struct {
	client          client.RestClient
	balancesSvc     balances.BalancesService
	transactionsSvc transactions.TransactionsService

	portfolioId   string
	defaultWallet string
	symbol        string
	network       string
}

func NewService(creds *credentials.Credentials, cfg models.GatewayConfig, symbol string) (*Service, error) {
	if cfg.PrimePortfolioId == "" {
		return nil, fmt.Errorf("prime gateway requires PRIME_PORTFOLIO_ID")
	}

	httpClient, err := createCustomHttpClient()
	if err != nil {
		return nil, fmt.Errorf("unable to create custom http client: %w", err)
	}

	restClient := client.NewRestClient(creds, httpClient)

	return &Service{
		client:          restClient,
		balancesSvc:     balances.NewBalancesService(restClient),
		transactionsSvc: transactions.NewTransactionsService(restClient),
		portfolioId:     cfg.PrimePortfolioId,
		defaultWallet:   cfg.PrimeWalletId,
		symbol:          symbol,
		network:         cfg.PrimeNetwork,
	}, nil
}

func createCustomHttpClient() (http.Client, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: 30 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   15 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: 5 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return http.Client{}, err
	}

	return http.Client{
		Transport: tr,
		Timeout:   60 * time.Second,
	}, nil
}

// Settle creates a wallet withdrawal to the blockchain address in req.To.
func (s *Service) Settle(ctx context.Context, req gateway.SettleRequest) error {
	walletId, err := s.walletFor(req.From)
	if err != nil {
		return err
	}
	if req.To == "" {
		return gateway.NewFatal("missing destination address", nil)
	}

	amount := toMajorUnits(req.Amount, s.symbol)
	blockchainAddr := &model.BlockchainAddress{Address: req.To}

	// Network format: ethereum-mainnet --> id ethereum, type mainnet
	if parts := strings.SplitN(s.network, "-", 2); len(parts) == 2 {
		blockchainAddr.Network = &model.NetworkDetails{Id: parts[0], Type: parts[1]}
	}

	request := &transactions.CreateWalletWithdrawalRequest{
		PortfolioId:       s.portfolioId,
		SourceWalletId:    walletId,
		Amount:            amount,
		IdempotencyKey:    IdempotencyKey(req.Memo),
		Symbol:            s.symbol,
		DestinationType:   "DESTINATION_BLOCKCHAIN",
		BlockchainAddress: blockchainAddr,
	}

	zap.L().Info("Creating withdrawal via Prime API",
		zap.String("portfolio_id", s.portfolioId),
		zap.String("wallet_id", walletId),
		zap.String("amount", amount),
		zap.String("destination", req.To),
		zap.String("memo", req.Memo))

	response, err := s.transactionsSvc.CreateWalletWithdrawal(ctx, request)
	if err != nil {
		zap.L().Error("Failed to create withdrawal",
			zap.String("wallet_id", walletId),
			zap.String("amount", amount),
			zap.String("memo", req.Memo),
			zap.Error(err))
		return classify("create withdrawal", err)
	}

	zap.L().Info("Withdrawal created successfully",
		zap.String("activity_id", response.ActivityId),
		zap.String("memo", req.Memo))
	return nil
}

// QueryBalance returns the wallet balance in minor units.
func (s *Service) QueryBalance(ctx context.Context, identity string) (int64, error) {
	walletId, err := s.walletFor(identity)
	if err != nil {
		return 0, err
	}

	response, err := s.balancesSvc.GetWalletBalance(ctx, &balances.GetWalletBalanceRequest{
		PortfolioId: s.portfolioId,
		Id:          walletId,
	})
	if err != nil {
		return 0, classify("get wallet balance", err)
	}
	if response.Balance == nil {
		return 0, nil
	}

	minor, err := toMinorUnits(response.Balance.Amount, s.symbol)
	if err != nil {
		return 0, gateway.NewFatal("unparseable wallet balance", err)
	}
	return minor, nil
}

func (s *Service) walletFor(identity string) (string, error) {
	if id := strings.TrimPrefix(identity, WalletPrefix); id != identity && id != "" {
		return id, nil
	}
	if s.defaultWallet == "" {
		return "", gateway.NewFatal(fmt.Sprintf("no Prime wallet for identity %q", identity), nil)
	}
	return s.defaultWallet, nil
}

// IdempotencyKey maps a memo to the UUID Prime expects as idempotency key.
func IdempotencyKey(memo string) string {
	return uuid.NewSHA1(memoNamespace, []byte(memo)).String()
}

func precisionFor(symbol string) int32 {
	if p, ok := assetPrecision[symbol]; ok {
		return p
	}
	return 6
}

func toMajorUnits(amount int64, symbol string) string {
	return decimal.New(amount, -precisionFor(symbol)).String()
}

func toMinorUnits(amount, symbol string) (int64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, err
	}
	return d.Shift(precisionFor(symbol)).Truncate(0).IntPart(), nil
}

// classify maps Prime API failures onto the gateway taxonomy. Client errors other than
// throttling are fatal; everything else may succeed when retried with the same key.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return gateway.NewRetryable(op+" timed out", err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"):
		return gateway.NewRetryable(op+" throttled", err)
	case strings.Contains(msg, "insufficient"):
		return gateway.NewFatal(op+" rejected: insufficient funds", err)
	case strings.Contains(msg, "400"), strings.Contains(msg, "invalid"),
		strings.Contains(msg, "403"), strings.Contains(msg, "404"):
		return gateway.NewFatal(op+" rejected", err)
	default:
		return gateway.NewRetryable(op+" failed", err)
	}
}
