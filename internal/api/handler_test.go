package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"virtual-settlement-go/internal/engine"
	"virtual-settlement-go/internal/gateway"
	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T, withSandbox bool) (*mux.Router, *gateway.Sandbox) {
	t.Helper()

	sb := gateway.NewSandbox()
	e := engine.New(models.EngineConfig{
		AssetSymbol:  "USDC",
		PendingTtl:   time.Hour,
		RetryBackoff: time.Second,
	}, sb)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		e.Wait()
	})

	var sandbox *gateway.Sandbox
	if withSandbox {
		sandbox = sb
	}
	return NewRouter(NewHandler(NewLedgerService(e, nil, sandbox))), sb
}

func call(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	r, _ := setupRouter(t, true)

	rec := call(t, r, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouter_TimesEveryRoute(t *testing.T) {
	r, _ := setupRouter(t, false)

	call(t, r, "GET", "/api/v1/accounts/alice", nil)
	call(t, r, "GET", "/api/v1/subscriptions/missing", nil)
	call(t, r, "POST", "/api/v1/sandbox/fund", FundRequest{Identity: "users:alice", Amount: 1})
	call(t, r, "POST", "/api/v1/admin/sweep", nil)

	rec := call(t, r, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, series := range []string{
		`settlement_http_request_duration_seconds_count{endpoint="/accounts/{account}",method="GET"}`,
		`settlement_http_request_duration_seconds_count{endpoint="/subscriptions/{id}",method="GET"}`,
		`settlement_http_request_duration_seconds_count{endpoint="/sandbox/fund",method="POST"}`,
		`settlement_http_request_duration_seconds_count{endpoint="/admin/sweep",method="POST"}`,
	} {
		assert.Contains(t, rec.Body.String(), series)
	}
}

func TestDepositAndWithdrawFlow(t *testing.T) {
	r, sb := setupRouter(t, true)

	rec := call(t, r, "POST", "/api/v1/deposits", DepositRequest{Account: "alice", Amount: 100})
	assert.Equal(t, http.StatusConflict, rec.Code, "deposit without external funds")

	rec = call(t, r, "POST", "/api/v1/sandbox/fund", FundRequest{Identity: "users:alice", Amount: 100})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, r, "POST", "/api/v1/deposits", DepositRequest{Account: "alice", Amount: 100})
	require.Equal(t, http.StatusOK, rec.Code)
	deposit := decodeBody[models.DepositResult](t, rec)
	assert.Equal(t, int64(100), deposit.Credited)

	rec = call(t, r, "POST", "/api/v1/withdrawals", WithdrawalRequest{Account: "alice", Amount: 30, Destination: "0xdest"})
	require.Equal(t, http.StatusOK, rec.Code)
	withdrawal := decodeBody[models.WithdrawalResult](t, rec)
	assert.Equal(t, models.WithdrawalConfirmed, withdrawal.Outcome)
	assert.Equal(t, int64(70), withdrawal.NewBalance)
	assert.Equal(t, int64(70), sb.Balance("users:alice"))

	rec = call(t, r, "POST", "/api/v1/withdrawals", WithdrawalRequest{Account: "alice", Amount: 500, Destination: "0xdest"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = call(t, r, "GET", "/api/v1/accounts/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[AccountView](t, rec)
	assert.Equal(t, int64(70), view.Balance)
	assert.Equal(t, int64(0), view.Held)
}

func TestWithdraw_PendingReturnsAccepted(t *testing.T) {
	r, sb := setupRouter(t, true)
	call(t, r, "POST", "/api/v1/sandbox/fund", FundRequest{Identity: "users:alice", Amount: 50})
	require.Equal(t, http.StatusOK, call(t, r, "POST", "/api/v1/deposits", DepositRequest{Account: "alice", Amount: 50}).Code)

	sb.InjectFaults(gateway.FaultRetryable)
	rec := call(t, r, "POST", "/api/v1/withdrawals", WithdrawalRequest{Account: "alice", Amount: 20, Destination: "0xdest"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, models.WithdrawalPending, decodeBody[models.WithdrawalResult](t, rec).Outcome)

	rec = call(t, r, "GET", "/api/v1/admin/pending/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ops := decodeBody[[]models.PendingOperation](t, rec)
	require.Len(t, ops, 1)
	assert.Equal(t, int64(20), ops[0].Amount)
}

func TestRequestValidation(t *testing.T) {
	r, _ := setupRouter(t, true)

	testCases := []struct {
		name string
		path string
		body any
	}{
		{"malformed json", "/api/v1/deposits", "{"},
		{"missing account", "/api/v1/deposits", DepositRequest{Amount: 10}},
		{"zero amount", "/api/v1/withdrawals", WithdrawalRequest{Account: "alice", Destination: "0x"}},
		{"missing destination", "/api/v1/withdrawals", WithdrawalRequest{Account: "alice", Amount: 10}},
		{"bad cadence", "/api/v1/subscriptions", SubscriptionRequest{Payer: "a", Payee: "b", Amount: 1, Cadence: "monthly"}},
		{"zero correction", "/api/v1/admin/accounts/alice/correct", CorrectionRequest{Reason: "x"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := call(t, r, "POST", tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestSubscriptionEndpoints(t *testing.T) {
	r, _ := setupRouter(t, true)
	call(t, r, "POST", "/api/v1/sandbox/fund", FundRequest{Identity: "users:alice", Amount: 100})
	require.Equal(t, http.StatusOK, call(t, r, "POST", "/api/v1/deposits", DepositRequest{Account: "alice", Amount: 100}).Code)

	rec := call(t, r, "POST", "/api/v1/subscriptions", SubscriptionRequest{Payer: "alice", Payee: "bob", Amount: 10, Cadence: "720h"})
	require.Equal(t, http.StatusCreated, rec.Code)
	sub := decodeBody[models.Subscription](t, rec)
	assert.Equal(t, models.SubscriptionActive, sub.State)
	assert.Equal(t, "/api/v1/subscriptions/"+sub.Id, rec.Header().Get("Location"))

	rec = call(t, r, "POST", "/api/v1/admin/process?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[models.ProcessReport](t, rec).Charges)

	rec = call(t, r, "GET", "/api/v1/subscriptions/"+sub.Id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decodeBody[models.Subscription](t, rec).ChargeCount)

	rec = call(t, r, "GET", "/api/v1/subscriptions?account=bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]models.Subscription](t, rec), 1)

	rec = call(t, r, "POST", fmt.Sprintf("/api/v1/subscriptions/%s/resume", sub.Id), ResumeRequest{Payer: "bob"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, r, "POST", fmt.Sprintf("/api/v1/subscriptions/%s/cancel", sub.Id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.SubscriptionCancelled, decodeBody[models.Subscription](t, rec).State)

	rec = call(t, r, "POST", fmt.Sprintf("/api/v1/subscriptions/%s/cancel", sub.Id), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = call(t, r, "GET", "/api/v1/subscriptions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReconciliationEndpoints(t *testing.T) {
	r, _ := setupRouter(t, true)

	rec := call(t, r, "GET", "/api/v1/admin/reconciliation", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	call(t, r, "POST", "/api/v1/sandbox/fund", FundRequest{Identity: "users:alice", Amount: 40})
	require.Equal(t, http.StatusOK, call(t, r, "POST", "/api/v1/deposits", DepositRequest{Account: "alice", Amount: 40}).Code)

	rec = call(t, r, "POST", "/api/v1/admin/reconciliation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[models.ReconciliationReport](t, rec)
	assert.True(t, report.ConservationOk)
	assert.Equal(t, 0, report.DriftCount)

	rec = call(t, r, "GET", "/api/v1/admin/reconciliation", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, r, "GET", "/api/v1/admin/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody[[]models.EventLogEntry](t, rec)
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventDepositConfirmed, events[0].Kind)

	rec = call(t, r, "GET", "/api/v1/admin/events?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminCorrection(t *testing.T) {
	r, _ := setupRouter(t, true)
	call(t, r, "POST", "/api/v1/sandbox/fund", FundRequest{Identity: "users:alice", Amount: 40})
	require.Equal(t, http.StatusOK, call(t, r, "POST", "/api/v1/deposits", DepositRequest{Account: "alice", Amount: 40}).Code)

	rec := call(t, r, "POST", "/api/v1/admin/accounts/alice/correct", CorrectionRequest{Delta: -15, Reason: "duplicate credit"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"account":"alice","balance":25}`, rec.Body.String())

	// Credits beyond the external backing are refused.
	rec = call(t, r, "POST", "/api/v1/admin/accounts/alice/correct", CorrectionRequest{Delta: 100, Reason: "typo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, r, "POST", "/api/v1/admin/accounts/alice/clear", ClearFreezeRequest{Reason: "reviewed"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = call(t, r, "POST", "/api/v1/admin/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"expired":0}`, rec.Body.String())
}

func TestSandboxFundingDisabled(t *testing.T) {
	r, _ := setupRouter(t, false)

	rec := call(t, r, "POST", "/api/v1/sandbox/fund", FundRequest{Identity: "users:alice", Amount: 10})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	testCases := []struct {
		err  error
		want int
	}{
		{store.ErrInvalidAmount, http.StatusBadRequest},
		{fmt.Errorf("debit: %w", store.ErrInsufficientFunds), http.StatusUnprocessableEntity},
		{&engine.FrozenError{Account: "alice", Reason: "late confirmation"}, http.StatusLocked},
		{store.ErrNotSubscriptionPayer, http.StatusForbidden},
		{store.ErrSubscriptionNotFound, http.StatusNotFound},
		{store.ErrDepositNotConfirmed, http.StatusConflict},
		{store.ErrEngineStopped, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.want, statusFor(tc.err))
		})
	}
}
