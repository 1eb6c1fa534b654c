/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

var validate = validator.New()

const apiPrefix = "/api/v1"

type DepositRequest struct {
	Account string `json:"account" validate:"required"`
	Amount  int64  `json:"amount" validate:"required,min=1"`
}

type WithdrawalRequest struct {
	Account     string `json:"account" validate:"required"`
	Amount      int64  `json:"amount" validate:"required,min=1"`
	Destination string `json:"destination" validate:"required"`
}

type SubscriptionRequest struct {
	Payer   string `json:"payer" validate:"required"`
	Payee   string `json:"payee" validate:"required"`
	Amount  int64  `json:"amount" validate:"required,min=1"`
	Cadence string `json:"cadence" validate:"required"` // Go duration, e.g. "720h"
}

type ResumeRequest struct {
	Payer string `json:"payer" validate:"required"`
}

type ClearFreezeRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type CorrectionRequest struct {
	Delta  int64  `json:"delta" validate:"required"`
	Reason string `json:"reason" validate:"required"`
}

type FundRequest struct {
	Identity string `json:"identity" validate:"required"`
	Amount   int64  `json:"amount" validate:"required,min=1"`
}

type Handler struct {
	service *LedgerService
}

func NewHandler(s *LedgerService) *Handler {
	return &Handler{service: s}
}

// NewRouter mounts the account-holder API under /api/v1, operator routes under
// /api/v1/admin, plus /metrics and /health.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.Health).Methods("GET")

	v1 := r.PathPrefix(apiPrefix).Subrouter()
	v1.HandleFunc("/deposits", h.NotifyDeposit).Methods("POST")
	v1.HandleFunc("/withdrawals", h.Withdraw).Methods("POST")
	v1.HandleFunc("/subscriptions", h.CreateSubscription).Methods("POST")
	v1.HandleFunc("/subscriptions", h.ListSubscriptions).Methods("GET")
	v1.HandleFunc("/subscriptions/{id}", h.GetSubscription).Methods("GET")
	v1.HandleFunc("/subscriptions/{id}/cancel", h.CancelSubscription).Methods("POST")
	v1.HandleFunc("/subscriptions/{id}/resume", h.ResumeSubscription).Methods("POST")
	v1.HandleFunc("/accounts/{account}", h.GetAccount).Methods("GET")
	v1.HandleFunc("/sandbox/fund", h.FundSandbox).Methods("POST")

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/process", h.Process).Methods("POST")
	admin.HandleFunc("/sweep", h.Sweep).Methods("POST")
	admin.HandleFunc("/pending/{account}", h.PendingOperations).Methods("GET")
	admin.HandleFunc("/events", h.Events).Methods("GET")
	admin.HandleFunc("/events/history", h.EventHistory).Methods("GET")
	admin.HandleFunc("/reconciliation", h.LastReconciliation).Methods("GET")
	admin.HandleFunc("/reconciliation", h.Reconcile).Methods("POST")
	admin.HandleFunc("/accounts/{account}/clear", h.ClearFreeze).Methods("POST")
	admin.HandleFunc("/accounts/{account}/correct", h.CorrectBalance).Methods("POST")
	return r
}

// instrument times every routed request, labelled by route template without the API prefix.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = strings.TrimPrefix(tpl, apiPrefix)
			}
		}
		timer := prometheus.NewTimer(httpLatency.WithLabelValues(r.Method, endpoint))
		defer timer.ObserveDuration()
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.HealthCheck(r.Context()); err != nil {
		h.respondError(w, http.StatusServiceUnavailable, err.Error(), "GET", "/health")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

func (h *Handler) NotifyDeposit(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/deposits"
	var req DepositRequest
	if !h.decode(w, r, &req, "POST", endpoint) {
		return
	}

	result, err := h.service.ProcessDeposit(r.Context(), models.Account(req.Account), req.Amount)
	if err != nil {
		h.respondFailure(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, result, "POST", endpoint)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/withdrawals"
	var req WithdrawalRequest
	if !h.decode(w, r, &req, "POST", endpoint) {
		return
	}

	result, err := h.service.ProcessWithdrawal(r.Context(), models.Account(req.Account), req.Amount, req.Destination)
	if err != nil {
		h.respondFailure(w, err, "POST", endpoint)
		return
	}

	code := http.StatusOK
	if result.Outcome == models.WithdrawalPending {
		code = http.StatusAccepted
	}
	h.respondJSON(w, code, result, "POST", endpoint)
}

func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/subscriptions"
	var req SubscriptionRequest
	if !h.decode(w, r, &req, "POST", endpoint) {
		return
	}
	cadence, err := time.ParseDuration(req.Cadence)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid cadence %q", req.Cadence), "POST", endpoint)
		return
	}

	sub, err := h.service.CreateSubscription(r.Context(), models.Account(req.Payer), models.Account(req.Payee), req.Amount, cadence)
	if err != nil {
		h.respondFailure(w, err, "POST", endpoint)
		return
	}
	w.Header().Set("Location", "/api/v1/subscriptions/"+sub.Id)
	h.respondJSON(w, http.StatusCreated, sub, "POST", endpoint)
}

func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/subscriptions"
	subs, err := h.service.ListSubscriptions(r.Context(), models.Account(r.URL.Query().Get("account")))
	if err != nil {
		h.respondFailure(w, err, "GET", endpoint)
		return
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	h.respondJSON(w, http.StatusOK, subs, "GET", endpoint)
}

func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/subscriptions/{id}"
	sub, err := h.service.GetSubscription(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondFailure(w, err, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, sub, "GET", endpoint)
}

func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/subscriptions/{id}/cancel"
	sub, err := h.service.CancelSubscription(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondFailure(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, sub, "POST", endpoint)
}

func (h *Handler) ResumeSubscription(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/subscriptions/{id}/resume"
	var req ResumeRequest
	if !h.decode(w, r, &req, "POST", endpoint) {
		return
	}

	sub, err := h.service.ResumeSubscription(r.Context(), mux.Vars(r)["id"], models.Account(req.Payer))
	if err != nil {
		h.respondFailure(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, sub, "POST", endpoint)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{account}"
	view, err := h.service.GetAccount(r.Context(), models.Account(mux.Vars(r)["account"]))
	if err != nil {
		h.respondFailure(w, err, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, view, "GET", endpoint)
}

func (h *Handler) FundSandbox(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/sandbox/fund"
	var req FundRequest
	if !h.decode(w, r, &req, "POST", endpoint) {
		return
	}
	if err := h.service.FundSandbox(req.Identity, req.Amount); err != nil {
		h.respondFailure(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"identity": req.Identity, "funded": req.Amount}, "POST", endpoint)
}

func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/admin/process"
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), "POST", endpoint)
		return
	}
	report, err := h.service.RunScheduler(r.Context(), limit)
	if err != nil {
		h.respondFailure(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, report, "POST", endpoint)
}

func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/admin/sweep"
	n, err := h.service.SweepExpired(r.Context())
	if err != nil {
		h.respondFailure(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int{"expired": n}, "POST", endpoint)
}

func (h *Handler) PendingOperations(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/admin/pending/{account}"
	ops, err := h.service.PendingWithdrawals(r.Context(), models.Account(mux.Vars(r)["account"]))
	if err != nil {
		h.respondFailure(w, err, "GET", endpoint)
		return
	}
	if ops == nil {
		ops = []models.PendingOperation{}
	}
	h.respondJSON(w, http.StatusOK, ops, "GET", endpoint)
}

func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/admin/events"
	since, err := querySince(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), "GET", endpoint)
		return
	}
	entries, err := h.service.RecentEvents(r.Context(), since)
	if err != nil {
		h.respondFailure(w, err, "GET", endpoint)
		return
	}
	if entries == nil {
		entries = []models.EventLogEntry{}
	}
	h.respondJSON(w, http.StatusOK, entries, "GET", endpoint)
}

func (h *Handler) EventHistory(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/admin/events/history"
	since, err := querySince(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), "GET", endpoint)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), "GET", endpoint)
		return
	}
	entries, err := h.service.EventHistory(r.Context(), since, limit)
	if err != nil {
		h.respondFailure(w, err, "GET", endpoint)
		return
	}
	if entries == nil {
		entries = []models.EventLogEntry{}
	}
	h.respondJSON(w, http.StatusOK, entries, "GET", endpoint)
}

func (h *Handler) LastReconciliation(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/admin/reconciliation"
	report, err := h.service.LastReconciliation(r.Context())
	if err != nil {
		h.respondFailure(w, err, "GET", endpoint)
		return
	}
	if report == nil {
		h.respondError(w, http.StatusNotFound, "reconciliation has not run yet", "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, report, "GET", endpoint)
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/admin/reconciliation"
	report, err := h.service.Reconcile(r.Context())
	if err != nil {
		h.respondFailure(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, report, "POST", endpoint)
}

func (h *Handler) ClearFreeze(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/admin/accounts/{account}/clear"
	var req ClearFreezeRequest
	if !h.decode(w, r, &req, "POST", endpoint) {
		return
	}
	account := models.Account(mux.Vars(r)["account"])
	if err := h.service.ClearFreeze(r.Context(), account, req.Reason); err != nil {
		h.respondFailure(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"account": string(account), "status": "cleared"}, "POST", endpoint)
}

func (h *Handler) CorrectBalance(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/admin/accounts/{account}/correct"
	var req CorrectionRequest
	if !h.decode(w, r, &req, "POST", endpoint) {
		return
	}
	account := models.Account(mux.Vars(r)["account"])
	balance, err := h.service.CorrectBalance(r.Context(), account, req.Delta, req.Reason)
	if err != nil {
		h.respondFailure(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"account": account, "balance": balance}, "POST", endpoint)
}

// Helpers
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, req any, method, endpoint string) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", method, endpoint)
		return false
	}
	if err := validate.Struct(req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), method, endpoint)
		return false
	}
	return true
}

// statusFor maps engine and store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidAmount), errors.Is(err, store.ErrInvalidSubscription):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrAccountFrozen):
		return http.StatusLocked
	case errors.Is(err, store.ErrNotSubscriptionPayer):
		return http.StatusForbidden
	case errors.Is(err, store.ErrSubscriptionNotFound), errors.Is(err, ErrSandboxDisabled):
		return http.StatusNotFound
	case errors.Is(err, store.ErrSubscriptionCancelled), errors.Is(err, store.ErrAlreadyPending),
		errors.Is(err, store.ErrDepositNotConfirmed):
		return http.StatusConflict
	case errors.Is(err, store.ErrEngineStopped), errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondFailure(w http.ResponseWriter, err error, method, endpoint string) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		zap.L().Error("Request failed",
			zap.String("method", method),
			zap.String("endpoint", endpoint),
			zap.Error(err))
	}
	h.respondError(w, code, err.Error(), method, endpoint)
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Debug("Failed to write response", zap.String("endpoint", endpoint), zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return n, nil
}

// querySince parses the RFC 3339 "since" parameter; missing means the beginning of time.
func querySince(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Time{}, nil
	}
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since %q", raw)
	}
	return since, nil
}
