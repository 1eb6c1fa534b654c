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

package engine

import (
	"context"
	"fmt"
	"time"

	"virtual-settlement-go/internal/gateway"
	"virtual-settlement-go/internal/metrics"
	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Withdraw moves amount out of the system to destination.
//
// The debit, hold and memo are applied before the gateway is called, so a concurrent
// withdrawal sees the reduced balance. The result reports the first gateway outcome:
// CONFIRMED, ROLLED_BACK (fatal, refunded), PENDING (retryable, resubmitted by later passes
// with the same memo) or EXPIRED. Local failures (insufficient funds, frozen account) are
// returned as errors and nothing is held.
func (e *Engine) Withdraw(ctx context.Context, account models.Account, amount int64, destination string) (*models.WithdrawalResult, error) {
	if amount <= 0 {
		return nil, store.ErrInvalidAmount
	}

	reply := make(chan *models.WithdrawalResult, 1)
	var beginErr error
	if err := e.do(ctx, func() {
		beginErr = e.beginWithdrawal(account, amount, destination, reply)
	}); err != nil {
		return nil, err
	}
	if beginErr != nil {
		return nil, beginErr
	}

	select {
	case result := <-reply:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) beginWithdrawal(account models.Account, amount int64, destination string, reply chan<- *models.WithdrawalResult) error {
	if err := e.checkNotFrozen(account); err != nil {
		metrics.LedgerRejectionsTotal.WithLabelValues("withdraw", "frozen").Inc()
		return err
	}
	if err := e.ledger.Debit(account, amount); err != nil {
		metrics.LedgerRejectionsTotal.WithLabelValues("withdraw", "insufficient_funds").Inc()
		return fmt.Errorf("withdraw %d from %s: %w", amount, account, err)
	}

	now := e.clock.Now()
	nonce := uuid.NewString()
	memo, _ := e.memos.Record(account, nonce, amount, now)

	op, err := e.guard.Begin(account, nonce, amount, models.PurposeWithdrawal, e.cfg.PendingTtl, now)
	if err != nil {
		e.ledger.Credit(account, amount)
		return err
	}
	op.Counterparty = destination
	op.Memo = memo.Key

	e.events.Append(models.EventWithdrawalRequested, []models.Account{account}, amount,
		string(models.WithdrawalPending), memo.Key, destination)

	e.submit(op, reply)
	return nil
}

// submit sends the hold's transfer to the gateway. Must be called from the loop.
func (e *Engine) submit(op *models.PendingOperation, reply chan<- *models.WithdrawalResult) {
	now := e.clock.Now()
	op.InFlight = true
	op.Attempts++
	e.memos.MarkAttempt(op.Memo, now)

	req := gateway.SettleRequest{
		Memo:   op.Memo,
		From:   e.identityFor(op.Account),
		To:     op.Counterparty,
		Amount: op.Amount,
	}
	account, nonce := op.Account, op.Nonce

	e.suspend(
		func(ctx context.Context) error { return e.gateway.Settle(ctx, req) },
		func(err error) { e.resumeWithdrawal(account, nonce, req, err, reply) },
	)
}

func (e *Engine) resumeWithdrawal(account models.Account, nonce string, req gateway.SettleRequest, settleErr error, reply chan<- *models.WithdrawalResult) {
	now := e.clock.Now()
	result := &models.WithdrawalResult{
		Account:     account,
		Nonce:       nonce,
		Memo:        req.Memo,
		Amount:      req.Amount,
		Destination: req.To,
	}
	defer func() {
		result.NewBalance = e.ledger.Balance(account)
		if reply != nil {
			reply <- result
		}
	}()

	op, held := e.guard.Get(account, nonce)
	if !held {
		// The sweep refunded this hold before the gateway answered.
		result.Outcome = models.WithdrawalExpired
		memo, ok := e.memos.Get(req.Memo)
		alreadyConfirmed := ok && memo.Status == models.MemoConfirmed
		if settleErr == nil && !alreadyConfirmed {
			e.memos.SetStatus(req.Memo, models.MemoConfirmed, "", now)
			e.recordConfirmedWithdrawal(account, req.Amount)
			e.freeze(account, fmt.Sprintf("withdrawal %s confirmed after its hold was refunded", req.Memo))
			e.events.Append(models.EventInvariantViolation, []models.Account{account}, req.Amount,
				"FROZEN", req.Memo, "late confirmation of an expired withdrawal")
			metrics.InvariantViolationsTotal.Inc()
			metrics.GatewayCallsTotal.WithLabelValues("settle", "late_confirmed").Inc()
		}
		return
	}
	op.InFlight = false

	switch {
	case settleErr == nil:
		e.guard.Resolve(account, nonce)
		e.memos.SetStatus(req.Memo, models.MemoConfirmed, "", now)
		e.recordConfirmedWithdrawal(account, req.Amount)
		e.events.Append(models.EventWithdrawalConfirmed, []models.Account{account}, req.Amount,
			string(models.WithdrawalConfirmed), req.Memo, req.To)
		metrics.GatewayCallsTotal.WithLabelValues("settle", "confirmed").Inc()
		result.Outcome = models.WithdrawalConfirmed

	case gateway.IsFatal(settleErr):
		e.guard.Resolve(account, nonce)
		e.ledger.Credit(account, req.Amount)
		e.memos.SetStatus(req.Memo, models.MemoFailed, gateway.Reason(settleErr), now)
		e.events.Append(models.EventGatewayFatalRollback, []models.Account{account}, req.Amount,
			string(models.WithdrawalRolledBack), req.Memo, gateway.Reason(settleErr))
		metrics.GatewayCallsTotal.WithLabelValues("settle", "fatal").Inc()
		result.Outcome = models.WithdrawalRolledBack
		result.Reason = gateway.Reason(settleErr)

	default:
		if memo, ok := e.memos.Get(req.Memo); ok {
			memo.LastError = gateway.Reason(settleErr)
			memo.UpdatedAt = now
		}
		op.NextAttemptAt = now.Add(e.retryDelay(op.Attempts))
		e.events.Append(models.EventGatewayRetryable, []models.Account{account}, req.Amount,
			string(models.WithdrawalPending), req.Memo, gateway.Reason(settleErr))
		metrics.GatewayCallsTotal.WithLabelValues("settle", "retryable").Inc()
		zap.L().Warn("Withdrawal left pending",
			zap.String("account", string(account)),
			zap.String("memo", req.Memo),
			zap.Int("attempts", op.Attempts),
			zap.Time("next_attempt_at", op.NextAttemptAt),
			zap.Error(settleErr))
		result.Outcome = models.WithdrawalPending
		result.Reason = gateway.Reason(settleErr)
	}
}

// resubmitDue resends idle withdrawal holds whose retry time has come, reusing their memo.
func (e *Engine) resubmitDue(now time.Time) int {
	resubmitted := 0
	for _, op := range e.guard.Resubmittable(now) {
		memo, ok := e.memos.Get(op.Memo)
		if !ok || memo.Status != models.MemoPending {
			continue
		}
		zap.L().Info("Resubmitting pending withdrawal",
			zap.String("account", string(op.Account)),
			zap.String("memo", op.Memo),
			zap.Int("attempt", op.Attempts+1))
		e.submit(op, nil)
		resubmitted++
	}
	return resubmitted
}

func (e *Engine) retryDelay(attempts int) time.Duration {
	return gateway.Backoff(models.RetryPolicy{
		InitialInterval:    e.cfg.RetryBackoff,
		BackoffCoefficient: 2,
		MaximumInterval:    e.cfg.PendingTtl,
	}, attempts)
}
