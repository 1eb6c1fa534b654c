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

	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"

	"go.uber.org/zap"
)

// ManualProcess runs a scheduler pass on operator request.
func (e *Engine) ManualProcess(ctx context.Context, limit int) (*models.ProcessReport, error) {
	zap.L().Info("Manual scheduler pass requested", zap.Int("limit", limit))
	return e.Process(ctx, limit)
}

// Sweep refunds expired holds now instead of waiting for the next pass.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	var n int
	err := e.do(ctx, func() { n = e.guard.Sweep(e.clock.Now()) })
	return n, err
}

func (e *Engine) PendingOperations(ctx context.Context, account models.Account) ([]models.PendingOperation, error) {
	var ops []models.PendingOperation
	err := e.do(ctx, func() { ops = e.guard.ForAccount(account) })
	return ops, err
}

// EventLog returns in-memory events at or after since, oldest first.
func (e *Engine) EventLog(ctx context.Context, since time.Time) ([]models.EventLogEntry, error) {
	var entries []models.EventLogEntry
	err := e.do(ctx, func() { entries = e.events.Since(since) })
	return entries, err
}

// ReconciliationReport returns the last report, or nil if reconciliation never ran.
func (e *Engine) ReconciliationReport(ctx context.Context) (*models.ReconciliationReport, error) {
	var report *models.ReconciliationReport
	err := e.do(ctx, func() { report = e.lastReport })
	return report, err
}

func (e *Engine) Account(ctx context.Context, account models.Account) (*models.AccountState, error) {
	var state models.AccountState
	err := e.do(ctx, func() {
		state = models.AccountState{
			Account:      account,
			Balance:      e.ledger.Balance(account),
			NetExternal:  e.netExternal[account],
			FrozenReason: e.frozen[account],
		}
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (e *Engine) Balance(ctx context.Context, account models.Account) (int64, error) {
	var balance int64
	err := e.do(ctx, func() { balance = e.ledger.Balance(account) })
	return balance, err
}

// ClearFreeze lifts an invariant-violation freeze after operator review.
func (e *Engine) ClearFreeze(ctx context.Context, account models.Account, reason string) error {
	return e.do(ctx, func() {
		previous, ok := e.frozen[account]
		if !ok {
			return
		}
		delete(e.frozen, account)
		e.events.Append(models.EventAccountCleared, []models.Account{account}, 0, "CLEARED", "",
			fmt.Sprintf("reason=%q frozen_for=%q", reason, previous))
	})
}

// CorrectBalance applies an operator correction to the internal balance only; external flow
// counters are unchanged. A credit is refused when it would break conservation.
func (e *Engine) CorrectBalance(ctx context.Context, account models.Account, delta int64, reason string) (int64, error) {
	var (
		balance int64
		fixErr  error
	)
	if err := e.do(ctx, func() {
		switch {
		case delta == 0:
			fixErr = store.ErrInvalidAmount
			return
		case delta < 0:
			if err := e.ledger.Debit(account, -delta); err != nil {
				fixErr = fmt.Errorf("correct %s by %d: %w", account, delta, err)
				return
			}
		default:
			backed := e.totalDeposits - e.totalWithdrawals
			if e.ledger.Total()+e.guard.Held("", "")+delta > backed {
				fixErr = fmt.Errorf("credit of %d exceeds external backing: %w", delta, store.ErrInvalidAmount)
				return
			}
			e.ledger.Credit(account, delta)
		}
		e.events.Append(models.EventAdminCorrection, []models.Account{account}, delta, "APPLIED", "", reason)
		balance = e.ledger.Balance(account)
	}); err != nil {
		return 0, err
	}
	return balance, fixErr
}
