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

	"virtual-settlement-go/internal/metrics"
	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"

	"go.uber.org/zap"
)

type depositReply struct {
	result *models.DepositResult
	err    error
}

// NotifyDeposit credits a deposit the caller claims to have made. The claim is checked
// against the gateway's balance for the account's settlement identity: only funds the
// external ledger holds beyond what is already accounted for are credited, capped at claimed.
func (e *Engine) NotifyDeposit(ctx context.Context, account models.Account, claimed int64) (*models.DepositResult, error) {
	if claimed <= 0 {
		return nil, store.ErrInvalidAmount
	}

	reply := make(chan depositReply, 1)
	var beginErr error
	if err := e.do(ctx, func() {
		beginErr = e.beginDeposit(account, claimed, reply)
	}); err != nil {
		return nil, err
	}
	if beginErr != nil {
		return nil, beginErr
	}

	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) beginDeposit(account models.Account, claimed int64, reply chan<- depositReply) error {
	if err := e.checkNotFrozen(account); err != nil {
		metrics.LedgerRejectionsTotal.WithLabelValues("deposit", "frozen").Inc()
		return err
	}

	identity := e.identityFor(account)
	accountedBefore := e.netExternal[account]
	var external int64
	e.suspend(
		func(ctx context.Context) error {
			var err error
			external, err = e.gateway.QueryBalance(ctx, identity)
			return err
		},
		func(err error) { reply <- e.resumeDeposit(account, claimed, external, accountedBefore, err) },
	)
	return nil
}

// resumeDeposit compares the external balance against the larger of the accounted flow before
// and after the query. Deposits confirmed meanwhile raise the latter; withdrawals confirmed
// meanwhile lower it while external may still predate them, so the former applies.
func (e *Engine) resumeDeposit(account models.Account, claimed, external, accountedBefore int64, queryErr error) depositReply {
	if queryErr != nil {
		metrics.GatewayCallsTotal.WithLabelValues("query_balance", "error").Inc()
		zap.L().Warn("Deposit balance query failed",
			zap.String("account", string(account)),
			zap.Error(queryErr))
		return depositReply{err: fmt.Errorf("query external balance for %s: %w", account, queryErr)}
	}
	metrics.GatewayCallsTotal.WithLabelValues("query_balance", "ok").Inc()

	// Re-checked here: the account may have been frozen while the query was in flight.
	if err := e.checkNotFrozen(account); err != nil {
		return depositReply{err: err}
	}

	accounted := max(accountedBefore, e.netExternal[account])
	unaccounted := external - accounted
	if unaccounted <= 0 {
		e.events.Append(models.EventDepositRejected, []models.Account{account}, claimed, "REJECTED", "",
			fmt.Sprintf("external=%d accounted=%d", external, accounted))
		metrics.LedgerRejectionsTotal.WithLabelValues("deposit", "not_confirmed").Inc()
		return depositReply{err: fmt.Errorf("%s claimed %d: %w", account, claimed, store.ErrDepositNotConfirmed)}
	}

	credit := min(claimed, unaccounted)
	e.ledger.Credit(account, credit)
	e.recordConfirmedDeposit(account, credit)
	e.events.Append(models.EventDepositConfirmed, []models.Account{account}, credit, "CREDITED", "",
		fmt.Sprintf("claimed=%d external=%d", claimed, external))

	return depositReply{result: &models.DepositResult{
		Account:    account,
		Claimed:    claimed,
		Credited:   credit,
		NewBalance: e.ledger.Balance(account),
	}}
}
