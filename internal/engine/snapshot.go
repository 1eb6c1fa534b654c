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
	"sort"

	"virtual-settlement-go/internal/models"

	"go.uber.org/zap"
)

// Export captures the durable state. Holds still in flight are exported as idle; after a
// restore they are resubmitted with their original memo.
func (e *Engine) Export(ctx context.Context) (*models.Snapshot, error) {
	var snap *models.Snapshot
	if err := e.do(ctx, func() { snap = e.export() }); err != nil {
		return nil, err
	}
	return snap, nil
}

func (e *Engine) export() *models.Snapshot {
	set := make(map[models.Account]struct{})
	for _, a := range e.ledger.Accounts() {
		set[a] = struct{}{}
	}
	for a := range e.netExternal {
		set[a] = struct{}{}
	}
	for a := range e.frozen {
		set[a] = struct{}{}
	}

	accounts := make([]models.AccountState, 0, len(set))
	for a := range set {
		accounts = append(accounts, models.AccountState{
			Account:      a,
			Balance:      e.ledger.Balance(a),
			NetExternal:  e.netExternal[a],
			FrozenReason: e.frozen[a],
		})
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Account < accounts[j].Account })

	ops := e.guard.list()
	for i := range ops {
		ops[i].InFlight = false
	}

	return &models.Snapshot{
		TakenAt:           e.clock.Now(),
		Accounts:          accounts,
		TotalDeposits:     e.totalDeposits,
		TotalWithdrawals:  e.totalWithdrawals,
		Subscriptions:     e.registry.List(),
		PendingOperations: ops,
		Memos:             e.memos.list(),
		Cursor:            e.cursor,
		Events:            e.events.list(),
		NextEventSeq:      e.events.nextSeq,
	}
}

// MarkEventsPersisted tells the event log that entries up to seq are in the snapshot store,
// letting it release them from memory.
func (e *Engine) MarkEventsPersisted(ctx context.Context, seq int64) error {
	return e.do(ctx, func() { e.events.MarkPersisted(seq) })
}

// Import replaces the engine state with snap.
func (e *Engine) Import(ctx context.Context, snap *models.Snapshot) error {
	return e.do(ctx, func() { e.restore(snap) })
}

func (e *Engine) restore(snap *models.Snapshot) {
	balances := make(map[models.Account]int64, len(snap.Accounts))
	e.netExternal = make(map[models.Account]int64, len(snap.Accounts))
	e.frozen = make(map[models.Account]string)
	for _, acct := range snap.Accounts {
		balances[acct.Account] = acct.Balance
		if acct.NetExternal != 0 {
			e.netExternal[acct.Account] = acct.NetExternal
		}
		if acct.FrozenReason != "" {
			e.frozen[acct.Account] = acct.FrozenReason
		}
	}
	e.ledger.restore(balances)
	e.totalDeposits = snap.TotalDeposits
	e.totalWithdrawals = snap.TotalWithdrawals
	e.registry.restore(snap.Subscriptions)
	e.guard.restore(snap.PendingOperations)
	e.memos.restore(snap.Memos)
	e.cursor = snap.Cursor
	e.events.restore(snap.Events, snap.NextEventSeq)
	e.lastReport = nil

	zap.L().Info("Engine state restored",
		zap.Time("taken_at", snap.TakenAt),
		zap.Int("accounts", len(snap.Accounts)),
		zap.Int("subscriptions", len(snap.Subscriptions)),
		zap.Int("pending_operations", len(snap.PendingOperations)),
		zap.Int("memos", len(snap.Memos)))
}
