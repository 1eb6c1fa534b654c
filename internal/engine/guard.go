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
	"fmt"
	"sort"
	"time"

	"virtual-settlement-go/internal/metrics"
	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"
)

type pendingKey struct {
	account models.Account
	nonce   string
}

// pendingGuard tracks funds debited ahead of a suspending call. A hold exists from just before
// the call until its outcome is applied or the hold expires, whichever comes first.
type pendingGuard struct {
	ledger *balanceLedger
	memos  *memoStore
	events *eventLog
	ops    map[pendingKey]*models.PendingOperation
}

func newPendingGuard(ledger *balanceLedger, memos *memoStore, events *eventLog) *pendingGuard {
	return &pendingGuard{
		ledger: ledger,
		memos:  memos,
		events: events,
		ops:    make(map[pendingKey]*models.PendingOperation),
	}
}

// Begin records a hold for (account, nonce). The caller has already debited amount.
func (g *pendingGuard) Begin(account models.Account, nonce string, amount int64, purpose string, ttl time.Duration, now time.Time) (*models.PendingOperation, error) {
	key := pendingKey{account: account, nonce: nonce}
	if _, exists := g.ops[key]; exists {
		return nil, fmt.Errorf("%s/%s: %w", account, nonce, store.ErrAlreadyPending)
	}
	op := &models.PendingOperation{
		Account:       account,
		Nonce:         nonce,
		Amount:        amount,
		Purpose:       purpose,
		NextAttemptAt: now,
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
	}
	g.ops[key] = op
	metrics.PendingOperations.Set(float64(len(g.ops)))
	return op, nil
}

func (g *pendingGuard) Get(account models.Account, nonce string) (*models.PendingOperation, bool) {
	op, ok := g.ops[pendingKey{account: account, nonce: nonce}]
	return op, ok
}

// Resolve removes the hold. It reports whether a hold was present.
func (g *pendingGuard) Resolve(account models.Account, nonce string) bool {
	key := pendingKey{account: account, nonce: nonce}
	if _, ok := g.ops[key]; !ok {
		return false
	}
	delete(g.ops, key)
	metrics.PendingOperations.Set(float64(len(g.ops)))
	return true
}

// Sweep refunds and removes every hold expired at now. Each refund happens once: the hold
// is gone afterwards, so sweeping again is a no-op.
func (g *pendingGuard) Sweep(now time.Time) int {
	expired := make([]*models.PendingOperation, 0)
	for _, op := range g.ops {
		if !op.ExpiresAt.After(now) {
			expired = append(expired, op)
		}
	}
	sortOperations(expired)

	for _, op := range expired {
		delete(g.ops, pendingKey{account: op.Account, nonce: op.Nonce})
		g.ledger.Credit(op.Account, op.Amount)
		if op.Memo != "" {
			g.memos.SetStatus(op.Memo, models.MemoFailed, "hold expired", now)
		}
		g.events.Append(models.EventExpiredRollback, []models.Account{op.Account}, op.Amount,
			"REFUNDED", op.Memo, fmt.Sprintf("purpose=%s nonce=%s in_flight=%t", op.Purpose, op.Nonce, op.InFlight))
		metrics.ExpiredRollbacksTotal.Inc()
	}
	metrics.PendingOperations.Set(float64(len(g.ops)))
	return len(expired)
}

// ForAccount returns copies of the account's holds, oldest first.
func (g *pendingGuard) ForAccount(account models.Account) []models.PendingOperation {
	ops := make([]*models.PendingOperation, 0)
	for key, op := range g.ops {
		if key.account == account {
			ops = append(ops, op)
		}
	}
	sortOperations(ops)

	out := make([]models.PendingOperation, len(ops))
	for i, op := range ops {
		out[i] = *op
	}
	return out
}

// Resubmittable returns withdrawal holds that are idle and due for another attempt.
func (g *pendingGuard) Resubmittable(now time.Time) []*models.PendingOperation {
	out := make([]*models.PendingOperation, 0)
	for _, op := range g.ops {
		if op.Purpose != models.PurposeWithdrawal || op.InFlight {
			continue
		}
		if op.NextAttemptAt.After(now) || !op.ExpiresAt.After(now) {
			continue
		}
		out = append(out, op)
	}
	sortOperations(out)
	return out
}

// Held sums open holds, optionally restricted to one purpose.
func (g *pendingGuard) Held(account models.Account, purpose string) int64 {
	var total int64
	for key, op := range g.ops {
		if account != "" && key.account != account {
			continue
		}
		if purpose != "" && op.Purpose != purpose {
			continue
		}
		total += op.Amount
	}
	return total
}

func (g *pendingGuard) accounts() []models.Account {
	seen := make(map[models.Account]struct{})
	for key := range g.ops {
		seen[key.account] = struct{}{}
	}
	out := make([]models.Account, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	return out
}

func (g *pendingGuard) list() []models.PendingOperation {
	ops := make([]*models.PendingOperation, 0, len(g.ops))
	for _, op := range g.ops {
		ops = append(ops, op)
	}
	sortOperations(ops)
	out := make([]models.PendingOperation, len(ops))
	for i, op := range ops {
		out[i] = *op
	}
	return out
}

func (g *pendingGuard) restore(ops []models.PendingOperation) {
	g.ops = make(map[pendingKey]*models.PendingOperation, len(ops))
	for i := range ops {
		op := ops[i]
		op.InFlight = false
		g.ops[pendingKey{account: op.Account, nonce: op.Nonce}] = &op
	}
	metrics.PendingOperations.Set(float64(len(g.ops)))
}

func sortOperations(ops []*models.PendingOperation) {
	sort.Slice(ops, func(i, j int) bool {
		if !ops[i].CreatedAt.Equal(ops[j].CreatedAt) {
			return ops[i].CreatedAt.Before(ops[j].CreatedAt)
		}
		if ops[i].Account != ops[j].Account {
			return ops[i].Account < ops[j].Account
		}
		return ops[i].Nonce < ops[j].Nonce
	})
}
