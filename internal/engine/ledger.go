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
	"sort"

	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"
)

// balanceLedger owns the internal balances. It is only touched from the engine loop,
// so credit and debit are single indivisible steps relative to the message stream.
type balanceLedger struct {
	balances map[models.Account]int64
}

func newBalanceLedger() *balanceLedger {
	return &balanceLedger{balances: make(map[models.Account]int64)}
}

// Credit adds amount to account. Non-positive amounts are ignored.
func (l *balanceLedger) Credit(account models.Account, amount int64) {
	if amount <= 0 {
		return
	}
	l.balances[account] += amount
}

// Debit subtracts amount from account or returns store.ErrInsufficientFunds
// leaving the balance untouched.
func (l *balanceLedger) Debit(account models.Account, amount int64) error {
	if amount <= 0 {
		return store.ErrInvalidAmount
	}
	balance := l.balances[account]
	if balance < amount {
		return store.ErrInsufficientFunds
	}
	if balance == amount {
		delete(l.balances, account)
		return nil
	}
	l.balances[account] = balance - amount
	return nil
}

func (l *balanceLedger) Balance(account models.Account) int64 {
	return l.balances[account]
}

func (l *balanceLedger) Total() int64 {
	var total int64
	for _, b := range l.balances {
		total += b
	}
	return total
}

// Accounts returns every account with a non-zero balance in sorted order.
func (l *balanceLedger) Accounts() []models.Account {
	accounts := make([]models.Account, 0, len(l.balances))
	for a := range l.balances {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })
	return accounts
}

func (l *balanceLedger) restore(balances map[models.Account]int64) {
	l.balances = make(map[models.Account]int64, len(balances))
	for a, b := range balances {
		if b > 0 {
			l.balances[a] = b
		}
	}
}
