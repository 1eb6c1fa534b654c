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
	"fmt"

	"virtual-settlement-go/internal/models"

	"go.uber.org/zap"
)

// AccountView is the account-holder view of one account
type AccountView struct {
	models.AccountState
	Held          int64                 `json:"held"`
	Subscriptions []models.Subscription `json:"subscriptions"`
}

// GetAccount returns the balance, holds and subscriptions of account
func (s *LedgerService) GetAccount(ctx context.Context, account models.Account) (*AccountView, error) {
	if account == "" {
		return nil, fmt.Errorf("account is required")
	}

	state, err := s.engine.Account(ctx, account)
	if err != nil {
		zap.L().Error("Failed to get account", zap.String("account", string(account)), zap.Error(err))
		return nil, err
	}

	pending, err := s.engine.PendingOperations(ctx, account)
	if err != nil {
		return nil, err
	}
	subs, err := s.engine.Subscriptions(ctx, account)
	if err != nil {
		return nil, err
	}

	view := &AccountView{AccountState: *state, Subscriptions: subs}
	for _, op := range pending {
		view.Held += op.Amount
	}
	return view, nil
}

func (s *LedgerService) GetBalance(ctx context.Context, account models.Account) (int64, error) {
	if account == "" {
		return 0, fmt.Errorf("account is required")
	}
	return s.engine.Balance(ctx, account)
}
