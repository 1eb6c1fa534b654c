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
	"errors"
	"fmt"

	"virtual-settlement-go/internal/engine"
	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"

	"go.uber.org/zap"
)

// ProcessWithdrawal debits account and settles the amount to destination on the external ledger.
// Gateway failures are reported in the result outcome, not as errors.
func (s *LedgerService) ProcessWithdrawal(ctx context.Context, account models.Account, amount int64, destination string) (*models.WithdrawalResult, error) {
	if account == "" || amount <= 0 {
		return nil, fmt.Errorf("invalid withdrawal parameters: %w", store.ErrInvalidAmount)
	}

	zap.L().Info("Processing withdrawal",
		zap.String("account", string(account)),
		zap.Int64("amount", amount),
		zap.String("destination", destination))

	result, err := s.engine.Withdraw(ctx, account, amount, destination)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientFunds):
			zap.L().Info("Withdrawal rejected for insufficient funds",
				zap.String("account", string(account)),
				zap.Int64("amount", amount))
		case engine.IsFrozen(err):
			zap.L().Warn("Withdrawal refused on frozen account",
				zap.String("account", string(account)),
				zap.Error(err))
		default:
			zap.L().Error("Withdrawal processing failed",
				zap.String("account", string(account)),
				zap.Int64("amount", amount),
				zap.Error(err))
		}
		return nil, err
	}

	zap.L().Info("Withdrawal processed",
		zap.String("account", string(account)),
		zap.String("memo", result.Memo),
		zap.String("outcome", string(result.Outcome)),
		zap.Int64("new_balance", result.NewBalance))
	return result, nil
}

// PendingWithdrawals lists the open holds of account
func (s *LedgerService) PendingWithdrawals(ctx context.Context, account models.Account) ([]models.PendingOperation, error) {
	if account == "" {
		return nil, fmt.Errorf("account is required")
	}
	return s.engine.PendingOperations(ctx, account)
}
