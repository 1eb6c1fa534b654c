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

	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"

	"go.uber.org/zap"
)

// ErrSandboxDisabled is returned by FundSandbox when the engine runs against a real ledger.
var ErrSandboxDisabled = errors.New("sandbox gateway not enabled")

// ProcessDeposit credits account with funds the external ledger has confirmed
func (s *LedgerService) ProcessDeposit(ctx context.Context, account models.Account, claimed int64) (*models.DepositResult, error) {
	zap.L().Info("Processing deposit notification",
		zap.String("account", string(account)),
		zap.Int64("claimed", claimed))

	if account == "" || claimed <= 0 {
		return nil, fmt.Errorf("invalid deposit parameters: %w", store.ErrInvalidAmount)
	}

	result, err := s.engine.NotifyDeposit(ctx, account, claimed)
	if err != nil {
		if errors.Is(err, store.ErrDepositNotConfirmed) {
			zap.L().Warn("Deposit not backed by external ledger",
				zap.String("account", string(account)),
				zap.Int64("claimed", claimed))
		} else {
			zap.L().Error("Deposit processing failed",
				zap.String("account", string(account)),
				zap.Int64("claimed", claimed),
				zap.Error(err))
		}
		return nil, err
	}

	zap.L().Info("Deposit processed successfully",
		zap.String("account", string(account)),
		zap.Int64("credited", result.Credited),
		zap.Int64("new_balance", result.NewBalance))
	return result, nil
}

// FundSandbox moves funds into the sandbox ledger as if they arrived from outside.
func (s *LedgerService) FundSandbox(identity string, amount int64) error {
	if s.sandbox == nil {
		return ErrSandboxDisabled
	}
	if identity == "" || amount <= 0 {
		return fmt.Errorf("invalid sandbox funding: %w", store.ErrInvalidAmount)
	}
	s.sandbox.Fund(identity, amount)
	return nil
}
