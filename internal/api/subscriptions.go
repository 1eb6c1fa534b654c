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
	"time"

	"virtual-settlement-go/internal/models"

	"go.uber.org/zap"
)

// CreateSubscription registers a recurring charge of amount from payer to payee every cadence.
func (s *LedgerService) CreateSubscription(ctx context.Context, payer, payee models.Account, amount int64, cadence time.Duration) (*models.Subscription, error) {
	sub, err := s.engine.Subscribe(ctx, payer, payee, amount, cadence)
	if err != nil {
		zap.L().Info("Subscription rejected",
			zap.String("payer", string(payer)),
			zap.String("payee", string(payee)),
			zap.Int64("amount", amount),
			zap.Duration("cadence", cadence),
			zap.Error(err))
		return nil, err
	}

	zap.L().Info("Subscription created",
		zap.String("subscription_id", sub.Id),
		zap.String("payer", string(payer)),
		zap.String("payee", string(payee)),
		zap.Int64("amount", amount),
		zap.Time("next_charge_time", sub.NextChargeTime))
	return sub, nil
}

func (s *LedgerService) CancelSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	sub, err := s.engine.CancelSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	zap.L().Info("Subscription cancelled", zap.String("subscription_id", id))
	return sub, nil
}

// ResumeSubscription reactivates a suspended subscription; only its payer may do so.
func (s *LedgerService) ResumeSubscription(ctx context.Context, id string, payer models.Account) (*models.Subscription, error) {
	sub, err := s.engine.ResumeSubscription(ctx, id, payer)
	if err != nil {
		return nil, err
	}
	zap.L().Info("Subscription resumed",
		zap.String("subscription_id", id),
		zap.String("payer", string(payer)))
	return sub, nil
}

func (s *LedgerService) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	return s.engine.Subscription(ctx, id)
}

func (s *LedgerService) ListSubscriptions(ctx context.Context, account models.Account) ([]models.Subscription, error) {
	return s.engine.Subscriptions(ctx, account)
}
