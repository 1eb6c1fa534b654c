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
	"time"

	"virtual-settlement-go/internal/models"

	"go.uber.org/zap"
)

const (
	defaultProcessLimit = 100
	maxHistoryLimit     = 1000
)

// RunScheduler triggers one scheduler pass. limit <= 0 uses the default page size.
func (s *LedgerService) RunScheduler(ctx context.Context, limit int) (*models.ProcessReport, error) {
	if limit <= 0 {
		limit = defaultProcessLimit
	}
	return s.engine.ManualProcess(ctx, limit)
}

func (s *LedgerService) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.engine.Sweep(ctx)
	if err != nil {
		return 0, err
	}
	zap.L().Info("Manual expiry sweep", zap.Int("expired", n))
	return n, nil
}

// RecentEvents returns in-memory events at or after since.
func (s *LedgerService) RecentEvents(ctx context.Context, since time.Time) ([]models.EventLogEntry, error) {
	return s.engine.EventLog(ctx, since)
}

// EventHistory reads persisted events from the snapshot store, which keeps entries the
// in-memory log has already dropped.
func (s *LedgerService) EventHistory(ctx context.Context, since time.Time, limit int) ([]models.EventLogEntry, error) {
	if s.store == nil {
		return nil, fmt.Errorf("no snapshot store configured")
	}
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.store.ListEvents(ctx, since, limit)
}

func (s *LedgerService) LastReconciliation(ctx context.Context) (*models.ReconciliationReport, error) {
	return s.engine.ReconciliationReport(ctx)
}

func (s *LedgerService) Reconcile(ctx context.Context) (*models.ReconciliationReport, error) {
	report, err := s.engine.Reconcile(ctx)
	if err != nil {
		zap.L().Error("Reconciliation failed", zap.Error(err))
		return nil, err
	}
	return report, nil
}

// ClearFreeze lifts the freeze on account after operator review.
func (s *LedgerService) ClearFreeze(ctx context.Context, account models.Account, reason string) error {
	if err := s.engine.ClearFreeze(ctx, account, reason); err != nil {
		return err
	}
	zap.L().Warn("Account freeze cleared",
		zap.String("account", string(account)),
		zap.String("reason", reason))
	return nil
}

func (s *LedgerService) CorrectBalance(ctx context.Context, account models.Account, delta int64, reason string) (int64, error) {
	balance, err := s.engine.CorrectBalance(ctx, account, delta, reason)
	if err != nil {
		return 0, err
	}
	zap.L().Warn("Balance corrected by operator",
		zap.String("account", string(account)),
		zap.Int64("delta", delta),
		zap.Int64("new_balance", balance),
		zap.String("reason", reason))
	return balance, nil
}
