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

	"virtual-settlement-go/internal/engine"
	"virtual-settlement-go/internal/gateway"
	"virtual-settlement-go/internal/store"
)

// LedgerService is the account-holder and operator facade over a running engine
type LedgerService struct {
	engine  *engine.Engine
	store   store.SnapshotStore
	sandbox *gateway.Sandbox
}

// NewLedgerService wires the facade. snapshots and sandbox may be nil.
func NewLedgerService(e *engine.Engine, snapshots store.SnapshotStore, sandbox *gateway.Sandbox) *LedgerService {
	return &LedgerService{
		engine:  e,
		store:   snapshots,
		sandbox: sandbox,
	}
}

func (s *LedgerService) HealthCheck(ctx context.Context) error {
	if _, err := s.engine.BillingCursor(ctx); err != nil {
		return fmt.Errorf("engine health check failed: %w", err)
	}
	if s.store != nil {
		if _, err := s.store.ListEvents(ctx, time.Now(), 1); err != nil {
			return fmt.Errorf("snapshot store health check failed: %w", err)
		}
	}
	return nil
}
