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

package listener

import (
	"context"
	"sync"
	"time"

	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"
)

// Engine is the part of the settlement engine the listener drives
type Engine interface {
	Process(ctx context.Context, limit int) (*models.ProcessReport, error)
	Reconcile(ctx context.Context) (*models.ReconciliationReport, error)
	Export(ctx context.Context) (*models.Snapshot, error)
	MarkEventsPersisted(ctx context.Context, seq int64) error
	Import(ctx context.Context, snap *models.Snapshot) error
}

// SettlementListenerConfig contains configuration for SettlementListener
type SettlementListenerConfig struct {
	Engine            Engine
	Store             store.SnapshotStore
	PageLimit         int
	SchedulerInterval time.Duration
	ReconcileInterval time.Duration
	SnapshotInterval  time.Duration
}

// SettlementListener triggers scheduler passes and reconciliation runs on the engine
// and persists its state
type SettlementListener struct {
	engine Engine
	store  store.SnapshotStore

	pageLimit         int
	schedulerInterval time.Duration
	reconcileInterval time.Duration
	snapshotInterval  time.Duration

	// snapshotMu serializes saves so the stored version only moves forward.
	snapshotMu sync.Mutex
	version    int64

	// Control channels
	stopChan chan struct{}
	doneChan chan struct{}
	loops    sync.WaitGroup
}

// NewSettlementListener creates a new settlement listener
func NewSettlementListener(cfg SettlementListenerConfig) *SettlementListener {
	return &SettlementListener{
		engine:            cfg.Engine,
		store:             cfg.Store,
		pageLimit:         cfg.PageLimit,
		schedulerInterval: cfg.SchedulerInterval,
		reconcileInterval: cfg.ReconcileInterval,
		snapshotInterval:  cfg.SnapshotInterval,
		stopChan:          make(chan struct{}),
		doneChan:          make(chan struct{}),
	}
}

// SnapshotVersion returns the version of the last snapshot loaded or saved.
func (l *SettlementListener) SnapshotVersion() int64 {
	l.snapshotMu.Lock()
	defer l.snapshotMu.Unlock()
	return l.version
}
