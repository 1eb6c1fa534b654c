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
	"errors"
	"fmt"
	"time"

	"virtual-settlement-go/internal/metrics"
	"virtual-settlement-go/internal/store"

	"go.uber.org/zap"
)

// Start restores the latest snapshot into the engine and begins the periodic loops.
// The engine must already be running.
func (l *SettlementListener) Start(ctx context.Context) error {
	zap.L().Info("Starting settlement listener")

	// Perform startup recovery from the last persisted state
	if err := l.performStartupRecovery(ctx); err != nil {
		zap.L().Error("Startup recovery failed", zap.Error(err))
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	l.loops.Add(3)
	go l.runLoop(ctx, "scheduler", l.schedulerInterval, l.process)
	go l.runLoop(ctx, "reconcile", l.reconcileInterval, l.reconcile)
	go l.runLoop(ctx, "snapshot", l.snapshotInterval, l.persist)
	go func() {
		l.loops.Wait()
		close(l.doneChan)
	}()

	zap.L().Info("Settlement listener started successfully",
		zap.Duration("scheduler_interval", l.schedulerInterval),
		zap.Duration("reconcile_interval", l.reconcileInterval),
		zap.Duration("snapshot_interval", l.snapshotInterval))

	return nil
}

// Stop gracefully stops the loops and writes a final snapshot
func (l *SettlementListener) Stop(ctx context.Context) error {
	zap.L().Info("Stopping settlement listener")
	close(l.stopChan)
	<-l.doneChan

	if err := l.SaveSnapshot(ctx); err != nil {
		return fmt.Errorf("final snapshot failed: %w", err)
	}
	zap.L().Info("Settlement listener stopped")
	return nil
}

// runLoop calls tick every interval until stopped. A tick that overruns the interval
// makes the ticker drop the missed ticks instead of queueing them.
func (l *SettlementListener) runLoop(ctx context.Context, name string, interval time.Duration, tick func(ctx context.Context)) {
	defer l.loops.Done()

	if interval <= 0 {
		zap.L().Warn("Loop disabled", zap.String("loop", name))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tick(ctx)
		case <-l.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *SettlementListener) process(ctx context.Context) {
	report, err := l.engine.Process(ctx, l.pageLimit)
	if err != nil {
		zap.L().Error("Scheduler pass failed", zap.Error(err))
		return
	}

	if report.Charges > 0 || report.Expired > 0 || report.Retried > 0 || report.Suspended > 0 {
		zap.L().Info("Scheduler pass completed",
			zap.Int("visited", report.Visited),
			zap.Int("charges", report.Charges),
			zap.Int("suspended", report.Suspended),
			zap.Int("expired", report.Expired),
			zap.Int("retried", report.Retried),
			zap.Bool("wrapped", report.Wrapped))
		l.persist(ctx)
	}
}

func (l *SettlementListener) reconcile(ctx context.Context) {
	report, err := l.engine.Reconcile(ctx)
	if err != nil {
		zap.L().Error("Reconciliation failed", zap.Error(err))
		return
	}
	if report.DriftCount > 0 || !report.ConservationOk {
		zap.L().Warn("Reconciliation found discrepancies",
			zap.Int("drift_count", report.DriftCount),
			zap.Bool("conservation_ok", report.ConservationOk))
	}
}

func (l *SettlementListener) persist(ctx context.Context) {
	if err := l.SaveSnapshot(ctx); err != nil {
		zap.L().Error("Snapshot failed", zap.Error(err))
	}
}

// SaveSnapshot exports the engine state and stores it under the next version.
func (l *SettlementListener) SaveSnapshot(ctx context.Context) error {
	l.snapshotMu.Lock()
	defer l.snapshotMu.Unlock()

	snap, err := l.engine.Export(ctx)
	if err != nil {
		return fmt.Errorf("failed to export engine state: %w", err)
	}
	snap.Version = l.version
	if err := l.store.SaveSnapshot(ctx, snap); err != nil {
		metrics.SnapshotSavesTotal.WithLabelValues("error").Inc()
		if errors.Is(err, store.ErrConcurrentModification) {
			zap.L().Error("Snapshot store was written by another process",
				zap.Int64("expected_version", l.version))
		}
		return err
	}
	l.version = snap.Version
	if err := l.engine.MarkEventsPersisted(ctx, snap.NextEventSeq-1); err != nil {
		zap.L().Warn("Failed to release persisted events", zap.Error(err))
	}
	metrics.SnapshotSavesTotal.WithLabelValues("ok").Inc()
	metrics.SnapshotVersion.Set(float64(snap.Version))

	zap.L().Debug("Snapshot saved",
		zap.Int64("version", snap.Version),
		zap.Int("accounts", len(snap.Accounts)),
		zap.Int("pending_operations", len(snap.PendingOperations)))
	return nil
}

// performStartupRecovery loads the last snapshot; an empty store starts fresh
func (l *SettlementListener) performStartupRecovery(ctx context.Context) error {
	zap.L().Info("Starting startup recovery process")

	snap, err := l.store.LoadSnapshot(ctx)
	if errors.Is(err, store.ErrNoSnapshot) {
		zap.L().Info("No snapshot found, starting with empty state")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	if err := l.engine.Import(ctx, snap); err != nil {
		return fmt.Errorf("failed to import snapshot: %w", err)
	}

	l.snapshotMu.Lock()
	l.version = snap.Version
	l.snapshotMu.Unlock()

	zap.L().Info("Startup recovery completed successfully",
		zap.Int64("version", snap.Version),
		zap.Time("taken_at", snap.TakenAt),
		zap.Int("accounts", len(snap.Accounts)),
		zap.Int("subscriptions", len(snap.Subscriptions)),
		zap.Int("pending_operations", len(snap.PendingOperations)))
	return nil
}
