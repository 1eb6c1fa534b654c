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

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"

	"go.uber.org/zap"
)

// SaveSnapshot replaces the stored state with snap in one transaction. snap.Version must match
// the stored version (0 for the first save); on success it is incremented.
func (s *Service) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stored int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM snapshot_meta WHERE id = 1`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		stored = 0
	case err != nil:
		return fmt.Errorf("failed to read snapshot version: %w", err)
	}
	if stored != snap.Version {
		zap.L().Warn("Snapshot version mismatch",
			zap.Int64("stored_version", stored),
			zap.Int64("snapshot_version", snap.Version))
		return fmt.Errorf("%w: stored version %d, snapshot version %d", store.ErrConcurrentModification, stored, snap.Version)
	}

	if stored == 0 {
		_, err = tx.ExecContext(ctx, queryInsertSnapshotMeta,
			toNanos(snap.TakenAt), snap.TotalDeposits, snap.TotalWithdrawals, snap.NextEventSeq,
			snap.Cursor.Position, toNanos(snap.Cursor.LastRunAt))
	} else {
		var result sql.Result
		result, err = tx.ExecContext(ctx, queryUpdateSnapshotMeta,
			toNanos(snap.TakenAt), snap.TotalDeposits, snap.TotalWithdrawals, snap.NextEventSeq,
			snap.Cursor.Position, toNanos(snap.Cursor.LastRunAt), stored)
		if err == nil {
			if rows, rowsErr := result.RowsAffected(); rowsErr == nil && rows == 0 {
				return fmt.Errorf("%w: version %d changed during save", store.ErrConcurrentModification, stored)
			}
		}
	}
	if err != nil {
		return fmt.Errorf("failed to write snapshot header: %w", err)
	}

	if err := replaceState(ctx, tx, snap); err != nil {
		return err
	}
	if err := appendEvents(ctx, tx, snap.Events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	snap.Version = stored + 1

	zap.L().Debug("Snapshot saved",
		zap.Int64("version", snap.Version),
		zap.Int("accounts", len(snap.Accounts)),
		zap.Int("events", len(snap.Events)))
	return nil
}

func replaceState(ctx context.Context, tx *sql.Tx, snap *models.Snapshot) error {
	for _, q := range []string{queryDeleteAccounts, queryDeleteSubscriptions, queryDeletePendingOperations, queryDeleteMemos} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to clear snapshot state: %w", err)
		}
	}

	for _, a := range snap.Accounts {
		if _, err := tx.ExecContext(ctx, queryInsertAccount, string(a.Account), a.Balance, a.NetExternal, a.FrozenReason); err != nil {
			return fmt.Errorf("failed to insert account %s: %w", a.Account, err)
		}
	}
	for _, sub := range snap.Subscriptions {
		if _, err := tx.ExecContext(ctx, queryInsertSubscription,
			sub.Id, string(sub.Payer), string(sub.Payee), sub.Amount, int64(sub.Cadence),
			toNanos(sub.NextChargeTime), string(sub.State), sub.ChargeCount,
			toNanos(sub.CreatedAt), toNanos(sub.UpdatedAt)); err != nil {
			return fmt.Errorf("failed to insert subscription %s: %w", sub.Id, err)
		}
	}
	for _, op := range snap.PendingOperations {
		if _, err := tx.ExecContext(ctx, queryInsertPendingOperation,
			string(op.Account), op.Nonce, op.Amount, op.Purpose, op.Counterparty, op.Memo, op.Attempts,
			toNanos(op.NextAttemptAt), toNanos(op.ExpiresAt), toNanos(op.CreatedAt)); err != nil {
			return fmt.Errorf("failed to insert pending operation %s/%s: %w", op.Account, op.Nonce, err)
		}
	}
	for _, m := range snap.Memos {
		if _, err := tx.ExecContext(ctx, queryInsertMemo,
			m.Key, string(m.Account), m.Nonce, m.Amount, string(m.Status), m.Attempts, m.LastError,
			toNanos(m.CreatedAt), toNanos(m.UpdatedAt)); err != nil {
			return fmt.Errorf("failed to insert memo %s: %w", m.Key, err)
		}
	}
	return nil
}

// appendEvents inserts events not stored yet. Existing sequence numbers are left untouched.
func appendEvents(ctx context.Context, tx *sql.Tx, events []models.EventLogEntry) error {
	for _, e := range events {
		accounts, err := json.Marshal(e.Accounts)
		if err != nil {
			return fmt.Errorf("failed to encode event %d accounts: %w", e.Seq, err)
		}
		if _, err := tx.ExecContext(ctx, queryInsertEvent,
			e.Seq, toNanos(e.Timestamp), string(e.Kind), string(accounts), e.Amount, e.Outcome, e.Reference, e.Detail); err != nil {
			return fmt.Errorf("failed to insert event %d: %w", e.Seq, err)
		}
	}
	return nil
}

// LoadSnapshot returns the stored state, or store.ErrNoSnapshot if nothing was saved yet.
func (s *Service) LoadSnapshot(ctx context.Context) (*models.Snapshot, error) {
	snap := &models.Snapshot{}
	var takenAt, lastRunAt int64
	err := s.db.QueryRowContext(ctx, queryGetSnapshotMeta).Scan(
		&snap.Version, &takenAt, &snap.TotalDeposits, &snap.TotalWithdrawals, &snap.NextEventSeq,
		&snap.Cursor.Position, &lastRunAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot header: %w", err)
	}
	snap.TakenAt = fromNanos(takenAt)
	snap.Cursor.LastRunAt = fromNanos(lastRunAt)

	if snap.Accounts, err = s.loadAccounts(ctx); err != nil {
		return nil, err
	}
	if snap.Subscriptions, err = s.loadSubscriptions(ctx); err != nil {
		return nil, err
	}
	if snap.PendingOperations, err = s.loadPendingOperations(ctx); err != nil {
		return nil, err
	}
	if snap.Memos, err = s.loadMemos(ctx); err != nil {
		return nil, err
	}
	if snap.Events, err = s.loadEventTail(ctx, eventTailLimit); err != nil {
		return nil, err
	}

	zap.L().Info("Snapshot loaded",
		zap.Int64("version", snap.Version),
		zap.Time("taken_at", snap.TakenAt),
		zap.Int("accounts", len(snap.Accounts)),
		zap.Int("subscriptions", len(snap.Subscriptions)))
	return snap, nil
}

func (s *Service) loadAccounts(ctx context.Context) ([]models.AccountState, error) {
	rows, err := s.db.QueryContext(ctx, queryGetAccounts)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.AccountState
	for rows.Next() {
		var a models.AccountState
		if err := rows.Scan(&a.Account, &a.Balance, &a.NetExternal, &a.FrozenReason); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Service) loadSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, queryGetSubscriptions)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		var (
			sub                        models.Subscription
			cadence                    int64
			next, createdAt, updatedAt int64
		)
		if err := rows.Scan(&sub.Id, &sub.Payer, &sub.Payee, &sub.Amount, &cadence, &next,
			&sub.State, &sub.ChargeCount, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		sub.Cadence = time.Duration(cadence)
		sub.NextChargeTime = fromNanos(next)
		sub.CreatedAt = fromNanos(createdAt)
		sub.UpdatedAt = fromNanos(updatedAt)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *Service) loadPendingOperations(ctx context.Context) ([]models.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, queryGetPendingOperations)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}
	defer rows.Close()

	var ops []models.PendingOperation
	for rows.Next() {
		var (
			op                            models.PendingOperation
			nextAttempt, expires, created int64
		)
		if err := rows.Scan(&op.Account, &op.Nonce, &op.Amount, &op.Purpose, &op.Counterparty, &op.Memo,
			&op.Attempts, &nextAttempt, &expires, &created); err != nil {
			return nil, fmt.Errorf("failed to scan pending operation: %w", err)
		}
		op.NextAttemptAt = fromNanos(nextAttempt)
		op.ExpiresAt = fromNanos(expires)
		op.CreatedAt = fromNanos(created)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *Service) loadMemos(ctx context.Context) ([]models.IdempotencyMemo, error) {
	rows, err := s.db.QueryContext(ctx, queryGetMemos)
	if err != nil {
		return nil, fmt.Errorf("failed to query memos: %w", err)
	}
	defer rows.Close()

	var memos []models.IdempotencyMemo
	for rows.Next() {
		var (
			m                  models.IdempotencyMemo
			createdAt, updated int64
		)
		if err := rows.Scan(&m.Key, &m.Account, &m.Nonce, &m.Amount, &m.Status, &m.Attempts, &m.LastError,
			&createdAt, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan memo: %w", err)
		}
		m.CreatedAt = fromNanos(createdAt)
		m.UpdatedAt = fromNanos(updated)
		memos = append(memos, m)
	}
	return memos, rows.Err()
}
