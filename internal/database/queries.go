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

const (
	// Snapshot metadata
	queryGetSnapshotMeta = `
		SELECT version, taken_at, total_deposits, total_withdrawals, next_event_seq, cursor_position, cursor_last_run_at
		FROM snapshot_meta
		WHERE id = 1`

	queryInsertSnapshotMeta = `
		INSERT INTO snapshot_meta (id, version, taken_at, total_deposits, total_withdrawals, next_event_seq, cursor_position, cursor_last_run_at)
		VALUES (1, 1, ?, ?, ?, ?, ?, ?)`

	queryUpdateSnapshotMeta = `
		UPDATE snapshot_meta
		SET version = version + 1, taken_at = ?, total_deposits = ?, total_withdrawals = ?,
		    next_event_seq = ?, cursor_position = ?, cursor_last_run_at = ?
		WHERE id = 1 AND version = ?`

	// Accounts
	queryDeleteAccounts = `DELETE FROM accounts`

	queryInsertAccount = `
		INSERT INTO accounts (account, balance, net_external, frozen_reason)
		VALUES (?, ?, ?, ?)`

	queryGetAccounts = `
		SELECT account, balance, net_external, frozen_reason
		FROM accounts
		ORDER BY account`

	// Subscriptions
	queryDeleteSubscriptions = `DELETE FROM subscriptions`

	queryInsertSubscription = `
		INSERT INTO subscriptions (id, payer, payee, amount, cadence_ns, next_charge_time, state, charge_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetSubscriptions = `
		SELECT id, payer, payee, amount, cadence_ns, next_charge_time, state, charge_count, created_at, updated_at
		FROM subscriptions
		ORDER BY id`

	// Pending operations
	queryDeletePendingOperations = `DELETE FROM pending_operations`

	queryInsertPendingOperation = `
		INSERT INTO pending_operations (account, nonce, amount, purpose, counterparty, memo, attempts, next_attempt_at, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetPendingOperations = `
		SELECT account, nonce, amount, purpose, counterparty, memo, attempts, next_attempt_at, expires_at, created_at
		FROM pending_operations
		ORDER BY created_at, account, nonce`

	// Idempotency memos
	queryDeleteMemos = `DELETE FROM idempotency_memos`

	queryInsertMemo = `
		INSERT INTO idempotency_memos (key, account, nonce, amount, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetMemos = `
		SELECT key, account, nonce, amount, status, attempts, last_error, created_at, updated_at
		FROM idempotency_memos
		ORDER BY created_at, key`

	// Event log (append-only)
	queryInsertEvent = `
		INSERT OR IGNORE INTO event_log (seq, timestamp, kind, accounts, amount, outcome, reference, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetEventTail = `
		SELECT seq, timestamp, kind, accounts, amount, outcome, reference, detail
		FROM event_log
		ORDER BY seq DESC
		LIMIT ?`

	queryGetEventsSince = `
		SELECT seq, timestamp, kind, accounts, amount, outcome, reference, detail
		FROM event_log
		WHERE timestamp >= ?
		ORDER BY seq
		LIMIT ?`
)
