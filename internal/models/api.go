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

package models

import "time"

type WithdrawalOutcome string

const (
	// WithdrawalConfirmed means the gateway confirmed the transfer
	WithdrawalConfirmed WithdrawalOutcome = "CONFIRMED"
	// WithdrawalPending means the gateway reported a retryable failure; the hold remains
	WithdrawalPending WithdrawalOutcome = "PENDING"
	// WithdrawalRolledBack means the gateway failed permanently and the debit was refunded
	WithdrawalRolledBack WithdrawalOutcome = "ROLLED_BACK"
	// WithdrawalExpired means the hold was swept before the gateway answered
	WithdrawalExpired WithdrawalOutcome = "EXPIRED"
)

// WithdrawalResult represents the result of a withdrawal request
type WithdrawalResult struct {
	Account     Account           `json:"account"`
	Nonce       string            `json:"nonce"`
	Memo        string            `json:"memo"`
	Amount      int64             `json:"amount"`
	Destination string            `json:"destination"`
	Outcome     WithdrawalOutcome `json:"outcome"`
	NewBalance  int64             `json:"new_balance"`
	Reason      string            `json:"reason,omitempty"`
}

// DepositResult represents the result of a deposit notification
type DepositResult struct {
	Account    Account `json:"account"`
	Claimed    int64   `json:"claimed"`
	Credited   int64   `json:"credited"`
	NewBalance int64   `json:"new_balance"`
}

// ProcessReport summarizes one scheduler pass
type ProcessReport struct {
	StartedAt time.Time     `json:"started_at"`
	Expired   int           `json:"expired"`
	Retried   int           `json:"retried"`
	Visited   int           `json:"visited"`
	Charges   int           `json:"charges"`
	Suspended int           `json:"suspended"`
	Skipped   int           `json:"skipped"`
	Deferred  bool          `json:"deferred"` // charge budget ran out with periods still owed
	Wrapped   bool          `json:"wrapped"`
	Cursor    BillingCursor `json:"cursor"`
}

// ReconciliationEntry compares one account against the external ledger
type ReconciliationEntry struct {
	Account  Account `json:"account"`
	Identity string  `json:"identity"`
	Expected int64   `json:"expected"`
	InFlight int64   `json:"in_flight"`
	External int64   `json:"external"`
	Drift    int64   `json:"drift"`
	Ok       bool    `json:"ok"`
	Error    string  `json:"error,omitempty"`
}

// ReconciliationReport is the output of one reconciliation run
type ReconciliationReport struct {
	RunAt            time.Time             `json:"run_at"`
	Entries          []ReconciliationEntry `json:"entries"`
	DriftCount       int                   `json:"drift_count"`
	TotalBalances    int64                 `json:"total_balances"`
	TotalHeld        int64                 `json:"total_held"`
	TotalDeposits    int64                 `json:"total_deposits"`
	TotalWithdrawals int64                 `json:"total_withdrawals"`
	ConservationOk   bool                  `json:"conservation_ok"`
}
