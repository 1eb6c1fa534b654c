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

type EventKind string

const (
	EventDepositConfirmed      EventKind = "DEPOSIT_CONFIRMED"
	EventDepositRejected       EventKind = "DEPOSIT_REJECTED"
	EventWithdrawalRequested   EventKind = "WITHDRAWAL_REQUESTED"
	EventWithdrawalConfirmed   EventKind = "WITHDRAWAL_CONFIRMED"
	EventGatewayRetryable      EventKind = "GATEWAY_RETRYABLE"
	EventGatewayFatalRollback  EventKind = "GATEWAY_FATAL_ROLLBACK"
	EventExpiredRollback       EventKind = "EXPIRED_ROLLBACK"
	EventSubscriptionCreated   EventKind = "SUBSCRIPTION_CREATED"
	EventSubscriptionDue       EventKind = "SUBSCRIPTION_DUE"
	EventSubscriptionCharged   EventKind = "SUBSCRIPTION_CHARGED"
	EventSubscriptionSuspended EventKind = "SUBSCRIPTION_SUSPENDED"
	EventSubscriptionResumed   EventKind = "SUBSCRIPTION_RESUMED"
	EventSubscriptionCancelled EventKind = "SUBSCRIPTION_CANCELLED"
	EventSubscriptionSkipped   EventKind = "SUBSCRIPTION_SKIPPED"
	EventReconciliationDrift   EventKind = "RECONCILIATION_DRIFT"
	EventInvariantViolation    EventKind = "INVARIANT_VIOLATION"
	EventAccountCleared        EventKind = "ACCOUNT_CLEARED"
	EventAdminCorrection       EventKind = "ADMIN_CORRECTION"
)

// EventLogEntry is one immutable record of the audit trail
type EventLogEntry struct {
	Seq       int64     `json:"seq" db:"seq"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Kind      EventKind `json:"kind" db:"kind"`
	Accounts  []Account `json:"accounts" db:"accounts"`
	Amount    int64     `json:"amount" db:"amount"`
	Outcome   string    `json:"outcome" db:"outcome"`
	Reference string    `json:"reference,omitempty" db:"reference"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
}
