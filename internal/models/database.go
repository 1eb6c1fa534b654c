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

// Account is an opaque account identifier supplied by the caller layer
type Account string

type SubscriptionState string

const (
	SubscriptionActive    SubscriptionState = "ACTIVE"
	SubscriptionSuspended SubscriptionState = "SUSPENDED"
	SubscriptionCancelled SubscriptionState = "CANCELLED"
)

// Subscription is a recurring billing agreement between two accounts
type Subscription struct {
	Id             string            `json:"id" db:"id"`
	Payer          Account           `json:"payer" db:"payer"`
	Payee          Account           `json:"payee" db:"payee"`
	Amount         int64             `json:"amount" db:"amount"`
	Cadence        time.Duration     `json:"cadence" db:"cadence_ns"`
	NextChargeTime time.Time         `json:"next_charge_time" db:"next_charge_time"`
	State          SubscriptionState `json:"state" db:"state"`
	ChargeCount    int64             `json:"charge_count" db:"charge_count"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

const (
	PurposeWithdrawal         = "withdrawal"
	PurposeSubscriptionCharge = "subscription_charge"
)

// PendingOperation is a hold on funds already debited while an operation is in flight
type PendingOperation struct {
	Account       Account   `json:"account" db:"account"`
	Nonce         string    `json:"nonce" db:"nonce"`
	Amount        int64     `json:"amount" db:"amount"`
	Purpose       string    `json:"purpose" db:"purpose"`
	Counterparty  string    `json:"counterparty,omitempty" db:"counterparty"`
	Memo          string    `json:"memo,omitempty" db:"memo"`
	Attempts      int       `json:"attempts" db:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at" db:"next_attempt_at"`
	ExpiresAt     time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`

	// InFlight is true while a gateway call for this hold is outstanding.
	// It is not persisted; restored holds are resubmitted by the next pass.
	InFlight bool `json:"in_flight" db:"-"`
}

type MemoStatus string

const (
	MemoPending   MemoStatus = "PENDING"
	MemoConfirmed MemoStatus = "CONFIRMED"
	MemoFailed    MemoStatus = "FAILED"
)

// IdempotencyMemo records one logical settlement attempt
type IdempotencyMemo struct {
	Key       string     `json:"key" db:"key"`
	Account   Account    `json:"account" db:"account"`
	Nonce     string     `json:"nonce" db:"nonce"`
	Amount    int64      `json:"amount" db:"amount"`
	Status    MemoStatus `json:"status" db:"status"`
	Attempts  int        `json:"attempts" db:"attempts"`
	LastError string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// BillingCursor is the resumption point of paginated scheduler passes
type BillingCursor struct {
	Position  string    `json:"position" db:"position"`
	LastRunAt time.Time `json:"last_run_at" db:"last_run_at"`
}

// AccountState is the durable per-account view used by snapshots
type AccountState struct {
	Account      Account `json:"account" db:"account"`
	Balance      int64   `json:"balance" db:"balance"`
	NetExternal  int64   `json:"net_external" db:"net_external"`
	FrozenReason string  `json:"frozen_reason,omitempty" db:"frozen_reason"`
}

// Snapshot is the exported durable state of an engine
type Snapshot struct {
	Version           int64              `json:"version"`
	TakenAt           time.Time          `json:"taken_at"`
	Accounts          []AccountState     `json:"accounts"`
	TotalDeposits     int64              `json:"total_deposits"`
	TotalWithdrawals  int64              `json:"total_withdrawals"`
	Subscriptions     []Subscription     `json:"subscriptions"`
	PendingOperations []PendingOperation `json:"pending_operations"`
	Memos             []IdempotencyMemo  `json:"memos"`
	Cursor            BillingCursor      `json:"cursor"`
	Events            []EventLogEntry    `json:"events"`
	NextEventSeq      int64              `json:"next_event_seq"`
}
