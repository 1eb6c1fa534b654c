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

// Config represents the application configuration
type Config struct {
	Database DatabaseConfig
	Engine   EngineConfig
	Listener ListenerConfig
	Gateway  GatewayConfig
	Http     HttpConfig
}

// DatabaseConfig holds snapshot store connection settings
type DatabaseConfig struct {
	Backend         string // "sqlite" or "postgres"
	Path            string
	PostgresUrl     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// EngineConfig holds settlement engine settings
type EngineConfig struct {
	AssetSymbol       string
	PendingTtl        time.Duration
	RetryBackoff      time.Duration
	PageLimit         int
	MaxChargesPerPass int // periods charged per scheduler pass, across subscriptions
	MinCadence        time.Duration
	EventLogCapacity  int
	MemoRetention     time.Duration
	GatewayTimeout    time.Duration
	// SettlementIdentities maps accounts to their identity on the external ledger.
	// Accounts not listed fall back to IdentityPrefix + account.
	SettlementIdentities map[Account]string
	IdentityPrefix       string
}

// ListenerConfig holds the periodic trigger settings
type ListenerConfig struct {
	SchedulerInterval time.Duration
	ReconcileInterval time.Duration
	SnapshotInterval  time.Duration
	AccountsFile      string
}

// GatewayConfig selects and configures the external settlement backend
type GatewayConfig struct {
	Backend string // "sandbox", "formance" or "prime"
	Retry   RetryPolicy

	FormanceUrl          string
	FormanceClientId     string
	FormanceClientSecret string
	FormanceLedger       string

	PrimePortfolioId string
	PrimeWalletId    string
	PrimeNetwork     string
}

// RetryPolicy bounds in-call retries of retryable gateway errors
type RetryPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	MaximumAttempts    int
}

// HttpConfig holds the API listener settings
type HttpConfig struct {
	Addr string
}
