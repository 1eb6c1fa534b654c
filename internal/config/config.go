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

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"virtual-settlement-go/internal/models"
)

func Load() (*models.Config, error) {
	durations := map[string]time.Duration{
		"DB_CONN_MAX_LIFETIME":  5 * time.Minute,
		"DB_CONN_MAX_IDLE_TIME": 30 * time.Second,
		"DB_PING_TIMEOUT":       5 * time.Second,
		"PENDING_TTL":           15 * time.Minute,
		"RETRY_BACKOFF":         30 * time.Second,
		"MEMO_RETENTION":        7 * 24 * time.Hour,
		"MIN_CADENCE":           time.Minute,
		"GATEWAY_TIMEOUT":       30 * time.Second,
		"SCHEDULER_INTERVAL":    time.Minute,
		"RECONCILE_INTERVAL":    15 * time.Minute,
		"SNAPSHOT_INTERVAL":     time.Minute,
		"GATEWAY_RETRY_INITIAL": 500 * time.Millisecond,
		"GATEWAY_RETRY_MAX":     5 * time.Second,
	}
	for key, def := range durations {
		d, err := getEnvDuration(key, def)
		if err != nil {
			return nil, err
		}
		durations[key] = d
	}

	backend := strings.ToLower(getEnvString("STORE_BACKEND", "sqlite"))
	if backend != "sqlite" && backend != "postgres" {
		return nil, fmt.Errorf("invalid STORE_BACKEND %q: expected sqlite or postgres", backend)
	}
	gatewayBackend := strings.ToLower(getEnvString("GATEWAY_BACKEND", "sandbox"))
	switch gatewayBackend {
	case "sandbox", "formance", "prime":
	default:
		return nil, fmt.Errorf("invalid GATEWAY_BACKEND %q: expected sandbox, formance or prime", gatewayBackend)
	}

	return &models.Config{
		Database: models.DatabaseConfig{
			Backend:         backend,
			Path:            getEnvString("DATABASE_PATH", "settlement.db"),
			PostgresUrl:     getEnvString("POSTGRES_URL", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: durations["DB_CONN_MAX_LIFETIME"],
			ConnMaxIdleTime: durations["DB_CONN_MAX_IDLE_TIME"],
			PingTimeout:     durations["DB_PING_TIMEOUT"],
		},
		Engine: models.EngineConfig{
			AssetSymbol:       getEnvString("ASSET_SYMBOL", "USDC"),
			PendingTtl:        durations["PENDING_TTL"],
			RetryBackoff:      durations["RETRY_BACKOFF"],
			PageLimit:         getEnvInt("SCHEDULER_PAGE_LIMIT", 100),
			MaxChargesPerPass: getEnvInt("SCHEDULER_MAX_CHARGES", 1000),
			MinCadence:        durations["MIN_CADENCE"],
			EventLogCapacity:  getEnvInt("EVENT_LOG_CAPACITY", 10000),
			MemoRetention:     durations["MEMO_RETENTION"],
			GatewayTimeout:    durations["GATEWAY_TIMEOUT"],
			IdentityPrefix:    getEnvString("IDENTITY_PREFIX", "users:"),
		},
		Listener: models.ListenerConfig{
			SchedulerInterval: durations["SCHEDULER_INTERVAL"],
			ReconcileInterval: durations["RECONCILE_INTERVAL"],
			SnapshotInterval:  durations["SNAPSHOT_INTERVAL"],
			AccountsFile:      getEnvString("ACCOUNTS_FILE", ""),
		},
		Gateway: models.GatewayConfig{
			Backend: gatewayBackend,
			Retry: models.RetryPolicy{
				InitialInterval:    durations["GATEWAY_RETRY_INITIAL"],
				BackoffCoefficient: getEnvFloat("GATEWAY_RETRY_COEFFICIENT", 2.0),
				MaximumInterval:    durations["GATEWAY_RETRY_MAX"],
				MaximumAttempts:    getEnvInt("GATEWAY_RETRY_ATTEMPTS", 4),
			},
			FormanceUrl:          getEnvString("FORMANCE_SERVER_URL", "http://localhost:8080"),
			FormanceClientId:     getEnvString("FORMANCE_CLIENT_ID", ""),
			FormanceClientSecret: getEnvString("FORMANCE_CLIENT_SECRET", ""),
			FormanceLedger:       getEnvString("FORMANCE_LEDGER", "settlement"),
			PrimePortfolioId:     getEnvString("PRIME_PORTFOLIO_ID", ""),
			PrimeWalletId:        getEnvString("PRIME_WALLET_ID", ""),
			PrimeNetwork:         getEnvString("PRIME_NETWORK", ""),
		},
		Http: models.HttpConfig{
			Addr: getEnvString("HTTP_ADDR", ":8080"),
		},
	}, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
