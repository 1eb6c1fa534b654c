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
	"fmt"
	"time"

	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.SnapshotStore.
var _ store.SnapshotStore = (*Service)(nil)

// eventTailLimit bounds how many events a snapshot load brings back into memory.
const eventTailLimit = 10000

type Service struct {
	db *sql.DB
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000")
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, closeErr
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := &Service{db: db}
	if err := service.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, closeErr
		}
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

// Times are stored as unix nanoseconds; 0 is the zero time.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *Service) initSchema() error {
	schema := `
	-- Single-row snapshot header; version guards concurrent writers
	CREATE TABLE IF NOT EXISTS snapshot_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL,
		taken_at INTEGER NOT NULL,
		total_deposits INTEGER NOT NULL DEFAULT 0,
		total_withdrawals INTEGER NOT NULL DEFAULT 0,
		next_event_seq INTEGER NOT NULL DEFAULT 1,
		cursor_position TEXT NOT NULL DEFAULT '',
		cursor_last_run_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS accounts (
		account TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0,
		net_external INTEGER NOT NULL DEFAULT 0,
		frozen_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		payer TEXT NOT NULL,
		payee TEXT NOT NULL,
		amount INTEGER NOT NULL,
		cadence_ns INTEGER NOT NULL,
		next_charge_time INTEGER NOT NULL,
		state TEXT NOT NULL,
		charge_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_subscriptions_payer ON subscriptions(payer);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_state ON subscriptions(state);

	CREATE TABLE IF NOT EXISTS pending_operations (
		account TEXT NOT NULL,
		nonce TEXT NOT NULL,
		amount INTEGER NOT NULL,
		purpose TEXT NOT NULL,
		counterparty TEXT NOT NULL DEFAULT '',
		memo TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (account, nonce)
	);

	CREATE TABLE IF NOT EXISTS idempotency_memos (
		key TEXT PRIMARY KEY,
		account TEXT NOT NULL,
		nonce TEXT NOT NULL,
		amount INTEGER NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memos_account ON idempotency_memos(account);

	-- Event log is append-only: rows are inserted once and never updated
	CREATE TABLE IF NOT EXISTS event_log (
		seq INTEGER PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		kind TEXT NOT NULL,
		accounts TEXT NOT NULL,
		amount INTEGER NOT NULL,
		outcome TEXT NOT NULL DEFAULT '',
		reference TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_event_log_timestamp ON event_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_event_log_kind ON event_log(kind);
	`

	_, err := s.db.Exec(schema)
	return err
}
