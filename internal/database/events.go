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
	"fmt"
	"time"

	"virtual-settlement-go/internal/models"
)

// ListEvents returns stored events with a timestamp at or after since, oldest first.
func (s *Service) ListEvents(ctx context.Context, since time.Time, limit int) ([]models.EventLogEntry, error) {
	if limit <= 0 {
		limit = eventTailLimit
	}
	rows, err := s.db.QueryContext(ctx, queryGetEventsSince, toNanos(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// loadEventTail returns the newest limit events, oldest first.
func (s *Service) loadEventTail(ctx context.Context, limit int) ([]models.EventLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, queryGetEventTail, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query event tail: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func scanEvents(rows *sql.Rows) ([]models.EventLogEntry, error) {
	events := make([]models.EventLogEntry, 0)
	for rows.Next() {
		var (
			e        models.EventLogEntry
			ts       int64
			accounts string
		)
		if err := rows.Scan(&e.Seq, &ts, &e.Kind, &accounts, &e.Amount, &e.Outcome, &e.Reference, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(accounts), &e.Accounts); err != nil {
			return nil, fmt.Errorf("failed to decode event %d accounts: %w", e.Seq, err)
		}
		e.Timestamp = fromNanos(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}
