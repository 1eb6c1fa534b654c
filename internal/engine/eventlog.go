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

package engine

import (
	"sort"
	"time"

	"virtual-settlement-go/internal/models"

	"go.uber.org/zap"
)

const defaultEventLogCapacity = 10000

// eventLog is the append-only audit trail. Entries are never mutated. Only entries already
// written to the snapshot store are released from memory, and only once the tail holds at
// least twice capacity, so each release drops at least capacity entries in one copy.
type eventLog struct {
	clock     Clock
	entries   []models.EventLogEntry
	nextSeq   int64
	capacity  int
	persisted int64 // highest seq known to be in the snapshot store
}

func newEventLog(clock Clock, capacity int) *eventLog {
	if capacity <= 0 {
		capacity = defaultEventLogCapacity
	}
	return &eventLog{clock: clock, nextSeq: 1, capacity: capacity}
}

func (l *eventLog) Append(kind models.EventKind, accounts []models.Account, amount int64, outcome, reference, detail string) models.EventLogEntry {
	entry := models.EventLogEntry{
		Seq:       l.nextSeq,
		Timestamp: l.clock.Now(),
		Kind:      kind,
		Accounts:  accounts,
		Amount:    amount,
		Outcome:   outcome,
		Reference: reference,
		Detail:    detail,
	}
	l.nextSeq++
	l.entries = append(l.entries, entry)
	l.compact()

	fields := []zap.Field{
		zap.Int64("seq", entry.Seq),
		zap.String("kind", string(kind)),
		zap.Any("accounts", accounts),
		zap.Int64("amount", amount),
		zap.String("outcome", outcome),
	}
	if reference != "" {
		fields = append(fields, zap.String("reference", reference))
	}
	if detail != "" {
		fields = append(fields, zap.String("detail", detail))
	}

	switch kind {
	case models.EventInvariantViolation:
		zap.L().Error("Settlement event", fields...)
	case models.EventReconciliationDrift, models.EventGatewayFatalRollback, models.EventExpiredRollback:
		zap.L().Warn("Settlement event", fields...)
	default:
		zap.L().Info("Settlement event", fields...)
	}
	return entry
}

// Since returns entries with a timestamp at or after since, oldest first.
func (l *eventLog) Since(since time.Time) []models.EventLogEntry {
	out := make([]models.EventLogEntry, 0)
	for _, e := range l.entries {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

// MarkPersisted records that every entry up to seq has been stored.
func (l *eventLog) MarkPersisted(seq int64) {
	if seq <= l.persisted {
		return
	}
	l.persisted = seq
	l.compact()
}

func (l *eventLog) compact() {
	if len(l.entries) < 2*l.capacity {
		return
	}
	stored := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].Seq > l.persisted })
	drop := min(stored, len(l.entries)-l.capacity)
	if drop < l.capacity {
		return
	}
	l.entries = append(l.entries[:0:0], l.entries[drop:]...)
}

func (l *eventLog) list() []models.EventLogEntry {
	return append([]models.EventLogEntry(nil), l.entries...)
}

// restore replaces the log with entries loaded from the snapshot store.
func (l *eventLog) restore(entries []models.EventLogEntry, nextSeq int64) {
	l.entries = append([]models.EventLogEntry(nil), entries...)
	if over := len(l.entries) - l.capacity; over > 0 {
		l.entries = l.entries[over:]
	}
	l.persisted = 0
	if n := len(l.entries); n > 0 {
		l.persisted = l.entries[n-1].Seq
	}
	l.nextSeq = nextSeq
	for _, e := range l.entries {
		if e.Seq >= l.nextSeq {
			l.nextSeq = e.Seq + 1
		}
	}
	if l.nextSeq < 1 {
		l.nextSeq = 1
	}
}
