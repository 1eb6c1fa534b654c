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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"virtual-settlement-go/internal/models"
)

// MemoKey derives the deterministic memo for one logical settlement intent.
func MemoKey(account models.Account, nonce string, amount int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", account, nonce, amount)))
	return hex.EncodeToString(sum[:])
}

type memoStore struct {
	memos map[string]*models.IdempotencyMemo
}

func newMemoStore() *memoStore {
	return &memoStore{memos: make(map[string]*models.IdempotencyMemo)}
}

// Record returns the memo for (account, nonce, amount), creating it in PENDING on first use.
// An existing memo is returned verbatim, whatever its status.
func (s *memoStore) Record(account models.Account, nonce string, amount int64, now time.Time) (*models.IdempotencyMemo, bool) {
	key := MemoKey(account, nonce, amount)
	if memo, ok := s.memos[key]; ok {
		return memo, false
	}
	memo := &models.IdempotencyMemo{
		Key:       key,
		Account:   account,
		Nonce:     nonce,
		Amount:    amount,
		Status:    models.MemoPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.memos[key] = memo
	return memo, true
}

func (s *memoStore) Get(key string) (*models.IdempotencyMemo, bool) {
	memo, ok := s.memos[key]
	return memo, ok
}

func (s *memoStore) MarkAttempt(key string, now time.Time) {
	if memo, ok := s.memos[key]; ok {
		memo.Attempts++
		memo.UpdatedAt = now
	}
}

// SetStatus moves a memo to status. CONFIRMED is final: a confirmed memo is never
// downgraded.
func (s *memoStore) SetStatus(key string, status models.MemoStatus, lastError string, now time.Time) {
	memo, ok := s.memos[key]
	if !ok || memo.Status == models.MemoConfirmed {
		return
	}
	memo.Status = status
	memo.LastError = lastError
	memo.UpdatedAt = now
}

// Prune drops settled memos last updated before cutoff. Pending memos are always kept.
func (s *memoStore) Prune(cutoff time.Time) int {
	pruned := 0
	for key, memo := range s.memos {
		if memo.Status != models.MemoPending && memo.UpdatedAt.Before(cutoff) {
			delete(s.memos, key)
			pruned++
		}
	}
	return pruned
}

func (s *memoStore) list() []models.IdempotencyMemo {
	out := make([]models.IdempotencyMemo, 0, len(s.memos))
	for _, memo := range s.memos {
		out = append(out, *memo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].Key < out[j].Key) })
	return out
}

func (s *memoStore) restore(memos []models.IdempotencyMemo) {
	s.memos = make(map[string]*models.IdempotencyMemo, len(memos))
	for i := range memos {
		memo := memos[i]
		s.memos[memo.Key] = &memo
	}
}
