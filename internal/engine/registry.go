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
	"fmt"
	"sort"
	"time"

	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"

	"github.com/google/uuid"
)

// subscriptionRegistry holds every subscription ever created, cancelled ones included,
// ordered by id. Ids are UUIDv7 so id order follows creation order.
type subscriptionRegistry struct {
	subs       map[string]*models.Subscription
	order      []string
	minCadence time.Duration
}

func newSubscriptionRegistry(minCadence time.Duration) *subscriptionRegistry {
	return &subscriptionRegistry{subs: make(map[string]*models.Subscription), minCadence: minCadence}
}

func (r *subscriptionRegistry) Create(payer, payee models.Account, amount int64, cadence time.Duration, now time.Time) (*models.Subscription, error) {
	switch {
	case amount <= 0:
		return nil, store.ErrInvalidAmount
	case cadence <= 0:
		return nil, fmt.Errorf("cadence must be positive: %w", store.ErrInvalidSubscription)
	case cadence < r.minCadence:
		return nil, fmt.Errorf("cadence %s is below the minimum %s: %w", cadence, r.minCadence, store.ErrInvalidSubscription)
	case payer == "" || payee == "":
		return nil, fmt.Errorf("payer and payee are required: %w", store.ErrInvalidSubscription)
	case payer == payee:
		return nil, fmt.Errorf("payer and payee must differ: %w", store.ErrInvalidSubscription)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate subscription id: %w", err)
	}
	sub := &models.Subscription{
		Id:             id.String(),
		Payer:          payer,
		Payee:          payee,
		Amount:         amount,
		Cadence:        cadence,
		NextChargeTime: now,
		State:          models.SubscriptionActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.insert(sub)
	return sub, nil
}

func (r *subscriptionRegistry) Get(id string) (*models.Subscription, error) {
	sub, ok := r.subs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, store.ErrSubscriptionNotFound)
	}
	return sub, nil
}

func (r *subscriptionRegistry) Cancel(id string, now time.Time) (*models.Subscription, error) {
	sub, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if sub.State == models.SubscriptionCancelled {
		return nil, fmt.Errorf("%s: %w", id, store.ErrSubscriptionCancelled)
	}
	sub.State = models.SubscriptionCancelled
	sub.UpdatedAt = now
	return sub, nil
}

// Resume moves a suspended subscription back to ACTIVE. Periods missed while suspended
// stay owed and are charged by the next pass as the balance allows.
func (r *subscriptionRegistry) Resume(id string, payer models.Account, now time.Time) (*models.Subscription, error) {
	sub, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	switch {
	case sub.Payer != payer:
		return nil, fmt.Errorf("%s: %w", id, store.ErrNotSubscriptionPayer)
	case sub.State == models.SubscriptionCancelled:
		return nil, fmt.Errorf("%s: %w", id, store.ErrSubscriptionCancelled)
	case sub.State != models.SubscriptionSuspended:
		return nil, fmt.Errorf("%s is %s, not suspended: %w", id, sub.State, store.ErrInvalidSubscription)
	}
	sub.State = models.SubscriptionActive
	sub.UpdatedAt = now
	return sub, nil
}

// Due walks subscriptions after position in id order and returns up to limit ACTIVE ones
// whose next charge time has passed. next is the cursor position for the following walk;
// it is empty when the walk reached the end of the registry.
func (r *subscriptionRegistry) Due(position string, now time.Time, limit int) (due []*models.Subscription, next string) {
	start := sort.SearchStrings(r.order, position)
	if start < len(r.order) && r.order[start] == position {
		start++
	}

	for i := start; i < len(r.order); i++ {
		sub := r.subs[r.order[i]]
		if sub.State != models.SubscriptionActive || sub.NextChargeTime.After(now) {
			continue
		}
		due = append(due, sub)
		if len(due) == limit {
			if i == len(r.order)-1 {
				return due, ""
			}
			return due, sub.Id
		}
	}
	return due, ""
}

func (r *subscriptionRegistry) List() []models.Subscription {
	out := make([]models.Subscription, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.subs[id])
	}
	return out
}

func (r *subscriptionRegistry) restore(subs []models.Subscription) {
	r.subs = make(map[string]*models.Subscription, len(subs))
	r.order = r.order[:0]
	for i := range subs {
		sub := subs[i]
		r.insert(&sub)
	}
}

func (r *subscriptionRegistry) insert(sub *models.Subscription) {
	r.subs[sub.Id] = sub
	i := sort.SearchStrings(r.order, sub.Id)
	r.order = append(r.order, "")
	copy(r.order[i+1:], r.order[i:])
	r.order[i] = sub.Id
}
