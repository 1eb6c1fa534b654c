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
	"context"
	"fmt"
	"time"

	"virtual-settlement-go/internal/metrics"
	"virtual-settlement-go/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Process runs one scheduler pass over at most limit due subscriptions (the configured page
// limit when limit <= 0), charging at most MaxChargesPerPass periods in total. Periods left
// over stay due and the cursor stays on their subscription. The pass first sweeps expired
// holds and resubmits pending withdrawals. It is safe to call late, early, or twice in a row.
func (e *Engine) Process(ctx context.Context, limit int) (*models.ProcessReport, error) {
	var report *models.ProcessReport
	if err := e.do(ctx, func() { report = e.process(limit) }); err != nil {
		return nil, err
	}
	return report, nil
}

func (e *Engine) process(limit int) *models.ProcessReport {
	timer := prometheus.NewTimer(metrics.ProcessDuration)
	defer timer.ObserveDuration()

	if limit <= 0 {
		limit = e.cfg.PageLimit
	}
	now := e.clock.Now()
	report := &models.ProcessReport{StartedAt: now}

	report.Expired = e.guard.Sweep(now)
	report.Retried = e.resubmitDue(now)
	e.memos.Prune(now.Add(-e.cfg.MemoRetention))

	budget := e.cfg.MaxChargesPerPass
	previous := e.cursor.Position
	due, next := e.registry.Due(previous, now, limit)
	for _, sub := range due {
		report.Visited++
		budget -= e.chargeSubscription(sub, now, budget, report)
		if budget > 0 {
			previous = sub.Id
			continue
		}
		next = sub.Id
		if sub.State == models.SubscriptionActive && !sub.NextChargeTime.After(now) {
			// Revisit this subscription first on the next pass.
			next = previous
			report.Deferred = true
		}
		break
	}

	e.cursor = models.BillingCursor{Position: next, LastRunAt: now}
	report.Wrapped = next == "" && !report.Deferred
	report.Cursor = e.cursor

	zap.L().Info("Scheduler pass complete",
		zap.Int("visited", report.Visited),
		zap.Int("charges", report.Charges),
		zap.Int("suspended", report.Suspended),
		zap.Int("expired", report.Expired),
		zap.Int("retried", report.Retried),
		zap.Bool("deferred", report.Deferred),
		zap.String("cursor", next))
	return report
}

// chargeSubscription charges elapsed periods in order until one fails or budget periods
// have been charged. It returns the number charged.
func (e *Engine) chargeSubscription(sub *models.Subscription, now time.Time, budget int, report *models.ProcessReport) int {
	if err := e.checkNotFrozen(sub.Payer, sub.Payee); err != nil {
		e.events.Append(models.EventSubscriptionSkipped, []models.Account{sub.Payer, sub.Payee}, sub.Amount,
			"SKIPPED", sub.Id, err.Error())
		report.Skipped++
		return 0
	}

	periods := int64(now.Sub(sub.NextChargeTime)/sub.Cadence) + 1
	e.events.Append(models.EventSubscriptionDue, []models.Account{sub.Payer, sub.Payee}, sub.Amount*periods,
		"DUE", sub.Id, fmt.Sprintf("periods=%d", periods))

	charged := 0
	for i := int64(0); i < periods && charged < budget; i++ {
		if err := e.chargeOnce(sub, now); err != nil {
			sub.State = models.SubscriptionSuspended
			sub.UpdatedAt = now
			e.events.Append(models.EventSubscriptionSuspended, []models.Account{sub.Payer, sub.Payee}, sub.Amount,
				string(models.SubscriptionSuspended), sub.Id, err.Error())
			metrics.SubscriptionSuspensionsTotal.Inc()
			report.Suspended++
			break
		}
		charged++
		report.Charges++
	}
	return charged
}

// chargeOnce moves one period's amount from payer to payee: debit, hold, credit, resolve.
// Everything stays internal so the hold is resolved within the same message.
func (e *Engine) chargeOnce(sub *models.Subscription, now time.Time) error {
	nonce := fmt.Sprintf("%s:%d", sub.Id, sub.NextChargeTime.Unix())

	if err := e.ledger.Debit(sub.Payer, sub.Amount); err != nil {
		metrics.LedgerRejectionsTotal.WithLabelValues("subscription_charge", "insufficient_funds").Inc()
		return err
	}
	if _, err := e.guard.Begin(sub.Payer, nonce, sub.Amount, models.PurposeSubscriptionCharge, e.cfg.PendingTtl, now); err != nil {
		e.ledger.Credit(sub.Payer, sub.Amount)
		return err
	}
	e.ledger.Credit(sub.Payee, sub.Amount)
	e.guard.Resolve(sub.Payer, nonce)

	sub.NextChargeTime = sub.NextChargeTime.Add(sub.Cadence)
	sub.ChargeCount++
	sub.UpdatedAt = now
	e.events.Append(models.EventSubscriptionCharged, []models.Account{sub.Payer, sub.Payee}, sub.Amount,
		"CHARGED", sub.Id, fmt.Sprintf("charge=%d", sub.ChargeCount))
	metrics.SubscriptionChargesTotal.Inc()
	return nil
}

// Subscribe creates an ACTIVE subscription whose first period is due immediately.
func (e *Engine) Subscribe(ctx context.Context, payer, payee models.Account, amount int64, cadence time.Duration) (*models.Subscription, error) {
	var (
		sub    models.Subscription
		subErr error
	)
	if err := e.do(ctx, func() {
		if subErr = e.checkNotFrozen(payer, payee); subErr != nil {
			return
		}
		created, err := e.registry.Create(payer, payee, amount, cadence, e.clock.Now())
		if err != nil {
			subErr = err
			return
		}
		e.events.Append(models.EventSubscriptionCreated, []models.Account{payer, payee}, amount,
			string(created.State), created.Id, fmt.Sprintf("cadence=%s", cadence))
		sub = *created
	}); err != nil {
		return nil, err
	}
	if subErr != nil {
		return nil, subErr
	}
	return &sub, nil
}

func (e *Engine) CancelSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	var (
		sub       models.Subscription
		cancelErr error
	)
	if err := e.do(ctx, func() {
		cancelled, err := e.registry.Cancel(id, e.clock.Now())
		if err != nil {
			cancelErr = err
			return
		}
		e.events.Append(models.EventSubscriptionCancelled, []models.Account{cancelled.Payer, cancelled.Payee},
			cancelled.Amount, string(cancelled.State), cancelled.Id, "")
		sub = *cancelled
	}); err != nil {
		return nil, err
	}
	if cancelErr != nil {
		return nil, cancelErr
	}
	return &sub, nil
}

// ResumeSubscription reactivates a suspended subscription on behalf of its payer.
func (e *Engine) ResumeSubscription(ctx context.Context, id string, payer models.Account) (*models.Subscription, error) {
	var (
		sub       models.Subscription
		resumeErr error
	)
	if err := e.do(ctx, func() {
		if resumeErr = e.checkNotFrozen(payer); resumeErr != nil {
			return
		}
		resumed, err := e.registry.Resume(id, payer, e.clock.Now())
		if err != nil {
			resumeErr = err
			return
		}
		e.events.Append(models.EventSubscriptionResumed, []models.Account{resumed.Payer, resumed.Payee},
			resumed.Amount, string(resumed.State), resumed.Id, "")
		sub = *resumed
	}); err != nil {
		return nil, err
	}
	if resumeErr != nil {
		return nil, resumeErr
	}
	return &sub, nil
}

func (e *Engine) Subscription(ctx context.Context, id string) (*models.Subscription, error) {
	var (
		sub    models.Subscription
		getErr error
	)
	if err := e.do(ctx, func() {
		found, err := e.registry.Get(id)
		if err != nil {
			getErr = err
			return
		}
		sub = *found
	}); err != nil {
		return nil, err
	}
	if getErr != nil {
		return nil, getErr
	}
	return &sub, nil
}

// Subscriptions lists subscriptions where account is payer or payee; all of them when
// account is empty.
func (e *Engine) Subscriptions(ctx context.Context, account models.Account) ([]models.Subscription, error) {
	var subs []models.Subscription
	if err := e.do(ctx, func() {
		for _, sub := range e.registry.List() {
			if account == "" || sub.Payer == account || sub.Payee == account {
				subs = append(subs, sub)
			}
		}
	}); err != nil {
		return nil, err
	}
	return subs, nil
}

// BillingCursor returns the scheduler's resumption point.
func (e *Engine) BillingCursor(ctx context.Context) (models.BillingCursor, error) {
	var cursor models.BillingCursor
	err := e.do(ctx, func() { cursor = e.cursor })
	return cursor, err
}
