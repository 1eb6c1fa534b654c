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
	"sort"

	"virtual-settlement-go/internal/metrics"
	"virtual-settlement-go/internal/models"

	"go.uber.org/zap"
)

type reconTarget struct {
	account  models.Account
	identity string
	expected int64
	inFlight int64
}

// Reconcile compares each account's cumulative net external flow with the gateway balance of its
// settlement identity. It only reads and logs: drift produces RECONCILIATION_DRIFT events and a
// broken conservation law produces INVARIANT_VIOLATION, but no balance is touched.
func (e *Engine) Reconcile(ctx context.Context) (*models.ReconciliationReport, error) {
	var before map[models.Account]reconTarget
	if err := e.do(ctx, func() { before = e.reconciliationTargets() }); err != nil {
		return nil, err
	}

	accounts := make([]models.Account, 0, len(before))
	for a := range before {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })

	// Gateway queries run outside the loop; other messages keep flowing meanwhile.
	externals := make(map[models.Account]int64, len(accounts))
	queryErrs := make(map[models.Account]error)
	for _, a := range accounts {
		balance, err := e.gateway.QueryBalance(ctx, before[a].identity)
		if err != nil {
			metrics.GatewayCallsTotal.WithLabelValues("query_balance", "error").Inc()
			queryErrs[a] = err
			continue
		}
		metrics.GatewayCallsTotal.WithLabelValues("query_balance", "ok").Inc()
		externals[a] = balance
	}

	var report *models.ReconciliationReport
	if err := e.do(ctx, func() { report = e.buildReport(accounts, before, externals, queryErrs) }); err != nil {
		return nil, err
	}
	return report, nil
}

// reconciliationTargets covers every account with a balance, an external flow or a hold.
func (e *Engine) reconciliationTargets() map[models.Account]reconTarget {
	set := make(map[models.Account]struct{})
	for _, a := range e.ledger.Accounts() {
		set[a] = struct{}{}
	}
	for a := range e.netExternal {
		set[a] = struct{}{}
	}
	for _, a := range e.guard.accounts() {
		set[a] = struct{}{}
	}

	targets := make(map[models.Account]reconTarget, len(set))
	for a := range set {
		targets[a] = reconTarget{
			account:  a,
			identity: e.identityFor(a),
			expected: e.netExternal[a],
			inFlight: e.guard.Held(a, models.PurposeWithdrawal),
		}
	}
	return targets
}

// buildReport accepts an external balance anywhere in [expected - inFlight, expected], taking
// the union of the windows before and after the queries.
func (e *Engine) buildReport(accounts []models.Account, before map[models.Account]reconTarget, externals map[models.Account]int64, queryErrs map[models.Account]error) *models.ReconciliationReport {
	now := e.clock.Now()
	after := e.reconciliationTargets()

	report := &models.ReconciliationReport{
		RunAt:            now,
		Entries:          make([]models.ReconciliationEntry, 0, len(accounts)),
		TotalBalances:    e.ledger.Total(),
		TotalHeld:        e.guard.Held("", ""),
		TotalDeposits:    e.totalDeposits,
		TotalWithdrawals: e.totalWithdrawals,
	}

	for _, a := range accounts {
		b := before[a]
		entry := models.ReconciliationEntry{
			Account:  a,
			Identity: b.identity,
			Expected: b.expected,
			InFlight: b.inFlight,
		}
		if err, failed := queryErrs[a]; failed {
			entry.Error = err.Error()
			report.Entries = append(report.Entries, entry)
			continue
		}

		low, high := b.expected-b.inFlight, b.expected
		if cur, ok := after[a]; ok {
			low = min(low, cur.expected-cur.inFlight)
			high = max(high, cur.expected)
		}

		entry.External = externals[a]
		switch {
		case entry.External < low:
			entry.Drift = entry.External - low
		case entry.External > high:
			entry.Drift = entry.External - high
		}
		entry.Ok = entry.Drift == 0

		if !entry.Ok {
			report.DriftCount++
			metrics.ReconciliationDriftTotal.Inc()
			e.events.Append(models.EventReconciliationDrift, []models.Account{a}, entry.Drift, "DRIFT", b.identity,
				fmt.Sprintf("external=%d expected=%d in_flight=%d", entry.External, entry.Expected, entry.InFlight))
		}
		report.Entries = append(report.Entries, entry)
	}

	report.ConservationOk = report.TotalBalances+report.TotalHeld <= report.TotalDeposits-report.TotalWithdrawals
	if !report.ConservationOk {
		metrics.InvariantViolationsTotal.Inc()
		e.events.Append(models.EventInvariantViolation, nil, report.TotalBalances+report.TotalHeld, "CONSERVATION_BROKEN", "",
			fmt.Sprintf("balances=%d held=%d deposits=%d withdrawals=%d",
				report.TotalBalances, report.TotalHeld, report.TotalDeposits, report.TotalWithdrawals))
	}

	e.lastReport = report
	zap.L().Info("Reconciliation complete",
		zap.Int("accounts", len(report.Entries)),
		zap.Int("drift_count", report.DriftCount),
		zap.Bool("conservation_ok", report.ConservationOk))
	return report
}
