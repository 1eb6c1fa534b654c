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

// Package engine implements the virtual settlement engine.
//
// All state is owned by the goroutine running Engine.Run, which executes messages from a FIFO
// mailbox one at a time. A message that needs the external gateway performs every check and
// mutation first (debit, hold, memo), then hands the call to a separate goroutine and returns.
// The call's outcome comes back as a new message, so other messages run while it is in flight
// and always observe the already-debited balance.
package engine

import (
	"context"
	"sync"
	"time"

	"virtual-settlement-go/internal/gateway"
	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"

	"go.uber.org/zap"
)

const (
	defaultPendingTtl     = 15 * time.Minute
	defaultRetryBackoff   = 30 * time.Second
	defaultPageLimit      = 100
	defaultMaxCharges     = 1000
	defaultMinCadence     = time.Minute
	defaultMemoRetention  = 7 * 24 * time.Hour
	defaultIdentityPrefix = "users:"
)

type Engine struct {
	cfg     models.EngineConfig
	gateway gateway.Gateway
	clock   Clock
	queue   *mailbox

	ledger   *balanceLedger
	memos    *memoStore
	events   *eventLog
	guard    *pendingGuard
	registry *subscriptionRegistry
	cursor   models.BillingCursor

	netExternal      map[models.Account]int64
	totalDeposits    int64
	totalWithdrawals int64
	frozen           map[models.Account]string
	lastReport       *models.ReconciliationReport

	runCtx   context.Context
	inflight sync.WaitGroup
}

type Option func(*Engine)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func New(cfg models.EngineConfig, gw gateway.Gateway, opts ...Option) *Engine {
	if cfg.PendingTtl <= 0 {
		cfg.PendingTtl = defaultPendingTtl
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = defaultPageLimit
	}
	if cfg.MaxChargesPerPass <= 0 {
		cfg.MaxChargesPerPass = defaultMaxCharges
	}
	if cfg.MinCadence <= 0 {
		cfg.MinCadence = defaultMinCadence
	}
	if cfg.MemoRetention <= 0 {
		cfg.MemoRetention = defaultMemoRetention
	}
	if cfg.IdentityPrefix == "" {
		cfg.IdentityPrefix = defaultIdentityPrefix
	}

	e := &Engine{
		cfg:         cfg,
		gateway:     gw,
		clock:       systemClock{},
		queue:       newMailbox(),
		netExternal: make(map[models.Account]int64),
		frozen:      make(map[models.Account]string),
		runCtx:      context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.ledger = newBalanceLedger()
	e.memos = newMemoStore()
	e.events = newEventLog(e.clock, cfg.EventLogCapacity)
	e.guard = newPendingGuard(e.ledger, e.memos, e.events)
	e.registry = newSubscriptionRegistry(cfg.MinCadence)
	return e
}

// Run executes messages until ctx is done. Messages still queued at that point are drained
// before Run returns; later calls fail with store.ErrEngineStopped.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	zap.L().Info("Settlement engine started",
		zap.Duration("pending_ttl", e.cfg.PendingTtl),
		zap.Int("page_limit", e.cfg.PageLimit))

	for {
		select {
		case <-ctx.Done():
			e.queue.Close()
			e.drain()
			zap.L().Info("Settlement engine stopped")
			return nil
		case _, open := <-e.queue.Wait():
			e.drain()
			if !open {
				return nil
			}
		}
	}
}

// Wait blocks until outstanding gateway calls have returned.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) drain() {
	for {
		msg, ok := e.queue.TryDequeue()
		if !ok {
			return
		}
		msg()
	}
}

// do runs fn on the engine loop and waits for it to finish or for ctx to end.
// If ctx ends first fn still runs; its results are simply not observed.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !e.queue.Enqueue(func() {
		defer close(done)
		fn()
	}) {
		return store.ErrEngineStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// suspend runs call off the loop and enqueues resume with its error.
// Must be called from the loop.
func (e *Engine) suspend(call func(ctx context.Context) error, resume func(err error)) {
	parent := e.runCtx
	timeout := e.cfg.GatewayTimeout

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()

		ctx, cancel := parent, context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(parent, timeout)
		}
		err := call(ctx)
		cancel()

		if !e.queue.Enqueue(func() { resume(err) }) {
			zap.L().Warn("Engine stopped before a gateway outcome could be applied", zap.Error(err))
		}
	}()
}

func (e *Engine) identityFor(account models.Account) string {
	if id, ok := e.cfg.SettlementIdentities[account]; ok && id != "" {
		return id
	}
	return e.cfg.IdentityPrefix + string(account)
}

func (e *Engine) checkNotFrozen(accounts ...models.Account) error {
	for _, a := range accounts {
		if reason, ok := e.frozen[a]; ok {
			return &FrozenError{Account: a, Reason: reason}
		}
	}
	return nil
}

func (e *Engine) freeze(account models.Account, reason string) {
	if _, ok := e.frozen[account]; ok {
		return
	}
	e.frozen[account] = reason
	zap.L().Error("Account frozen", zap.String("account", string(account)), zap.String("reason", reason))
}

// recordConfirmedWithdrawal tracks funds that left the system.
func (e *Engine) recordConfirmedWithdrawal(account models.Account, amount int64) {
	e.netExternal[account] -= amount
	e.totalWithdrawals += amount
}

func (e *Engine) recordConfirmedDeposit(account models.Account, amount int64) {
	e.netExternal[account] += amount
	e.totalDeposits += amount
}
